// Command shadow_compare replays read-only requests against the legacy
// workflow service and this API, and reports status and body diffs. Used
// during the migration window to prove response parity before cutover.
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"
)

type target struct {
	Method   string `json:"method"`
	Path     string `json:"path"`
	Critical bool   `json:"critical"`
}

type targetsFile struct {
	Targets []target `json:"targets"`
}

type result struct {
	Target        target
	LegacyStatus  int
	GoStatus      int
	StatusMatch   bool
	BodyMatch     bool
	Err           error
	GoLatency     time.Duration
	LegacyLatency time.Duration
}

// Response fields that differ per request or per deployment and must not
// count as diffs.
var volatileKeys = map[string]struct{}{
	"requestId": {},
	"createdAt": {},
	"updatedAt": {},
	"emittedAt": {},
}

func main() {
	var (
		goBase      string
		legacyBase  string
		token       string
		targetsPath string
		timeout     time.Duration
	)

	flag.StringVar(&goBase, "go-base", "http://localhost:8080", "workflow-api base URL")
	flag.StringVar(&legacyBase, "legacy-base", "http://localhost:9000", "legacy LIMS base URL")
	flag.StringVar(&token, "token", os.Getenv("SHADOW_COMPARE_TOKEN"), "bearer token sent to both services")
	flag.StringVar(&targetsPath, "targets", filepath.Join("scripts", "shadow_compare", "targets.json"), "path to JSON targets file")
	flag.DurationVar(&timeout, "timeout", 5*time.Second, "HTTP client timeout")
	flag.Parse()

	targets, err := loadTargets(targetsPath)
	if err != nil {
		log.Fatalf("load targets: %v", err)
	}

	client := &http.Client{Timeout: timeout}
	var results []result
	breaking := 0
	for _, t := range targets {
		res := compare(client, goBase, legacyBase, token, t)
		if t.Critical && (res.Err != nil || !res.StatusMatch || !res.BodyMatch) {
			breaking++
		}
		results = append(results, res)
	}

	printReport(results)
	fmt.Printf("Breaking diffs: %d of %d targets\n", breaking, len(results))
	if breaking > 0 {
		os.Exit(1)
	}
}

func loadTargets(path string) ([]target, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file targetsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, err
	}
	if len(file.Targets) == 0 {
		return nil, fmt.Errorf("no targets defined in %s", path)
	}
	return file.Targets, nil
}

func compare(client *http.Client, goBase, legacyBase, token string, tgt target) result {
	res := result{Target: tgt}

	goResp, goDur, err := send(client, goBase, token, tgt)
	if err != nil {
		res.Err = fmt.Errorf("workflow-api request: %w", err)
		return res
	}
	defer goResp.Body.Close()
	legacyResp, legacyDur, err := send(client, legacyBase, token, tgt)
	if err != nil {
		res.Err = fmt.Errorf("legacy request: %w", err)
		return res
	}
	defer legacyResp.Body.Close()

	res.GoLatency = goDur
	res.LegacyLatency = legacyDur
	res.GoStatus = goResp.StatusCode
	res.LegacyStatus = legacyResp.StatusCode
	res.StatusMatch = res.GoStatus == res.LegacyStatus

	goBody, err := io.ReadAll(goResp.Body)
	if err != nil {
		res.Err = fmt.Errorf("read workflow-api body: %w", err)
		return res
	}
	legacyBody, err := io.ReadAll(legacyResp.Body)
	if err != nil {
		res.Err = fmt.Errorf("read legacy body: %w", err)
		return res
	}

	res.BodyMatch = bodiesEqual(goBody, legacyBody)
	return res
}

func send(client *http.Client, base, token string, tgt target) (*http.Response, time.Duration, error) {
	if client == nil {
		return nil, 0, errors.New("nil client")
	}
	method := strings.ToUpper(strings.TrimSpace(tgt.Method))
	if method == "" {
		method = http.MethodGet
	}
	path := tgt.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	req, err := http.NewRequest(method, strings.TrimRight(base, "/")+path, nil)
	if err != nil {
		return nil, 0, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	return resp, time.Since(start), nil
}

func bodiesEqual(a, b []byte) bool {
	if bytes.Equal(bytes.TrimSpace(a), bytes.TrimSpace(b)) {
		return true
	}

	var aj, bj interface{}
	if err := json.Unmarshal(a, &aj); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bj); err != nil {
		return false
	}
	normalize(&aj)
	normalize(&bj)
	return reflect.DeepEqual(aj, bj)
}

// normalize strips volatile fields and collapses whole-valued floats so
// 3 and 3.0 compare equal across JSON encoders.
func normalize(v *interface{}) {
	switch val := (*v).(type) {
	case map[string]interface{}:
		for k := range volatileKeys {
			delete(val, k)
		}
		for k, inner := range val {
			normalize(&inner)
			val[k] = inner
		}
	case []interface{}:
		for i, inner := range val {
			normalize(&inner)
			val[i] = inner
		}
	case float64:
		if val == float64(int64(val)) {
			*v = int64(val)
		}
	}
}

func printReport(results []result) {
	fmt.Println("Shadow Compare Report")
	fmt.Println("=====================")
	for _, res := range results {
		status := "OK"
		switch {
		case res.Err != nil:
			status = "ERROR"
		case !res.StatusMatch || !res.BodyMatch:
			status = "DIFF"
		}
		fmt.Printf("[%s] %s %s\n", status, res.Target.Method, res.Target.Path)
		if res.Err != nil {
			fmt.Printf("  error: %v\n", res.Err)
			continue
		}
		fmt.Printf("  workflow-api: %d (%s) | legacy: %d (%s)\n", res.GoStatus, res.GoLatency, res.LegacyStatus, res.LegacyLatency)
		fmt.Printf("  status match: %t | body match: %t | critical: %t\n", res.StatusMatch, res.BodyMatch, res.Target.Critical)
	}
}
