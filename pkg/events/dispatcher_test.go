package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestDispatcherDeliversToSubscribers(t *testing.T) {
	d := NewDispatcher(Config{Workers: 2, RetryDelay: 10 * time.Millisecond})

	var mu sync.Mutex
	var got []Event
	d.Subscribe(TopicConsultationStatusChanged, func(ctx context.Context, e Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e)
		return nil
	})

	d.Start(context.Background())
	defer d.Stop()

	require.NoError(t, d.Publish(Event{
		Topic:    TopicConsultationStatusChanged,
		EntityID: "con-1",
		Payload:  map[string]interface{}{"from": "assessing", "to": "assessment_passed"},
	}))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "con-1", got[0].EntityID)
	assert.False(t, got[0].Emitted.IsZero())
}

func TestDispatcherIgnoresUnsubscribedTopics(t *testing.T) {
	d := NewDispatcher(Config{Workers: 1})

	var delivered int
	var mu sync.Mutex
	d.Subscribe(TopicApprovalCompleted, func(ctx context.Context, e Event) error {
		mu.Lock()
		defer mu.Unlock()
		delivered++
		return nil
	})

	d.Start(context.Background())
	defer d.Stop()

	require.NoError(t, d.Publish(Event{Topic: TopicItemReassessed, EntityID: "item-1"}))
	require.NoError(t, d.Publish(Event{Topic: TopicApprovalCompleted, EntityID: "inst-1"}))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return delivered == 1
	})
}

func TestDispatcherRetriesFailedDelivery(t *testing.T) {
	d := NewDispatcher(Config{Workers: 1, MaxRetries: 3, RetryDelay: 5 * time.Millisecond})

	var mu sync.Mutex
	attempts := 0
	d.Subscribe(TopicItemReassessed, func(ctx context.Context, e Event) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})

	d.Start(context.Background())
	defer d.Stop()

	require.NoError(t, d.Publish(Event{Topic: TopicItemReassessed, EntityID: "item-1"}))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return attempts == 3
	})
}

func TestDispatcherGivesUpAfterMaxRetries(t *testing.T) {
	d := NewDispatcher(Config{Workers: 1, MaxRetries: 2, RetryDelay: 5 * time.Millisecond})

	var mu sync.Mutex
	attempts := 0
	d.Subscribe(TopicItemReassessed, func(ctx context.Context, e Event) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		return errors.New("permanent")
	})

	d.Start(context.Background())
	defer d.Stop()

	require.NoError(t, d.Publish(Event{Topic: TopicItemReassessed, EntityID: "item-1"}))

	// First delivery plus two retries, then the event is dropped.
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return attempts == 3
	})
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, attempts)
}

func TestDispatcherReportsQueueDepth(t *testing.T) {
	var mu sync.Mutex
	var depths []int
	d := NewDispatcher(Config{
		Workers:    1,
		BufferSize: 4,
		QueueDepth: func(depth int) {
			mu.Lock()
			defer mu.Unlock()
			depths = append(depths, depth)
		},
	})

	var delivered int
	d.Subscribe(TopicApprovalCompleted, func(ctx context.Context, e Event) error {
		mu.Lock()
		defer mu.Unlock()
		delivered++
		return nil
	})

	d.Start(context.Background())
	defer d.Stop()

	require.NoError(t, d.Publish(Event{Topic: TopicApprovalCompleted, EntityID: "inst-1"}))
	require.NoError(t, d.Publish(Event{Topic: TopicApprovalCompleted, EntityID: "inst-2"}))

	// Depth is reported on every enqueue and dequeue, and the queue drains
	// back to zero once the worker catches up.
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return delivered == 2 && len(depths) >= 4
	})
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, depths[len(depths)-1])
}

func TestDispatcherPublishBeforeStart(t *testing.T) {
	d := NewDispatcher(Config{})
	err := d.Publish(Event{Topic: TopicApprovalCompleted, EntityID: "inst-1"})
	assert.Error(t, err)
}

func TestDispatcherSubscribeAfterStartIsNoop(t *testing.T) {
	d := NewDispatcher(Config{Workers: 1})
	d.Start(context.Background())
	defer d.Stop()

	var mu sync.Mutex
	delivered := false
	d.Subscribe(TopicApprovalCompleted, func(ctx context.Context, e Event) error {
		mu.Lock()
		defer mu.Unlock()
		delivered = true
		return nil
	})

	require.NoError(t, d.Publish(Event{Topic: TopicApprovalCompleted, EntityID: "inst-1"}))
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.False(t, delivered)
}
