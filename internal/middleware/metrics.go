package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/limsflow/workflow-api/internal/service"
)

// Metrics records per-request latency and counts. Unmatched routes fall
// back to the raw URL path so 404s still show up, at the cost of label
// cardinality on probe traffic.
func Metrics(metricsSvc *service.MetricsService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if metricsSvc == nil {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		metricsSvc.ObserveHTTPRequest(c.Request.Method, path, c.Writer.Status(), time.Since(start))
	}
}
