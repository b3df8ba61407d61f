package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/identity-core/internal/service"
)

// Metrics records per-request latency histograms. The scrape and probe
// endpoints are excluded so they do not dominate the series.
func Metrics(metricsSvc *service.MetricsService) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		if metricsSvc == nil || path == "/metrics" || path == "/health" {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		metricsSvc.ObserveHTTPRequest(c.Request.Method, path, c.Writer.Status(), time.Since(start))
	}
}
