package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/chatgate/gatekeeper/internal/logging"
	"github.com/chatgate/gatekeeper/internal/metrics"
)

// RequestIDHeader carries the request id back to the caller.
const RequestIDHeader = "X-Request-ID"

// RequestLogging logs every request, tags it with a request id, and
// records the HTTP metrics.
func RequestLogging(log *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Header(RequestIDHeader, requestID)

		start := time.Now()
		c.Next()
		duration := time.Since(start)

		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		log.WithRequestID(requestID).
			LogHTTPRequest(c.Request.Method, path, c.ClientIP(), status, duration)

		metrics.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(duration.Seconds())
	}
}

// MethodGuard rejects anything but the allowed method with 405 and an
// Allow header. Used on the GET-only OAuth redirect routes.
func MethodGuard(allowed string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != allowed {
			c.Header("Allow", allowed)
			c.AbortWithStatus(405)
			return
		}
		c.Next()
	}
}
