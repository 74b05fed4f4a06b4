// Package middleware holds the gin middleware shared by the matchmaker API.
package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mme-matchmaker/internal/domain"
)

// CorrelationKey is the gin context key holding the request correlation id
const CorrelationKey = "correlation_id"

// SecurityHeaders adds security headers to all responses
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		// responses carry patient contact details
		c.Header("Cache-Control", "no-store")
		c.Header("Referrer-Policy", "no-referrer")

		c.Next()
	}
}

// CorrelationID tags every request with an id echoed in X-Correlation-ID and
// in error bodies
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader("X-Correlation-ID")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}

		c.Set(CorrelationKey, correlationID)
		c.Header("X-Correlation-ID", correlationID)

		c.Next()
	}
}

// RequestTimeout bounds the request context. Handlers that block on storage
// or federation peers observe the deadline through c.Request.Context().
func RequestTimeout(timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if timeout <= 0 {
			c.Next()
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// PeerAuth guards the inbound MME endpoint. tokens is consulted on every
// request so a config reload takes effect without restart. With no tokens
// configured every peer is rejected.
func PeerAuth(tokens func() []string, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		presented := c.GetHeader("X-Auth-Token")
		if presented != "" {
			for _, t := range tokens() {
				if subtle.ConstantTimeCompare([]byte(presented), []byte(t)) == 1 {
					c.Next()
					return
				}
			}
		}

		logger.WithFields(logrus.Fields{
			"correlation_id": c.GetString(CorrelationKey),
			"client_ip":      c.ClientIP(),
			"path":           c.FullPath(),
		}).Warn("Rejected peer request")

		c.AbortWithStatusJSON(http.StatusUnauthorized, domain.NewAPIError(
			domain.ErrCodeUnauthorized,
			"missing or invalid X-Auth-Token",
			"",
			c.GetString(CorrelationKey),
		))
	}
}

// AuditLogger writes one structured entry per request
func AuditLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := logger.WithFields(logrus.Fields{
			"correlation_id": c.GetString(CorrelationKey),
			"method":         c.Request.Method,
			"path":           c.Request.URL.Path,
			"status":         c.Writer.Status(),
			"latency_ms":     time.Since(start).Milliseconds(),
			"client_ip":      c.ClientIP(),
			"response_size":  c.Writer.Size(),
		})
		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			entry.Error("Request failed")
		case c.Writer.Status() >= http.StatusBadRequest:
			entry.Warn("Request rejected")
		default:
			entry.Info("Request completed")
		}
	}
}
