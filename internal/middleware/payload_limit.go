// Package middleware provides HTTP middleware for the leasekeeper admin API.
package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kneutral-org/leasekeeper/internal/logging"
)

// PayloadLimitErrorResponse represents the JSON response for payload too large errors.
type PayloadLimitErrorResponse struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	MaxBytes   int64  `json:"maxBytes"`
	StatusCode int    `json:"statusCode"`
}

// PayloadLimit returns a middleware that limits the request body size.
//
// Requests whose Content-Length already exceeds maxBytes are rejected up
// front. Otherwise the body is wrapped with http.MaxBytesReader; a handler
// that hits the limit should record the read error with c.Error and return
// without writing, and the middleware answers 413.
func PayloadLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body == nil || c.Request.ContentLength == 0 {
			c.Next()
			return
		}

		if c.Request.ContentLength > maxBytes {
			logOversizedRequest(c, c.Request.ContentLength, maxBytes)
			respondPayloadTooLarge(c, maxBytes)
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()

		if c.Writer.Written() {
			return
		}
		for _, ginErr := range c.Errors {
			var maxBytesErr *http.MaxBytesError
			if errors.As(ginErr.Err, &maxBytesErr) {
				logOversizedRequest(c, -1, maxBytesErr.Limit)
				c.Errors = c.Errors[:0]
				respondPayloadTooLarge(c, maxBytes)
				return
			}
		}
	}
}

// logOversizedRequest logs through the request-scoped logger. attemptedSize
// is -1 when the body was streamed without a Content-Length.
func logOversizedRequest(c *gin.Context, attemptedSize, maxBytes int64) {
	logger := logging.LoggerFromContext(c.Request.Context())
	logger.Warn().
		Str("clientIp", c.ClientIP()).
		Str("method", c.Request.Method).
		Str("path", c.Request.URL.Path).
		Int64("attemptedSize", attemptedSize).
		Int64("maxBytes", maxBytes).
		Msg("oversized request rejected")
}

func respondPayloadTooLarge(c *gin.Context, maxBytes int64) {
	c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, PayloadLimitErrorResponse{
		Error:      "payloadTooLarge",
		Message:    "request body exceeds the maximum allowed size",
		MaxBytes:   maxBytes,
		StatusCode: http.StatusRequestEntityTooLarge,
	})
}
