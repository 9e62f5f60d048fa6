package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	pkgerrors "hookrelay/pkg/errors"
	"hookrelay/pkg/logging"
)

const RequestIDHeader = "X-Request-ID"

type accessLogger interface {
	Infow(msg string, keysAndValues ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Errorw(msg string, keysAndValues ...interface{})
}

// quietPaths are polled by probes and scrapers; successful hits are not
// access-logged.
var quietPaths = []string{"/health", "/metrics", "/swagger/"}

func isQuiet(path string) bool {
	for _, p := range quietPaths {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// LoggerMiddleware writes one access line per request. The route template is
// logged instead of the raw path so that ids do not explode cardinality, and
// query strings are never logged.
func LoggerMiddleware(logger accessLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		status := c.Writer.Status()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		if status < 400 && isQuiet(c.Request.URL.Path) {
			return
		}

		fields := []interface{}{
			"status", status,
			"latency", time.Since(start),
			"client_ip", c.ClientIP(),
			"method", c.Request.Method,
			"route", route,
			"bytes_in", c.Request.ContentLength,
			"bytes_out", c.Writer.Size(),
		}
		fields = append(fields, logging.GetLogFields(c.Request.Context())...)
		if msg := c.Errors.ByType(gin.ErrorTypePrivate).String(); msg != "" {
			fields = append(fields, "error", msg)
		}

		switch {
		case status >= 500:
			logger.Errorw("HTTP Request", fields...)
		case status >= 400:
			logger.Warnw("HTTP Request", fields...)
		default:
			logger.Infow("HTTP Request", fields...)
		}
	}
}

// RecoveryMiddleware turns a handler panic into a 500 with the standard
// error body.
func RecoveryMiddleware(logger interface {
	Errorw(msg string, keysAndValues ...interface{})
}) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		err := pkgerrors.RecoverPanic(recovered)
		logger.Errorw("Panic recovered",
			append([]interface{}{
				"error", err,
				"route", c.FullPath(),
				"method", c.Request.Method,
			}, logging.GetLogFields(c.Request.Context())...)...,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, pkgerrors.ToErrorResponse(pkgerrors.ErrInternal))
	})
}

// RequestIDMiddleware propagates or assigns X-Request-ID and stores it on the
// request context for context-aware logging.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("request_id", requestID)
		c.Header(RequestIDHeader, requestID)
		c.Request = c.Request.WithContext(logging.WithRequestID(c.Request.Context(), requestID))
		c.Next()
	}
}
