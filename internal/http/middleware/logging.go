// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file provides the request ID injector, panic recovery, and the
// request-scoped logger accessor. Recommended order:
//
//  1. RequestID()
//  2. RedactingLogger(...)
//  3. Recovery()
//
// so that panics and access logs carry the correlation ID. The request-scoped
// logger is stored under the "logger" Gin context key and carries request_id,
// user_id (when authenticated), and room_id (on room routes).
package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// requestIDKey is the Gin context key under which the request ID is stored.
	requestIDKey = "requestID"
	// requestIDHeader is the HTTP header used to propagate the correlation ID.
	requestIDHeader = "X-Request-ID"
	// loggerKey holds the request-scoped *zerolog.Logger.
	loggerKey = "logger"
	// maxQueryLogLength caps the number of bytes of the raw query string logged.
	maxQueryLogLength = 2048
)

// RequestID reuses an incoming X-Request-ID or generates a UUIDv4, echoes it
// on the response, and stores it in the Gin context.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(requestIDHeader)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Set(requestIDKey, rid)
		c.Writer.Header().Set(requestIDHeader, rid)
		c.Next()
	}
}

// GetRequestID returns the correlation ID stored by RequestID.
func GetRequestID(c *gin.Context) string {
	v, _ := c.Get(requestIDKey)
	return asString(v)
}

// Recovery intercepts panics, logs a stack trace, and returns the standard
// JSON 500 envelope when nothing has been written yet. Hijacked WebSocket
// connections recover on their own; this only guards the HTTP handshake.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				rid := GetRequestID(c)
				log.Error().
					Interface("panic", rec).
					Bytes("stack", debug.Stack()).
					Str("request_id", rid).
					Msg("panic recovered")

				if !c.Writer.Written() {
					c.Header("Content-Type", "application/json")
					c.Header(requestIDHeader, rid)
					c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
						"request_id": rid,
						"code":       "internal_error",
						"message":    "internal server error",
					})
					return
				}
				c.AbortWithStatus(http.StatusInternalServerError)
			}
		}()
		c.Next()
	}
}

// attachLogger builds the request-scoped logger and stores it on c.
func attachLogger(c *gin.Context) *zerolog.Logger {
	lc := log.With().Str("request_id", GetRequestID(c))
	if room := c.Param("room"); room != "" {
		lc = lc.Str("room_id", room)
	}
	l := lc.Logger()
	c.Set(loggerKey, &l)
	return &l
}

// LoggerFrom returns the request-scoped zerolog.Logger, enriched with the
// authenticated user when auth has run. Without a logger on the context it
// falls back to the global one, so callers never need a nil check.
func LoggerFrom(c *gin.Context) *zerolog.Logger {
	var l zerolog.Logger
	if v, ok := c.Get(loggerKey); ok {
		if lg, ok := v.(*zerolog.Logger); ok {
			l = *lg
		}
	} else {
		l = log.With().Logger()
	}
	if uid := UserID(c); uid != "" {
		l = l.With().Str("user_id", uid).Logger()
	}
	return &l
}

// asString converts an arbitrary context value to a string, returning "" for
// anything else.
func asString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
