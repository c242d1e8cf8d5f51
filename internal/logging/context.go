package logging

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type contextKey string

const (
	loggerKey  contextKey = "logger"
	traceIDKey contextKey = "trace_id"
)

// GenerateTraceID returns a random trace identifier for one request or tick.
func GenerateTraceID() string {
	return uuid.New().String()
}

// FromContext retrieves the logger stashed in ctx, falling back to Default().
func FromContext(ctx context.Context) zerolog.Logger {
	if l, ok := ctx.Value(loggerKey).(zerolog.Logger); ok {
		return l
	}
	return Default()
}

// NewContext returns a copy of ctx carrying l.
func NewContext(ctx context.Context, l zerolog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// WithTraceContext stamps ctx with a fresh trace ID and a logger carrying it,
// used by GinMiddleware at the start of each HTTP request.
func WithTraceContext(ctx context.Context) (context.Context, zerolog.Logger) {
	traceID := GenerateTraceID()
	l := Default().With().Str("trace_id", traceID).Logger()
	newCtx := context.WithValue(ctx, traceIDKey, traceID)
	newCtx = context.WithValue(newCtx, loggerKey, l)
	return newCtx, l
}

// GinMiddleware attaches a trace-scoped logger to the request context and
// logs each request's method, path, status and latency on completion.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		ctx, l := WithTraceContext(c.Request.Context())
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		l.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request completed")
	}
}
