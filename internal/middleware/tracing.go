package middleware

import (
	"regexp"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nathanyu/trade-service/internal/telemetry"
)

var (
	orderIDPattern = regexp.MustCompile(`/orders/\d+`)
	userIDPattern  = regexp.MustCompile(`/users/\d+`)
	codePattern    = regexp.MustCompile(`/(match|depth|candles|trigger-matching)/[^/]+`)
)

// normalizePath maps unmatched raw paths onto low-cardinality patterns.
func normalizePath(path string) string {
	path = orderIDPattern.ReplaceAllString(path, "/orders/{id}")
	path = userIDPattern.ReplaceAllString(path, "/users/{user_id}")
	return codePattern.ReplaceAllString(path, "/$1/{code}")
}

// Tracing starts a server span per request.
func Tracing() gin.HandlerFunc {
	return func(c *gin.Context) {
		if telemetry.Tracer == nil {
			c.Next()
			return
		}

		route := routeOf(c)
		ctx, span := telemetry.Tracer.Start(c.Request.Context(), "HTTP "+c.Request.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", c.Request.Method),
				attribute.String("http.route", route),
				attribute.String("http.target", c.Request.URL.Path),
				attribute.String("http.user_agent", c.Request.UserAgent()),
			),
		)
		defer span.End()

		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(
			attribute.Int("http.status_code", status),
			attribute.Float64("http.duration_ms", float64(time.Since(start).Milliseconds())),
		)
		if status >= 500 {
			span.SetStatus(codes.Error, "HTTP error")
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}
}
