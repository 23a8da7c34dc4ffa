// Package admission holds the middleware that runs before any auth handler.
package admission

import (
	"context"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// HeaderRequestID carries the per-hop request id.
	HeaderRequestID = "X-Request-Id"
	// HeaderCorrelationID carries the id shared by every hop of one client call.
	HeaderCorrelationID = "X-Correlation-Id"

	maxInboundIDLength = 128
)

type contextKey string

const (
	requestIDKey     contextKey = "admission.request_id"
	correlationIDKey contextKey = "admission.correlation_id"
)

// WithRequestIDs attaches both ids to ctx.
func WithRequestIDs(ctx context.Context, requestID string, correlationID string) context.Context {
	ctx = context.WithValue(ctx, requestIDKey, requestID)
	return context.WithValue(ctx, correlationIDKey, correlationID)
}

// RequestIDFromContext returns the request id attached by RequestIdentity.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(requestIDKey).(string)
	return value
}

// CorrelationIDFromContext returns the correlation id attached by RequestIdentity.
func CorrelationIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(correlationIDKey).(string)
	return value
}

// RequestIdentity reuses inbound request and correlation ids or generates them,
// echoes both in the response, and stores them on the request context.
// A missing correlation id starts a new chain equal to the request id.
func RequestIdentity() gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		requestID := sanitizeInboundID(contextGin.GetHeader(HeaderRequestID))
		if requestID == "" {
			requestID = newRequestID()
		}
		correlationID := sanitizeInboundID(contextGin.GetHeader(HeaderCorrelationID))
		if correlationID == "" {
			correlationID = requestID
		}
		contextGin.Header(HeaderRequestID, requestID)
		contextGin.Header(HeaderCorrelationID, correlationID)
		contextGin.Request = contextGin.Request.WithContext(WithRequestIDs(contextGin.Request.Context(), requestID, correlationID))
		contextGin.Next()
	}
}

// AccessLog writes one structured entry per request.
func AccessLog(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		requestContext := contextGin.Request.Context()
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
			zap.String("request_id", RequestIDFromContext(requestContext)),
			zap.String("correlation_id", CorrelationIDFromContext(requestContext)),
		)
	}
}

// LogFields returns the id fields for ctx, omitting empty ones.
func LogFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 2)
	if requestID := RequestIDFromContext(ctx); requestID != "" {
		fields = append(fields, zap.String("request_id", requestID))
	}
	if correlationID := CorrelationIDFromContext(ctx); correlationID != "" {
		fields = append(fields, zap.String("correlation_id", correlationID))
	}
	return fields
}

func sanitizeInboundID(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" || len(trimmed) > maxInboundIDLength {
		return ""
	}
	for _, character := range trimmed {
		if character < 0x21 || character > 0x7e {
			return ""
		}
	}
	return trimmed
}

func newRequestID() string {
	return uuid.NewString()
}
