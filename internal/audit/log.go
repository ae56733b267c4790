// Package audit records administrative actions and catches audit entries the
// database could not take.
package audit

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"oncall.org/internal/auth"
	"oncall.org/internal/obs"
	"oncall.org/internal/oncall"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext returns the request id set by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}

// LogEvent writes a structured audit line enriched with request and actor context.
func LogEvent(ctx context.Context, event string, fields ...zap.Field) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("audit: event name is required")
	}
	obs.Logger().Info("audit", append(contextFields(ctx, event), fields...)...)
	return nil
}

func contextFields(ctx context.Context, event string) []zap.Field {
	out := []zap.Field{zap.String("type", "audit"), zap.String("event", event)}
	if rid := RequestIDFromContext(ctx); rid != "" {
		out = append(out, zap.String("request_id", rid))
	}
	if sub, ok := auth.SubjectFromContext(ctx); ok {
		out = append(out, zap.String("actor", sub))
	}
	return out
}

// Trail persists an administrative audit entry and mirrors it to the log.
// A failed insert is logged instead of failing the caller's request.
type Trail struct {
	trail oncall.AuditTrail
}

// NewTrail wraps trail.
func NewTrail(trail oncall.AuditTrail) *Trail {
	return &Trail{trail: trail}
}

// Append writes entry to the trail. It never fails.
func (r *Trail) Append(ctx context.Context, entry oncall.AuditEntry) {
	fields := []zap.Field{zap.String("details", entry.Details), zap.String("ip_address", entry.IPAddress)}
	if entry.UserID != nil {
		fields = append(fields, zap.Int64("user_id", *entry.UserID))
	}
	_ = LogEvent(ctx, string(entry.Kind), fields...)

	if r.trail == nil {
		return
	}
	if err := r.trail.Append(ctx, &entry); err != nil {
		obs.AuditFellBack()
		Fallback()(ctx, entry, err)
	}
}

// Fallback returns the engine hook that logs audit entries the store refused.
func Fallback() oncall.AuditFallback {
	return func(ctx context.Context, entry oncall.AuditEntry, err error) {
		fields := append(contextFields(ctx, string(entry.Kind)),
			zap.String("details", entry.Details),
			zap.String("ip_address", entry.IPAddress),
			zap.Time("timestamp", entry.Timestamp),
			zap.Error(err),
		)
		if entry.UserID != nil {
			fields = append(fields, zap.Int64("user_id", *entry.UserID))
		}
		obs.Logger().Error("audit entry not persisted", fields...)
	}
}
