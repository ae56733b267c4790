package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"oncall.org/internal/oncall"
)

type auditLog struct{ db DBTX }

// Append inserts one row into audit_log. Rows are never updated.
func (a auditLog) Append(ctx context.Context, e *oncall.AuditEntry) error {
	if e.Kind == "" {
		return oncall.ErrInvalidInput
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	var uid sql.NullInt64
	if e.UserID != nil {
		uid = sql.NullInt64{Int64: *e.UserID, Valid: true}
	}
	err := a.db.QueryRowContext(ctx, `
		insert into audit_log (event_type, user_id, details, ip_address, timestamp)
		values ($1, $2, $3, $4, $5)
		returning id
	`, string(e.Kind), uid, e.Details, nullString(e.IPAddress), e.Timestamp.UTC()).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", mapErr(err))
	}
	return nil
}
