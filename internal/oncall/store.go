package oncall

import (
	"context"
	"time"
)

// UserStore owns users rows.
type UserStore interface {
	FindByPinHash(ctx context.Context, hash string) (User, error)
	TouchLastLogin(ctx context.Context, userID int64, at time.Time) error
	Find(ctx context.Context, id int64) (User, error)
	List(ctx context.Context) ([]User, error)
	Create(ctx context.Context, u *User) error
	Update(ctx context.Context, id int64, patch UserPatch) (User, error)
}

// Ledger owns on_call rows.
type Ledger interface {
	Current(ctx context.Context, division string) (Record, error)
	// CloseCurrentAndOpenNew ends the open record for division (if any) and opens a
	// new one starting at now. Both happen atomically or not at all.
	CloseCurrentAndOpenNew(ctx context.Context, division, phone string, userID int64, now time.Time) (Record, error)
	// History lists records for division, newest first.
	History(ctx context.Context, division string, limit int) ([]Record, error)
}

// AuditTrail owns audit_log rows. Entries are appended, never rewritten.
type AuditTrail interface {
	Append(ctx context.Context, entry *AuditEntry) error
}

// Repos groups the three stores bound to one connection or transaction.
type Repos interface {
	Users() UserStore
	Ledger() Ledger
	Audit() AuditTrail
}

// Store is the backing database. InTx runs fn in a single unit of work and commits
// only if fn returns nil. Aborts caused by concurrent writers surface as ErrConflict.
type Store interface {
	Repos
	InTx(ctx context.Context, fn func(ctx context.Context, tx Repos) error) error
	Ping(ctx context.Context) error
}

// EffectiveStart is the timestamp used to close current and open the next record.
// It never precedes current's start, so per-division intervals stay monotonic when
// worker clocks disagree.
func EffectiveStart(now time.Time, current *Record) time.Time {
	if current != nil && current.StartTime.After(now) {
		return current.StartTime
	}
	return now
}

// NormalizeLimit clamps list sizes.
func NormalizeLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}
