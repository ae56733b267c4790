package oncall

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"oncall.org/internal/ids"
	"oncall.org/internal/obs"
	"oncall.org/internal/pin"
)

const (
	defaultTxTimeout     = 3 * time.Second
	defaultNotifyTimeout = 2 * time.Second
	// A conflicting handoff is retried once before giving up.
	maxHandoffAttempts = 2
	maxCallerIDLen     = 64
)

// Hasher derives the stored digest for a PIN and compares digests in constant time.
type Hasher interface {
	Hash(pin string) string
	Verify(pin, stored string) bool
}

// Notification is sent to the external status API after a committed handoff.
type Notification struct {
	Division  string
	Phone     string
	UserID    int64
	UpdatedAt time.Time
}

// Notifier delivers Notifications. Failures never affect the handoff.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// AuditFallback receives audit entries the store refused to persist.
type AuditFallback func(ctx context.Context, entry AuditEntry, err error)

// Engine verifies PINs and transfers on-call ownership. It keeps no state of its
// own beyond in-flight notifications; all coordination between concurrent calls is
// left to the Store's transaction isolation.
type Engine struct {
	store         Store
	hasher        Hasher
	notifier      Notifier
	logger        *zap.Logger
	now           func() time.Time
	txTimeout     time.Duration
	notifyTimeout time.Duration
	fallback      AuditFallback
	listeners     []func(Record)

	inflight sync.WaitGroup
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

func WithNotifier(n Notifier) EngineOption {
	return func(e *Engine) { e.notifier = n }
}

func WithLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock overrides the time source (tests).
func WithClock(fn func() time.Time) EngineOption {
	return func(e *Engine) {
		if fn != nil {
			e.now = fn
		}
	}
}

func WithTxTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.txTimeout = d
		}
	}
}

func WithNotifyTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.notifyTimeout = d
		}
	}
}

func WithAuditFallback(fn AuditFallback) EngineOption {
	return func(e *Engine) {
		if fn != nil {
			e.fallback = fn
		}
	}
}

// WithListener registers fn to be called with every committed handoff record.
// fn runs on the request path and must not block.
func WithListener(fn func(Record)) EngineOption {
	return func(e *Engine) {
		if fn != nil {
			e.listeners = append(e.listeners, fn)
		}
	}
}

// NewEngine builds the handoff engine.
func NewEngine(store Store, hasher Hasher, opts ...EngineOption) (*Engine, error) {
	if store == nil {
		return nil, errors.New("oncall: store is required")
	}
	if hasher == nil {
		return nil, errors.New("oncall: hasher is required")
	}
	e := &Engine{
		store:         store,
		hasher:        hasher,
		logger:        zap.NewNop(),
		now:           time.Now,
		txTimeout:     defaultTxTimeout,
		notifyTimeout: defaultNotifyTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.fallback == nil {
		e.fallback = e.logDroppedAudit
	}
	return e, nil
}

// Authenticate verifies the PIN and, on a match, makes the user's registered phone
// the current on-call contact for the user's division. Caller ID is recorded but
// never used to identify the user.
//
// Cancellation of ctx is ignored: an attempt runs to completion or to its own
// timeouts so the audit trail and ledger never see a half-finished call.
func (e *Engine) Authenticate(ctx context.Context, at Attempt) Outcome {
	ctx = context.WithoutCancel(ctx)
	started := e.now()
	caller := CallerLabel(at.CallerID)
	log := e.logger.With(
		zap.String("attempt_id", ids.NewAt(started)),
		zap.String("caller_id", caller),
		zap.String("origin", at.Origin),
	)

	if !pin.Valid(at.PIN) {
		log.Warn("authentication attempt with malformed PIN")
		e.appendBestEffort(ctx, &AuditEntry{
			Kind:      EventFailedAuth,
			Details:   fmt.Sprintf("Caller ID: %s (malformed PIN)", caller),
			IPAddress: at.Origin,
		})
		obs.RecordAttempt(obs.AttemptInvalid)
		return invalidCredentials()
	}

	user, err := e.lookup(ctx, at.PIN)
	switch {
	case errors.Is(err, ErrNotFound):
		log.Warn("authentication failed")
		e.appendBestEffort(ctx, &AuditEntry{
			Kind:      EventFailedAuth,
			Details:   fmt.Sprintf("Caller ID: %s", caller),
			IPAddress: at.Origin,
		})
		obs.RecordAttempt(obs.AttemptInvalid)
		return invalidCredentials()
	case err != nil:
		// The store failed before any transaction began; this entry may not land.
		log.Error("credential lookup failed", zap.Error(err))
		e.appendBestEffort(ctx, &AuditEntry{
			Kind:      EventFailedAuth,
			Details:   fmt.Sprintf("Caller ID: %s (credential store unavailable)", caller),
			IPAddress: at.Origin,
		})
		obs.RecordAttempt(obs.AttemptError)
		return systemError()
	}

	log = log.With(zap.Int64("user_id", user.ID), zap.String("division", user.Division))

	rec, err := e.handoff(ctx, user, at, caller, log)
	if err != nil {
		log.Error("handoff aborted", zap.Error(err))
		uid := user.ID
		e.appendBestEffort(ctx, &AuditEntry{
			Kind:      EventFailedAuth,
			UserID:    &uid,
			Details:   fmt.Sprintf("Caller ID: %s (handoff aborted: %s)", caller, failureCategory(err)),
			IPAddress: at.Origin,
		})
		obs.RecordAttempt(obs.AttemptError)
		return systemError()
	}

	obs.RecordAttempt(obs.AttemptSuccess)
	obs.ObserveHandoff(e.now().Sub(started))
	log.Info("user is now on-call", zap.String("name", user.Name), zap.String("phone", rec.Phone), zap.Int64("record_id", rec.ID))

	for _, fn := range e.listeners {
		fn(rec)
	}
	e.notifyDetached(ctx, rec)
	return success(rec)
}

// Wait blocks until detached notifications have finished.
func (e *Engine) Wait() {
	e.inflight.Wait()
}

func (e *Engine) lookup(ctx context.Context, candidate string) (User, error) {
	ctx, cancel := context.WithTimeout(ctx, e.txTimeout)
	defer cancel()

	user, err := e.store.Users().FindByPinHash(ctx, e.hasher.Hash(candidate))
	if err != nil {
		return User{}, err
	}
	if !e.hasher.Verify(candidate, user.PinHash) {
		return User{}, ErrNotFound
	}
	return user, nil
}

func (e *Engine) handoff(ctx context.Context, user User, at Attempt, caller string, log *zap.Logger) (Record, error) {
	var lastErr error
	for attempt := 1; attempt <= maxHandoffAttempts; attempt++ {
		rec, err := e.commitHandoff(ctx, user, at, caller)
		if err == nil {
			return rec, nil
		}
		lastErr = err
		if !errors.Is(err, ErrConflict) {
			break
		}
		if attempt < maxHandoffAttempts {
			obs.HandoffRetried()
			log.Warn("handoff conflicted with a concurrent call, retrying", zap.Int("attempt", attempt))
		}
	}
	return Record{}, lastErr
}

func (e *Engine) commitHandoff(ctx context.Context, user User, at Attempt, caller string) (Record, error) {
	ctx, cancel := context.WithTimeout(ctx, e.txTimeout)
	defer cancel()

	var rec Record
	err := e.store.InTx(ctx, func(ctx context.Context, tx Repos) error {
		now := e.now().UTC()
		var err error
		rec, err = tx.Ledger().CloseCurrentAndOpenNew(ctx, user.Division, user.Phone, user.ID, now)
		if err != nil {
			return fmt.Errorf("open on-call record: %w", err)
		}
		if err := tx.Users().TouchLastLogin(ctx, user.ID, now); err != nil {
			return fmt.Errorf("touch last login: %w", err)
		}
		uid := user.ID
		entry := &AuditEntry{
			Kind:      EventHandoff,
			UserID:    &uid,
			Details:   fmt.Sprintf("New on-call: %s (division=%s), caller ID: %s", user.Phone, user.Division, caller),
			IPAddress: at.Origin,
			Timestamp: rec.StartTime,
		}
		if err := tx.Audit().Append(ctx, entry); err != nil {
			return fmt.Errorf("append audit entry: %w", err)
		}
		return nil
	})
	return rec, err
}

func (e *Engine) appendBestEffort(ctx context.Context, entry *AuditEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = e.now().UTC()
	}
	ctx, cancel := context.WithTimeout(ctx, e.txTimeout)
	defer cancel()
	if err := e.store.Audit().Append(ctx, entry); err != nil {
		obs.AuditFellBack()
		e.fallback(ctx, *entry, err)
	}
}

func (e *Engine) logDroppedAudit(_ context.Context, entry AuditEntry, err error) {
	e.logger.Error("audit entry dropped",
		zap.String("event_type", string(entry.Kind)),
		zap.String("details", entry.Details),
		zap.String("ip_address", entry.IPAddress),
		zap.Time("timestamp", entry.Timestamp),
		zap.Error(err),
	)
}

func (e *Engine) notifyDetached(ctx context.Context, rec Record) {
	if e.notifier == nil {
		return
	}
	n := Notification{Division: rec.Division, Phone: rec.Phone, UserID: rec.UserID, UpdatedAt: rec.StartTime}
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		ctx, cancel := context.WithTimeout(ctx, e.notifyTimeout)
		defer cancel()
		if err := e.notifier.Notify(ctx, n); err != nil {
			obs.NotifyFailed()
			e.logger.Warn("status notification failed",
				zap.String("division", n.Division),
				zap.String("phone", n.Phone),
				zap.Error(err),
			)
			return
		}
		e.logger.Info("status notification delivered", zap.String("division", n.Division), zap.String("phone", n.Phone))
	}()
}

// CallerLabel renders caller ID for audit details: trimmed, bounded, never empty.
func CallerLabel(callerID string) string {
	callerID = strings.TrimSpace(strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, callerID))
	if callerID == "" {
		return "unknown"
	}
	if utf8.RuneCountInString(callerID) > maxCallerIDLen {
		runes := []rune(callerID)
		callerID = string(runes[:maxCallerIDLen])
	}
	return callerID
}

func failureCategory(err error) string {
	switch {
	case errors.Is(err, ErrConflict):
		return "concurrent handoff conflict"
	case errors.Is(err, context.DeadlineExceeded):
		return "store timeout"
	case errors.Is(err, ErrNotFound):
		return "user no longer exists"
	default:
		return "store error"
	}
}
