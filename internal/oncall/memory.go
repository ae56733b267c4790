package oncall

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory implements Store in process. InTx holds the store lock for the duration of
// fn and works on a copy, so a failed unit of work leaves no trace. fn must only use
// the Repos it is handed.
type Memory struct {
	mu    sync.Mutex
	state *memState
	now   func() time.Time
}

var _ Store = (*Memory)(nil)

type memState struct {
	users      []User
	records    []Record
	audit      []AuditEntry
	nextUser   int64
	nextRecord int64
	nextAudit  int64
}

func (s *memState) clone() *memState {
	c := *s
	c.users = append([]User(nil), s.users...)
	c.records = append([]Record(nil), s.records...)
	c.audit = append([]AuditEntry(nil), s.audit...)
	return &c
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{state: &memState{}, now: time.Now}
}

func (m *Memory) Users() UserStore  { return memUsers{memScope{m: m}} }
func (m *Memory) Ledger() Ledger    { return memLedger{memScope{m: m}} }
func (m *Memory) Audit() AuditTrail { return memAudit{memScope{m: m}} }

func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }

func (m *Memory) InTx(ctx context.Context, fn func(ctx context.Context, tx Repos) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	work := m.state.clone()
	if err := fn(ctx, memTx{memScope{m: m, st: work}}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.state = work
	return nil
}

// Records returns a copy of every on_call row in insertion order.
func (m *Memory) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.state.records...)
}

// AuditEntries returns a copy of every audit_log row in insertion order.
func (m *Memory) AuditEntries() []AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AuditEntry(nil), m.state.audit...)
}

type memScope struct {
	m  *Memory
	st *memState
}

func (s memScope) with(ctx context.Context, fn func(st *memState) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.st != nil {
		return fn(s.st)
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	return fn(s.m.state)
}

type memTx struct{ memScope }

func (t memTx) Users() UserStore  { return memUsers{t.memScope} }
func (t memTx) Ledger() Ledger    { return memLedger{t.memScope} }
func (t memTx) Audit() AuditTrail { return memAudit{t.memScope} }

// Users -------------------------------------------------------------------

type memUsers struct{ memScope }

func (u memUsers) FindByPinHash(ctx context.Context, hash string) (User, error) {
	var out User
	err := u.with(ctx, func(st *memState) error {
		for _, usr := range st.users {
			if usr.PinHash == hash {
				out = usr
				return nil
			}
		}
		return ErrNotFound
	})
	return out, err
}

func (u memUsers) TouchLastLogin(ctx context.Context, userID int64, at time.Time) error {
	return u.with(ctx, func(st *memState) error {
		for i := range st.users {
			if st.users[i].ID == userID {
				ts := at
				st.users[i].LastLogin = &ts
				return nil
			}
		}
		return ErrNotFound
	})
}

func (u memUsers) Find(ctx context.Context, id int64) (User, error) {
	var out User
	err := u.with(ctx, func(st *memState) error {
		for _, usr := range st.users {
			if usr.ID == id {
				out = usr
				return nil
			}
		}
		return ErrNotFound
	})
	return out, err
}

func (u memUsers) List(ctx context.Context) ([]User, error) {
	var out []User
	err := u.with(ctx, func(st *memState) error {
		out = append([]User(nil), st.users...)
		return nil
	})
	return out, err
}

func (u memUsers) Create(ctx context.Context, usr *User) error {
	if err := validateUser(*usr); err != nil {
		return err
	}
	return u.with(ctx, func(st *memState) error {
		if pinHeldByOther(st, usr.PinHash, 0) {
			return ErrConflict
		}
		st.nextUser++
		usr.ID = st.nextUser
		if usr.CreatedAt.IsZero() {
			usr.CreatedAt = u.m.now().UTC()
		}
		st.users = append(st.users, *usr)
		return nil
	})
}

func (u memUsers) Update(ctx context.Context, id int64, patch UserPatch) (User, error) {
	if patch.Empty() {
		return User{}, ErrInvalidInput
	}
	var out User
	err := u.with(ctx, func(st *memState) error {
		for i := range st.users {
			if st.users[i].ID != id {
				continue
			}
			next := applyPatch(st.users[i], patch)
			if err := validateUser(next); err != nil {
				return err
			}
			if pinHeldByOther(st, next.PinHash, id) {
				return ErrConflict
			}
			st.users[i] = next
			out = next
			return nil
		}
		return ErrNotFound
	})
	return out, err
}

// Ledger ------------------------------------------------------------------

type memLedger struct{ memScope }

func (l memLedger) Current(ctx context.Context, division string) (Record, error) {
	var out Record
	err := l.with(ctx, func(st *memState) error {
		rec := currentIn(st, division)
		if rec == nil {
			return ErrNotFound
		}
		out = *rec
		return nil
	})
	return out, err
}

func (l memLedger) CloseCurrentAndOpenNew(ctx context.Context, division, phone string, userID int64, now time.Time) (Record, error) {
	if strings.TrimSpace(division) == "" || strings.TrimSpace(phone) == "" {
		return Record{}, ErrInvalidInput
	}
	var out Record
	err := l.with(ctx, func(st *memState) error {
		if !userExists(st, userID) {
			return ErrNotFound
		}
		at := EffectiveStart(now, currentIn(st, division)).UTC()
		for i := range st.records {
			if st.records[i].Division == division && st.records[i].EndTime == nil {
				end := at
				st.records[i].EndTime = &end
			}
		}
		st.nextRecord++
		out = Record{ID: st.nextRecord, Phone: phone, UserID: userID, Division: division, StartTime: at}
		st.records = append(st.records, out)
		return nil
	})
	return out, err
}

func (l memLedger) History(ctx context.Context, division string, limit int) ([]Record, error) {
	limit = NormalizeLimit(limit)
	var out []Record
	err := l.with(ctx, func(st *memState) error {
		for i := len(st.records) - 1; i >= 0 && len(out) < limit; i-- {
			if st.records[i].Division == division {
				out = append(out, st.records[i])
			}
		}
		return nil
	})
	return out, err
}

// Audit -------------------------------------------------------------------

type memAudit struct{ memScope }

func (a memAudit) Append(ctx context.Context, entry *AuditEntry) error {
	if entry.Kind == "" {
		return ErrInvalidInput
	}
	return a.with(ctx, func(st *memState) error {
		if entry.UserID != nil && !userExists(st, *entry.UserID) {
			return ErrNotFound
		}
		st.nextAudit++
		entry.ID = st.nextAudit
		if entry.Timestamp.IsZero() {
			entry.Timestamp = a.m.now().UTC()
		}
		st.audit = append(st.audit, *entry)
		return nil
	})
}

// helpers -----------------------------------------------------------------

func currentIn(st *memState, division string) *Record {
	var cur *Record
	for i := range st.records {
		r := &st.records[i]
		if r.Division != division || r.EndTime != nil {
			continue
		}
		if cur == nil || r.StartTime.After(cur.StartTime) {
			cur = r
		}
	}
	return cur
}

func userExists(st *memState, id int64) bool {
	idx := sort.Search(len(st.users), func(i int) bool { return st.users[i].ID >= id })
	return idx < len(st.users) && st.users[idx].ID == id
}

// pinHeldByOther mirrors the unique index on users.pin_hash.
func pinHeldByOther(st *memState, hash string, self int64) bool {
	for _, usr := range st.users {
		if usr.PinHash == hash && usr.ID != self {
			return true
		}
	}
	return false
}

func validateUser(u User) error {
	if strings.TrimSpace(u.PinHash) == "" || strings.TrimSpace(u.Phone) == "" || strings.TrimSpace(u.Division) == "" {
		return ErrInvalidInput
	}
	return nil
}

func applyPatch(u User, p UserPatch) User {
	if p.Phone != nil {
		u.Phone = *p.Phone
	}
	if p.Name != nil {
		u.Name = *p.Name
	}
	if p.Email != nil {
		u.Email = *p.Email
	}
	if p.Division != nil {
		u.Division = *p.Division
	}
	if p.PinHash != nil {
		u.PinHash = *p.PinHash
	}
	return u
}
