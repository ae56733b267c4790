package oncall

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oncall.org/internal/pin"
)

type fixture struct {
	store  *Memory
	hasher *pin.Hasher
	users  map[string]User
	clock  *fakeClock
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	h, err := pin.NewHasher(pin.SchemeHMAC, "test-salt")
	require.NoError(t, err)
	f := &fixture{
		store:  NewMemory(),
		hasher: h,
		users:  map[string]User{},
		clock:  &fakeClock{t: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)},
	}
	f.addUser(t, "alice", "1234", "+441111", "retic_water")
	f.addUser(t, "bob", "5678", "+442222", "retic_water")
	f.addUser(t, "carol", "9999", "+443333", "bulk_water")
	return f
}

func (f *fixture) addUser(t *testing.T, name, p, phone, division string) {
	t.Helper()
	u := User{Name: name, PinHash: f.hasher.Hash(p), Phone: phone, Division: division}
	require.NoError(t, f.store.Users().Create(context.Background(), &u))
	f.users[name] = u
}

func (f *fixture) engine(t *testing.T, opts ...EngineOption) *Engine {
	t.Helper()
	opts = append([]EngineOption{WithClock(f.clock.Now)}, opts...)
	e, err := NewEngine(f.store, f.hasher, opts...)
	require.NoError(t, err)
	return e
}

func openRecords(recs []Record, division string) []Record {
	var out []Record
	for _, r := range recs {
		if r.Division == division && r.EndTime == nil {
			out = append(out, r)
		}
	}
	return out
}

func TestNewEngineRequiresDependencies(t *testing.T) {
	h, _ := pin.NewHasher(pin.SchemeHMAC, "s")
	_, err := NewEngine(nil, h)
	require.Error(t, err)
	_, err = NewEngine(NewMemory(), nil)
	require.Error(t, err)
}

func TestAuthenticateFirstHandoff(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t)

	out := e.Authenticate(context.Background(), Attempt{PIN: "1234", CallerID: "+449999", Origin: "10.0.0.5"})
	require.True(t, out.OK(), "outcome %+v", out)
	assert.Equal(t, "retic_water", out.Division)
	assert.Equal(t, "+441111", out.Phone)
	assert.Equal(t, f.users["alice"].ID, out.UserID)

	recs := f.store.Records()
	require.Len(t, recs, 1)
	assert.Nil(t, recs[0].EndTime)
	assert.Equal(t, "+441111", recs[0].Phone)

	entries := f.store.AuditEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, EventHandoff, entries[0].Kind)
	assert.Equal(t, "10.0.0.5", entries[0].IPAddress)
	assert.Contains(t, entries[0].Details, "+441111")
	assert.Contains(t, entries[0].Details, "caller ID: +449999")
	require.NotNil(t, entries[0].UserID)
	assert.Equal(t, f.users["alice"].ID, *entries[0].UserID)

	u, err := f.store.Users().Find(context.Background(), f.users["alice"].ID)
	require.NoError(t, err)
	require.NotNil(t, u.LastLogin)
	assert.True(t, u.LastLogin.Equal(recs[0].StartTime))
}

func TestAuthenticateClosesPreviousRecord(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t)
	ctx := context.Background()

	require.True(t, e.Authenticate(ctx, Attempt{PIN: "1234", CallerID: "a"}).OK())
	require.True(t, e.Authenticate(ctx, Attempt{PIN: "5678", CallerID: "b"}).OK())

	recs := f.store.Records()
	require.Len(t, recs, 2)
	require.NotNil(t, recs[0].EndTime)
	assert.True(t, recs[0].EndTime.Equal(recs[1].StartTime))
	assert.Nil(t, recs[1].EndTime)
	assert.Equal(t, "+442222", recs[1].Phone)

	cur, err := f.store.Ledger().Current(ctx, "retic_water")
	require.NoError(t, err)
	assert.Equal(t, recs[1].ID, cur.ID)
}

func TestAuthenticateSameUserTwiceOpensNewInterval(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t)
	ctx := context.Background()

	require.True(t, e.Authenticate(ctx, Attempt{PIN: "1234"}).OK())
	require.True(t, e.Authenticate(ctx, Attempt{PIN: "1234"}).OK())

	recs := f.store.Records()
	require.Len(t, recs, 2)
	assert.NotNil(t, recs[0].EndTime)
	assert.Len(t, openRecords(recs, "retic_water"), 1)
}

func TestAuthenticateDivisionsAreIndependent(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t)
	ctx := context.Background()

	require.True(t, e.Authenticate(ctx, Attempt{PIN: "1234"}).OK())
	require.True(t, e.Authenticate(ctx, Attempt{PIN: "9999"}).OK())

	recs := f.store.Records()
	assert.Len(t, openRecords(recs, "retic_water"), 1)
	assert.Len(t, openRecords(recs, "bulk_water"), 1)
}

func TestAuthenticateWrongPIN(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t)

	out := e.Authenticate(context.Background(), Attempt{PIN: "0000", CallerID: "+447777", Origin: "10.0.0.5"})
	assert.False(t, out.OK())
	assert.Equal(t, ReasonInvalidCredentials, out.Reason)
	assert.ErrorIs(t, out.Err, ErrInvalidCredentials)
	assert.False(t, out.Retryable)

	assert.Empty(t, f.store.Records())
	entries := f.store.AuditEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, EventFailedAuth, entries[0].Kind)
	assert.Nil(t, entries[0].UserID)
	assert.Equal(t, "Caller ID: +447777", entries[0].Details)
}

func TestAuthenticateMalformedPIN(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t)

	for _, p := range []string{"", "12a4", strings.Repeat("1", pin.MaxLength+1)} {
		out := e.Authenticate(context.Background(), Attempt{PIN: p})
		assert.False(t, out.OK())
		assert.ErrorIs(t, out.Err, ErrInvalidCredentials)
	}
	entries := f.store.AuditEntries()
	require.Len(t, entries, 3)
	for _, en := range entries {
		assert.Equal(t, EventFailedAuth, en.Kind)
		assert.Contains(t, en.Details, "Caller ID: unknown")
	}
}

func TestAuthenticateFailureLeavesCurrentUntouched(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t)
	ctx := context.Background()

	require.True(t, e.Authenticate(ctx, Attempt{PIN: "1234"}).OK())
	before := f.store.Records()
	require.False(t, e.Authenticate(ctx, Attempt{PIN: "4321"}).OK())
	assert.Equal(t, before, f.store.Records())
}

func TestAuthenticateIgnoresCallerCancellation(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := e.Authenticate(ctx, Attempt{PIN: "1234"})
	require.True(t, out.OK())
	assert.Len(t, f.store.Records(), 1)
}

func TestAuthenticateHistoryIsImmutable(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t)
	ctx := context.Background()

	require.True(t, e.Authenticate(ctx, Attempt{PIN: "1234"}).OK())
	require.True(t, e.Authenticate(ctx, Attempt{PIN: "5678"}).OK())
	closed := f.store.Records()[0]

	require.True(t, e.Authenticate(ctx, Attempt{PIN: "1234"}).OK())
	require.True(t, e.Authenticate(ctx, Attempt{PIN: "5678"}).OK())
	assert.Equal(t, closed, f.store.Records()[0])

	hist, err := f.store.Ledger().History(ctx, "retic_water", 0)
	require.NoError(t, err)
	require.Len(t, hist, 4)
	for i := 1; i < len(hist); i++ {
		assert.False(t, hist[i].StartTime.After(hist[i-1].StartTime))
	}
}

func TestAuthenticateConcurrentHandoffsKeepOneCurrent(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t)

	const n = 24
	var wg sync.WaitGroup
	var ok atomic.Int32
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := "1234"
			if i%2 == 1 {
				p = "5678"
			}
			if e.Authenticate(context.Background(), Attempt{PIN: p, CallerID: fmt.Sprint(i)}).OK() {
				ok.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(n), ok.Load())
	recs := f.store.Records()
	assert.Len(t, recs, n)
	assert.Len(t, openRecords(recs, "retic_water"), 1)
	assert.Len(t, f.store.AuditEntries(), n)
}

// conflictStore aborts the first failures transactions with ErrConflict.
type conflictStore struct {
	*Memory
	failures atomic.Int32
	calls    atomic.Int32
}

func (s *conflictStore) InTx(ctx context.Context, fn func(context.Context, Repos) error) error {
	s.calls.Add(1)
	if s.failures.Add(-1) >= 0 {
		return ErrConflict
	}
	return s.Memory.InTx(ctx, fn)
}

func TestAuthenticateRetriesOnceOnConflict(t *testing.T) {
	f := newFixture(t)
	cs := &conflictStore{Memory: f.store}
	cs.failures.Store(1)
	e, err := NewEngine(cs, f.hasher, WithClock(f.clock.Now))
	require.NoError(t, err)

	out := e.Authenticate(context.Background(), Attempt{PIN: "1234"})
	require.True(t, out.OK())
	assert.Equal(t, int32(2), cs.calls.Load())
	assert.Len(t, f.store.AuditEntries(), 1)
}

func TestAuthenticateGivesUpAfterRepeatedConflict(t *testing.T) {
	f := newFixture(t)
	cs := &conflictStore{Memory: f.store}
	cs.failures.Store(5)
	e, err := NewEngine(cs, f.hasher, WithClock(f.clock.Now))
	require.NoError(t, err)

	out := e.Authenticate(context.Background(), Attempt{PIN: "1234", CallerID: "x"})
	assert.False(t, out.OK())
	assert.Equal(t, ReasonSystemError, out.Reason)
	assert.True(t, out.Retryable)
	assert.ErrorIs(t, out.Err, ErrSystem)
	assert.Equal(t, int32(maxHandoffAttempts), cs.calls.Load())

	assert.Empty(t, f.store.Records())
	entries := f.store.AuditEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, EventFailedAuth, entries[0].Kind)
	assert.Contains(t, entries[0].Details, "concurrent handoff conflict")
	require.NotNil(t, entries[0].UserID)
}

// brokenTxStore fails every transaction with a non-retryable error.
type brokenTxStore struct{ *Memory }

func (s brokenTxStore) InTx(context.Context, func(context.Context, Repos) error) error {
	return errors.New("connection reset")
}

func TestAuthenticateCommitFailureIsAudited(t *testing.T) {
	f := newFixture(t)
	e, err := NewEngine(brokenTxStore{f.store}, f.hasher, WithClock(f.clock.Now))
	require.NoError(t, err)

	out := e.Authenticate(context.Background(), Attempt{PIN: "5678"})
	assert.False(t, out.OK())
	assert.Equal(t, ReasonSystemError, out.Reason)
	assert.Empty(t, f.store.Records())

	entries := f.store.AuditEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, EventFailedAuth, entries[0].Kind)
	assert.Contains(t, entries[0].Details, "store error")
}

// brokenStore fails everything, including audit writes.
type brokenStore struct{ *Memory }

type brokenUsers struct{ UserStore }

func (brokenUsers) FindByPinHash(context.Context, string) (User, error) {
	return User{}, errors.New("db down")
}

type brokenAudit struct{}

func (brokenAudit) Append(context.Context, *AuditEntry) error { return errors.New("db down") }

func (s brokenStore) Users() UserStore  { return brokenUsers{s.Memory.Users()} }
func (s brokenStore) Audit() AuditTrail { return brokenAudit{} }

func TestAuthenticateStoreDownUsesFallback(t *testing.T) {
	f := newFixture(t)
	var dropped []AuditEntry
	e, err := NewEngine(brokenStore{f.store}, f.hasher,
		WithClock(f.clock.Now),
		WithAuditFallback(func(_ context.Context, en AuditEntry, _ error) { dropped = append(dropped, en) }),
	)
	require.NoError(t, err)

	out := e.Authenticate(context.Background(), Attempt{PIN: "1234", CallerID: "+44"})
	assert.False(t, out.OK())
	assert.True(t, out.Retryable)
	require.Len(t, dropped, 1)
	assert.Equal(t, EventFailedAuth, dropped[0].Kind)
	assert.False(t, dropped[0].Timestamp.IsZero())
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []Notification
	err  error
}

func (n *recordingNotifier) Notify(_ context.Context, msg Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return n.err
}

func TestAuthenticateNotifiesAfterCommit(t *testing.T) {
	f := newFixture(t)
	rn := &recordingNotifier{}
	e := f.engine(t, WithNotifier(rn))

	require.True(t, e.Authenticate(context.Background(), Attempt{PIN: "9999"}).OK())
	e.Wait()

	require.Len(t, rn.sent, 1)
	assert.Equal(t, "bulk_water", rn.sent[0].Division)
	assert.Equal(t, "+443333", rn.sent[0].Phone)
}

func TestAuthenticateNotifyFailureDoesNotAffectOutcome(t *testing.T) {
	f := newFixture(t)
	rn := &recordingNotifier{err: errors.New("503")}
	e := f.engine(t, WithNotifier(rn))

	require.True(t, e.Authenticate(context.Background(), Attempt{PIN: "1234"}).OK())
	e.Wait()
	assert.Len(t, f.store.Records(), 1)
}

func TestAuthenticateNoNotificationOnFailure(t *testing.T) {
	f := newFixture(t)
	rn := &recordingNotifier{}
	e := f.engine(t, WithNotifier(rn))

	require.False(t, e.Authenticate(context.Background(), Attempt{PIN: "0001"}).OK())
	e.Wait()
	assert.Empty(t, rn.sent)
}

func TestAuthenticateListenersSeeCommittedRecord(t *testing.T) {
	f := newFixture(t)
	var seen []Record
	e := f.engine(t, WithListener(func(r Record) { seen = append(seen, r) }))

	require.True(t, e.Authenticate(context.Background(), Attempt{PIN: "1234"}).OK())
	require.Len(t, seen, 1)
	assert.Equal(t, f.store.Records()[0], seen[0])
}

func TestCallerLabel(t *testing.T) {
	assert.Equal(t, "unknown", CallerLabel(""))
	assert.Equal(t, "unknown", CallerLabel("   "))
	assert.Equal(t, "+44123", CallerLabel(" +44123 "))
	assert.Equal(t, "ab", CallerLabel("a\nb"))
	assert.Equal(t, "unknown", CallerLabel("\x01\x02"))
	assert.Len(t, CallerLabel(strings.Repeat("9", 100)), maxCallerIDLen)
}

func TestEffectiveStartNeverPrecedesCurrent(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cur := &Record{StartTime: base.Add(time.Minute)}
	assert.Equal(t, cur.StartTime, EffectiveStart(base, cur))
	assert.Equal(t, base.Add(time.Hour), EffectiveStart(base.Add(time.Hour), cur))
	assert.Equal(t, base, EffectiveStart(base, nil))
}
