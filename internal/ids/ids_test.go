package ids

import (
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
)

func TestNewIsSortable(t *testing.T) {
	a := NewAt(time.Unix(1000, 0))
	b := NewAt(time.Unix(2000, 0))
	if !(a < b) {
		t.Fatalf("expected %s < %s", a, b)
	}
	for _, id := range []string{a, b} {
		if _, err := ulid.ParseStrict(id); err != nil {
			t.Fatalf("generated id %q does not parse: %v", id, err)
		}
	}
}

func TestNewMonotonicWithinSameMillisecond(t *testing.T) {
	now := time.Now()
	prev := NewAt(now)
	for i := 0; i < 100; i++ {
		next := NewAt(now)
		if next <= prev {
			t.Fatalf("ids not monotonic: %s then %s", prev, next)
		}
		prev = next
	}
}

func TestNewAtCarriesTimestamp(t *testing.T) {
	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	id, err := ulid.ParseStrict(NewAt(at))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := ulid.Time(id.Time()); !got.Equal(at) {
		t.Fatalf("expected timestamp %v, got %v", at, got)
	}
}
