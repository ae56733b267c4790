// Package stream fans committed handoffs out to live subscribers (SSE clients).
package stream

import (
	"context"
	"sync"
	"time"

	"oncall.org/internal/oncall"
)

// HandoffEvent is what subscribers receive for each committed handoff.
type HandoffEvent struct {
	RecordID  int64     `json:"record_id"`
	Division  string    `json:"division"`
	Phone     string    `json:"phone"`
	UserID    int64     `json:"user_id"`
	StartTime time.Time `json:"start_time"`
}

// FromRecord converts a committed ledger record.
func FromRecord(r oncall.Record) HandoffEvent {
	return HandoffEvent{RecordID: r.ID, Division: r.Division, Phone: r.Phone, UserID: r.UserID, StartTime: r.StartTime}
}

type subscriber struct {
	ch       chan HandoffEvent
	division string
}

// Stream is safe for concurrent use. Publish never blocks: a subscriber whose
// buffer is full misses the event.
type Stream struct {
	mu   sync.RWMutex
	subs map[int]subscriber
	next int
}

func New() *Stream {
	return &Stream{subs: make(map[int]subscriber)}
}

// Subscribe registers a subscriber for division ("" means every division). The
// channel is closed when ctx ends.
func (s *Stream) Subscribe(ctx context.Context, division string) <-chan HandoffEvent {
	ch := make(chan HandoffEvent, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = subscriber{ch: ch, division: division}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish delivers evt to every matching subscriber.
func (s *Stream) Publish(evt HandoffEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if sub.division != "" && sub.division != evt.Division {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
		}
	}
}

// Listener adapts the stream to oncall.WithListener.
func (s *Stream) Listener() func(oncall.Record) {
	return func(r oncall.Record) { s.Publish(FromRecord(r)) }
}

// Subscribers reports the number of live subscriptions.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
