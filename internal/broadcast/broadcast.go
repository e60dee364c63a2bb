// Package broadcast carries cross-session signals between sessions that
// share the same persistent stores.
package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/chefcloud/posync/internal/errors"
)

// Topic names a cross-session signal.
type Topic string

const (
	TopicQueueCleared     Topic = "queue.cleared"
	TopicSnapshotsCleared Topic = "snapshots.cleared"
	TopicHistoryCleared   Topic = "history.cleared"
	TopicSessionLogout    Topic = "session.logout"
)

// Message is one signal. Origin identifies the publishing session so
// receivers can skip their own messages.
type Message struct {
	Topic  Topic     `json:"topic"`
	Origin string    `json:"origin"`
	SentAt time.Time `json:"sentAt"`
}

// Channel delivers messages between sessions.
type Channel interface {
	// Publish sends msg to every other session.
	Publish(ctx context.Context, msg Message) error
	// Subscribe registers fn and returns a function that removes it.
	Subscribe(fn func(Message)) func()
	Close() error
}

// subscribers is the callback set shared by the Channel implementations.
type subscribers struct {
	mu     sync.RWMutex
	next   int
	fns    map[int]func(Message)
	closed bool
}

func (s *subscribers) add(fn func(Message)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fns == nil {
		s.fns = make(map[int]func(Message))
	}
	id := s.next
	s.next++
	s.fns[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.fns, id)
			s.mu.Unlock()
		})
	}
}

// deliver calls every subscriber outside the lock.
func (s *subscribers) deliver(msg Message) {
	s.mu.RLock()
	fns := make([]func(Message), 0, len(s.fns))
	for _, fn := range s.fns {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		fn(msg)
	}
}

func (s *subscribers) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	s.fns = nil
	return true
}

func (s *subscribers) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Bus is an in-process Channel. Every subscriber receives every message,
// including messages it published itself; receivers filter on Origin.
type Bus struct {
	subs subscribers
}

var _ Channel = (*Bus)(nil)

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Publish delivers msg synchronously.
func (b *Bus) Publish(_ context.Context, msg Message) error {
	if b.subs.isClosed() {
		return errors.New(errors.ErrChannelClosed, "broadcast bus is closed")
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now()
	}
	b.subs.deliver(msg)
	return nil
}

// Subscribe registers fn.
func (b *Bus) Subscribe(fn func(Message)) func() {
	return b.subs.add(fn)
}

// Close drops every subscriber. Later publishes fail.
func (b *Bus) Close() error {
	b.subs.close()
	return nil
}
