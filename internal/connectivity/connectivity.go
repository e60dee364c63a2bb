// Package connectivity reports whether the terminal can reach the POS API.
package connectivity

import (
	"sync"
)

// Source reports connectivity and publishes transitions.
type Source interface {
	// Online reports the current state.
	Online() bool
	// Subscribe registers fn for every transition and returns a func that
	// removes it.
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// notifier tracks the state and its subscribers. Callbacks run outside the lock.
type notifier struct {
	mu     sync.Mutex
	online bool
	nextID int
	subs   map[int]func(bool)
}

func newNotifier(online bool) *notifier {
	return &notifier{online: online, subs: make(map[int]func(bool))}
}

func (n *notifier) Online() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.online
}

func (n *notifier) Subscribe(fn func(online bool)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.nextID
	n.nextID++
	n.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, id)
			n.mu.Unlock()
		})
	}
}

// set updates the state and reports whether it changed.
func (n *notifier) set(online bool) bool {
	n.mu.Lock()
	if n.online == online {
		n.mu.Unlock()
		return false
	}
	n.online = online
	subs := make([]func(bool), 0, len(n.subs))
	for _, fn := range n.subs {
		subs = append(subs, fn)
	}
	n.mu.Unlock()

	for _, fn := range subs {
		fn(online)
	}
	return true
}

// Manual is a Source set explicitly by the caller: tests, the operator API,
// or a host that already knows the network state.
type Manual struct {
	*notifier
}

// NewManual returns a Manual source starting in the given state.
func NewManual(online bool) *Manual {
	return &Manual{notifier: newNotifier(online)}
}

// Set changes the state, notifying subscribers on a transition.
func (m *Manual) Set(online bool) {
	m.set(online)
}
