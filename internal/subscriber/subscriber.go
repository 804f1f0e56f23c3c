// Package subscriber is the registry of connected subscribers and the
// named subscriptions each holds open. It mirrors the original's
// Subscriber/SubscriptionInfo split: one Subscriber per connection (local
// or the process-wide "global" catch-all), each owning zero or more named
// subscriptions, each bound to exactly one matcher.
package subscriber

import (
	"sync"

	"github.com/livequery/matcherd/internal/broadcast"
	"github.com/livequery/matcherd/internal/model"
)

// Subscription is one named watch a Subscriber holds open against a
// matcher.
type Subscription struct {
	Info        model.SubscriptionInfo
	MatcherName string
	Receiver    *broadcast.Receiver
}

// Subscriber is one connection's set of open subscriptions.
type Subscriber struct {
	ID model.SubscriberID

	mu   sync.RWMutex
	subs map[model.SubscriptionID]*Subscription
}

func newSubscriber(id model.SubscriberID) *Subscriber {
	return &Subscriber{ID: id, subs: make(map[model.SubscriptionID]*Subscription)}
}

// Add registers sub under id, replacing any previous subscription of the
// same id (the caller is expected to have already torn down the old one).
func (s *Subscriber) Add(id model.SubscriptionID, sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[id] = sub
}

// Remove detaches and returns the subscription named id, if any.
func (s *Subscriber) Remove(id model.SubscriptionID) (*Subscription, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if ok {
		delete(s.subs, id)
	}
	return sub, ok
}

// Get returns the subscription named id without removing it.
func (s *Subscriber) Get(id model.SubscriptionID) (*Subscription, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[id]
	return sub, ok
}

// Snapshot returns the current subscription-id -> info map, safe to
// iterate by the caller.
func (s *Subscriber) Snapshot() map[model.SubscriptionID]model.SubscriptionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[model.SubscriptionID]model.SubscriptionInfo, len(s.subs))
	for id, sub := range s.subs {
		out[id] = sub.Info
	}
	return out
}

// All returns every subscription currently held, for teardown on
// disconnect.
func (s *Subscriber) All() []*Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, sub)
	}
	return out
}

// Index is the process-wide registry of subscribers.
type Index struct {
	mu          sync.RWMutex
	subscribers map[model.SubscriberID]*Subscriber
}

func NewIndex() *Index {
	return &Index{subscribers: make(map[model.SubscriberID]*Subscriber)}
}

// Insert registers a new, empty Subscriber for id, returning the existing
// one if id is already registered.
func (idx *Index) Insert(id model.SubscriberID) *Subscriber {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if s, ok := idx.subscribers[id]; ok {
		return s
	}
	s := newSubscriber(id)
	idx.subscribers[id] = s
	return s
}

// Remove drops the Subscriber for id entirely. Callers must first tear
// down every Subscription it held (Subscriber.All + Matcher.Unsubscribe).
func (idx *Index) Remove(id model.SubscriberID) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.subscribers, id)
}

// Get returns the Subscriber registered for id.
func (idx *Index) Get(id model.SubscriberID) (*Subscriber, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	s, ok := idx.subscribers[id]
	return s, ok
}

// AsLocal returns the Subscriber for id only if id identifies a local
// connection, not the global catch-all.
func (idx *Index) AsLocal(id model.SubscriberID) (*Subscriber, bool) {
	if !id.Local {
		return nil, false
	}
	return idx.Get(id)
}

// Len reports the number of distinct subscribers currently registered.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.subscribers)
}
