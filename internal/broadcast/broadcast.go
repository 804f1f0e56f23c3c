// Package broadcast implements a lossy multi-consumer fan-out channel,
// the Go stand-in for tokio::broadcast::channel used by the matcher
// runtime to publish row deltas to every live subscriber of one matcher.
// A slow subscriber is dropped rather than allowed to stall the matcher,
// the same goroutine-plus-buffered-channel lifecycle a single tap uses,
// generalized to N consumers instead of one.
package broadcast

import (
	"sync"

	"github.com/livequery/matcherd/internal/model"
)

// Receiver is a single subscriber's view of a Broadcaster.
type Receiver struct {
	ch     chan model.RowResult
	closed <-chan struct{}
}

// C returns the channel to range/select over. It is closed by the
// broadcaster when the subscriber is dropped for falling behind, or when
// the broadcaster itself is closed.
func (r *Receiver) C() <-chan model.RowResult { return r.ch }

// Broadcaster fans RowResult values out to every subscribed Receiver.
// Each receiver has its own bounded buffer; a send that would block
// because a receiver is behind drops that receiver instead of blocking
// the publisher.
type Broadcaster struct {
	mu        sync.Mutex
	receivers map[*Receiver]chan model.RowResult
	queueSize int
	closed    bool
}

func New(queueSize int) *Broadcaster {
	return &Broadcaster{
		receivers: make(map[*Receiver]chan model.RowResult),
		queueSize: queueSize,
	}
}

// Subscribe registers a new Receiver. Callers must Unsubscribe when done.
func (b *Broadcaster) Subscribe() *Receiver {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan model.RowResult, b.queueSize)
	if b.closed {
		close(ch)
		return &Receiver{ch: ch}
	}
	r := &Receiver{ch: ch}
	b.receivers[r] = ch
	return r
}

// Unsubscribe removes r from the fan-out set.
func (b *Broadcaster) Unsubscribe(r *Receiver) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.receivers[r]; ok {
		delete(b.receivers, r)
		close(ch)
	}
}

// Publish sends v to every current receiver, non-blocking: a receiver
// whose buffer is full is dropped (its channel closed) rather than
// stalling the rest of the fan-out.
func (b *Broadcaster) Publish(v model.RowResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for r, ch := range b.receivers {
		select {
		case ch <- v:
		default:
			delete(b.receivers, r)
			close(ch)
		}
	}
}

// Close shuts every current and future receiver's channel down.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for r, ch := range b.receivers {
		delete(b.receivers, r)
		close(ch)
	}
}

// Len reports the current subscriber count (used by tests and by
// Matcher.SubscriberCount).
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.receivers)
}
