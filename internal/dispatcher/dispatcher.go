// Package dispatcher routes incoming AggregateChange events to every live
// matcher whose query reads the changed table. It owns no storage of its
// own; it is the fan-out layer between the upstream change feed (an
// external collaborator out of scope for this repo) and the per-query
// matcher runtimes in internal/matcher.
package dispatcher

import (
	"log/slog"
	"sync"

	"github.com/livequery/matcherd/internal/matcher"
	"github.com/livequery/matcherd/internal/model"
)

// Dispatcher tracks every registered Matcher and forwards each incoming
// change to the ones it's relevant to.
type Dispatcher struct {
	log *slog.Logger

	mu       sync.RWMutex
	matchers map[string]*matcher.Matcher // keyed by matcher name
}

func New(log *slog.Logger) *Dispatcher {
	return &Dispatcher{log: log, matchers: make(map[string]*matcher.Matcher)}
}

// Register adds m to the dispatch set.
func (d *Dispatcher) Register(m *matcher.Matcher) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.matchers[m.Name] = m
}

// Unregister removes the matcher named name from the dispatch set. It does
// not stop the matcher; callers are expected to have already called
// Matcher.Stop.
func (d *Dispatcher) Unregister(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.matchers, name)
}

// Lookup returns the matcher registered under name, if any.
func (d *Dispatcher) Lookup(name string) (*matcher.Matcher, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.matchers[name]
	return m, ok
}

// Dispatch submits change to every registered matcher whose query reads
// change.Table. A matcher whose inbox is full logs and is otherwise
// skipped rather than blocking the rest of the fan-out. A dropped change
// is not replayed: probes are restricted to the changed row's primary key,
// so that matcher's shadow table catches up on the row only when a later
// change for the same primary key is processed.
func (d *Dispatcher) Dispatch(change model.AggregateChange) {
	d.mu.RLock()
	targets := make([]*matcher.Matcher, 0, len(d.matchers))
	for _, m := range d.matchers {
		if m.RelevantTable(change.Table) {
			targets = append(targets, m)
		}
	}
	d.mu.RUnlock()

	for _, m := range targets {
		if err := m.Submit(change); err != nil {
			d.log.Warn("dropping change for matcher",
				"matcher", m.Name, "table", change.Table, "error", err)
		}
	}
}

// Len reports how many matchers are currently registered.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.matchers)
}
