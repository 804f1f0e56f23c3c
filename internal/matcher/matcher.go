// Package matcher is the runtime core of the live query matcher: one
// Matcher owns a shadow table, applies incoming AggregateChange events to
// it via the rewritten dual-bind EXCEPT probes, and fans the resulting row
// deltas out to subscribers. Its goroutine-plus-cancel-plus-buffered-
// channel lifecycle generalizes a single tap's shutdown pattern from one
// watcher to one matcher per watched query.
package matcher

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/livequery/matcherd/internal/broadcast"
	"github.com/livequery/matcherd/internal/matchererr"
	"github.com/livequery/matcherd/internal/model"
	"github.com/livequery/matcherd/internal/rewrite"
	"github.com/livequery/matcherd/internal/shadowstore"
)

// Matcher is one live query's runtime: a shadow table plus the goroutine
// that keeps it in sync with base-table changes and republishes deltas.
type Matcher struct {
	Name string
	Stmt *rewrite.MatcherStmt

	db    *sql.DB
	store *shadowstore.Store
	bc    *broadcast.Broadcaster

	cmdCh chan model.AggregateChange

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

// Option tunes a Matcher's construction; see WithCmdQueueSize and
// WithBroadcastQueueSize.
type Option func(*options)

type options struct {
	cmdQueueSize       int
	broadcastQueueSize int
}

func WithCmdQueueSize(n int) Option       { return func(o *options) { o.cmdQueueSize = n } }
func WithBroadcastQueueSize(n int) Option { return func(o *options) { o.broadcastQueueSize = n } }

// New builds a Matcher for stmt, creates its shadow table, takes the
// initial full snapshot, and starts its change-processing goroutine. The
// returned Matcher is ready to accept subscribers.
func New(ctx context.Context, name string, stmt *rewrite.MatcherStmt, db *sql.DB, store *shadowstore.Store, opts ...Option) (*Matcher, error) {
	o := options{cmdQueueSize: 512, broadcastQueueSize: 256}
	for _, apply := range opts {
		apply(&o)
	}

	if err := store.CreateShadow(ctx, stmt); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	m := &Matcher{
		Name:   name,
		Stmt:   stmt,
		db:     db,
		store:  store,
		bc:     broadcast.New(o.broadcastQueueSize),
		cmdCh:  make(chan model.AggregateChange, o.cmdQueueSize),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	if _, err := m.store.Snapshot(ctx, m.Stmt); err != nil {
		cancel()
		return nil, err
	}

	go m.run(runCtx)
	return m, nil
}

// Snapshot replays the shadow table's current contents as a stream of
// RowUpsert results followed by an end-of-query marker, for a subscriber
// that is just now attaching and needs to catch up to live state before
// it starts consuming the broadcaster. Every row carries its real,
// persisted __corro_rowid, so two subscribers attaching at different
// times see the same rowid for the same shadow row.
func (m *Matcher) Snapshot(ctx context.Context) ([]model.RowResult, error) {
	colNames := make([]string, len(m.Stmt.Columns))
	for i, c := range m.Stmt.Columns {
		colNames[i] = c.Name
	}
	results := []model.RowResult{model.ColumnsResult(colNames)}

	rows, err := m.store.ReadShadow(ctx, m.Stmt)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		results = append(results, model.RowUpsert(row.RowID, row.Cells))
	}
	results = append(results, model.EndOfQueryResult())
	return results, nil
}

// Submit enqueues an AggregateChange for processing. It never blocks: if
// the matcher's command inbox is full, it reports ChangeQueueFull rather
// than stalling the caller, the original's try_send backpressure
// semantics.
func (m *Matcher) Submit(change model.AggregateChange) error {
	select {
	case m.cmdCh <- change:
		return nil
	default:
		return &matchererr.ChangeQueueFull{}
	}
}

// Subscribe registers a new receiver of this matcher's live row deltas.
func (m *Matcher) Subscribe() *broadcast.Receiver {
	return m.bc.Subscribe()
}

// Unsubscribe removes a receiver previously returned by Subscribe.
func (m *Matcher) Unsubscribe(r *broadcast.Receiver) {
	m.bc.Unsubscribe(r)
}

// SubscriberCount reports how many receivers are currently attached.
func (m *Matcher) SubscriberCount() int { return m.bc.Len() }

// RelevantTable reports whether table is one this matcher's query
// actually reads, i.e. whether an AggregateChange on it is worth
// submitting at all.
func (m *Matcher) RelevantTable(table string) bool {
	_, ok := m.Stmt.Probes[table]
	return ok
}

func (m *Matcher) run(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			return
		case change := <-m.cmdCh:
			if err := m.process(ctx, change); err != nil {
				m.bc.Publish(model.ErrorResult(err.Error()))
			}
		}
	}
}

// process turns one AggregateChange into this matcher's row deltas by
// running its table's upsert and delete probes inside a single
// transaction (shadowstore.Store.ApplyChange) and publishing whatever
// rows they report, each tagged with its real, persisted __corro_rowid.
func (m *Matcher) process(ctx context.Context, change model.AggregateChange) error {
	probe, ok := m.Stmt.Probes[change.Table]
	if !ok {
		return nil
	}
	binds := make([]any, len(probe.PKColumns))
	for i, col := range probe.PKColumns {
		v, ok := change.PK[col]
		if !ok {
			return fmt.Errorf("matcher: aggregate change missing pk column %q for table %q", col, change.Table)
		}
		binds[i] = v
	}
	// Both probes bind the same PK values to each side of their EXCEPT;
	// doubling the slice supplies both parameter sets in one call.
	doubleBinds := append(append([]any{}, binds...), binds...)

	upserted, deleted, err := m.store.ApplyChange(ctx, probe, doubleBinds, len(m.Stmt.Columns))
	if err != nil {
		return err
	}
	for _, row := range upserted {
		m.bc.Publish(model.RowUpsert(row.RowID, row.Cells))
	}
	for _, row := range deleted {
		m.bc.Publish(model.RowDelete(row.RowID, row.Cells))
	}
	return nil
}

// Stop cancels the matcher's goroutine, drops its shadow table, and
// closes its broadcaster, waiting up to 5s for the goroutine to exit
// before giving up.
func (m *Matcher) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	select {
	case <-m.done:
	case <-time.After(5 * time.Second):
	}
	m.bc.Close()
	return m.store.DropShadow(ctx, m.Stmt)
}
