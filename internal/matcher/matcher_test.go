package matcher_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/livequery/matcherd/internal/analyzer"
	"github.com/livequery/matcherd/internal/matcher"
	"github.com/livequery/matcherd/internal/model"
	"github.com/livequery/matcherd/internal/rewrite"
	"github.com/livequery/matcherd/internal/schemaload"
	"github.com/livequery/matcherd/internal/shadowstore"
	"github.com/livequery/matcherd/internal/sqlparse"
)

// TestMatcherDiffLifecycle mirrors the insert/update/delete scenario the
// original system's own integration test walks through: a query joining a
// services table to a machines table, filtered to "passing" status, is
// watched from an initial snapshot through a sequence of base-table
// mutations, and each mutation must produce exactly the row delta a
// client actually needs. It also asserts on the emitted rowid values
// themselves (not just kind/change type): __corro_rowid comes from the
// shadow table's own AUTOINCREMENT column, so the row seeded into the
// snapshot keeps rowid 1 for its entire lifetime, including the Delete
// emitted when it is later removed, rather than being renumbered by
// whichever subscriber happens to be asking.
func TestMatcherDiffLifecycle(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	db, err := sql.Open("sqlite", filepath.Join(dir, "base.db"))
	if err != nil {
		t.Fatalf("open base db: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `
CREATE TABLE machines (id TEXT PRIMARY KEY, hostname TEXT NOT NULL);
CREATE TABLE consul_services (id INTEGER PRIMARY KEY, node TEXT NOT NULL, status TEXT NOT NULL);
INSERT INTO machines (id, hostname) VALUES ('m1', 'host-one');
INSERT INTO consul_services (id, node, status) VALUES (1, 'm1', 'passing');
`); err != nil {
		t.Fatalf("seed schema: %v", err)
	}

	sch, err := schemaload.Load(ctx, db)
	if err != nil {
		t.Fatalf("schemaload.Load: %v", err)
	}

	store, err := shadowstore.Open(ctx, db, filepath.Join(dir, "watches.db"))
	if err != nil {
		t.Fatalf("shadowstore.Open: %v", err)
	}

	sel, err := sqlparse.Parse(`
SELECT s.id, s.status, m.hostname
FROM consul_services AS s
JOIN machines AS m ON m.id = s.node
WHERE s.status = 'passing'
`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	an, err := analyzer.Analyze(sel, sch)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	stmt, err := rewrite.Build("t1", sel, an, sch)
	if err != nil {
		t.Fatalf("rewrite.Build: %v", err)
	}

	m, err := matcher.New(ctx, "t1", stmt, db, store)
	if err != nil {
		t.Fatalf("matcher.New: %v", err)
	}
	defer m.Stop(ctx)

	snap, err := m.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap) != 3 { // columns + 1 row + eoq
		t.Fatalf("expected columns+1 row+eoq, got %d results: %+v", len(snap), snap)
	}
	if snap[0].Kind != model.RowResultColumns {
		t.Fatalf("expected first snapshot result to be columns, got %+v", snap[0])
	}
	if snap[1].Kind != model.RowResultRow || snap[1].ChangeType != model.ChangeUpsert {
		t.Fatalf("expected initial row as upsert, got %+v", snap[1])
	}
	if snap[1].RowID != 1 {
		t.Fatalf("expected the seeded row's rowid to be 1, got %d", snap[1].RowID)
	}

	recv := m.Subscribe()
	defer m.Unsubscribe(recv)

	// Insert a second, already-passing service row on the same machine:
	// expect exactly one upsert delta with a freshly assigned rowid.
	if _, err := db.ExecContext(ctx, `INSERT INTO consul_services (id, node, status) VALUES (2, 'm1', 'passing')`); err != nil {
		t.Fatalf("insert second service: %v", err)
	}
	if err := m.Submit(model.AggregateChange{
		Table: "consul_services", EvtType: model.EventInsert,
		PK: map[string]any{"id": int64(2)},
	}); err != nil {
		t.Fatalf("Submit insert: %v", err)
	}
	r := waitForResult(t, recv, func(r model.RowResult) bool {
		return r.Kind == model.RowResultRow && r.ChangeType == model.ChangeUpsert
	})
	if r.RowID != 2 {
		t.Fatalf("expected the inserted row's rowid to be 2, got %d", r.RowID)
	}

	// Delete the originally seeded row: expect a Delete delta that reuses
	// rowid 1, the same rowid the snapshot reported for that row, proving
	// __corro_rowid is stable across a row's whole lifetime rather than
	// being renumbered per snapshot.
	if _, err := db.ExecContext(ctx, `DELETE FROM consul_services WHERE id = 1`); err != nil {
		t.Fatalf("delete first service: %v", err)
	}
	if err := m.Submit(model.AggregateChange{
		Table: "consul_services", EvtType: model.EventDelete,
		PK: map[string]any{"id": int64(1)},
	}); err != nil {
		t.Fatalf("Submit delete: %v", err)
	}
	r = waitForResult(t, recv, func(r model.RowResult) bool {
		return r.Kind == model.RowResultRow && r.ChangeType == model.ChangeDelete
	})
	if r.RowID != 1 {
		t.Fatalf("expected the deleted row's rowid to be the reused 1, got %d", r.RowID)
	}

	// Flip service 2 to a non-matching status: expect a delete delta for
	// its own rowid (2), not the reused rowid from the prior delete.
	if _, err := db.ExecContext(ctx, `UPDATE consul_services SET status = 'critical' WHERE id = 2`); err != nil {
		t.Fatalf("update service status: %v", err)
	}
	if err := m.Submit(model.AggregateChange{
		Table: "consul_services", EvtType: model.EventUpdate,
		PK: map[string]any{"id": int64(2)},
	}); err != nil {
		t.Fatalf("Submit update: %v", err)
	}
	r = waitForResult(t, recv, func(r model.RowResult) bool {
		return r.Kind == model.RowResultRow && r.ChangeType == model.ChangeDelete
	})
	if r.RowID != 2 {
		t.Fatalf("expected the membership-flip delete's rowid to be 2, got %d", r.RowID)
	}

	// A change notification for a row that didn't actually change produces
	// no delta: the probe's EXCEPT against the shadow table comes back empty
	// on both sides.
	if err := m.Submit(model.AggregateChange{Table: "machines", PK: map[string]any{"id": "m1"}}); err != nil {
		t.Fatalf("Submit no-op change: %v", err)
	}
	select {
	case r, ok := <-recv.C():
		if ok {
			t.Fatalf("expected no further delta, got %+v", r)
		}
	case <-time.After(200 * time.Millisecond):
		// no output, as expected
	}
}

func waitForResult(t *testing.T, recv interface {
	C() <-chan model.RowResult
}, match func(model.RowResult) bool) model.RowResult {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case r, ok := <-recv.C():
			if !ok {
				t.Fatal("receiver channel closed while waiting for result")
			}
			if match(r) {
				return r
			}
		case <-deadline:
			t.Fatal("timed out waiting for matching row result")
		}
	}
}
