package dispatcher_test

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/livequery/matcherd/internal/analyzer"
	"github.com/livequery/matcherd/internal/dispatcher"
	"github.com/livequery/matcherd/internal/matcher"
	"github.com/livequery/matcherd/internal/model"
	"github.com/livequery/matcherd/internal/rewrite"
	"github.com/livequery/matcherd/internal/schemaload"
	"github.com/livequery/matcherd/internal/shadowstore"
	"github.com/livequery/matcherd/internal/sqlparse"
)

func newTestMatcher(t *testing.T, name, query string) (*matcher.Matcher, *sql.DB) {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	db, err := sql.Open("sqlite", filepath.Join(dir, "base.db"))
	if err != nil {
		t.Fatalf("open base db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `
CREATE TABLE consul_services (id INTEGER PRIMARY KEY, status TEXT NOT NULL);
INSERT INTO consul_services (id, status) VALUES (1, 'passing');
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
	sel, err := sqlparse.Parse(query)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	an, err := analyzer.Analyze(sel, sch)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	stmt, err := rewrite.Build(name, sel, an, sch)
	if err != nil {
		t.Fatalf("rewrite.Build: %v", err)
	}
	m, err := matcher.New(ctx, name, stmt, db, store)
	if err != nil {
		t.Fatalf("matcher.New: %v", err)
	}
	t.Cleanup(func() { m.Stop(ctx) })
	return m, db
}

func TestDispatchRoutesToRelevantMatcherOnly(t *testing.T) {
	d := dispatcher.New(slog.New(slog.NewTextHandler(io.Discard, nil)))

	m1, _ := newTestMatcher(t, "watch-services", `SELECT consul_services.id, consul_services.status FROM consul_services`)
	d.Register(m1)

	if d.Len() != 1 {
		t.Fatalf("expected 1 registered matcher, got %d", d.Len())
	}

	recv := m1.Subscribe()
	defer m1.Unsubscribe(recv)

	d.Dispatch(model.AggregateChange{Table: "other_table", PK: map[string]any{"id": int64(1)}})
	select {
	case r := <-recv.C():
		t.Fatalf("expected no delta for irrelevant table, got %+v", r)
	case <-time.After(150 * time.Millisecond):
	}

	found, ok := d.Lookup("watch-services")
	if !ok || found != m1 {
		t.Fatalf("Lookup returned %v, %v", found, ok)
	}

	d.Unregister("watch-services")
	if d.Len() != 0 {
		t.Fatalf("expected 0 matchers after Unregister, got %d", d.Len())
	}
	if _, ok := d.Lookup("watch-services"); ok {
		t.Fatalf("expected Lookup to miss after Unregister")
	}
}
