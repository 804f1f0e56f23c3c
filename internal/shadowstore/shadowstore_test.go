package shadowstore_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/livequery/matcherd/internal/analyzer"
	"github.com/livequery/matcherd/internal/rewrite"
	"github.com/livequery/matcherd/internal/schemaload"
	"github.com/livequery/matcherd/internal/shadowstore"
	"github.com/livequery/matcherd/internal/sqlparse"
)

func TestShadowTableLifecycle(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	db, err := sql.Open("sqlite", filepath.Join(dir, "base.db"))
	if err != nil {
		t.Fatalf("open base db: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `
CREATE TABLE consul_services (id INTEGER PRIMARY KEY, status TEXT NOT NULL);
INSERT INTO consul_services (id, status) VALUES (1, 'passing'), (2, 'passing');
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

	sel, err := sqlparse.Parse(`SELECT consul_services.id, consul_services.status FROM consul_services`)
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

	if err := store.CreateShadow(ctx, stmt); err != nil {
		t.Fatalf("CreateShadow: %v", err)
	}

	snap, err := store.Snapshot(ctx, stmt)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap) != 2 {
		t.Fatalf("expected 2 rows from the initial snapshot, got %d", len(snap))
	}
	rowIDByID := map[int64]int64{}
	for _, row := range snap {
		rowIDByID[row.Cells[0].(int64)] = row.RowID
	}
	if rowIDByID[1] == 0 || rowIDByID[2] == 0 || rowIDByID[1] == rowIDByID[2] {
		t.Fatalf("expected distinct non-zero rowids, got %v", rowIDByID)
	}

	var count int
	if err := db.QueryRowContext(ctx, `SELECT count(*) FROM `+rewrite.QualifiedShadowTable(stmt.ShadowTable)).Scan(&count); err != nil {
		t.Fatalf("count shadow rows: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 shadow rows after snapshot, got %d", count)
	}

	// Changing row 1's status and replaying its probe exercises the
	// ON CONFLICT...DO UPDATE path; the returned rowid must match the one
	// the snapshot already assigned to the same shadow row.
	if _, err := db.ExecContext(ctx, `UPDATE consul_services SET status = 'critical' WHERE id = 1`); err != nil {
		t.Fatalf("update base row: %v", err)
	}
	probe := stmt.Probes["consul_services"]
	upserted, _, err := store.ApplyChange(ctx, probe, []any{int64(1), int64(1)}, len(stmt.Columns))
	if err != nil {
		t.Fatalf("ApplyChange (update): %v", err)
	}
	if len(upserted) != 1 {
		t.Fatalf("expected 1 upserted row, got %d", len(upserted))
	}
	if upserted[0].RowID != rowIDByID[1] {
		t.Fatalf("expected stable rowid %d across update, got %d", rowIDByID[1], upserted[0].RowID)
	}
	if upserted[0].Cells[2] != "critical" {
		t.Fatalf("expected updated status 'critical', got %v", upserted[0].Cells[2])
	}

	var status string
	if err := db.QueryRowContext(ctx, `SELECT status FROM watches.`+`"`+stmt.ShadowTable+`"`+` WHERE `+`"__corro_pk_consul_services_id"`+` = 1`).Scan(&status); err != nil {
		t.Fatalf("read updated shadow row: %v", err)
	}
	if status != "critical" {
		t.Fatalf("expected upsert to update status to critical, got %q", status)
	}

	// Deleting row 2 from the base table and replaying its probe must
	// remove its shadow row and report the same rowid the snapshot
	// originally assigned to it.
	if _, err := db.ExecContext(ctx, `DELETE FROM consul_services WHERE id = 2`); err != nil {
		t.Fatalf("delete base row: %v", err)
	}
	_, deleted, err := store.ApplyChange(ctx, probe, []any{int64(2), int64(2)}, len(stmt.Columns))
	if err != nil {
		t.Fatalf("ApplyChange (delete): %v", err)
	}
	if len(deleted) != 1 {
		t.Fatalf("expected 1 deleted row, got %d", len(deleted))
	}
	if deleted[0].RowID != rowIDByID[2] {
		t.Fatalf("expected stable rowid %d across delete, got %d", rowIDByID[2], deleted[0].RowID)
	}

	if err := db.QueryRowContext(ctx, `SELECT count(*) FROM `+rewrite.QualifiedShadowTable(stmt.ShadowTable)).Scan(&count); err != nil {
		t.Fatalf("count shadow rows after delete: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 shadow row after delete, got %d", count)
	}

	if err := store.DropShadow(ctx, stmt); err != nil {
		t.Fatalf("DropShadow: %v", err)
	}
	if err := db.QueryRowContext(ctx, `SELECT count(*) FROM `+rewrite.QualifiedShadowTable(stmt.ShadowTable)).Scan(&count); err == nil {
		t.Fatalf("expected querying the dropped shadow table to fail")
	}
}
