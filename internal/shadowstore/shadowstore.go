// Package shadowstore manages the attached "watches" SQLite database that
// holds every matcher's materialized shadow table. A single connection
// spans two schemas: "main" (the live base tables, read-only from the
// matcher's perspective) and "watches" (this package's write-owned
// attachment).
package shadowstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/livequery/matcherd/internal/matchererr"
	"github.com/livequery/matcherd/internal/rewrite"
)

// Store owns the attached watches database and the lifecycle of every
// matcher's shadow table within it.
type Store struct {
	db *sql.DB
}

// ChangedRow is one row returned by a RETURNING statement: the shadow
// table's real, persisted __corro_rowid plus the matcher's output cells in
// stmt.Columns order. The same shadow row always reports the same RowID
// regardless of when it is read, since __corro_rowid is an AUTOINCREMENT
// surrogate SQLite assigns once and never reuses or renumbers.
type ChangedRow struct {
	RowID int64
	Cells []any
}

// querier is satisfied by both *sql.DB and *sql.Tx, letting queryReturning
// run against either a bare connection (the initial snapshot) or an
// in-flight transaction (a change's upsert/delete probes).
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Open attaches watchesPath to db under the "watches" schema name. db
// should already be open against the base database with a single
// connection: modernc.org/sqlite does not support concurrent writers on
// one *sql.DB without WAL + busy_timeout tuning, and ATTACH is itself
// connection-scoped, so SetMaxOpenConns(1) is required upstream of this
// call.
func Open(ctx context.Context, db *sql.DB, watchesPath string) (*Store, error) {
	_, err := db.ExecContext(ctx, fmt.Sprintf(`ATTACH DATABASE %s AS watches`, quoteLiteral(watchesPath)))
	if err != nil {
		return nil, &matchererr.SqliteError{Op: "attach watches database", Err: err}
	}
	return &Store{db: db}, nil
}

func quoteLiteral(s string) string {
	out := "'"
	for _, r := range s {
		if r == '\'' {
			out += "''"
		} else {
			out += string(r)
		}
	}
	return out + "'"
}

// CreateShadow creates stmt's shadow table and its synthetic-PK unique
// index, dropping any stale table of the same name first (a matcher being
// rebuilt after a restart starts its shadow table fresh; the initial
// snapshot repopulates it).
func (s *Store) CreateShadow(ctx context.Context, stmt *rewrite.MatcherStmt) error {
	if _, err := s.db.ExecContext(ctx, stmt.DropShadowSQL); err != nil {
		return &matchererr.SqliteError{Op: "drop stale shadow table", Err: err}
	}
	if _, err := s.db.ExecContext(ctx, stmt.CreateShadowSQL); err != nil {
		return &matchererr.SqliteError{Op: "create shadow table", Err: err}
	}
	if _, err := s.db.ExecContext(ctx, stmt.CreateShadowIndexSQL); err != nil {
		return &matchererr.SqliteError{Op: "create shadow pk index", Err: err}
	}
	return nil
}

// DropShadow removes stmt's shadow table; called when a matcher is torn
// down for good.
func (s *Store) DropShadow(ctx context.Context, stmt *rewrite.MatcherStmt) error {
	if _, err := s.db.ExecContext(ctx, stmt.DropShadowSQL); err != nil {
		return &matchererr.SqliteError{Op: "drop shadow table", Err: err}
	}
	return nil
}

// Snapshot runs stmt's SnapshotInsertSQL once, populating the shadow
// table's first generation and returning each inserted row's assigned
// __corro_rowid and cells in the same round trip.
func (s *Store) Snapshot(ctx context.Context, stmt *rewrite.MatcherStmt) ([]ChangedRow, error) {
	rows, err := queryReturning(ctx, s.db, stmt.SnapshotInsertSQL, nil, len(stmt.Columns))
	if err != nil {
		return nil, &matchererr.SqliteError{Op: "run snapshot insert", Err: err}
	}
	return rows, nil
}

// ReadShadow selects every currently materialized row of stmt's shadow
// table, each tagged with its real __corro_rowid, for a subscriber that is
// replaying current state rather than catching a live change.
func (s *Store) ReadShadow(ctx context.Context, stmt *rewrite.MatcherStmt) ([]ChangedRow, error) {
	names := make([]string, len(stmt.Columns))
	for i, c := range stmt.Columns {
		names[i] = c.Name
	}
	query := fmt.Sprintf(
		"SELECT __corro_rowid, %s FROM %s",
		quotedColList(names), rewrite.QualifiedShadowTable(stmt.ShadowTable),
	)
	rows, err := queryReturning(ctx, s.db, query, nil, len(stmt.Columns))
	if err != nil {
		return nil, &matchererr.SqliteError{Op: "read shadow table", Err: err}
	}
	return rows, nil
}

// ApplyChange runs probe's upsert and delete RETURNING statements for one
// base-table mutation inside a single transaction: the probe's read and
// the shadow table's write happen in one round trip, and the rows it
// returns carry the shadow table's real, persisted __corro_rowid rather
// than a value assigned after the fact.
func (s *Store) ApplyChange(ctx context.Context, probe *rewrite.TableProbe, binds []any, numCols int) (upserted, deleted []ChangedRow, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, &matchererr.SqliteError{Op: "begin change tx", Err: err}
	}
	defer tx.Rollback()

	upserted, err = queryReturning(ctx, tx, probe.UpsertProbeSQL, binds, numCols)
	if err != nil {
		return nil, nil, &matchererr.SqliteError{Op: "run upsert probe", Err: err}
	}
	deleted, err = queryReturning(ctx, tx, probe.DeleteProbeSQL, binds, numCols)
	if err != nil {
		return nil, nil, &matchererr.SqliteError{Op: "run delete probe", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, &matchererr.SqliteError{Op: "commit change tx", Err: err}
	}
	return upserted, deleted, nil
}

func queryReturning(ctx context.Context, q querier, query string, binds []any, numCols int) ([]ChangedRow, error) {
	rows, err := q.QueryContext(ctx, query, binds...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ChangedRow
	for rows.Next() {
		var rowID int64
		cells := make([]any, numCols)
		ptrs := make([]any, numCols+1)
		ptrs[0] = &rowID
		for i := range cells {
			ptrs[i+1] = &cells[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		out = append(out, ChangedRow{RowID: rowID, Cells: cells})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func quotedColList(names []string) string {
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = quoteColName(n)
	}
	return strings.Join(parts, ", ")
}

func quoteColName(name string) string { return `"` + name + `"` }
