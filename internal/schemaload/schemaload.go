// Package schemaload derives a schema.NormalizedSchema from a live SQLite
// connection by reading sqlite_master and PRAGMA table_info (whose pk
// column gives primary-key order) through database/sql over
// modernc.org/sqlite.
package schemaload

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/livequery/matcherd/internal/schema"
)

// NoPrimaryKeyError reports a base table with zero declared PK columns,
// surfaced eagerly at schema-load time rather than waiting for a matcher
// to be built against it, so a misconfigured base schema is visible
// immediately at daemon startup rather than on the first query that
// happens to touch it.
type NoPrimaryKeyError struct {
	Table string
}

func (e *NoPrimaryKeyError) Error() string {
	return fmt.Sprintf("schemaload: table %q has no primary key", e.Table)
}

// Load reads every user table (excluding sqlite_% internal tables and the
// watches attachment) visible on db and returns its normalized form.
func Load(ctx context.Context, db *sql.DB) (*schema.NormalizedSchema, error) {
	rows, err := db.QueryContext(ctx, `
SELECT name FROM sqlite_master
WHERE type = 'table'
  AND name NOT LIKE 'sqlite_%'
ORDER BY name
`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	var tableNames []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		tableNames = append(tableNames, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	rows.Close()

	out := schema.NewNormalizedSchema()
	for _, name := range tableNames {
		table, err := loadTable(ctx, db, name)
		if err != nil {
			return nil, err
		}
		out.Tables[name] = table
	}
	return out, nil
}

func loadTable(ctx context.Context, db *sql.DB, name string) (*schema.NormalizedTable, error) {
	// PRAGMA statements don't accept bound parameters; name comes from
	// sqlite_master so it is a real identifier, not user input.
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, quoteIdent(name)))
	if err != nil {
		return nil, fmt.Errorf("table_info(%s): %w", name, err)
	}
	defer rows.Close()

	cols := schema.NewOrderedColumns()
	pkOrdinal := make(map[int]string)
	for rows.Next() {
		var (
			cid       int
			colName   string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &colName, &colType, &notNull, &dfltValue, &pk); err != nil {
			return nil, fmt.Errorf("scan table_info(%s): %w", name, err)
		}
		cols.Add(schema.ColumnMeta{
			Name:    colName,
			Type:    colType,
			NotNull: notNull != 0,
			HasDflt: dfltValue.Valid,
		})
		if pk > 0 {
			pkOrdinal[pk] = colName
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("table_info(%s): %w", name, err)
	}

	pk := make([]string, 0, len(pkOrdinal))
	for i := 1; i <= len(pkOrdinal); i++ {
		col, ok := pkOrdinal[i]
		if !ok {
			break
		}
		pk = append(pk, col)
	}
	if len(pk) == 0 {
		return nil, &NoPrimaryKeyError{Table: name}
	}

	return &schema.NormalizedTable{Name: name, Columns: cols, PK: pk}, nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
