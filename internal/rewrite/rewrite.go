// Package rewrite turns an analyzer.Analysis into concrete SQL: the shadow
// table's DDL, the initial full snapshot insert, and a dual-bind EXCEPT
// probe pair per referenced base table used to turn one base-table change
// into the matcher's Upsert/Delete row deltas.
package rewrite

import (
	"fmt"
	"strings"

	"github.com/livequery/matcherd/internal/analyzer"
	"github.com/livequery/matcherd/internal/matchererr"
	"github.com/livequery/matcherd/internal/schema"
	"github.com/livequery/matcherd/internal/sqlast"
)

// SyntheticPKColumn names the shadow/probe column carrying one base
// table's primary-key value. The prefix keeps it out of the way of a
// user's own column names.
func SyntheticPKColumn(table, pkCol string) string {
	return fmt.Sprintf("__corro_pk_%s_%s", table, pkCol)
}

// ShadowTableName is the name of a matcher's materialized table inside the
// attached watches database.
func ShadowTableName(matcherName string) string {
	return fmt.Sprintf("__corro_shadow_%s", matcherName)
}

// QualifiedShadowTable is shadowTable as a SQL reference scoped to the
// attached "watches" schema (shadowstore.Open's ATTACH DATABASE ... AS
// watches), never the default "main" schema the live base tables live in.
func QualifiedShadowTable(shadowTable string) string {
	return "watches." + sqlast.QuoteIdent(shadowTable)
}

// OutputColumn is one column of a matcher's projected row, in emission
// order: synthetic PK columns first (grouped per table, in schema PK
// order), then the user's projected columns in SELECT order.
type OutputColumn struct {
	Name string
	Expr sqlast.Expr
	IsPK bool
}

// TableProbe is the pair of statements that turn one base-table mutation
// (identified by its primary key) into this matcher's row delta, each
// written as a single INSERT/DELETE ... RETURNING statement so the probe
// read and the shadow table write happen in one round trip and report the
// shadow row's real, persisted __corro_rowid.
type TableProbe struct {
	Table     string
	PKColumns []string // this table's primary-key columns, in schema order

	// UpsertProbeSQL, bound with the mutated row's PK values twice (once
	// per side of its EXCEPT), inserts or updates every output row that is
	// new or changed as of this mutation and returns __corro_rowid plus
	// the output cells for each one.
	UpsertProbeSQL string

	// DeleteProbeSQL, bound the same way, deletes every previously
	// materialized row that no longer exists after this mutation and
	// returns __corro_rowid plus the output cells for each one.
	DeleteProbeSQL string
}

// MatcherStmt is everything the matcher runtime needs to create a shadow
// table, take an initial snapshot, and incrementally refresh it.
type MatcherStmt struct {
	Name        string
	ShadowTable string
	Columns     []OutputColumn

	// SnapshotSQL selects every row of the live, unrestricted join.
	SnapshotSQL string

	// SnapshotInsertSQL wraps SnapshotSQL as an INSERT ... SELECT ...
	// RETURNING statement: run once at matcher construction, it populates
	// the shadow table's first generation and reports each row's
	// freshly-assigned __corro_rowid in the same round trip.
	SnapshotInsertSQL string

	CreateShadowSQL string

	// CreateShadowIndexSQL declares the UNIQUE index over the synthetic PK
	// columns that ON CONFLICT targets; __corro_rowid, not this index, is
	// the shadow table's actual PRIMARY KEY.
	CreateShadowIndexSQL string
	DropShadowSQL        string

	// Probes holds one TableProbe per base table the query references;
	// the dispatcher looks a table up here to decide whether an
	// AggregateChange is relevant to this matcher at all.
	Probes map[string]*TableProbe
}

// Build renders an analyzer.Analysis into a MatcherStmt. sel is the parsed
// statement the Analysis was derived from (its FROM/JOIN chain and WHERE
// clause are reused verbatim); sch provides the authoritative primary-key
// order for each referenced table.
func Build(name string, sel *sqlast.Select, an *analyzer.Analysis, sch *schema.NormalizedSchema) (*MatcherStmt, error) {
	m := &MatcherStmt{
		Name:        name,
		ShadowTable: ShadowTableName(name),
		Probes:      make(map[string]*TableProbe),
	}

	from := sel.From
	whereClause := sel.Where

	for _, table := range an.Tables {
		t, ok := sch.Table(table)
		if !ok {
			return nil, fmt.Errorf("rewrite: table %q missing from schema", table)
		}
		if len(t.PK) == 0 {
			return nil, &matchererr.NoPrimaryKey{Table: table}
		}
		ref := an.RefName[table]
		for _, pk := range t.PK {
			m.Columns = append(m.Columns, OutputColumn{
				Name: SyntheticPKColumn(table, pk),
				Expr: sqlast.QualifiedColumn{Table: ref, Column: pk},
				IsPK: true,
			})
		}
	}
	for i, pc := range an.Projection {
		alias := pc.Alias
		if alias == "" {
			alias = fmt.Sprintf("col_%d", i)
		}
		m.Columns = append(m.Columns, OutputColumn{Name: alias, Expr: pc.Expr})
	}

	selectList := make([]sqlast.ResultColumn, len(m.Columns))
	for i, c := range m.Columns {
		selectList[i] = sqlast.ResultColumn{Expr: c.Expr, Alias: c.Name}
	}

	baseSelect := &sqlast.Select{Columns: selectList, From: from, Where: whereClause}
	m.SnapshotSQL = sqlast.Render(baseSelect)
	m.CreateShadowSQL, m.CreateShadowIndexSQL = buildCreateShadow(m.ShadowTable, m.Columns)
	m.DropShadowSQL = fmt.Sprintf("DROP TABLE IF EXISTS %s", QualifiedShadowTable(m.ShadowTable))
	m.SnapshotInsertSQL = buildSnapshotInsert(m.ShadowTable, m.Columns, m.SnapshotSQL)

	for _, table := range an.Tables {
		t, ok := sch.Table(table)
		if !ok {
			return nil, fmt.Errorf("rewrite: table %q missing from schema", table)
		}
		probe, err := buildTableProbe(m.ShadowTable, table, an.RefName[table], t.PK, baseSelect, whereClause, m.Columns)
		if err != nil {
			return nil, err
		}
		m.Probes[table] = probe
	}

	return m, nil
}

// buildCreateShadow declares __corro_rowid as the shadow table's actual
// PRIMARY KEY (an AUTOINCREMENT surrogate SQLite never reuses, even across
// DELETEs) and returns a separate UNIQUE index over the synthetic PK
// columns for the probes' ON CONFLICT target.
func buildCreateShadow(shadowTable string, cols []OutputColumn) (createTableSQL, createIndexSQL string) {
	var sb strings.Builder
	sb.WriteString("CREATE TABLE ")
	sb.WriteString(QualifiedShadowTable(shadowTable))
	sb.WriteString(" (__corro_rowid INTEGER PRIMARY KEY AUTOINCREMENT")
	var pkCols []string
	for _, c := range cols {
		sb.WriteString(", ")
		sb.WriteString(sqlast.QuoteIdent(c.Name))
		sb.WriteString(" ANY")
		if c.IsPK {
			pkCols = append(pkCols, sqlast.QuoteIdent(c.Name))
		}
	}
	sb.WriteString(")")

	indexName := sqlast.QuoteIdent("index_" + shadowTable + "_pk")
	createIndexSQL = fmt.Sprintf(
		"CREATE UNIQUE INDEX watches.%s ON %s (%s)",
		indexName, sqlast.QuoteIdent(shadowTable), strings.Join(pkCols, ", "),
	)
	return sb.String(), createIndexSQL
}

func buildSnapshotInsert(shadowTable string, cols []OutputColumn, selectSQL string) string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	colList := quotedColList(names)
	return fmt.Sprintf(
		"INSERT INTO %s (%s) %s RETURNING __corro_rowid, %s",
		QualifiedShadowTable(shadowTable), colList, selectSQL, colList,
	)
}

func buildTableProbe(shadowTable, table, ref string, pk []string, baseSelect *sqlast.Select, whereClause sqlast.Expr, cols []OutputColumn) (*TableProbe, error) {
	pkFilter := pkEqualsBindExpr(ref, pk)
	restrictedWhere := whereClause
	if restrictedWhere == nil {
		restrictedWhere = pkFilter
	} else {
		restrictedWhere = sqlast.Binary{Left: whereClause, Op: sqlast.OpAnd, Right: pkFilter}
	}
	restricted := &sqlast.Select{Columns: baseSelect.Columns, From: baseSelect.From, Where: restrictedWhere}
	freshSQL := sqlast.Render(restricted)

	outputCols := make([]string, len(cols))
	var pkNames, updates []string
	for i, c := range cols {
		outputCols[i] = c.Name
		q := sqlast.QuoteIdent(c.Name)
		if c.IsPK {
			pkNames = append(pkNames, q)
		} else {
			updates = append(updates, q+" = excluded."+q)
		}
	}
	colList := quotedColList(outputCols)
	shadowTableRef := QualifiedShadowTable(shadowTable)
	shadowPKWhere := shadowPKEqualsBindSQL(table, pk)

	conflictAction := "DO NOTHING"
	if len(updates) > 0 {
		conflictAction = "DO UPDATE SET " + strings.Join(updates, ", ")
	}

	// new_query EXCEPT temp_query, wrapped so a single-row EXCEPT result
	// can still drive an INSERT ... SELECT; the literal WHERE 1 matches
	// the same dummy predicate the rewrite this is drawn from uses to
	// keep SQLite from treating the subquery as a plain compound SELECT.
	upsert := fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT * FROM (%s EXCEPT SELECT %s FROM %s WHERE %s) WHERE 1 ON CONFLICT (%s) %s RETURNING __corro_rowid, %s",
		shadowTableRef, colList, freshSQL, colList, shadowTableRef, shadowPKWhere,
		strings.Join(pkNames, ", "), conflictAction, colList,
	)

	// temp_query EXCEPT new_query: the previously materialized rows for
	// this PK that the fresh query no longer produces.
	pkColList := quotedColList(synthPKNames(table, pk))
	delete_ := fmt.Sprintf(
		"DELETE FROM %s WHERE (%s) IN (SELECT %s FROM (SELECT %s FROM %s WHERE %s EXCEPT %s)) RETURNING __corro_rowid, %s",
		shadowTableRef, pkColList, pkColList, colList, shadowTableRef, shadowPKWhere, freshSQL, colList,
	)

	return &TableProbe{
		Table:          table,
		PKColumns:      pk,
		UpsertProbeSQL: upsert,
		DeleteProbeSQL: delete_,
	}, nil
}

// pkEqualsBindExpr builds `ref.pk1 IS ? AND ref.pk2 IS ?...`. IS rather than
// = so a NULL-valued PK component (legal for any column not itself declared
// NOT NULL under SQLite's INTEGER PRIMARY KEY exception aside) still matches
// its own bound NULL instead of evaluating to NULL/false.
func pkEqualsBindExpr(ref string, pk []string) sqlast.Expr {
	var e sqlast.Expr
	for _, col := range pk {
		eq := sqlast.Binary{Left: sqlast.QualifiedColumn{Table: ref, Column: col}, Op: sqlast.OpIs, Right: sqlast.BindParam{}}
		if e == nil {
			e = eq
		} else {
			e = sqlast.Binary{Left: e, Op: sqlast.OpAnd, Right: eq}
		}
	}
	return e
}

func shadowPKEqualsBindSQL(table string, pk []string) string {
	parts := make([]string, len(pk))
	for i, col := range pk {
		parts[i] = sqlast.QuoteIdent(SyntheticPKColumn(table, col)) + " IS ?"
	}
	return strings.Join(parts, " AND ")
}

func synthPKNames(table string, pk []string) []string {
	names := make([]string, len(pk))
	for i, col := range pk {
		names[i] = SyntheticPKColumn(table, col)
	}
	return names
}

func quotedColList(names []string) string {
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = sqlast.QuoteIdent(n)
	}
	return strings.Join(parts, ", ")
}
