// Package analyzer walks a parsed SELECT and resolves it against a
// schema.NormalizedSchema: which base tables it touches, which columns of
// each it actually needs, and the shape of its projection. It is the Go
// rendering of extract_select_columns/extract_expr_columns/extract_columns
// from the original source this matcher is drawn from.
package analyzer

import (
	"github.com/livequery/matcherd/internal/matchererr"
	"github.com/livequery/matcherd/internal/schema"
	"github.com/livequery/matcherd/internal/sqlast"
)

// ProjectedColumn is one entry of a resolved SELECT's output row: an
// expression plus the output name it should be given.
type ProjectedColumn struct {
	Alias string // "" means the rewriter must assign a col_N placeholder
	Expr  sqlast.Expr
}

// Analysis is the fully resolved shape of one matched SELECT.
type Analysis struct {
	// Tables lists every base table referenced by FROM/JOIN, in the order
	// they were introduced.
	Tables []string

	// Aliases maps every alias (or bare table name when unaliased) used in
	// the FROM/JOIN chain to its canonical table name.
	Aliases map[string]string

	// TableColumns is, per base table, the ordered set of columns this
	// query actually reads, from the projection, WHERE clause, and JOIN
	// constraints combined. Analyze uses it to check that every table's
	// primary-key columns are referenced; internal/rewrite builds the
	// shadow table's DDL and the probe queries from Tables, RefName and
	// Projection instead.
	TableColumns map[string]*schema.OrderedColumns

	// RefName is, per canonical base table, the identifier the rendered
	// FROM/JOIN clause actually exposes for it: the alias when the query
	// gave one, the bare table name otherwise. A query that aliases a
	// table makes its original name unreferenceable in SQLite, so any
	// column reference the rewriter synthesizes (rather than copies from
	// the parsed query) must be qualified with RefName, not the table name.
	RefName map[string]string

	// Projection is the SELECT's output column list after expanding `*`
	// and `table.*`.
	Projection []ProjectedColumn
}

func newAnalysis() *Analysis {
	return &Analysis{
		Aliases:      make(map[string]string),
		TableColumns: make(map[string]*schema.OrderedColumns),
		RefName:      make(map[string]string),
	}
}

func (a *Analysis) columnsFor(table string) *schema.OrderedColumns {
	cols, ok := a.TableColumns[table]
	if !ok {
		cols = schema.NewOrderedColumns()
		a.TableColumns[table] = cols
		a.Tables = append(a.Tables, table)
	}
	return cols
}

// Analyze resolves sel against sch, returning the fully expanded Analysis
// or the first matchererr it encounters.
func Analyze(sel *sqlast.Select, sch *schema.NormalizedSchema) (*Analysis, error) {
	if sel.From == nil {
		return nil, &matchererr.TableRequired{}
	}

	a := newAnalysis()
	if err := a.registerTable(sel.From.Table, sch); err != nil {
		return nil, err
	}
	for _, j := range sel.From.Joins {
		if err := a.registerTable(j.Table, sch); err != nil {
			return nil, err
		}
	}
	// Touch every joined table's column set with its own rows so its
	// shadow table always has at least the PK columns, then fold in join
	// constraint references.
	for _, j := range sel.From.Joins {
		if j.Constraint == nil {
			continue
		}
		if j.Constraint.On != nil {
			if err := a.extractExprColumns(j.Constraint.On, true); err != nil {
				return nil, &matchererr.JoinOnExprUnsupported{Reason: err.Error()}
			}
		}
		for _, col := range j.Constraint.Using {
			table, err := a.resolveAlias(tableAliasOrName(j.Table))
			if err != nil {
				return nil, err
			}
			a.columnsFor(table).Add(colMetaOf(sch, table, col))
			base, err := a.resolveAlias(tableAliasOrName(sel.From.Table))
			if err != nil {
				return nil, err
			}
			a.columnsFor(base).Add(colMetaOf(sch, base, col))
		}
	}

	if sel.Where != nil {
		if err := a.extractExprColumns(sel.Where, false); err != nil {
			return nil, err
		}
	}

	for _, rc := range sel.Columns {
		switch {
		case rc.Star:
			for _, table := range a.Tables {
				if err := a.expandTableStar(table, sch); err != nil {
					return nil, err
				}
			}
		case rc.TableStar != "":
			table, err := a.resolveAlias(rc.TableStar)
			if err != nil {
				return nil, &matchererr.TableStarNotFound{Table: rc.TableStar}
			}
			if err := a.expandTableStar(table, sch); err != nil {
				return nil, err
			}
		default:
			if err := a.extractExprColumns(rc.Expr, false); err != nil {
				return nil, err
			}
			alias := rc.Alias
			if alias == "" {
				alias = defaultAlias(rc.Expr)
			}
			a.Projection = append(a.Projection, ProjectedColumn{Alias: alias, Expr: rc.Expr})
		}
	}

	if err := a.checkPrimaryKeys(sch); err != nil {
		return nil, err
	}
	return a, nil
}

func tableAliasOrName(t sqlast.SelectTable) string {
	if t.Alias != "" {
		return t.Alias
	}
	return t.Name
}

func (a *Analysis) registerTable(t sqlast.SelectTable, sch *schema.NormalizedSchema) error {
	if _, ok := sch.Table(t.Name); !ok {
		return &matchererr.TableNotFound{Table: t.Name}
	}
	key := t.Name
	if t.Alias != "" {
		key = t.Alias
	}
	a.Aliases[key] = t.Name
	a.RefName[t.Name] = key
	a.columnsFor(t.Name)
	return nil
}

func (a *Analysis) resolveAlias(key string) (string, error) {
	table, ok := a.Aliases[key]
	if !ok {
		return "", &matchererr.TableNotFound{Table: key}
	}
	return table, nil
}

func (a *Analysis) expandTableStar(table string, sch *schema.NormalizedSchema) error {
	t, ok := sch.Table(table)
	if !ok {
		return &matchererr.TableNotFound{Table: table}
	}
	ref := a.RefName[table]
	for _, col := range t.Columns.Names() {
		a.columnsFor(table).Add(colMetaOf(sch, table, col))
		a.Projection = append(a.Projection, ProjectedColumn{
			Alias: col,
			Expr:  sqlast.QualifiedColumn{Table: ref, Column: col},
		})
	}
	return nil
}

// colMetaOf is a thin placeholder: the analyzer only needs column names to
// drive the rewriter, so it doesn't carry type/nullability metadata
// through its own OrderedColumns. schemaload is the source of truth for
// that; callers that need it look the column up there directly.
func colMetaOf(sch *schema.NormalizedSchema, table, col string) schema.ColumnMeta {
	return schema.ColumnMeta{Name: col}
}

func defaultAlias(e sqlast.Expr) string {
	switch x := e.(type) {
	case sqlast.QualifiedColumn:
		return x.Column
	case sqlast.DoublyQualifiedColumn:
		return x.Column
	case sqlast.Name:
		return x.Name
	case sqlast.Collate:
		return defaultAlias(x.Expr)
	}
	return ""
}

// checkPrimaryKeys verifies every referenced table contributed every one
// of its primary-key columns to the projection/WHERE/JOIN column set; a
// table whose PK can never be recovered from the rewritten probe can't be
// diffed row-by-row against its shadow table.
func (a *Analysis) checkPrimaryKeys(sch *schema.NormalizedSchema) error {
	var missingTables []string
	for _, table := range a.Tables {
		t, ok := sch.Table(table)
		if !ok {
			return &matchererr.TableNotFound{Table: table}
		}
		cols := a.columnsFor(table)
		missing := false
		for _, pk := range t.PK {
			if !cols.Has(pk) {
				missing = true
				cols.Add(colMetaOf(sch, table, pk))
			}
		}
		if missing {
			missingTables = append(missingTables, table)
		}
	}
	if len(missingTables) > 0 {
		return &matchererr.MissingPrimaryKeys{Tables: missingTables}
	}
	return nil
}

// extractExprColumns walks e, registering every qualified column reference
// against its resolved base table. strict additionally rejects shapes that
// are fine in a WHERE clause but not in a JOIN ... ON constraint: EXISTS,
// IN (SELECT ...) and scalar subqueries. Outside strict mode they are
// accepted, only an IN's left-hand side is walked, and a subquery's own
// statement is never walked, so columns referenced inside it are not
// registered.
func (a *Analysis) extractExprColumns(e sqlast.Expr, strict bool) error {
	switch x := e.(type) {
	case nil:
		return nil
	case sqlast.Name:
		return &matchererr.UnsupportedExpr{Reason: "unqualified column reference: " + x.Name}
	case sqlast.QualifiedColumn:
		table, err := a.resolveAlias(x.Table)
		if err != nil {
			return err
		}
		a.columnsFor(table).Add(schema.ColumnMeta{Name: x.Column})
		return nil
	case sqlast.DoublyQualifiedColumn:
		table, err := a.resolveAlias(x.Table)
		if err != nil {
			return err
		}
		a.columnsFor(table).Add(schema.ColumnMeta{Name: x.Column})
		return nil
	case sqlast.Literal, sqlast.BindParam:
		return nil
	case sqlast.Unary:
		return a.extractExprColumns(x.Expr, strict)
	case sqlast.Binary:
		if err := a.extractExprColumns(x.Left, strict); err != nil {
			return err
		}
		return a.extractExprColumns(x.Right, strict)
	case sqlast.Between:
		if err := a.extractExprColumns(x.Expr, strict); err != nil {
			return err
		}
		if err := a.extractExprColumns(x.Lo, strict); err != nil {
			return err
		}
		return a.extractExprColumns(x.Hi, strict)
	case sqlast.Like:
		if err := a.extractExprColumns(x.Lhs, strict); err != nil {
			return err
		}
		return a.extractExprColumns(x.Rhs, strict)
	case sqlast.IsNull:
		return a.extractExprColumns(x.Expr, strict)
	case sqlast.Case:
		if err := a.extractExprColumns(x.Base, strict); err != nil {
			return err
		}
		for _, wt := range x.Whens {
			if err := a.extractExprColumns(wt.When, strict); err != nil {
				return err
			}
			if err := a.extractExprColumns(wt.Then, strict); err != nil {
				return err
			}
		}
		return a.extractExprColumns(x.ElseExpr, strict)
	case sqlast.Cast:
		return a.extractExprColumns(x.Expr, strict)
	case sqlast.Collate:
		return a.extractExprColumns(x.Expr, strict)
	case sqlast.FuncCall:
		for _, arg := range x.Args {
			if err := a.extractExprColumns(arg, strict); err != nil {
				return err
			}
		}
		return nil
	case sqlast.FuncCallStar:
		return nil
	case sqlast.InList:
		if err := a.extractExprColumns(x.Lhs, strict); err != nil {
			return err
		}
		for _, rhs := range x.Rhs {
			if err := a.extractExprColumns(rhs, strict); err != nil {
				return err
			}
		}
		return nil
	case sqlast.InSelect:
		if strict {
			return &matchererr.UnsupportedExpr{Reason: "IN (SELECT ...) is not supported in a join constraint"}
		}
		// Correlated subqueries are walked but never anchor a join and
		// never contribute columns beyond what the outer Lhs already
		// resolves; their inner Stmt is not itself analyzed here.
		return a.extractExprColumns(x.Lhs, strict)
	case sqlast.InTable:
		return &matchererr.UnsupportedExpr{Reason: "IN table_name is not supported"}
	case sqlast.Exists:
		if strict {
			return &matchererr.UnsupportedExpr{Reason: "EXISTS is not supported in a join constraint"}
		}
		return nil
	case sqlast.Subquery:
		if strict {
			return &matchererr.UnsupportedExpr{Reason: "scalar subquery is not supported in a join constraint"}
		}
		return nil
	case sqlast.Paren:
		for _, pe := range x.Exprs {
			if err := a.extractExprColumns(pe, strict); err != nil {
				return err
			}
		}
		return nil
	default:
		return &matchererr.UnsupportedExpr{Reason: "unrecognized expression shape"}
	}
}
