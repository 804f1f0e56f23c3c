package sqlast

import (
	"fmt"
	"strconv"
	"strings"
)

// Render renders sel back to SQLite text. It is used by internal/rewrite
// to turn an analyzed Select into the base snapshot query and the
// per-table probe queries the matcher issues against the live database.
func Render(sel *Select) string {
	var sb strings.Builder
	sb.WriteString("SELECT ")
	for i, rc := range sel.Columns {
		if i > 0 {
			sb.WriteString(", ")
		}
		renderResultColumn(&sb, rc)
	}
	if sel.From != nil {
		sb.WriteString(" FROM ")
		renderFrom(&sb, sel.From)
	}
	if sel.Where != nil {
		sb.WriteString(" WHERE ")
		renderExpr(&sb, sel.Where)
	}
	return sb.String()
}

func renderResultColumn(sb *strings.Builder, rc ResultColumn) {
	switch {
	case rc.Star:
		sb.WriteString("*")
		return
	case rc.TableStar != "":
		sb.WriteString(quoteIdent(rc.TableStar))
		sb.WriteString(".*")
		return
	}
	renderExpr(sb, rc.Expr)
	if rc.Alias != "" {
		sb.WriteString(" AS ")
		sb.WriteString(quoteIdent(rc.Alias))
	}
}

func renderFrom(sb *strings.Builder, f *From) {
	sb.WriteString(renderSelectTable(f.Table))
	for _, j := range f.Joins {
		sb.WriteString(" ")
		sb.WriteString(string(j.Kind))
		sb.WriteString(" ")
		sb.WriteString(renderSelectTable(j.Table))
		if j.Constraint != nil {
			if j.Constraint.On != nil {
				sb.WriteString(" ON ")
				renderExpr(sb, j.Constraint.On)
			} else if j.Constraint.Using != nil {
				sb.WriteString(" USING (")
				for i, c := range j.Constraint.Using {
					if i > 0 {
						sb.WriteString(", ")
					}
					sb.WriteString(quoteIdent(c))
				}
				sb.WriteString(")")
			}
		}
	}
}

func renderSelectTable(t SelectTable) string {
	s := quoteIdent(t.Name)
	if t.Alias != "" {
		s += " AS " + quoteIdent(t.Alias)
	}
	return s
}

// RenderExpr renders a single expression, exported for callers that build
// expressions programmatically rather than through the parser.
func RenderExpr(e Expr) string {
	var sb strings.Builder
	renderExpr(&sb, e)
	return sb.String()
}

func renderExpr(sb *strings.Builder, e Expr) {
	switch x := e.(type) {
	case nil:
		return
	case Name:
		sb.WriteString(quoteIdent(x.Name))
	case QualifiedColumn:
		sb.WriteString(quoteIdent(x.Table))
		sb.WriteString(".")
		sb.WriteString(quoteIdent(x.Column))
	case DoublyQualifiedColumn:
		sb.WriteString(quoteIdent(x.Schema))
		sb.WriteString(".")
		sb.WriteString(quoteIdent(x.Table))
		sb.WriteString(".")
		sb.WriteString(quoteIdent(x.Column))
	case BindParam:
		sb.WriteString("?")
	case Literal:
		sb.WriteString(renderLiteral(x))
	case Unary:
		switch x.Op {
		case OpNot:
			sb.WriteString("NOT ")
		default:
			sb.WriteString(string(x.Op))
		}
		renderExpr(sb, x.Expr)
	case Binary:
		sb.WriteString("(")
		renderExpr(sb, x.Left)
		sb.WriteString(" ")
		sb.WriteString(string(x.Op))
		sb.WriteString(" ")
		renderExpr(sb, x.Right)
		sb.WriteString(")")
	case Between:
		if x.Not {
			sb.WriteString("NOT ")
		}
		sb.WriteString("(")
		renderExpr(sb, x.Expr)
		sb.WriteString(" BETWEEN ")
		renderExpr(sb, x.Lo)
		sb.WriteString(" AND ")
		renderExpr(sb, x.Hi)
		sb.WriteString(")")
	case Like:
		sb.WriteString("(")
		renderExpr(sb, x.Lhs)
		if x.Not {
			sb.WriteString(" NOT LIKE ")
		} else {
			sb.WriteString(" LIKE ")
		}
		renderExpr(sb, x.Rhs)
		sb.WriteString(")")
	case IsNull:
		sb.WriteString("(")
		renderExpr(sb, x.Expr)
		if x.Not {
			sb.WriteString(" IS NOT NULL")
		} else {
			sb.WriteString(" IS NULL")
		}
		sb.WriteString(")")
	case Case:
		sb.WriteString("CASE ")
		if x.Base != nil {
			renderExpr(sb, x.Base)
			sb.WriteString(" ")
		}
		for _, wt := range x.Whens {
			sb.WriteString("WHEN ")
			renderExpr(sb, wt.When)
			sb.WriteString(" THEN ")
			renderExpr(sb, wt.Then)
			sb.WriteString(" ")
		}
		if x.ElseExpr != nil {
			sb.WriteString("ELSE ")
			renderExpr(sb, x.ElseExpr)
			sb.WriteString(" ")
		}
		sb.WriteString("END")
	case Cast:
		sb.WriteString("CAST(")
		renderExpr(sb, x.Expr)
		sb.WriteString(" AS ")
		sb.WriteString(x.Type)
		sb.WriteString(")")
	case Collate:
		renderExpr(sb, x.Expr)
		sb.WriteString(" COLLATE ")
		sb.WriteString(x.Name)
	case FuncCall:
		sb.WriteString(x.Name)
		sb.WriteString("(")
		if x.Distinct {
			sb.WriteString("DISTINCT ")
		}
		for i, a := range x.Args {
			if i > 0 {
				sb.WriteString(", ")
			}
			renderExpr(sb, a)
		}
		sb.WriteString(")")
	case FuncCallStar:
		sb.WriteString(x.Name)
		sb.WriteString("(*)")
	case InList:
		renderExpr(sb, x.Lhs)
		if x.Not {
			sb.WriteString(" NOT IN (")
		} else {
			sb.WriteString(" IN (")
		}
		for i, r := range x.Rhs {
			if i > 0 {
				sb.WriteString(", ")
			}
			renderExpr(sb, r)
		}
		sb.WriteString(")")
	case InSelect:
		renderExpr(sb, x.Lhs)
		if x.Not {
			sb.WriteString(" NOT IN (")
		} else {
			sb.WriteString(" IN (")
		}
		sb.WriteString(Render(x.Stmt))
		sb.WriteString(")")
	case InTable:
		renderExpr(sb, x.Lhs)
		if x.Not {
			sb.WriteString(" NOT IN ")
		} else {
			sb.WriteString(" IN ")
		}
		sb.WriteString(quoteIdent(x.Table))
	case Exists:
		if x.Not {
			sb.WriteString("NOT ")
		}
		sb.WriteString("EXISTS (")
		sb.WriteString(Render(x.Stmt))
		sb.WriteString(")")
	case Subquery:
		sb.WriteString("(")
		sb.WriteString(Render(x.Stmt))
		sb.WriteString(")")
	case Paren:
		sb.WriteString("(")
		for i, pe := range x.Exprs {
			if i > 0 {
				sb.WriteString(", ")
			}
			renderExpr(sb, pe)
		}
		sb.WriteString(")")
	default:
		panic(fmt.Sprintf("sqlast: render: unhandled expr type %T", e))
	}
}

func renderLiteral(l Literal) string {
	switch l.Kind {
	case LiteralNull:
		return "NULL"
	case LiteralNumber:
		return l.Text
	case LiteralBlob:
		return "X'" + l.Text + "'"
	case LiteralString:
		return "'" + strings.ReplaceAll(l.Text, "'", "''") + "'"
	default:
		return "NULL"
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QuoteIdent is exported for internal/rewrite, which must quote
// synthesized identifiers the parser never produced (shadow table names,
// synthetic PK column names).
func QuoteIdent(name string) string { return quoteIdent(name) }

// FormatInt renders an integer literal for programmatically built AST
// nodes (limit offsets and similar); kept here alongside renderLiteral so
// literal formatting stays in one place.
func FormatInt(n int64) string { return strconv.FormatInt(n, 10) }
