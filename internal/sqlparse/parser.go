// Package sqlparse is a recursive-descent parser that turns a token stream
// from internal/sqllex into an internal/sqlast.Select. It implements only
// the grammar internal/analyzer and internal/rewrite need: one SELECT, a
// FROM/JOIN chain of base tables, and the scalar/boolean expression forms
// listed in internal/sqlast.
package sqlparse

import (
	"fmt"

	"github.com/livequery/matcherd/internal/sqlast"
	"github.com/livequery/matcherd/internal/sqllex"
)

// ParseError reports a syntax error at a token offset.
type ParseError struct {
	Pos int
	Msg string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("sqlparse: %s (offset %d)", e.Msg, e.Pos)
}

type parser struct {
	toks []sqllex.Token
	pos  int
}

// Parse tokenizes and parses src as a single SELECT statement.
func Parse(src string) (*sqlast.Select, error) {
	toks, err := sqllex.Tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	sel, err := p.parseSelect()
	if err != nil {
		return nil, err
	}
	p.skipSemicolons()
	if p.cur().Kind != sqllex.TokEOF {
		return nil, p.errf("unexpected trailing input %q", p.cur().Text)
	}
	return sel, nil
}

func (p *parser) cur() sqllex.Token  { return p.toks[p.pos] }
func (p *parser) advance() sqllex.Token {
	t := p.toks[p.pos]
	if p.pos < len(p.toks)-1 {
		p.pos++
	}
	return t
}

func (p *parser) errf(format string, args ...any) error {
	return &ParseError{Pos: p.cur().Pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) skipSemicolons() {
	for p.cur().Kind == sqllex.TokSemicolon {
		p.advance()
	}
}

func (p *parser) isKeyword(kw string) bool {
	return p.cur().Kind == sqllex.TokKeyword && p.cur().Text == kw
}

func (p *parser) expectKeyword(kw string) error {
	if !p.isKeyword(kw) {
		return p.errf("expected %s, got %q", kw, p.cur().Text)
	}
	p.advance()
	return nil
}

func (p *parser) expect(kind sqllex.TokenKind, what string) (sqllex.Token, error) {
	if p.cur().Kind != kind {
		return sqllex.Token{}, p.errf("expected %s, got %q", what, p.cur().Text)
	}
	return p.advance(), nil
}

// identName accepts a plain or quoted identifier, not a keyword.
func (p *parser) identName() (string, error) {
	switch p.cur().Kind {
	case sqllex.TokIdent, sqllex.TokQuotedIdent:
		return p.advance().Text, nil
	}
	return "", p.errf("expected identifier, got %q", p.cur().Text)
}

func (p *parser) parseSelect() (*sqlast.Select, error) {
	if err := p.expectKeyword("SELECT"); err != nil {
		return nil, err
	}
	cols, err := p.parseResultColumns()
	if err != nil {
		return nil, err
	}
	sel := &sqlast.Select{Columns: cols}
	if p.isKeyword("FROM") {
		p.advance()
		from, err := p.parseFrom()
		if err != nil {
			return nil, err
		}
		sel.From = from
	}
	if p.isKeyword("WHERE") {
		p.advance()
		where, err := p.parseExpr(0)
		if err != nil {
			return nil, err
		}
		sel.Where = where
	}
	return sel, nil
}

func (p *parser) parseResultColumns() ([]sqlast.ResultColumn, error) {
	var cols []sqlast.ResultColumn
	for {
		col, err := p.parseResultColumn()
		if err != nil {
			return nil, err
		}
		cols = append(cols, col)
		if p.cur().Kind == sqllex.TokComma {
			p.advance()
			continue
		}
		break
	}
	return cols, nil
}

func (p *parser) parseResultColumn() (sqlast.ResultColumn, error) {
	if p.cur().Kind == sqllex.TokStar {
		p.advance()
		return sqlast.ResultColumn{Star: true}, nil
	}
	// table.* lookahead: ident DOT star
	if p.cur().Kind == sqllex.TokIdent || p.cur().Kind == sqllex.TokQuotedIdent {
		if p.toks[p.pos+1].Kind == sqllex.TokDot && p.toks[p.pos+2].Kind == sqllex.TokStar {
			table := p.advance().Text
			p.advance() // dot
			p.advance() // star
			return sqlast.ResultColumn{TableStar: table}, nil
		}
	}
	expr, err := p.parseExpr(0)
	if err != nil {
		return sqlast.ResultColumn{}, err
	}
	alias := ""
	if p.isKeyword("AS") {
		p.advance()
		name, err := p.identName()
		if err != nil {
			return sqlast.ResultColumn{}, err
		}
		alias = name
	} else if p.cur().Kind == sqllex.TokIdent || p.cur().Kind == sqllex.TokQuotedIdent {
		alias = p.advance().Text
	}
	return sqlast.ResultColumn{Expr: expr, Alias: alias}, nil
}

func (p *parser) parseFrom() (*sqlast.From, error) {
	table, err := p.parseSelectTable()
	if err != nil {
		return nil, err
	}
	from := &sqlast.From{Table: table}
	for {
		kind := sqlast.JoinInner
		switch {
		case p.isKeyword("JOIN"):
			p.advance()
		case p.isKeyword("INNER"):
			p.advance()
			if err := p.expectKeyword("JOIN"); err != nil {
				return nil, err
			}
		case p.isKeyword("LEFT"):
			p.advance()
			if p.isKeyword("OUTER") {
				p.advance()
			}
			if err := p.expectKeyword("JOIN"); err != nil {
				return nil, err
			}
			kind = sqlast.JoinLeft
		default:
			return from, nil
		}
		joinTable, err := p.parseSelectTable()
		if err != nil {
			return nil, err
		}
		var constraint *sqlast.JoinConstraint
		switch {
		case p.isKeyword("ON"):
			p.advance()
			onExpr, err := p.parseExpr(0)
			if err != nil {
				return nil, err
			}
			constraint = &sqlast.JoinConstraint{On: onExpr}
		case p.isKeyword("USING"):
			p.advance()
			if _, err := p.expect(sqllex.TokLParen, "("); err != nil {
				return nil, err
			}
			var cols []string
			for {
				name, err := p.identName()
				if err != nil {
					return nil, err
				}
				cols = append(cols, name)
				if p.cur().Kind == sqllex.TokComma {
					p.advance()
					continue
				}
				break
			}
			if _, err := p.expect(sqllex.TokRParen, ")"); err != nil {
				return nil, err
			}
			constraint = &sqlast.JoinConstraint{Using: cols}
		default:
			return nil, p.errf("expected ON or USING after JOIN")
		}
		from.Joins = append(from.Joins, sqlast.Join{Kind: kind, Table: joinTable, Constraint: constraint})
	}
}

func (p *parser) parseSelectTable() (sqlast.SelectTable, error) {
	name, err := p.identName()
	if err != nil {
		return sqlast.SelectTable{}, err
	}
	alias := ""
	if p.isKeyword("AS") {
		p.advance()
		a, err := p.identName()
		if err != nil {
			return sqlast.SelectTable{}, err
		}
		alias = a
	} else if p.cur().Kind == sqllex.TokIdent || p.cur().Kind == sqllex.TokQuotedIdent {
		alias = p.advance().Text
	}
	return sqlast.SelectTable{Name: name, Alias: alias}, nil
}

// Operator precedence, lowest to highest binding.
var binPrec = map[string]int{
	"OR":    1,
	"AND":   2,
	"=":     4, "!=": 4, "IS": 4, "IS NOT": 4, "<": 4, "<=": 4, ">": 4, ">=": 4,
	"LIKE": 4, "BETWEEN": 4, "IN": 4,
	"||": 5,
	"+":  6, "-": 6,
	"*": 7, "/": 7, "%": 7,
}

func (p *parser) parseExpr(minPrec int) (sqlast.Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		op, prec, ok := p.peekBinOp()
		if !ok || prec < minPrec {
			return left, nil
		}
		left, err = p.parseBinOpRHS(left, op, prec)
		if err != nil {
			return nil, err
		}
	}
}

// peekBinOp inspects (without consuming, beyond multi-token lookahead not
// needed here) whether the current position starts a binary operator this
// grammar understands, returning its canonical name and precedence.
func (p *parser) peekBinOp() (string, int, bool) {
	t := p.cur()
	switch t.Kind {
	case sqllex.TokOp:
		if prec, ok := binPrec[t.Text]; ok {
			return t.Text, prec, true
		}
	case sqllex.TokStar:
		return "*", binPrec["*"], true
	case sqllex.TokKeyword:
		switch t.Text {
		case "AND":
			return "AND", binPrec["AND"], true
		case "OR":
			return "OR", binPrec["OR"], true
		case "IS":
			return "IS", binPrec["IS"], true
		case "LIKE":
			return "LIKE", binPrec["LIKE"], true
		case "BETWEEN":
			return "BETWEEN", binPrec["BETWEEN"], true
		case "IN":
			return "IN", binPrec["IN"], true
		case "NOT":
			// NOT LIKE / NOT IN / NOT BETWEEN
			if nxt := p.toks[p.pos+1]; nxt.Kind == sqllex.TokKeyword {
				switch nxt.Text {
				case "LIKE":
					return "NOT LIKE", binPrec["LIKE"], true
				case "IN":
					return "NOT IN", binPrec["IN"], true
				case "BETWEEN":
					return "NOT BETWEEN", binPrec["BETWEEN"], true
				}
			}
		}
	}
	return "", 0, false
}

func (p *parser) parseBinOpRHS(left sqlast.Expr, op string, prec int) (sqlast.Expr, error) {
	switch op {
	case "IS":
		p.advance()
		not := false
		if p.isKeyword("NOT") {
			p.advance()
			not = true
		}
		if p.isKeyword("NULL") {
			p.advance()
			return sqlast.IsNull{Expr: left, Not: not}, nil
		}
		rhs, err := p.parseExpr(prec + 1)
		if err != nil {
			return nil, err
		}
		o := sqlast.OpIs
		if not {
			o = sqlast.OpIsNot
		}
		return sqlast.Binary{Left: left, Op: o, Right: rhs}, nil
	case "LIKE", "NOT LIKE":
		p.advance()
		if op == "NOT LIKE" {
			p.advance() // consume LIKE after NOT
		}
		rhs, err := p.parseExpr(prec + 1)
		if err != nil {
			return nil, err
		}
		return sqlast.Like{Lhs: left, Not: op == "NOT LIKE", Rhs: rhs}, nil
	case "BETWEEN", "NOT BETWEEN":
		p.advance()
		if op == "NOT BETWEEN" {
			p.advance()
		}
		lo, err := p.parseExpr(prec + 1)
		if err != nil {
			return nil, err
		}
		if err := p.expectKeyword("AND"); err != nil {
			return nil, err
		}
		hi, err := p.parseExpr(prec + 1)
		if err != nil {
			return nil, err
		}
		return sqlast.Between{Expr: left, Not: op == "NOT BETWEEN", Lo: lo, Hi: hi}, nil
	case "IN", "NOT IN":
		p.advance()
		if op == "NOT IN" {
			p.advance()
		}
		return p.parseInRHS(left, op == "NOT IN")
	default:
		p.advance()
		rhs, err := p.parseExpr(prec + 1)
		if err != nil {
			return nil, err
		}
		return sqlast.Binary{Left: left, Op: sqlast.Operator(op), Right: rhs}, nil
	}
}

func (p *parser) parseInRHS(lhs sqlast.Expr, not bool) (sqlast.Expr, error) {
	if _, err := p.expect(sqllex.TokLParen, "("); err != nil {
		return nil, err
	}
	if p.isKeyword("SELECT") {
		sel, err := p.parseSelect()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(sqllex.TokRParen, ")"); err != nil {
			return nil, err
		}
		return sqlast.InSelect{Lhs: lhs, Not: not, Stmt: sel}, nil
	}
	var list []sqlast.Expr
	if p.cur().Kind != sqllex.TokRParen {
		for {
			e, err := p.parseExpr(0)
			if err != nil {
				return nil, err
			}
			list = append(list, e)
			if p.cur().Kind == sqllex.TokComma {
				p.advance()
				continue
			}
			break
		}
	}
	if _, err := p.expect(sqllex.TokRParen, ")"); err != nil {
		return nil, err
	}
	return sqlast.InList{Lhs: lhs, Not: not, Rhs: list}, nil
}

func (p *parser) parseUnary() (sqlast.Expr, error) {
	if p.isKeyword("NOT") {
		p.advance()
		e, err := p.parseExpr(3)
		if err != nil {
			return nil, err
		}
		return sqlast.Unary{Op: sqlast.OpNot, Expr: e}, nil
	}
	if p.cur().Kind == sqllex.TokOp && (p.cur().Text == "-" || p.cur().Text == "+") {
		sign := p.advance().Text
		e, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		op := sqlast.OpUnaryMinus
		if sign == "+" {
			op = sqlast.OpUnaryPlus
		}
		return sqlast.Unary{Op: op, Expr: e}, nil
	}
	return p.parsePostfix()
}

// parsePostfix parses a primary expression. `IS [NOT] NULL` is handled by
// the precedence-climbing loop; the bare `ISNULL`/`NOTNULL` postfix forms
// are not part of this grammar.
func (p *parser) parsePostfix() (sqlast.Expr, error) {
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (sqlast.Expr, error) {
	t := p.cur()
	switch t.Kind {
	case sqllex.TokBindParam:
		p.advance()
		return sqlast.BindParam{}, nil
	case sqllex.TokString:
		p.advance()
		return sqlast.Literal{Kind: sqlast.LiteralString, Text: t.Text}, nil
	case sqllex.TokNumber:
		p.advance()
		return sqlast.Literal{Kind: sqlast.LiteralNumber, Text: t.Text}, nil
	case sqllex.TokBlob:
		p.advance()
		return sqlast.Literal{Kind: sqlast.LiteralBlob, Text: t.Text}, nil
	case sqllex.TokLParen:
		p.advance()
		if p.isKeyword("SELECT") {
			sel, err := p.parseSelect()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(sqllex.TokRParen, ")"); err != nil {
				return nil, err
			}
			return sqlast.Subquery{Stmt: sel}, nil
		}
		var exprs []sqlast.Expr
		for {
			e, err := p.parseExpr(0)
			if err != nil {
				return nil, err
			}
			exprs = append(exprs, e)
			if p.cur().Kind == sqllex.TokComma {
				p.advance()
				continue
			}
			break
		}
		if _, err := p.expect(sqllex.TokRParen, ")"); err != nil {
			return nil, err
		}
		return sqlast.Paren{Exprs: exprs}, nil
	case sqllex.TokKeyword:
		switch t.Text {
		case "NULL":
			p.advance()
			return sqlast.Literal{Kind: sqlast.LiteralNull}, nil
		case "TRUE":
			p.advance()
			return sqlast.Literal{Kind: sqlast.LiteralNumber, Text: "1"}, nil
		case "FALSE":
			p.advance()
			return sqlast.Literal{Kind: sqlast.LiteralNumber, Text: "0"}, nil
		case "CASE":
			return p.parseCase()
		case "CAST":
			return p.parseCast()
		case "EXISTS":
			p.advance()
			if _, err := p.expect(sqllex.TokLParen, "("); err != nil {
				return nil, err
			}
			sel, err := p.parseSelect()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(sqllex.TokRParen, ")"); err != nil {
				return nil, err
			}
			return sqlast.Exists{Stmt: sel}, nil
		case "NOT":
			p.advance()
			if err := p.expectKeyword("EXISTS"); err != nil {
				return nil, err
			}
			if _, err := p.expect(sqllex.TokLParen, "("); err != nil {
				return nil, err
			}
			sel, err := p.parseSelect()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(sqllex.TokRParen, ")"); err != nil {
				return nil, err
			}
			return sqlast.Exists{Not: true, Stmt: sel}, nil
		}
		return nil, p.errf("unexpected keyword %q in expression", t.Text)
	case sqllex.TokIdent, sqllex.TokQuotedIdent:
		return p.parseIdentExpr()
	default:
		return nil, p.errf("unexpected token %q in expression", t.Text)
	}
}

func (p *parser) parseIdentExpr() (sqlast.Expr, error) {
	first := p.advance().Text

	// function call: ident '(' ...
	if p.cur().Kind == sqllex.TokLParen {
		p.advance()
		if p.cur().Kind == sqllex.TokStar {
			p.advance()
			if _, err := p.expect(sqllex.TokRParen, ")"); err != nil {
				return nil, err
			}
			return sqlast.FuncCallStar{Name: first}, nil
		}
		distinct := false
		if p.isKeyword("DISTINCT") {
			p.advance()
			distinct = true
		}
		var args []sqlast.Expr
		if p.cur().Kind != sqllex.TokRParen {
			for {
				a, err := p.parseExpr(0)
				if err != nil {
					return nil, err
				}
				args = append(args, a)
				if p.cur().Kind == sqllex.TokComma {
					p.advance()
					continue
				}
				break
			}
		}
		if _, err := p.expect(sqllex.TokRParen, ")"); err != nil {
			return nil, err
		}
		return p.maybeCollate(sqlast.FuncCall{Name: first, Args: args, Distinct: distinct})
	}

	if p.cur().Kind == sqllex.TokDot {
		p.advance()
		second, err := p.identName()
		if err != nil {
			return nil, err
		}
		if p.cur().Kind == sqllex.TokDot {
			p.advance()
			third, err := p.identName()
			if err != nil {
				return nil, err
			}
			return p.maybeCollate(sqlast.DoublyQualifiedColumn{Schema: first, Table: second, Column: third})
		}
		return p.maybeCollate(sqlast.QualifiedColumn{Table: first, Column: second})
	}
	return p.maybeCollate(sqlast.Name{Name: first})
}

func (p *parser) maybeCollate(e sqlast.Expr) (sqlast.Expr, error) {
	if p.isKeyword("COLLATE") {
		p.advance()
		name, err := p.identName()
		if err != nil {
			return nil, err
		}
		return sqlast.Collate{Expr: e, Name: name}, nil
	}
	return e, nil
}

func (p *parser) parseCase() (sqlast.Expr, error) {
	p.advance() // CASE
	c := &sqlast.Case{}
	if !p.isKeyword("WHEN") {
		base, err := p.parseExpr(0)
		if err != nil {
			return nil, err
		}
		c.Base = base
	}
	for p.isKeyword("WHEN") {
		p.advance()
		when, err := p.parseExpr(0)
		if err != nil {
			return nil, err
		}
		if err := p.expectKeyword("THEN"); err != nil {
			return nil, err
		}
		then, err := p.parseExpr(0)
		if err != nil {
			return nil, err
		}
		c.Whens = append(c.Whens, sqlast.WhenThen{When: when, Then: then})
	}
	if p.isKeyword("ELSE") {
		p.advance()
		e, err := p.parseExpr(0)
		if err != nil {
			return nil, err
		}
		c.ElseExpr = e
	}
	if err := p.expectKeyword("END"); err != nil {
		return nil, err
	}
	return *c, nil
}

func (p *parser) parseCast() (sqlast.Expr, error) {
	p.advance() // CAST
	if _, err := p.expect(sqllex.TokLParen, "("); err != nil {
		return nil, err
	}
	e, err := p.parseExpr(0)
	if err != nil {
		return nil, err
	}
	if err := p.expectKeyword("AS"); err != nil {
		return nil, err
	}
	typeName, err := p.identName()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(sqllex.TokRParen, ")"); err != nil {
		return nil, err
	}
	return sqlast.Cast{Expr: e, Type: typeName}, nil
}
