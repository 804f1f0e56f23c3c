// Package sqlast defines the AST for the subset of SQLite's SELECT grammar
// the matcher understands: single-table and joined FROM clauses, WHERE
// predicates over the common scalar/boolean expression shapes, and
// subqueries recorded for completeness (EXISTS, IN (SELECT ...), scalar
// subqueries). It is the Go-native shape of the sqlite3_parser AST the
// matcher this spec is drawn from builds on.
package sqlast

// Operator is a binary or unary SQL operator.
type Operator string

const (
	OpAnd        Operator = "AND"
	OpOr         Operator = "OR"
	OpEq         Operator = "="
	OpNeq        Operator = "!="
	OpLt         Operator = "<"
	OpLte        Operator = "<="
	OpGt         Operator = ">"
	OpGte        Operator = ">="
	OpIs         Operator = "IS"
	OpIsNot      Operator = "IS NOT"
	OpConcat     Operator = "||"
	OpPlus       Operator = "+"
	OpMinus      Operator = "-"
	OpMul        Operator = "*"
	OpDiv        Operator = "/"
	OpMod        Operator = "%"
	OpNot        Operator = "NOT"
	OpUnaryMinus Operator = "-"
	OpUnaryPlus  Operator = "+"
)

// Expr is any scalar or boolean expression node.
type Expr interface {
	exprNode()
}

// Name is a bare, unqualified identifier reference (e.g. `status` with no
// table prefix). Spec.md §9 leaves its resolution as an open question;
// this repo resolves it by rejecting at analysis time (see internal/analyzer).
// The analyzer does not walk subquery statements, so a Name inside a
// subquery is not rejected and is rendered as written.
type Name struct {
	Name string
}

func (Name) exprNode() {}

// QualifiedColumn is `table.column`.
type QualifiedColumn struct {
	Table  string
	Column string
}

func (QualifiedColumn) exprNode() {}

// DoublyQualifiedColumn is `schema.table.column` (only `main.` is
// meaningful, since base tables always live in the main schema).
type DoublyQualifiedColumn struct {
	Schema string
	Table  string
	Column string
}

func (DoublyQualifiedColumn) exprNode() {}

// BindParam is a `?` placeholder.
type BindParam struct{}

func (BindParam) exprNode() {}

type LiteralKind int

const (
	LiteralNull LiteralKind = iota
	LiteralString
	LiteralNumber
	LiteralBlob
)

type Literal struct {
	Kind LiteralKind
	Text string // original source text, unescaped for String/Number, hex digits for Blob
}

func (Literal) exprNode() {}

type Unary struct {
	Op   Operator
	Expr Expr
}

func (Unary) exprNode() {}

type Binary struct {
	Left  Expr
	Op    Operator
	Right Expr
}

func (Binary) exprNode() {}

type Between struct {
	Expr Expr
	Not  bool
	Lo   Expr
	Hi   Expr
}

func (Between) exprNode() {}

type Like struct {
	Lhs Expr
	Not bool
	Rhs Expr
}

func (Like) exprNode() {}

type IsNull struct {
	Expr Expr
	Not  bool
}

func (IsNull) exprNode() {}

type WhenThen struct {
	When Expr
	Then Expr
}

type Case struct {
	Base     Expr // may be nil
	Whens    []WhenThen
	ElseExpr Expr // may be nil
}

func (Case) exprNode() {}

type Cast struct {
	Expr Expr
	Type string
}

func (Cast) exprNode() {}

type Collate struct {
	Expr Expr
	Name string
}

func (Collate) exprNode() {}

type FuncCall struct {
	Name     string
	Args     []Expr
	Distinct bool
}

func (FuncCall) exprNode() {}

type FuncCallStar struct {
	Name string
}

func (FuncCallStar) exprNode() {}

type InList struct {
	Lhs Expr
	Not bool
	Rhs []Expr // nil means empty list
}

func (InList) exprNode() {}

type InSelect struct {
	Lhs  Expr
	Not  bool
	Stmt *Select
}

func (InSelect) exprNode() {}

// InTable is `expr IN table_name`, structurally parsed but never
// supported for delta detection.
type InTable struct {
	Lhs   Expr
	Not   bool
	Table string
}

func (InTable) exprNode() {}

type Exists struct {
	Not  bool
	Stmt *Select
}

func (Exists) exprNode() {}

type Subquery struct {
	Stmt *Select
}

func (Subquery) exprNode() {}

// Paren is a parenthesized list of expressions. A single-element list is
// the common "(expr)" case; SQLite also allows row-value lists.
type Paren struct {
	Exprs []Expr
}

func (Paren) exprNode() {}

// ResultColumn is one entry of a SELECT's projection list.
type ResultColumn struct {
	// Exactly one of Expr, Star, TableStar is meaningful.
	Expr      Expr
	Alias     string // "" if unaliased
	Star      bool
	TableStar string // table name for `table.*`; "" unless this is a TableStar
}

// SelectTable is a FROM/JOIN table reference: `name [AS alias]`.
type SelectTable struct {
	Name  string
	Alias string // "" if no alias given
}

type JoinKind string

const (
	JoinInner JoinKind = "JOIN"
	JoinLeft  JoinKind = "LEFT JOIN"
)

// JoinConstraint is exactly one of On or Using.
type JoinConstraint struct {
	On    Expr     // nil if Using is set
	Using []string // nil if On is set
}

type Join struct {
	Kind       JoinKind
	Table      SelectTable
	Constraint *JoinConstraint // always set by internal/sqlparse, which requires ON or USING and does not accept comma joins
}

type From struct {
	Table SelectTable
	Joins []Join
}

// Select is the matcher's entire supported grammar: a single SELECT with a
// FROM/JOIN chain, a projection list, and an optional WHERE predicate.
// ORDER BY/LIMIT/GROUP BY/HAVING are intentionally not represented: a
// materialized shadow table has no row order of its own, so they don't
// affect delta semantics and the rewriter never needs to carry them.
type Select struct {
	Columns []ResultColumn
	From    *From // nil means no FROM clause (constant SELECT; rejected, see analyzer)
	Where   Expr  // nil if no WHERE clause
}
