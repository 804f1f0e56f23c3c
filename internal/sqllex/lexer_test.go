package sqllex

import "testing"

func TestTokenizeBasics(t *testing.T) {
	toks, err := Tokenize(`SELECT a.b, 'it''s', 12.5e2, x'AB' FROM t WHERE a.b != ? AND a.b <= 3`)
	if err != nil {
		t.Fatalf("Tokenize: %v", err)
	}
	if toks[len(toks)-1].Kind != TokEOF {
		t.Fatalf("expected trailing EOF token")
	}
	var sawString, sawBlob, sawNumber, sawNeq, sawLte bool
	for _, tok := range toks {
		switch {
		case tok.Kind == TokString && tok.Text == "it's":
			sawString = true
		case tok.Kind == TokBlob && tok.Text == "AB":
			sawBlob = true
		case tok.Kind == TokNumber && tok.Text == "12.5e2":
			sawNumber = true
		case tok.Kind == TokOp && tok.Text == "!=":
			sawNeq = true
		case tok.Kind == TokOp && tok.Text == "<=":
			sawLte = true
		}
	}
	if !sawString || !sawBlob || !sawNumber || !sawNeq || !sawLte {
		t.Fatalf("missing expected token(s): string=%v blob=%v number=%v neq=%v lte=%v", sawString, sawBlob, sawNumber, sawNeq, sawLte)
	}
}

func TestTokenizeQuotedIdentifiers(t *testing.T) {
	toks, err := Tokenize(`SELECT "weird col", [bracketed] FROM "My Table"`)
	if err != nil {
		t.Fatalf("Tokenize: %v", err)
	}
	var names []string
	for _, tok := range toks {
		if tok.Kind == TokQuotedIdent {
			names = append(names, tok.Text)
		}
	}
	if len(names) != 3 || names[0] != "weird col" || names[1] != "bracketed" || names[2] != "My Table" {
		t.Fatalf("unexpected quoted identifiers: %v", names)
	}
}

func TestTokenizeKeywordsCaseInsensitive(t *testing.T) {
	toks, err := Tokenize(`select * from t where a is not null`)
	if err != nil {
		t.Fatalf("Tokenize: %v", err)
	}
	if toks[0].Kind != TokKeyword || toks[0].Text != "SELECT" {
		t.Fatalf("expected normalized SELECT keyword, got %+v", toks[0])
	}
}

func TestTokenizeUnterminatedStringErrors(t *testing.T) {
	if _, err := Tokenize(`SELECT 'oops`); err == nil {
		t.Fatal("expected error for unterminated string literal")
	}
}
