package analyzer

import (
	"testing"

	"github.com/livequery/matcherd/internal/matchererr"
	"github.com/livequery/matcherd/internal/schema"
	"github.com/livequery/matcherd/internal/sqlast"
	"github.com/livequery/matcherd/internal/sqlparse"
)

func testSchema() *schema.NormalizedSchema {
	sch := schema.NewNormalizedSchema()

	services := schema.NewOrderedColumns()
	for _, c := range []string{"id", "node", "status", "name"} {
		services.Add(schema.ColumnMeta{Name: c})
	}
	sch.Tables["consul_services"] = &schema.NormalizedTable{Name: "consul_services", Columns: services, PK: []string{"id"}}

	machines := schema.NewOrderedColumns()
	for _, c := range []string{"id", "hostname"} {
		machines.Add(schema.ColumnMeta{Name: c})
	}
	sch.Tables["machines"] = &schema.NormalizedTable{Name: "machines", Columns: machines, PK: []string{"id"}}

	return sch
}

func mustParse(t *testing.T, src string) *sqlast.Select {
	t.Helper()
	sel, err := sqlparse.Parse(src)
	if err != nil {
		t.Fatalf("Parse(%q): %v", src, err)
	}
	return sel
}

func TestAnalyzeSimple(t *testing.T) {
	sch := testSchema()
	sel := mustParse(t, `SELECT consul_services.id, consul_services.status FROM consul_services WHERE consul_services.status = 'passing'`)
	an, err := Analyze(sel, sch)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(an.Tables) != 1 || an.Tables[0] != "consul_services" {
		t.Fatalf("expected single table consul_services, got %v", an.Tables)
	}
	cols := an.TableColumns["consul_services"]
	if !cols.Has("id") || !cols.Has("status") {
		t.Fatalf("expected id and status columns registered, got %v", cols.Names())
	}
	if len(an.Projection) != 2 {
		t.Fatalf("expected 2 projected columns, got %d", len(an.Projection))
	}
}

func TestAnalyzeRejectsBareColumn(t *testing.T) {
	sch := testSchema()
	sel := mustParse(t, `SELECT id FROM consul_services WHERE status = 'passing'`)
	an, err := Analyze(sel, sch)
	if err == nil {
		t.Fatalf("expected UnsupportedExpr for bare column, got analysis %+v", an)
	}
	if _, ok := err.(*matchererr.UnsupportedExpr); !ok {
		t.Fatalf("expected *matchererr.UnsupportedExpr, got %T: %v", err, err)
	}
}

func TestAnalyzeRejectsUnknownTable(t *testing.T) {
	sch := testSchema()
	sel := mustParse(t, `SELECT id FROM nope`)
	if _, err := Analyze(sel, sch); err == nil {
		t.Fatal("expected TableNotFound")
	} else if _, ok := err.(*matchererr.TableNotFound); !ok {
		t.Fatalf("expected *matchererr.TableNotFound, got %T", err)
	}
}

func TestAnalyzeRequiresFrom(t *testing.T) {
	sch := testSchema()
	sel := mustParse(t, `SELECT 1`)
	if _, err := Analyze(sel, sch); err == nil {
		t.Fatal("expected TableRequired")
	} else if _, ok := err.(*matchererr.TableRequired); !ok {
		t.Fatalf("expected *matchererr.TableRequired, got %T", err)
	}
}

func TestAnalyzeJoinEnsuresPrimaryKeys(t *testing.T) {
	sch := testSchema()
	sel := mustParse(t, `
SELECT s.id, m.id, s.status
FROM consul_services AS s
JOIN machines AS m ON m.id = s.node
`)
	an, err := Analyze(sel, sch)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if !an.TableColumns["machines"].Has("id") {
		t.Fatalf("expected machines.id registered via projection+join")
	}
	if !an.TableColumns["consul_services"].Has("id") {
		t.Fatalf("expected consul_services.id registered")
	}
}

func TestAnalyzeStarExpandsAllTables(t *testing.T) {
	sch := testSchema()
	sel := mustParse(t, `SELECT * FROM consul_services AS s JOIN machines AS m ON m.id = s.node`)
	an, err := Analyze(sel, sch)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(an.Projection) != 4+2 {
		t.Fatalf("expected 6 projected columns (4 services + 2 machines), got %d", len(an.Projection))
	}
}
