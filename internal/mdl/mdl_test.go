package mdl_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/querypilot/querypilot/internal/mdl"
	"github.com/querypilot/querypilot/internal/pipeline"
)

const sampleMDL = `{
  "catalog": "analytics",
  "schema": "public",
  "models": [
    {
      "name": "orders",
      "primaryKey": "id",
      "properties": {"description": "customer orders with totals"},
      "columns": [
        {"name": "id", "type": "INT", "notNull": true},
        {"name": "customer_id", "type": "INT"},
        {"name": "total", "type": "DECIMAL", "properties": {"description": "order total in cents"}},
        {"name": "total_usd", "type": "DECIMAL", "isCalculated": true, "expression": "total / 100"}
      ]
    },
    {
      "name": "customers",
      "columns": [
        {"name": "id", "type": "INT"},
        {"name": "name", "type": "VARCHAR"}
      ]
    },
    {
      "name": "audit_log",
      "columns": [
        {"name": "entry", "type": "VARCHAR"}
      ]
    }
  ],
  "metrics": [
    {"name": "revenue", "baseObject": "orders", "measure": [{"name": "sum_total", "type": "DECIMAL"}]}
  ]
}`

func TestParse(t *testing.T) {
	doc, err := mdl.Parse([]byte(sampleMDL))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if doc.Catalog != "analytics" || len(doc.Models) != 3 {
		t.Errorf("unexpected document: catalog=%q models=%d", doc.Catalog, len(doc.Models))
	}
	if len(doc.Metrics) != 1 || doc.Metrics[0].BaseModel != "orders" {
		t.Errorf("unexpected metrics: %+v", doc.Metrics)
	}
}

func TestParseInvalid(t *testing.T) {
	if _, err := mdl.Parse([]byte("{not json")); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestModelDDL(t *testing.T) {
	doc, err := mdl.Parse([]byte(sampleMDL))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	orders := doc.Models[0]
	ddl := orders.DDL()

	if !strings.HasPrefix(ddl, "CREATE TABLE orders (") {
		t.Errorf("DDL should start with CREATE TABLE, got:\n%s", ddl)
	}
	for _, want := range []string{
		"id INT NOT NULL",
		"-- calculated: total / 100",
		"-- order total in cents",
		"-- primary key: id",
	} {
		if !strings.Contains(ddl, want) {
			t.Errorf("DDL missing %q:\n%s", want, ddl)
		}
	}
}

func TestHasCalculatedField(t *testing.T) {
	doc, _ := mdl.Parse([]byte(sampleMDL))
	if !doc.Models[0].HasCalculatedField() {
		t.Error("orders has a calculated column")
	}
	if doc.Models[1].HasCalculatedField() {
		t.Error("customers has no calculated column")
	}
}

func writeSample(t *testing.T, hash string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, hash+".json"), []byte(sampleMDL), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestFileStore(t *testing.T) {
	dir := writeSample(t, "abc123")
	store := mdl.NewFileStore(dir)

	doc, err := store.Get(context.Background(), "abc123")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(doc.Models) != 3 {
		t.Errorf("got %d models, want 3", len(doc.Models))
	}

	if _, err := store.Get(context.Background(), "missing"); err == nil {
		t.Error("unknown hash should fail")
	}
}

func TestRetrieverScoring(t *testing.T) {
	dir := writeSample(t, "abc123")
	store := mdl.NewCache(mdl.NewFileStore(dir))
	r := mdl.NewRetriever(store, 10)

	out, err := r.Retrieve(context.Background(), pipeline.SchemaInput{
		Query:   "how many orders per customer?",
		MDLHash: "abc123",
	})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}

	if len(out.RetrievedTables) != 2 {
		t.Fatalf("retrieved %v, want orders and customers", out.RetrievedTables)
	}
	if out.RetrievedTables[0] != "orders" {
		t.Errorf("orders should score highest, got %v", out.RetrievedTables)
	}
	if !out.HasCalculatedField {
		t.Error("orders carries a calculated field")
	}
	if !out.HasMetric {
		t.Error("revenue metric is based on a retrieved table")
	}
	if len(out.TableDDLs) != len(out.RetrievedTables) {
		t.Errorf("%d DDLs for %d tables", len(out.TableDDLs), len(out.RetrievedTables))
	}
}

func TestRetrieverNoMatch(t *testing.T) {
	dir := writeSample(t, "abc123")
	r := mdl.NewRetriever(mdl.NewFileStore(dir), 10)

	out, err := r.Retrieve(context.Background(), pipeline.SchemaInput{
		Query:   "completely unrelated topic",
		MDLHash: "abc123",
	})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(out.RetrievedTables) != 0 {
		t.Errorf("expected no tables, got %v", out.RetrievedTables)
	}
}

func TestRetrieverMaxTables(t *testing.T) {
	dir := writeSample(t, "abc123")
	r := mdl.NewRetriever(mdl.NewFileStore(dir), 1)

	out, err := r.Retrieve(context.Background(), pipeline.SchemaInput{
		Query:   "orders per customer",
		MDLHash: "abc123",
	})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(out.RetrievedTables) != 1 {
		t.Errorf("max tables 1, got %v", out.RetrievedTables)
	}
}

func TestRetrieverHistoryTerms(t *testing.T) {
	dir := writeSample(t, "abc123")
	r := mdl.NewRetriever(mdl.NewFileStore(dir), 10)

	// The working query alone matches nothing; the prior question does.
	out, err := r.Retrieve(context.Background(), pipeline.SchemaInput{
		Query:   "and the top ten?",
		MDLHash: "abc123",
		Histories: []pipeline.History{
			{Question: "how many orders?", SQL: "SELECT count(*) FROM orders"},
		},
	})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(out.RetrievedTables) == 0 {
		t.Error("history terms should contribute to matching")
	}
}
