package engine_test

import (
	"context"
	"errors"
	"testing"

	"github.com/querypilot/querypilot/internal/engine"
)

func TestStaticValidatorAccepts(t *testing.T) {
	v := engine.NewStaticValidator()
	for _, sql := range []string{
		"SELECT 1",
		"select count(*) from orders",
		"WITH recent AS (SELECT * FROM orders) SELECT * FROM recent",
		"  SELECT id FROM customers  ",
	} {
		if reason := v.Validate(sql); reason != "" {
			t.Errorf("Validate(%q) rejected: %s", sql, reason)
		}
	}
}

func TestStaticValidatorRejects(t *testing.T) {
	v := engine.NewStaticValidator()
	for _, sql := range []string{
		"",
		"   ",
		"DROP TABLE orders",
		"INSERT INTO orders VALUES (1)",
		"UPDATE orders SET total = 0",
		"SELECT * FROM orders; DROP TABLE orders",
		"SELECT * FROM orders; DELETE FROM orders",
		"SELECT SLEEP(10)",
		"SELECT * FROM orders; -- comment",
	} {
		if reason := v.Validate(sql); reason == "" {
			t.Errorf("Validate(%q) should reject", sql)
		}
	}
}

func TestClassify(t *testing.T) {
	if got := engine.Classify(engine.ErrDryRunTimeout); got != engine.InvalidTypeTimeout {
		t.Errorf("timeout error classified as %s", got)
	}
	if got := engine.Classify(context.DeadlineExceeded); got != engine.InvalidTypeTimeout {
		t.Errorf("deadline error classified as %s", got)
	}
	if got := engine.Classify(errors.New("unknown column")); got != engine.InvalidTypeDryRun {
		t.Errorf("generic error classified as %s", got)
	}
}

func TestStaticFunctions(t *testing.T) {
	fns, err := engine.NewStaticFunctions([]string{"MY_UDF"}).Functions(context.Background(), "p1")
	if err != nil {
		t.Fatalf("Functions: %v", err)
	}
	hasCount, hasUDF := false, false
	for _, f := range fns {
		if f == "COUNT" {
			hasCount = true
		}
		if f == "MY_UDF" {
			hasUDF = true
		}
	}
	if !hasCount || !hasUDF {
		t.Errorf("function list should include defaults and extras: %v", fns)
	}
}
