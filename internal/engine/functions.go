package engine

import "context"

// defaultFunctions is the baseline function surface advertised to the
// reasoning and generation prompts when the project adds none of its own.
var defaultFunctions = []string{
	"COUNT", "SUM", "AVG", "MIN", "MAX",
	"DATE_TRUNC", "EXTRACT", "CURRENT_DATE", "TIMESTAMP_DIFF",
	"CONCAT", "LOWER", "UPPER", "SUBSTR", "TRIM",
	"COALESCE", "IFNULL", "NULLIF", "SAFE_DIVIDE", "SAFE_CAST",
	"ROW_NUMBER", "RANK", "DENSE_RANK", "LAG", "LEAD",
	"ARRAY_AGG", "STRING_AGG", "APPROX_COUNT_DISTINCT",
}

// StaticFunctions implements pipeline.FunctionsProvider with a fixed list
// plus optional per-deployment extras.
type StaticFunctions struct {
	extra []string
}

func NewStaticFunctions(extra []string) *StaticFunctions {
	return &StaticFunctions{extra: extra}
}

func (s *StaticFunctions) Functions(_ context.Context, _ string) ([]string, error) {
	out := make([]string, 0, len(defaultFunctions)+len(s.extra))
	out = append(out, defaultFunctions...)
	out = append(out, s.extra...)
	return out, nil
}
