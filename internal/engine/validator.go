// Package engine validates candidate SQL against the live query engine.
// Generation and correction adapters run every candidate through it; the
// conversation core only ever sees the typed outcome.
package engine

import (
	"regexp"
	"strings"
)

// Failure kinds attached to invalid generation results.
const (
	InvalidTypeTimeout    = "TIME_OUT"
	InvalidTypeDisallowed = "DISALLOWED_SQL"
	InvalidTypeDryRun     = "DRY_RUN_FAILED"
)

var disallowedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i);\s*DROP\s+`),
	regexp.MustCompile(`(?i);\s*DELETE\s+`),
	regexp.MustCompile(`(?i);\s*INSERT\s+`),
	regexp.MustCompile(`(?i);\s*UPDATE\s+`),
	regexp.MustCompile(`(?i);\s*ALTER\s+`),
	regexp.MustCompile(`(?i);\s*CREATE\s+`),
	regexp.MustCompile(`(?i);\s*TRUNCATE\s+`),
	regexp.MustCompile(`(?i)\bINTO\s+OUTFILE\b`),
	regexp.MustCompile(`(?i)\bLOAD\s+DATA\b`),
	regexp.MustCompile(`(?i)\bBENCHMARK\s*\(`),
	regexp.MustCompile(`(?i)\bSLEEP\s*\(`),
	regexp.MustCompile(`(?i)\bWAITFOR\s+DELAY\b`),
	regexp.MustCompile(`;\s*--`),
}

// StaticValidator rejects statements that are not read-only SELECTs before
// any dry run is attempted.
type StaticValidator struct{}

func NewStaticValidator() *StaticValidator {
	return &StaticValidator{}
}

// Validate returns a non-empty reason when sql is rejected.
func (v *StaticValidator) Validate(sql string) string {
	trimmed := strings.TrimSpace(sql)
	if trimmed == "" {
		return "SQL cannot be empty"
	}
	upper := strings.ToUpper(trimmed)
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		return "only SELECT statements are allowed"
	}
	for _, pattern := range disallowedPatterns {
		if pattern.MatchString(sql) {
			return "disallowed SQL pattern: " + pattern.String()
		}
	}
	return ""
}
