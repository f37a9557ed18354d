package llm

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/querypilot/querypilot/internal/engine"
	"github.com/querypilot/querypilot/internal/pipeline"
)

const (
	generateSystemPrompt = `Write one SQL query answering the user's question over the given tables.

RULES:
1. Generate only SELECT queries - never INSERT, UPDATE, DELETE, DROP, or DDL
2. Use only the tables and columns provided
3. Wrap the final SQL in a code block exactly like this:
` + "```sql" + `
SELECT ...
` + "```" + `
4. After the code block, add one sentence summarizing what the query returns`

	followupGenerateSystemPrompt = `The user is following up on an earlier question and SQL. Write one SQL
query answering the follow-up, reusing the earlier SQL where it still fits.

RULES:
1. Generate only SELECT queries - never INSERT, UPDATE, DELETE, DROP, or DDL
2. Use only the tables and columns provided
3. Wrap the final SQL in a code block exactly like this:
` + "```sql" + `
SELECT ...
` + "```" + `
4. After the code block, add one sentence summarizing what the query returns`

	correctSystemPrompt = `The SQL below failed validation. Fix it so it passes, changing as little
as possible. Use only the tables and columns provided.

Wrap the corrected SQL in a code block exactly like this:
` + "```sql" + `
SELECT ...
` + "```"
)

var sqlBlockRe = regexp.MustCompile("(?s)```sql\\s*(.*?)```")

// extractSQL pulls the SQL out of the model's fenced code block. Falls back
// to the whole text when the model skipped the fence.
func extractSQL(text string) (sql, summary string) {
	m := sqlBlockRe.FindStringSubmatchIndex(text)
	if m == nil {
		return strings.TrimSpace(text), ""
	}
	sql = strings.TrimSpace(text[m[2]:m[3]])
	summary = strings.TrimSpace(text[m[1]:])
	return sql, summary
}

// Generator implements pipeline.SQLGenerator: one LLM call, then static and
// dry-run validation splitting the candidate into valid/invalid.
type Generator struct {
	client    *Client
	validator engine.Validator
	static    *engine.StaticValidator
	system    string
}

func NewGenerator(client *Client, validator engine.Validator) *Generator {
	return &Generator{
		client:    client,
		validator: validator,
		static:    engine.NewStaticValidator(),
		system:    generateSystemPrompt,
	}
}

func NewFollowupGenerator(client *Client, validator engine.Validator) *Generator {
	g := NewGenerator(client, validator)
	g.system = followupGenerateSystemPrompt
	return g
}

func (g *Generator) Generate(ctx context.Context, in pipeline.GenerateInput) (pipeline.GenerationOutcome, error) {
	text, err := g.client.Complete(ctx, g.system, buildGeneratePrompt(in))
	if err != nil {
		return pipeline.GenerationOutcome{}, err
	}
	sql, summary := extractSQL(text)
	return g.validate(ctx, sql, summary), nil
}

// validate classifies one candidate. Static rejections and dry-run failures
// become invalid results; a dry-run timeout is marked TIME_OUT so the
// orchestrator skips correction.
func (g *Generator) validate(ctx context.Context, sql, summary string) pipeline.GenerationOutcome {
	var out pipeline.GenerationOutcome

	if reason := g.static.Validate(sql); reason != "" {
		out.Invalid = append(out.Invalid, pipeline.InvalidSQLCandidate{
			SQL:   sql,
			Type:  engine.InvalidTypeDisallowed,
			Error: reason,
		})
		return out
	}

	if g.validator != nil {
		if err := g.validator.DryRun(ctx, sql); err != nil {
			kind := engine.Classify(err)
			log.Info().Str("type", kind).Err(err).Msg("generated sql failed dry run")
			out.Invalid = append(out.Invalid, pipeline.InvalidSQLCandidate{
				SQL:   sql,
				Type:  kind,
				Error: err.Error(),
			})
			return out
		}
	}

	out.Valid = append(out.Valid, pipeline.SQLCandidate{SQL: sql, Summary: summary})
	return out
}

func buildGeneratePrompt(in pipeline.GenerateInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n", in.Query)
	if in.Configurations.Timezone != "" {
		fmt.Fprintf(&b, "Timezone: %s\n", in.Configurations.Timezone)
	}
	if in.Reasoning != "" {
		fmt.Fprintf(&b, "\nPlan:\n%s\n", in.Reasoning)
	}
	for _, h := range in.Histories {
		fmt.Fprintf(&b, "\nEarlier question: %s\nEarlier SQL: %s\n", h.Question, h.SQL)
	}
	b.WriteString("\nTables:\n")
	for _, ddl := range in.TableDDLs {
		b.WriteString(ddl)
		b.WriteString("\n\n")
	}
	for _, p := range in.SQLPairs {
		fmt.Fprintf(&b, "Example question: %s\nExample SQL: %s\n\n", p.Question, p.SQL)
	}
	for _, instr := range in.Instructions {
		fmt.Fprintf(&b, "Rule: %s\n", instr.Instruction)
	}
	if len(in.SQLFunctions) > 0 {
		fmt.Fprintf(&b, "\nAvailable SQL functions: %s\n", strings.Join(in.SQLFunctions, ", "))
	}
	return b.String()
}

// Corrector implements pipeline.SQLCorrector. The orchestrator calls it at
// most once per turn.
type Corrector struct {
	client    *Client
	validator engine.Validator
	static    *engine.StaticValidator
}

func NewCorrector(client *Client, validator engine.Validator) *Corrector {
	return &Corrector{
		client:    client,
		validator: validator,
		static:    engine.NewStaticValidator(),
	}
}

func (c *Corrector) Correct(ctx context.Context, in pipeline.CorrectInput) (pipeline.GenerationOutcome, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\n", in.Query)
	for _, inv := range in.Invalid {
		fmt.Fprintf(&b, "Failed SQL:\n%s\nValidation error: %s\n\n", inv.SQL, inv.Error)
	}
	b.WriteString("Tables:\n")
	for _, ddl := range in.TableDDLs {
		b.WriteString(ddl)
		b.WriteString("\n\n")
	}

	text, err := c.client.Complete(ctx, correctSystemPrompt, b.String())
	if err != nil {
		return pipeline.GenerationOutcome{}, err
	}
	sql, summary := extractSQL(text)

	g := Generator{validator: c.validator, static: c.static}
	return g.validate(ctx, sql, summary), nil
}
