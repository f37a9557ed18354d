package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/querypilot/querypilot/internal/pipeline"
)

const (
	reasonSystemPrompt = `Plan, step by step, how to answer the user's question with one SQL query
over the given tables. Name the tables and joins you will use and any
aggregation needed. Plain prose, no SQL yet.`

	followupReasonSystemPrompt = `The user is following up on an earlier question and its SQL. Plan, step by
step, how to adjust or extend the previous SQL to answer the follow-up.
Plain prose, no SQL yet.`
)

// Reasoner streams the SQL plan. The fresh and followup variants share the
// type and differ in system prompt, mirroring the generator split.
type Reasoner struct {
	client *Client
	system string
}

func NewReasoner(client *Client) *Reasoner {
	return &Reasoner{client: client, system: reasonSystemPrompt}
}

func NewFollowupReasoner(client *Client) *Reasoner {
	return &Reasoner{client: client, system: followupReasonSystemPrompt}
}

func (r *Reasoner) Stream(ctx context.Context, in pipeline.ReasonInput) (<-chan string, error) {
	return r.client.Stream(ctx, r.system, buildReasonPrompt(in))
}

func buildReasonPrompt(in pipeline.ReasonInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n", in.Query)
	if in.Language != "" {
		fmt.Fprintf(&b, "Language: %s\n", in.Language)
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
