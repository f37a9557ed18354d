package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/querypilot/querypilot/internal/pipeline"
)

const classifySystemPrompt = `You classify a user question against a database schema context.

Answer with a single JSON object, nothing else:
{
  "intent": "MISLEADING_QUERY" | "GENERAL" | "USER_GUIDE" | "TEXT_TO_SQL",
  "rephrased_question": "<the question rewritten as a standalone data question, or empty>",
  "reasoning": "<one sentence>"
}

Intents:
- MISLEADING_QUERY: the question pretends to be about the data but cannot be answered from it
- GENERAL: a general question about the data or the project, not answerable with one SQL query
- USER_GUIDE: a question about how to use this product
- TEXT_TO_SQL: a question answerable by querying the schema`

// Classifier implements pipeline.IntentClassifier with an LLM call and a
// keyword fallback for malformed answers.
type Classifier struct {
	client *Client
}

func NewClassifier(client *Client) *Classifier {
	return &Classifier{client: client}
}

func (c *Classifier) Classify(ctx context.Context, in pipeline.ClassifyInput) (pipeline.IntentClassification, error) {
	user := buildClassifyPrompt(in)
	text, err := c.client.Complete(ctx, classifySystemPrompt, user)
	if err != nil {
		return pipeline.IntentClassification{}, err
	}

	var cls pipeline.IntentClassification
	if jsonErr := json.Unmarshal([]byte(extractJSON(text)), &cls); jsonErr != nil {
		log.Warn().Err(jsonErr).Str("answer", truncate(text, 120)).Msg("unparseable intent answer, using keyword fallback")
		return pipeline.IntentClassification{
			Intent:    FallbackIntent(in.Query),
			Reasoning: "keyword fallback",
		}, nil
	}
	switch cls.Intent {
	case pipeline.IntentMisleadingQuery, pipeline.IntentGeneral, pipeline.IntentUserGuide:
	default:
		// Anything else is treated as TEXT_TO_SQL.
		cls.Intent = pipeline.IntentTextToSQL
	}
	return cls, nil
}

func buildClassifyPrompt(in pipeline.ClassifyInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n", in.Query)
	if in.Configurations.Language != "" {
		fmt.Fprintf(&b, "Language: %s\n", in.Configurations.Language)
	}
	if len(in.Histories) > 0 {
		b.WriteString("\nConversation so far:\n")
		for _, h := range in.Histories {
			fmt.Fprintf(&b, "Q: %s\nSQL: %s\n", h.Question, h.SQL)
		}
	}
	if len(in.SQLPairs) > 0 {
		b.WriteString("\nSample question/SQL pairs from this project:\n")
		for _, p := range in.SQLPairs {
			fmt.Fprintf(&b, "Q: %s\nSQL: %s\n", p.Question, p.SQL)
		}
	}
	if len(in.Instructions) > 0 {
		b.WriteString("\nProject instructions:\n")
		for _, instr := range in.Instructions {
			fmt.Fprintf(&b, "- %s\n", instr.Instruction)
		}
	}
	return b.String()
}

var userGuideKeywords = []string{
	"how do i", "how to use", "what is this", "documentation", "user guide",
	"help me use", "tutorial", "getting started",
}

var generalKeywords = []string{
	"what data", "what tables", "what can i ask", "describe the data",
	"summarize", "overview", "tell me about",
}

// FallbackIntent scores the question against keyword lists when no usable
// LLM answer is available. Defaults to TEXT_TO_SQL, matching the
// orchestrator's else-branch.
func FallbackIntent(query string) pipeline.Intent {
	lower := strings.ToLower(query)
	for _, kw := range userGuideKeywords {
		if strings.Contains(lower, kw) {
			return pipeline.IntentUserGuide
		}
	}
	for _, kw := range generalKeywords {
		if strings.Contains(lower, kw) {
			return pipeline.IntentGeneral
		}
	}
	return pipeline.IntentTextToSQL
}

// extractJSON trims prose or code fences around the first JSON object.
func extractJSON(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		return text[start : end+1]
	}
	return text
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
