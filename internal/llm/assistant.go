package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/querypilot/querypilot/internal/pipeline"
)

const (
	misleadingSystemPrompt = `The user's question looks like a data question but cannot be answered
from the available schema. Briefly explain why and suggest what they could
ask instead. Do not invent data. Answer in the user's language.`

	dataAssistSystemPrompt = `Answer the user's general question about their data using the schema
context provided. Do not produce SQL; answer in prose, in the user's language.`

	userGuideSystemPrompt = `Answer the user's question about how to use this text-to-SQL assistant.
Keep it short and practical. Answer in the user's language.`
)

// Assistant streams a prose answer for one non-SQL branch. The three
// branch instances share this type and differ only in system prompt.
type Assistant struct {
	client *Client
	system string
}

func NewMisleadingAssistant(client *Client) *Assistant {
	return &Assistant{client: client, system: misleadingSystemPrompt}
}

func NewDataAssistant(client *Client) *Assistant {
	return &Assistant{client: client, system: dataAssistSystemPrompt}
}

func NewUserGuideAssistant(client *Client) *Assistant {
	return &Assistant{client: client, system: userGuideSystemPrompt}
}

func (a *Assistant) Stream(ctx context.Context, in pipeline.AssistInput) (<-chan string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n", in.Query)
	if in.Language != "" {
		fmt.Fprintf(&b, "Answer language: %s\n", in.Language)
	}
	for _, schema := range in.DBSchemas {
		fmt.Fprintf(&b, "\nSchema:\n%s\n", schema)
	}
	for _, h := range in.Histories {
		fmt.Fprintf(&b, "\nPreviously asked: %s\n", h.Question)
	}
	return a.client.Stream(ctx, a.system, b.String())
}
