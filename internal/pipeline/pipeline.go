// Package pipeline defines the typed contracts between the conversation
// orchestrator and the LLM-backed sub-pipelines. Implementations live in
// internal/llm, internal/retrieval and internal/mdl; tests use stubs.
package pipeline

import "context"

// History is one prior question/SQL pair of the conversation.
type History struct {
	Question string `json:"question"`
	SQL      string `json:"sql"`
}

// Configurations carries free-form per-request settings.
type Configurations struct {
	Language string `json:"language,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// HistoricalMatch is a previously-answered question close enough to reuse.
type HistoricalMatch struct {
	Question string `json:"question"`
	SQL      string `json:"sql"`
	ViewID   string `json:"viewId"`
}

// HistoricalQuestionFinder looks up prior answered questions (index 0).
type HistoricalQuestionFinder interface {
	Search(ctx context.Context, projectID, query string) ([]HistoricalMatch, error)
}

// SQLPair is a curated question/SQL example used as few-shot context.
type SQLPair struct {
	Question string `json:"question"`
	SQL      string `json:"sql"`
}

// SQLPairRetriever fetches sample pairs relevant to the query (index 1).
type SQLPairRetriever interface {
	Retrieve(ctx context.Context, projectID, query string) ([]SQLPair, error)
}

// Instruction is a project-scoped authoring rule for SQL generation.
type Instruction struct {
	Instruction string `json:"instruction"`
}

// InstructionRetriever fetches instructions relevant to the query (index 2).
type InstructionRetriever interface {
	Retrieve(ctx context.Context, projectID, query string) ([]Instruction, error)
}

// Intent is the outcome of intent classification.
type Intent string

const (
	IntentMisleadingQuery Intent = "MISLEADING_QUERY"
	IntentGeneral         Intent = "GENERAL"
	IntentUserGuide       Intent = "USER_GUIDE"
	IntentTextToSQL       Intent = "TEXT_TO_SQL"
)

// ClassifyInput is everything the classifier may condition on.
type ClassifyInput struct {
	Query          string
	Histories      []History
	SQLPairs       []SQLPair
	Instructions   []Instruction
	ProjectID      string
	MDLHash        string
	Configurations Configurations
}

// IntentClassification is the classifier result. A non-empty
// RephrasedQuestion replaces the working query for all later steps.
type IntentClassification struct {
	Intent            Intent   `json:"intent"`
	RephrasedQuestion string   `json:"rephrased_question,omitempty"`
	Reasoning         string   `json:"reasoning,omitempty"`
	DBSchemas         []string `json:"db_schemas,omitempty"`
}

// IntentClassifier decides how the turn branches (index 3).
type IntentClassifier interface {
	Classify(ctx context.Context, in ClassifyInput) (IntentClassification, error)
}

// SchemaInput identifies the semantic layer to retrieve against.
type SchemaInput struct {
	Query     string
	ProjectID string
	MDLHash   string
	Histories []History
}

// SchemaRetrieval is the schema-retrieval result (index 4, TEXT_TO_SQL
// branch). Zero RetrievedTables ends the turn without generating SQL.
type SchemaRetrieval struct {
	RetrievedTables    []string `json:"retrieved_tables"`
	TableDDLs          []string `json:"table_ddls"`
	HasCalculatedField bool     `json:"has_calculated_field"`
	HasMetric          bool     `json:"has_metric"`
}

// SchemaRetriever selects the schema fragments relevant to the query.
type SchemaRetriever interface {
	Retrieve(ctx context.Context, in SchemaInput) (SchemaRetrieval, error)
}

// AssistInput feeds the streamed assistance pipelines (index 4 non-SQL
// branches). USER_GUIDE assistants receive only Query and Language.
type AssistInput struct {
	Query     string
	Histories []History
	Language  string
	DBSchemas []string
}

// Assistant streams a prose answer. The returned channel is closed when the
// stream ends; a partial stream followed by channel close is still a
// complete answer from the orchestrator's point of view.
type Assistant interface {
	Stream(ctx context.Context, in AssistInput) (<-chan string, error)
}

// ReasonInput feeds SQL reasoning (index 5).
type ReasonInput struct {
	Query        string
	Histories    []History
	TableDDLs    []string
	SQLPairs     []SQLPair
	Instructions []Instruction
	SQLFunctions []string
	Language     string
}

// Reasoner streams the step-by-step SQL plan. Fresh and followup variants
// implement the same interface and are selected by the orchestrator.
type Reasoner interface {
	Stream(ctx context.Context, in ReasonInput) (<-chan string, error)
}

// SQLCandidate is one validated generation result.
type SQLCandidate struct {
	SQL     string `json:"sql"`
	Summary string `json:"summary,omitempty"`
}

// InvalidTypeTimeout marks a candidate whose validation timed out.
// Timeouts are not correctable; the orchestrator skips the correction step.
const InvalidTypeTimeout = "TIME_OUT"

// InvalidSQLCandidate is a generation result that failed validation.
type InvalidSQLCandidate struct {
	SQL   string `json:"sql"`
	Type  string `json:"type"`
	Error string `json:"error"`
}

// GenerationOutcome splits candidates by validation result.
type GenerationOutcome struct {
	Valid   []SQLCandidate        `json:"valid_generation_results"`
	Invalid []InvalidSQLCandidate `json:"invalid_generation_results"`
}

// GenerateInput feeds SQL generation (index 6).
type GenerateInput struct {
	Query          string
	Reasoning      string
	Histories      []History
	TableDDLs      []string
	SQLPairs       []SQLPair
	Instructions   []Instruction
	SQLFunctions   []string
	Configurations Configurations
}

// SQLGenerator produces candidate SQL. Fresh and followup variants
// implement the same interface.
type SQLGenerator interface {
	Generate(ctx context.Context, in GenerateInput) (GenerationOutcome, error)
}

// CorrectInput feeds the single correction attempt (index 7).
type CorrectInput struct {
	Query     string
	Invalid   []InvalidSQLCandidate
	TableDDLs []string
}

// SQLCorrector retries failed candidates exactly once per turn.
type SQLCorrector interface {
	Correct(ctx context.Context, in CorrectInput) (GenerationOutcome, error)
}

// FunctionsProvider lists SQL functions available to the project's engine.
// Auxiliary input to reasoning; fetching it emits no event.
type FunctionsProvider interface {
	Functions(ctx context.Context, projectID string) ([]string, error)
}

// Registry holds one implementation per orchestration step, injected at
// construction time. Fresh/followup slots share interfaces; the
// orchestrator picks by history presence.
type Registry struct {
	HistoricalQuestions HistoricalQuestionFinder
	SQLPairs            SQLPairRetriever
	Instructions        InstructionRetriever
	Intent              IntentClassifier
	Schema              SchemaRetriever

	MisleadingAssist Assistant
	DataAssist       Assistant
	UserGuideAssist  Assistant

	Reasoner         Reasoner
	FollowupReasoner Reasoner

	Generator         SQLGenerator
	FollowupGenerator SQLGenerator
	Corrector         SQLCorrector

	Functions FunctionsProvider
}
