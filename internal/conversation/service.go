package conversation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/querypilot/querypilot/internal/events"
	"github.com/querypilot/querypilot/internal/observability"
	"github.com/querypilot/querypilot/internal/pipeline"
)

// Fixed block indices of one turn. Each index has one meaning; a turn emits
// a subset in ascending order.
const (
	blockHistoricalQuestion = 0
	blockSQLPairs           = 1
	blockInstructions       = 2
	blockIntent             = 3
	blockBranch             = 4
	blockReasoning          = 5
	blockGeneration         = 6
	blockCorrection         = 7
)

// Request starts one conversation turn.
type Request struct {
	Query          string
	QueryID        string // optional; generated when empty
	ProjectID      string
	MDLHash        string
	Histories      []pipeline.History
	Configurations pipeline.Configurations
}

// Status of a turn as visible through Result.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusFinished   Status = "finished"
	StatusFailed     Status = "failed"
)

// Result is the turn's final metadata, kept after the event stream ends.
type Result struct {
	QueryID      string                  `json:"query_id"`
	TraceID      string                  `json:"trace_id"`
	Status       Status                  `json:"status"`
	Intent       pipeline.Intent         `json:"intent,omitempty"`
	Candidates   []pipeline.SQLCandidate `json:"candidates,omitempty"`
	ErrorType    events.ErrorCode        `json:"error_type,omitempty"`
	ErrorMessage string                  `json:"error_message,omitempty"`
}

// HistorySink persists successful question/SQL pairs. Nil sinks are allowed.
type HistorySink interface {
	Save(ctx context.Context, queryID, projectID, question, sql string) error
}

// Service drives one turn per StartConversation call: it sequences the
// pipeline steps through the emitter, decides branching, and finalizes the
// event stream with exactly one terminal event.
type Service struct {
	events    *events.Manager
	emitter   *Emitter
	pipelines pipeline.Registry
	history   HistorySink

	maxHistories int

	mu      sync.Mutex
	results map[string]*Result
}

func NewService(m *events.Manager, pipelines pipeline.Registry, history HistorySink, maxHistories int) *Service {
	return &Service{
		events:       m,
		emitter:      NewEmitter(m),
		pipelines:    pipelines,
		history:      history,
		maxHistories: maxHistories,
		results:      make(map[string]*Result),
	}
}

// StartConversation allocates the event queue and runs the turn on a
// detached context: client disconnect or an explicit stop only short-circuits
// the consumer side, the turn itself runs to completion.
func (s *Service) StartConversation(ctx context.Context, req Request) (string, error) {
	if req.Query == "" {
		return "", fmt.Errorf("query is required")
	}
	queryID := req.QueryID
	if queryID == "" {
		queryID = uuid.New().String()
	}
	traceID := uuid.New().String()

	req.Histories = capHistories(req.Histories, s.maxHistories)

	s.setResult(queryID, &Result{QueryID: queryID, TraceID: traceID, Status: StatusProcessing})
	s.events.StartQueue(queryID)

	go s.runTurn(context.WithoutCancel(ctx), queryID, traceID, req)
	return queryID, nil
}

// StopConversation injects a synthetic message_stop so the consumer
// terminates; the producer turn is not cancelled.
func (s *Service) StopConversation(queryID string) error {
	return s.events.StopQueue(queryID)
}

// Result returns the turn metadata recorded so far, or false for an unknown
// query ID.
func (s *Service) Result(queryID string) (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[queryID]
	if !ok {
		return Result{}, false
	}
	return *r, true
}

func (s *Service) setResult(queryID string, r *Result) {
	s.mu.Lock()
	s.results[queryID] = r
	s.mu.Unlock()
}

func (s *Service) update(queryID string, fn func(*Result)) {
	s.mu.Lock()
	if r, ok := s.results[queryID]; ok {
		fn(r)
	}
	s.mu.Unlock()
}

// capHistories keeps the most recent max entries, most-recent-last.
func capHistories(histories []pipeline.History, max int) []pipeline.History {
	if max <= 0 || len(histories) <= max {
		return histories
	}
	return histories[len(histories)-max:]
}

// runTurn is the single producer of the turn's event stream. Every path out
// publishes exactly one terminal event; any error or panic becomes an
// OTHERS error so the consumer is never left waiting.
func (s *Service) runTurn(ctx context.Context, queryID, traceID string, req Request) {
	start := time.Now()
	intent := pipeline.Intent("")

	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Str("query_id", queryID).Interface("panic", rec).Msg("turn panicked")
			s.fail(queryID, traceID, events.ErrCodeOthers, fmt.Sprintf("internal error: %v", rec))
		}
		status := StatusFinished
		if r, ok := s.Result(queryID); ok {
			status = r.Status
		}
		observability.ObserveTurn(string(intent), string(status), time.Since(start))
	}()

	if err := s.events.EmitMessageStart(queryID, traceID); err != nil {
		log.Error().Err(err).Str("query_id", queryID).Msg("emit message_start failed")
		return
	}

	done, err := s.executeTurn(ctx, queryID, traceID, req, &intent)
	if err != nil {
		log.Error().Err(err).Str("query_id", queryID).Str("trace_id", traceID).Msg("turn failed")
		s.fail(queryID, traceID, events.ErrCodeOthers, err.Error())
		return
	}
	if done {
		// Terminal error already emitted inside the sequence.
		return
	}

	s.update(queryID, func(r *Result) { r.Status = StatusFinished })
	if err := s.events.EmitMessageStop(queryID, traceID); err != nil {
		log.Error().Err(err).Str("query_id", queryID).Msg("emit message_stop failed")
	}
}

// fail records the error and emits the terminal error event.
func (s *Service) fail(queryID, traceID string, code events.ErrorCode, message string) {
	s.update(queryID, func(r *Result) {
		r.Status = StatusFailed
		r.ErrorType = code
		r.ErrorMessage = message
	})
	if err := s.events.EmitError(queryID, traceID, code, message); err != nil {
		log.Error().Err(err).Str("query_id", queryID).Msg("emit error failed")
	}
}

// executeTurn runs the block sequence. It returns done=true when a terminal
// error was already emitted; err!=nil means the caller emits OTHERS.
func (s *Service) executeTurn(ctx context.Context, queryID, traceID string, req Request, intent *pipeline.Intent) (done bool, err error) {
	query := req.Query

	// Index 0: historical-question lookup. A top-1 match ends the turn.
	matchAny, err := s.emitter.EmitToolBlock(ctx, queryID, traceID, blockHistoricalQuestion, "HISTORICAL_QUESTION",
		func(ctx context.Context) (any, any, error) {
			matches, err := s.pipelines.HistoricalQuestions.Search(ctx, req.ProjectID, query)
			if err != nil {
				return nil, nil, fmt.Errorf("historical question lookup: %w", err)
			}
			return matches, matches, nil
		})
	if err != nil {
		return false, err
	}
	if matches, _ := matchAny.([]pipeline.HistoricalMatch); len(matches) > 0 {
		log.Info().Str("query_id", queryID).Str("view_id", matches[0].ViewID).Msg("historical question hit")
		s.update(queryID, func(r *Result) {
			r.Candidates = []pipeline.SQLCandidate{{SQL: matches[0].SQL, Summary: matches[0].Question}}
		})
		return false, nil
	}

	// Index 1: sample SQL pairs.
	pairsAny, err := s.emitter.EmitToolBlock(ctx, queryID, traceID, blockSQLPairs, "SQL_PAIRS",
		func(ctx context.Context) (any, any, error) {
			pairs, err := s.pipelines.SQLPairs.Retrieve(ctx, req.ProjectID, query)
			if err != nil {
				return nil, nil, fmt.Errorf("sql pairs retrieval: %w", err)
			}
			return pairs, pairs, nil
		})
	if err != nil {
		return false, err
	}
	sqlPairs, _ := pairsAny.([]pipeline.SQLPair)

	// Index 2: instructions.
	instrAny, err := s.emitter.EmitToolBlock(ctx, queryID, traceID, blockInstructions, "INSTRUCTIONS",
		func(ctx context.Context) (any, any, error) {
			instructions, err := s.pipelines.Instructions.Retrieve(ctx, req.ProjectID, query)
			if err != nil {
				return nil, nil, fmt.Errorf("instructions retrieval: %w", err)
			}
			return instructions, instructions, nil
		})
	if err != nil {
		return false, err
	}
	instructions, _ := instrAny.([]pipeline.Instruction)

	// Index 3: intent classification.
	clsAny, err := s.emitter.EmitToolBlock(ctx, queryID, traceID, blockIntent, "INTENT_CLASSIFICATION",
		func(ctx context.Context) (any, any, error) {
			cls, err := s.pipelines.Intent.Classify(ctx, pipeline.ClassifyInput{
				Query:          query,
				Histories:      req.Histories,
				SQLPairs:       sqlPairs,
				Instructions:   instructions,
				ProjectID:      req.ProjectID,
				MDLHash:        req.MDLHash,
				Configurations: req.Configurations,
			})
			if err != nil {
				return nil, nil, fmt.Errorf("intent classification: %w", err)
			}
			return cls, cls, nil
		})
	if err != nil {
		return false, err
	}
	cls, _ := clsAny.(pipeline.IntentClassification)
	*intent = cls.Intent
	s.update(queryID, func(r *Result) { r.Intent = cls.Intent })
	if cls.RephrasedQuestion != "" {
		query = cls.RephrasedQuestion
	}

	// Index 4: branch dispatch, mutually exclusive.
	switch cls.Intent {
	case pipeline.IntentMisleadingQuery:
		return s.assist(ctx, queryID, traceID, "MISLEADING_QUERY", s.pipelines.MisleadingAssist, pipeline.AssistInput{
			Query:     query,
			Histories: req.Histories,
			Language:  req.Configurations.Language,
			DBSchemas: cls.DBSchemas,
		})
	case pipeline.IntentGeneral:
		return s.assist(ctx, queryID, traceID, "DATA_ASSISTANCE", s.pipelines.DataAssist, pipeline.AssistInput{
			Query:     query,
			Histories: req.Histories,
			Language:  req.Configurations.Language,
			DBSchemas: cls.DBSchemas,
		})
	case pipeline.IntentUserGuide:
		return s.assist(ctx, queryID, traceID, "USER_GUIDE_ASSISTANCE", s.pipelines.UserGuideAssist, pipeline.AssistInput{
			Query:    query,
			Language: req.Configurations.Language,
		})
	}

	// Default branch: TEXT_TO_SQL. Index 4 is schema retrieval here.
	schemaAny, err := s.emitter.EmitToolBlock(ctx, queryID, traceID, blockBranch, "SCHEMA_RETRIEVAL",
		func(ctx context.Context) (any, any, error) {
			schema, err := s.pipelines.Schema.Retrieve(ctx, pipeline.SchemaInput{
				Query:     query,
				ProjectID: req.ProjectID,
				MDLHash:   req.MDLHash,
				Histories: req.Histories,
			})
			if err != nil {
				return nil, nil, fmt.Errorf("schema retrieval: %w", err)
			}
			return schema, schema, nil
		})
	if err != nil {
		return false, err
	}
	schema, _ := schemaAny.(pipeline.SchemaRetrieval)
	if len(schema.RetrievedTables) == 0 {
		// Nothing to generate against; end the turn without an error.
		log.Info().Str("query_id", queryID).Msg("no tables retrieved, ending turn")
		return false, nil
	}

	// Auxiliary: available SQL functions, no event emitted.
	var sqlFunctions []string
	if s.pipelines.Functions != nil {
		sqlFunctions, err = s.pipelines.Functions.Functions(ctx, req.ProjectID)
		if err != nil {
			log.Warn().Err(err).Str("query_id", queryID).Msg("sql functions fetch failed")
			sqlFunctions = nil
		}
	}

	// Index 5: streamed SQL reasoning, followup variant when history exists.
	reasoner := s.pipelines.Reasoner
	label := "SQL_REASONING"
	if len(req.Histories) > 0 && s.pipelines.FollowupReasoner != nil {
		reasoner = s.pipelines.FollowupReasoner
		label = "FOLLOWUP_SQL_REASONING"
	}
	reasonIn := pipeline.ReasonInput{
		Query:        query,
		Histories:    req.Histories,
		TableDDLs:    schema.TableDDLs,
		SQLPairs:     sqlPairs,
		Instructions: instructions,
		SQLFunctions: sqlFunctions,
		Language:     req.Configurations.Language,
	}
	reasoning, err := s.emitter.EmitTextBlock(ctx, queryID, traceID, blockReasoning, label,
		func(ctx context.Context) (<-chan string, error) {
			return reasoner.Stream(ctx, reasonIn)
		})
	if err != nil {
		return false, err
	}

	// Index 6: SQL generation.
	generator := s.pipelines.Generator
	genLabel := "SQL_GENERATION"
	if len(req.Histories) > 0 && s.pipelines.FollowupGenerator != nil {
		generator = s.pipelines.FollowupGenerator
		genLabel = "FOLLOWUP_SQL_GENERATION"
	}
	genIn := pipeline.GenerateInput{
		Query:          query,
		Reasoning:      reasoning,
		Histories:      req.Histories,
		TableDDLs:      schema.TableDDLs,
		SQLPairs:       sqlPairs,
		Instructions:   instructions,
		SQLFunctions:   sqlFunctions,
		Configurations: req.Configurations,
	}
	outAny, err := s.emitter.EmitToolBlock(ctx, queryID, traceID, blockGeneration, genLabel,
		func(ctx context.Context) (any, any, error) {
			outcome, err := generator.Generate(ctx, genIn)
			if err != nil {
				return nil, nil, fmt.Errorf("sql generation: %w", err)
			}
			return outcome, outcome, nil
		})
	if err != nil {
		return false, err
	}
	outcome, _ := outAny.(pipeline.GenerationOutcome)

	// Index 7: single-shot correction. A timed-out candidate is not
	// correctable and fails the turn immediately.
	if len(outcome.Invalid) > 0 {
		first := outcome.Invalid[0]
		if first.Type == pipeline.InvalidTypeTimeout {
			s.fail(queryID, traceID, events.ErrCodeNoRelevantSQL, first.Error)
			return true, nil
		}

		corrIn := pipeline.CorrectInput{
			Query:     query,
			Invalid:   outcome.Invalid,
			TableDDLs: schema.TableDDLs,
		}
		corrAny, err := s.emitter.EmitToolBlock(ctx, queryID, traceID, blockCorrection, "SQL_CORRECTION",
			func(ctx context.Context) (any, any, error) {
				corrected, err := s.pipelines.Corrector.Correct(ctx, corrIn)
				if err != nil {
					return nil, nil, fmt.Errorf("sql correction: %w", err)
				}
				return corrected, corrected, nil
			})
		if err != nil {
			return false, err
		}
		corrected, _ := corrAny.(pipeline.GenerationOutcome)
		if len(corrected.Invalid) > 0 {
			s.fail(queryID, traceID, events.ErrCodeNoRelevantSQL, corrected.Invalid[0].Error)
			return true, nil
		}
		outcome.Valid = append(outcome.Valid, corrected.Valid...)
	}

	s.update(queryID, func(r *Result) { r.Candidates = outcome.Valid })
	s.persist(ctx, queryID, req.ProjectID, req.Query, outcome.Valid)
	return false, nil
}

// assist runs one streamed assistance block; the turn ends after it.
func (s *Service) assist(ctx context.Context, queryID, traceID, label string, a pipeline.Assistant, in pipeline.AssistInput) (bool, error) {
	if a == nil {
		return false, fmt.Errorf("no assistant configured for %s", label)
	}
	_, err := s.emitter.EmitTextBlock(ctx, queryID, traceID, blockBranch, label,
		func(ctx context.Context) (<-chan string, error) {
			return a.Stream(ctx, in)
		})
	return false, err
}

func (s *Service) persist(ctx context.Context, queryID, projectID, question string, candidates []pipeline.SQLCandidate) {
	if s.history == nil || len(candidates) == 0 {
		return
	}
	if err := s.history.Save(ctx, queryID, projectID, question, candidates[0].SQL); err != nil {
		log.Warn().Err(err).Str("query_id", queryID).Msg("history save failed")
	}
}
