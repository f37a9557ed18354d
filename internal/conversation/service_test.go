package conversation_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/querypilot/querypilot/internal/conversation"
	"github.com/querypilot/querypilot/internal/events"
	"github.com/querypilot/querypilot/internal/pipeline"
)

// ─── Stubs ────────────────────────────────────────────────────────────────────

type stubMatches struct {
	matches []pipeline.HistoricalMatch
	err     error
}

func (s stubMatches) Search(context.Context, string, string) ([]pipeline.HistoricalMatch, error) {
	return s.matches, s.err
}

type stubPairs struct{ pairs []pipeline.SQLPair }

func (s stubPairs) Retrieve(context.Context, string, string) ([]pipeline.SQLPair, error) {
	return s.pairs, nil
}

type stubInstructions struct{}

func (stubInstructions) Retrieve(context.Context, string, string) ([]pipeline.Instruction, error) {
	return nil, nil
}

type stubClassifier struct{ cls pipeline.IntentClassification }

func (s stubClassifier) Classify(context.Context, pipeline.ClassifyInput) (pipeline.IntentClassification, error) {
	return s.cls, nil
}

type stubSchema struct {
	schema pipeline.SchemaRetrieval
	err    error
}

func (s stubSchema) Retrieve(context.Context, pipeline.SchemaInput) (pipeline.SchemaRetrieval, error) {
	return s.schema, s.err
}

type stubStreamer struct {
	chunks []string
	called *bool
}

func (s stubStreamer) stream() (<-chan string, error) {
	if s.called != nil {
		*s.called = true
	}
	ch := make(chan string, len(s.chunks))
	for _, c := range s.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (s stubStreamer) Stream(context.Context, pipeline.AssistInput) (<-chan string, error) {
	return s.stream()
}

type stubReasoner struct{ stubStreamer }

func (s stubReasoner) Stream(context.Context, pipeline.ReasonInput) (<-chan string, error) {
	return s.stream()
}

type stubGenerator struct {
	outcome pipeline.GenerationOutcome
	err     error
	called  *bool
}

func (s stubGenerator) Generate(context.Context, pipeline.GenerateInput) (pipeline.GenerationOutcome, error) {
	if s.called != nil {
		*s.called = true
	}
	return s.outcome, s.err
}

type stubCorrector struct {
	outcome pipeline.GenerationOutcome
	called  *bool
}

func (s stubCorrector) Correct(context.Context, pipeline.CorrectInput) (pipeline.GenerationOutcome, error) {
	if s.called != nil {
		*s.called = true
	}
	return s.outcome, nil
}

type memorySink struct {
	mu    sync.Mutex
	saved []string
}

func (s *memorySink) Save(_ context.Context, _, _, _ string, sql string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, sql)
	return nil
}

// happyRegistry returns a registry that drives a full TEXT_TO_SQL turn to a
// valid candidate with no correction.
func happyRegistry() pipeline.Registry {
	return pipeline.Registry{
		HistoricalQuestions: stubMatches{},
		SQLPairs:            stubPairs{pairs: []pipeline.SQLPair{{Question: "q", SQL: "SELECT 1"}}},
		Instructions:        stubInstructions{},
		Intent:              stubClassifier{cls: pipeline.IntentClassification{Intent: pipeline.IntentTextToSQL}},
		Schema: stubSchema{schema: pipeline.SchemaRetrieval{
			RetrievedTables: []string{"orders"},
			TableDDLs:       []string{"CREATE TABLE orders (id INT)"},
		}},
		MisleadingAssist: stubStreamer{chunks: []string{"not answerable"}},
		DataAssist:       stubStreamer{chunks: []string{"data help"}},
		UserGuideAssist:  stubStreamer{chunks: []string{"guide"}},
		Reasoner:         stubReasoner{stubStreamer{chunks: []string{"step 1", "step 2"}}},
		Generator: stubGenerator{outcome: pipeline.GenerationOutcome{
			Valid: []pipeline.SQLCandidate{{SQL: "SELECT count(*) FROM orders"}},
		}},
		Corrector: stubCorrector{},
	}
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

// collectTurn starts a conversation and drains its queue until a terminal
// event or timeout.
func collectTurn(t *testing.T, m *events.Manager, svc *conversation.Service, req conversation.Request) (string, []events.Event) {
	t.Helper()

	queryID, err := svc.StartConversation(context.Background(), req)
	if err != nil {
		t.Fatalf("StartConversation: %v", err)
	}
	queue, err := m.GetQueue(queryID)
	if err != nil {
		t.Fatalf("GetQueue: %v", err)
	}

	deadline := time.After(5 * time.Second)
	var evs []events.Event
	for {
		select {
		case <-deadline:
			t.Fatalf("no terminal event after %d events", len(evs))
		default:
		}
		ev, err := queue.Pop(context.Background(), time.Second)
		if err != nil {
			t.Fatalf("pop: %v", err)
		}
		evs = append(evs, ev)
		if ev.Name == events.MessageStop || ev.Name == events.Error {
			return queryID, evs
		}
	}
}

func eventNames(evs []events.Event) []string {
	names := make([]string, len(evs))
	for i, ev := range evs {
		names[i] = ev.Name
	}
	return names
}

func blockIndices(t *testing.T, evs []events.Event, name string) []int {
	t.Helper()
	var idx []int
	for _, ev := range evs {
		if ev.Name != name {
			continue
		}
		p, ok := ev.Data.(events.ContentBlockPayload)
		if !ok {
			t.Fatalf("event %s has payload type %T", name, ev.Data)
		}
		idx = append(idx, p.Index)
	}
	return idx
}

// ─── Tests ────────────────────────────────────────────────────────────────────

func TestHappyPathTurn(t *testing.T) {
	m := events.NewManager()
	svc := conversation.NewService(m, happyRegistry(), nil, 10)

	queryID, evs := collectTurn(t, m, svc, conversation.Request{Query: "how many orders?"})

	names := eventNames(evs)
	if names[0] != events.MessageStart {
		t.Errorf("first event = %s, want message_start", names[0])
	}
	if names[len(names)-1] != events.MessageStop {
		t.Errorf("last event = %s, want message_stop", names[len(names)-1])
	}

	// Blocks 0-3 always run; 4 is schema retrieval, 5 reasoning, 6 generation.
	starts := blockIndices(t, evs, events.ContentBlockStart)
	want := []int{0, 1, 2, 3, 4, 5, 6}
	if len(starts) != len(want) {
		t.Fatalf("block starts = %v, want %v", starts, want)
	}
	for i := range want {
		if starts[i] != want[i] {
			t.Fatalf("block starts = %v, want %v", starts, want)
		}
	}

	// Every start has a matching stop at the same index, start first.
	stops := blockIndices(t, evs, events.ContentBlockStop)
	if len(stops) != len(starts) {
		t.Fatalf("%d starts but %d stops", len(starts), len(stops))
	}

	result, ok := svc.Result(queryID)
	if !ok {
		t.Fatal("missing result")
	}
	if result.Status != conversation.StatusFinished {
		t.Errorf("status = %s, want finished", result.Status)
	}
	if len(result.Candidates) != 1 || result.Candidates[0].SQL != "SELECT count(*) FROM orders" {
		t.Errorf("unexpected candidates: %+v", result.Candidates)
	}
	if result.Intent != pipeline.IntentTextToSQL {
		t.Errorf("intent = %s, want TEXT_TO_SQL", result.Intent)
	}
}

func TestHistoricalQuestionShortCircuit(t *testing.T) {
	m := events.NewManager()
	reg := happyRegistry()
	genCalled := false
	reg.Generator = stubGenerator{called: &genCalled}
	reg.HistoricalQuestions = stubMatches{matches: []pipeline.HistoricalMatch{
		{Question: "how many orders?", SQL: "SELECT count(*) FROM view_v1", ViewID: "v1"},
	}}
	svc := conversation.NewService(m, reg, nil, 10)

	queryID, evs := collectTurn(t, m, svc, conversation.Request{Query: "how many orders?"})

	starts := blockIndices(t, evs, events.ContentBlockStart)
	if len(starts) != 1 || starts[0] != 0 {
		t.Fatalf("only block 0 should run on a historical hit, got %v", starts)
	}
	if genCalled {
		t.Error("generator must not run after a historical hit")
	}
	if evs[len(evs)-1].Name != events.MessageStop {
		t.Errorf("turn should finish normally, last event = %s", evs[len(evs)-1].Name)
	}

	result, _ := svc.Result(queryID)
	if len(result.Candidates) != 1 || result.Candidates[0].SQL != "SELECT count(*) FROM view_v1" {
		t.Errorf("candidate should come from the match, got %+v", result.Candidates)
	}
}

func TestAssistBranches(t *testing.T) {
	cases := []struct {
		intent pipeline.Intent
		label  string
	}{
		{pipeline.IntentMisleadingQuery, "MISLEADING_QUERY"},
		{pipeline.IntentGeneral, "DATA_ASSISTANCE"},
		{pipeline.IntentUserGuide, "USER_GUIDE_ASSISTANCE"},
	}
	for _, tc := range cases {
		t.Run(string(tc.intent), func(t *testing.T) {
			m := events.NewManager()
			reg := happyRegistry()
			genCalled := false
			reg.Generator = stubGenerator{called: &genCalled}
			reg.Intent = stubClassifier{cls: pipeline.IntentClassification{Intent: tc.intent}}
			svc := conversation.NewService(m, reg, nil, 10)

			_, evs := collectTurn(t, m, svc, conversation.Request{Query: "hello"})

			starts := blockIndices(t, evs, events.ContentBlockStart)
			if len(starts) != 5 || starts[4] != 4 {
				t.Fatalf("assist branch should emit blocks 0-4, got %v", starts)
			}
			if genCalled {
				t.Error("generator must not run on an assist branch")
			}

			// Block 4 start carries the branch label and text type.
			for _, ev := range evs {
				if ev.Name != events.ContentBlockStart {
					continue
				}
				p := ev.Data.(events.ContentBlockPayload)
				if p.Index == 4 {
					if p.Message.Label != tc.label {
						t.Errorf("block 4 label = %q, want %q", p.Message.Label, tc.label)
					}
					if p.Message.Type != conversation.BlockTypeText {
						t.Errorf("block 4 type = %q, want text", p.Message.Type)
					}
				}
			}
			if evs[len(evs)-1].Name != events.MessageStop {
				t.Errorf("assist turn should finish normally")
			}
		})
	}
}

func TestNoTablesEndsSilently(t *testing.T) {
	m := events.NewManager()
	reg := happyRegistry()
	reg.Schema = stubSchema{schema: pipeline.SchemaRetrieval{}}
	svc := conversation.NewService(m, reg, nil, 10)

	queryID, evs := collectTurn(t, m, svc, conversation.Request{Query: "about nothing"})

	if evs[len(evs)-1].Name != events.MessageStop {
		t.Errorf("no-tables turn should end with message_stop, got %s", evs[len(evs)-1].Name)
	}
	starts := blockIndices(t, evs, events.ContentBlockStart)
	if len(starts) != 5 {
		t.Errorf("turn should end after schema retrieval, blocks %v", starts)
	}
	result, _ := svc.Result(queryID)
	if result.Status != conversation.StatusFinished {
		t.Errorf("status = %s, want finished", result.Status)
	}
	if len(result.Candidates) != 0 {
		t.Errorf("no candidates expected, got %+v", result.Candidates)
	}
}

func TestTimeoutSkipsCorrection(t *testing.T) {
	m := events.NewManager()
	reg := happyRegistry()
	corrCalled := false
	reg.Generator = stubGenerator{outcome: pipeline.GenerationOutcome{
		Invalid: []pipeline.InvalidSQLCandidate{{
			SQL:   "SELECT slow",
			Type:  pipeline.InvalidTypeTimeout,
			Error: "dry run timed out",
		}},
	}}
	reg.Corrector = stubCorrector{called: &corrCalled}
	svc := conversation.NewService(m, reg, nil, 10)

	queryID, evs := collectTurn(t, m, svc, conversation.Request{Query: "slow query"})

	if corrCalled {
		t.Error("corrector must not run for a timed-out candidate")
	}
	last := evs[len(evs)-1]
	if last.Name != events.Error {
		t.Fatalf("last event = %s, want error", last.Name)
	}
	payload := last.Data.(events.ErrorPayload)
	if payload.Message.Code != events.ErrCodeNoRelevantSQL {
		t.Errorf("error code = %s, want NO_RELEVANT_SQL", payload.Message.Code)
	}

	result, _ := svc.Result(queryID)
	if result.Status != conversation.StatusFailed {
		t.Errorf("status = %s, want failed", result.Status)
	}
	if result.ErrorType != events.ErrCodeNoRelevantSQL {
		t.Errorf("error type = %s, want NO_RELEVANT_SQL", result.ErrorType)
	}
}

func TestCorrectionSucceeds(t *testing.T) {
	m := events.NewManager()
	reg := happyRegistry()
	corrCalled := false
	reg.Generator = stubGenerator{outcome: pipeline.GenerationOutcome{
		Invalid: []pipeline.InvalidSQLCandidate{{
			SQL:   "SELECT bad",
			Type:  "DRY_RUN_FAILED",
			Error: "unknown column bad",
		}},
	}}
	reg.Corrector = stubCorrector{
		called: &corrCalled,
		outcome: pipeline.GenerationOutcome{
			Valid: []pipeline.SQLCandidate{{SQL: "SELECT good"}},
		},
	}
	sink := &memorySink{}
	svc := conversation.NewService(m, reg, sink, 10)

	queryID, evs := collectTurn(t, m, svc, conversation.Request{Query: "fixable"})

	if !corrCalled {
		t.Fatal("corrector should run for a correctable failure")
	}
	starts := blockIndices(t, evs, events.ContentBlockStart)
	if starts[len(starts)-1] != 7 {
		t.Errorf("correction block should be index 7, blocks %v", starts)
	}
	if evs[len(evs)-1].Name != events.MessageStop {
		t.Errorf("corrected turn should finish normally")
	}

	result, _ := svc.Result(queryID)
	if len(result.Candidates) != 1 || result.Candidates[0].SQL != "SELECT good" {
		t.Errorf("unexpected candidates: %+v", result.Candidates)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.saved) != 1 || sink.saved[0] != "SELECT good" {
		t.Errorf("corrected SQL should be persisted, got %v", sink.saved)
	}
}

func TestCorrectionFails(t *testing.T) {
	m := events.NewManager()
	reg := happyRegistry()
	reg.Generator = stubGenerator{outcome: pipeline.GenerationOutcome{
		Invalid: []pipeline.InvalidSQLCandidate{{
			SQL:   "SELECT bad",
			Type:  "DRY_RUN_FAILED",
			Error: "unknown column bad",
		}},
	}}
	reg.Corrector = stubCorrector{outcome: pipeline.GenerationOutcome{
		Invalid: []pipeline.InvalidSQLCandidate{{
			SQL:   "SELECT still_bad",
			Type:  "DRY_RUN_FAILED",
			Error: "still unknown",
		}},
	}}
	svc := conversation.NewService(m, reg, nil, 10)

	_, evs := collectTurn(t, m, svc, conversation.Request{Query: "unfixable"})

	last := evs[len(evs)-1]
	if last.Name != events.Error {
		t.Fatalf("last event = %s, want error", last.Name)
	}
	payload := last.Data.(events.ErrorPayload)
	if payload.Message.Code != events.ErrCodeNoRelevantSQL {
		t.Errorf("error code = %s, want NO_RELEVANT_SQL", payload.Message.Code)
	}
	if payload.Message.Error != "still unknown" {
		t.Errorf("error message should come from the corrected candidate, got %q", payload.Message.Error)
	}
}

func TestStepErrorBecomesOthers(t *testing.T) {
	m := events.NewManager()
	reg := happyRegistry()
	reg.HistoricalQuestions = stubMatches{err: errors.New("es unreachable")}
	svc := conversation.NewService(m, reg, nil, 10)

	queryID, evs := collectTurn(t, m, svc, conversation.Request{Query: "anything"})

	last := evs[len(evs)-1]
	if last.Name != events.Error {
		t.Fatalf("last event = %s, want error", last.Name)
	}
	payload := last.Data.(events.ErrorPayload)
	if payload.Message.Code != events.ErrCodeOthers {
		t.Errorf("error code = %s, want OTHERS", payload.Message.Code)
	}

	// The failing block is still bracketed by start/stop.
	starts := blockIndices(t, evs, events.ContentBlockStart)
	stops := blockIndices(t, evs, events.ContentBlockStop)
	if len(starts) != 1 || len(stops) != 1 {
		t.Errorf("failing block should close: %d starts, %d stops", len(starts), len(stops))
	}

	result, _ := svc.Result(queryID)
	if result.Status != conversation.StatusFailed || result.ErrorType != events.ErrCodeOthers {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestFollowupVariantsSelected(t *testing.T) {
	m := events.NewManager()
	reg := happyRegistry()
	freshCalled, followupCalled := false, false
	reg.Generator = stubGenerator{
		called:  &freshCalled,
		outcome: pipeline.GenerationOutcome{Valid: []pipeline.SQLCandidate{{SQL: "SELECT 1"}}},
	}
	reg.FollowupGenerator = stubGenerator{
		called:  &followupCalled,
		outcome: pipeline.GenerationOutcome{Valid: []pipeline.SQLCandidate{{SQL: "SELECT 2"}}},
	}
	reg.FollowupReasoner = stubReasoner{stubStreamer{chunks: []string{"followup plan"}}}
	svc := conversation.NewService(m, reg, nil, 10)

	_, _ = collectTurn(t, m, svc, conversation.Request{
		Query:     "and by region?",
		Histories: []pipeline.History{{Question: "how many orders?", SQL: "SELECT count(*) FROM orders"}},
	})

	if freshCalled {
		t.Error("fresh generator should not run when history exists")
	}
	if !followupCalled {
		t.Error("followup generator should run when history exists")
	}
}

func TestStopConversation(t *testing.T) {
	m := events.NewManager()
	svc := conversation.NewService(m, happyRegistry(), nil, 10)

	queryID, err := svc.StartConversation(context.Background(), conversation.Request{Query: "q"})
	if err != nil {
		t.Fatalf("StartConversation: %v", err)
	}
	queue, err := m.GetQueue(queryID)
	if err != nil {
		t.Fatalf("GetQueue: %v", err)
	}

	if err := svc.StopConversation(queryID); err != nil {
		t.Fatalf("StopConversation: %v", err)
	}

	// The held queue eventually delivers a message_stop for this query even
	// though the mapping is gone.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("no message_stop after stop")
		default:
		}
		ev, err := queue.Pop(context.Background(), time.Second)
		if err != nil {
			t.Fatalf("pop: %v", err)
		}
		if ev.Name == events.MessageStop {
			return
		}
	}
}

func TestStartConversationRequiresQuery(t *testing.T) {
	m := events.NewManager()
	svc := conversation.NewService(m, happyRegistry(), nil, 10)

	if _, err := svc.StartConversation(context.Background(), conversation.Request{}); err == nil {
		t.Fatal("empty query should be rejected")
	}
}

func TestResultUnknownQuery(t *testing.T) {
	m := events.NewManager()
	svc := conversation.NewService(m, happyRegistry(), nil, 10)

	if _, ok := svc.Result("nope"); ok {
		t.Fatal("unknown query id should report no result")
	}
}
