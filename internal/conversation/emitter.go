package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/querypilot/querypilot/internal/events"
)

// Block and delta type discriminators on the wire.
const (
	BlockTypeToolUse = "tool_use"
	BlockTypeText    = "text"

	deltaTypeJSON = "json_delta"
	deltaTypeText = "text_delta"
)

// ToolFunc is one non-streaming orchestration step. It returns the
// caller-facing value (serialized into the delta event) and the value handed
// back to the orchestrator for branching.
type ToolFunc func(ctx context.Context) (emitted any, forPipeline any, err error)

// StreamFunc is one streaming orchestration step: it starts the work and
// returns a channel of text chunks, closed when the stream ends.
type StreamFunc func(ctx context.Context) (<-chan string, error)

// Emitter wraps orchestration steps into the uniform
// content_block_start / content_block_delta* / content_block_stop sequence.
type Emitter struct {
	events *events.Manager
}

func NewEmitter(m *events.Manager) *Emitter {
	return &Emitter{events: m}
}

func (e *Emitter) start(queryID, traceID string, index int, blockType, label string) error {
	return e.events.Publish(queryID, events.ContentBlockStart, events.ContentBlockPayload{
		Index: index,
		Message: events.BlockMessage{
			Type:    blockType,
			Label:   label,
			TraceID: traceID,
		},
	})
}

func (e *Emitter) stop(queryID, traceID string, index int) error {
	return e.events.Publish(queryID, events.ContentBlockStop, events.ContentBlockPayload{
		Index:   index,
		Message: events.BlockMessage{TraceID: traceID},
	})
}

// EmitToolBlock runs fn and publishes its emitted result as a single
// json_delta. The stop event is deferred so start/stop bracket the block
// even when fn fails; the error is returned for the turn handler to convert.
func (e *Emitter) EmitToolBlock(ctx context.Context, queryID, traceID string, index int, label string, fn ToolFunc) (_ any, err error) {
	if startErr := e.start(queryID, traceID, index, BlockTypeToolUse, label); startErr != nil {
		return nil, startErr
	}
	defer func() {
		if stopErr := e.stop(queryID, traceID, index); stopErr != nil && err == nil {
			err = stopErr
		}
	}()

	emitted, forPipeline, err := fn(ctx)
	if err != nil {
		return nil, err
	}

	content, err := json.Marshal(emitted)
	if err != nil {
		return nil, fmt.Errorf("marshal block %d result: %w", index, err)
	}
	if err := e.events.Publish(queryID, events.ContentBlockDelta, events.ContentBlockPayload{
		Index: index,
		Message: events.BlockMessage{
			Type:    deltaTypeJSON,
			Label:   label,
			Content: string(content),
			TraceID: traceID,
		},
	}); err != nil {
		return nil, err
	}
	return forPipeline, nil
}

// EmitTextBlock runs fn and publishes one text_delta per chunk, returning
// the concatenated text. Zero chunks still produce a well-formed empty
// block. As with tool blocks, the stop event is emitted unconditionally.
func (e *Emitter) EmitTextBlock(ctx context.Context, queryID, traceID string, index int, label string, fn StreamFunc) (_ string, err error) {
	if startErr := e.start(queryID, traceID, index, BlockTypeText, label); startErr != nil {
		return "", startErr
	}
	defer func() {
		if stopErr := e.stop(queryID, traceID, index); stopErr != nil && err == nil {
			err = stopErr
		}
	}()

	chunks, err := fn(ctx)
	if err != nil {
		return "", err
	}

	var full strings.Builder
	for chunk := range chunks {
		full.WriteString(chunk)
		if err := e.events.Publish(queryID, events.ContentBlockDelta, events.ContentBlockPayload{
			Index: index,
			Message: events.BlockMessage{
				Type:    deltaTypeText,
				Label:   label,
				Content: chunk,
				TraceID: traceID,
			},
		}); err != nil {
			// The queue was removed under us (external stop). The producer
			// runs on an uncancellable context, so the channel must still be
			// drained to closure or its goroutine blocks forever.
			go func() {
				for range chunks {
				}
			}()
			return "", err
		}
	}
	return full.String(), nil
}
