// Package events implements the per-request event channel: one unbounded
// FIFO queue per in-flight query, owned by a Manager. The conversation
// service publishes, the streaming transport consumes.
package events

import "fmt"

// Top-level event names on the wire.
const (
	MessageStart      = "message_start"
	MessageStop       = "message_stop"
	ContentBlockStart = "content_block_start"
	ContentBlockDelta = "content_block_delta"
	ContentBlockStop  = "content_block_stop"
	Error             = "error"
)

// ErrorCode is the closed set of user-facing error codes.
type ErrorCode string

const (
	ErrCodeNoRelevantData ErrorCode = "NO_RELEVANT_DATA"
	ErrCodeNoRelevantSQL  ErrorCode = "NO_RELEVANT_SQL"
	ErrCodeOthers         ErrorCode = "OTHERS"
)

// Event is one (name, payload) pair on a query's queue.
type Event struct {
	Name string
	Data any
}

// MessageStartPayload opens a turn.
type MessageStartPayload struct {
	QueryID string `json:"query_id"`
	TraceID string `json:"trace_id"`
}

// MessageStopPayload closes a turn. TraceID is empty for the synthetic stop
// injected by StopQueue.
type MessageStopPayload struct {
	Message struct {
		QueryID string `json:"query_id"`
		TraceID string `json:"trace_id,omitempty"`
	} `json:"message"`
}

// BlockMessage is the inner message of a content-block event.
type BlockMessage struct {
	Type    string `json:"type,omitempty"`
	Label   string `json:"content_block_label,omitempty"`
	Content string `json:"content,omitempty"`
	TraceID string `json:"trace_id"`
}

// ContentBlockPayload carries one content-block start/delta/stop event.
type ContentBlockPayload struct {
	Index   int          `json:"index"`
	Message BlockMessage `json:"message"`
}

// ErrorPayload is the terminal error envelope.
type ErrorPayload struct {
	Message struct {
		QueryID string    `json:"query_id"`
		TraceID string    `json:"trace_id"`
		Code    ErrorCode `json:"code"`
		Error   string    `json:"message"`
	} `json:"message"`
}

// QueueNotFoundError reports an operation against an unknown query ID.
type QueueNotFoundError struct {
	QueryID string
}

func (e *QueueNotFoundError) Error() string {
	return fmt.Sprintf("no event queue for query %q", e.QueryID)
}
