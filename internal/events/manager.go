package events

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Manager owns the query_id → queue mapping. All methods are safe for
// concurrent use; the map is guarded by a mutex because the producer turn,
// the SSE consumer, and external stop calls run on separate goroutines.
type Manager struct {
	mu     sync.Mutex
	queues map[string]*Queue
}

func NewManager() *Manager {
	return &Manager{queues: make(map[string]*Queue)}
}

// StartQueue creates an empty queue for queryID. Calling it twice for the
// same ID replaces the queue; the orchestrator generates unique IDs so a
// duplicate start indicates a caller reusing an ID, which we log but allow.
func (m *Manager) StartQueue(queryID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.queues[queryID]; exists {
		log.Warn().Str("query_id", queryID).Msg("queue restarted for existing query id")
	}
	m.queues[queryID] = newQueue()
}

// GetQueue returns the queue for queryID or a QueueNotFoundError. It never
// returns a nil queue with a nil error.
func (m *Manager) GetQueue(queryID string) (*Queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[queryID]
	if !ok {
		return nil, &QueueNotFoundError{QueryID: queryID}
	}
	return q, nil
}

// Publish appends (event, data) to the query's queue. The queue is
// unbounded, so this never blocks the producer.
func (m *Manager) Publish(queryID, event string, data any) error {
	q, err := m.GetQueue(queryID)
	if err != nil {
		return err
	}
	q.push(Event{Name: event, Data: data})
	return nil
}

// StopQueue injects a synthetic message_stop (query_id only, no trace) and
// removes the queue. Used for externally-triggered cancellation; the consumer
// observes the stop on its next read and terminates the stream.
func (m *Manager) StopQueue(queryID string) error {
	payload := MessageStopPayload{}
	payload.Message.QueryID = queryID
	if err := m.Publish(queryID, MessageStop, payload); err != nil {
		return err
	}
	m.Cleanup(queryID)
	return nil
}

// Cleanup removes the queue mapping. Idempotent.
func (m *Manager) Cleanup(queryID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.queues, queryID)
}

// EmitMessageStart publishes the turn-opening event.
func (m *Manager) EmitMessageStart(queryID, traceID string) error {
	return m.Publish(queryID, MessageStart, MessageStartPayload{QueryID: queryID, TraceID: traceID})
}

// EmitMessageStop publishes the normal end-of-turn event. Unlike StopQueue
// it does not remove the queue; the transport cleans up after it observes
// the terminal event.
func (m *Manager) EmitMessageStop(queryID, traceID string) error {
	payload := MessageStopPayload{}
	payload.Message.QueryID = queryID
	payload.Message.TraceID = traceID
	return m.Publish(queryID, MessageStop, payload)
}

// EmitError publishes the terminal error event.
func (m *Manager) EmitError(queryID, traceID string, code ErrorCode, message string) error {
	payload := ErrorPayload{}
	payload.Message.QueryID = queryID
	payload.Message.TraceID = traceID
	payload.Message.Code = code
	payload.Message.Error = message
	return m.Publish(queryID, Error, payload)
}
