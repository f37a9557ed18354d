// Package stream renders a query's event queue as a Server-Sent-Events
// response: ordered event/data line pairs, comment keep-alives while idle,
// and guaranteed queue cleanup on every exit path.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/querypilot/querypilot/internal/events"
	"github.com/querypilot/querypilot/internal/observability"
)

// Streamer drains event queues into SSE responses.
type Streamer struct {
	events      *events.Manager
	readTimeout time.Duration // longest single queue wait
	keepAlive   time.Duration // idle interval between keep-alive comments
}

func NewStreamer(m *events.Manager, readTimeout, keepAlive time.Duration) *Streamer {
	return &Streamer{events: m, readTimeout: readTimeout, keepAlive: keepAlive}
}

// Stream forwards the query's events to w until a terminal event
// (message_stop or error), client disconnect, or a write failure. The queue
// is cleaned up on every exit path; this is the normal release point for a
// turn's queue.
func (s *Streamer) Stream(ctx context.Context, w http.ResponseWriter, queryID string) error {
	queue, err := s.events.GetQueue(queryID)
	if err != nil {
		return err
	}
	defer s.events.Cleanup(queryID)

	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("response writer does not support streaming")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	lastWrite := time.Now()
	for {
		// Slice each wait so a keep-alive goes out on cadence even though
		// the read timeout is longer.
		wait := s.readTimeout
		if idle := s.keepAlive - time.Since(lastWrite); idle < wait {
			wait = idle
		}
		if wait <= 0 {
			wait = time.Millisecond
		}

		ev, err := queue.Pop(ctx, wait)
		switch {
		case errors.Is(err, events.ErrPopTimeout):
			if time.Since(lastWrite) >= s.keepAlive {
				if _, werr := io.WriteString(w, ": keep-alive\n\n"); werr != nil {
					return nil
				}
				flusher.Flush()
				lastWrite = time.Now()
			}
			continue
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			// Client gone; the producer turn keeps running and the deferred
			// cleanup releases the queue.
			log.Debug().Str("query_id", queryID).Msg("client disconnected from event stream")
			return nil
		case err != nil:
			return err
		}

		if werr := writeEvent(w, ev); werr != nil {
			return nil
		}
		flusher.Flush()
		lastWrite = time.Now()
		observability.ObserveStreamEvent(ev.Name)

		if ev.Name == events.MessageStop || ev.Name == events.Error {
			return nil
		}
	}
}

func writeEvent(w io.Writer, ev events.Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", ev.Name, err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, data)
	return err
}
