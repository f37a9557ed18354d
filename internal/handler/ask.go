package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/querypilot/querypilot/internal/conversation"
	"github.com/querypilot/querypilot/internal/events"
	"github.com/querypilot/querypilot/internal/models"
	"github.com/querypilot/querypilot/internal/pipeline"
	"github.com/querypilot/querypilot/internal/stream"
)

// HistoryReader seeds follow-up context when a request carries no histories.
type HistoryReader interface {
	Recent(ctx context.Context, projectID string, limit int) ([]pipeline.History, error)
}

// AskHandler exposes the conversation lifecycle: start a turn, stream its
// events, fetch the final result, or stop it early.
type AskHandler struct {
	svc          *conversation.Service
	streamer     *stream.Streamer
	history      HistoryReader
	maxHistories int
}

func NewAskHandler(svc *conversation.Service, streamer *stream.Streamer, hist HistoryReader, maxHistories int) *AskHandler {
	return &AskHandler{svc: svc, streamer: streamer, history: hist, maxHistories: maxHistories}
}

// Create handles POST /api/v1/asks
func (h *AskHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req models.AskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		models.WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Query == "" {
		models.WriteError(w, http.StatusBadRequest, "query is required")
		return
	}
	req.SetDefaults()

	projectID := ""
	if req.ProjectID != nil {
		projectID = *req.ProjectID
	}
	queryID := ""
	if req.QueryID != nil {
		queryID = *req.QueryID
	}

	histories := req.Histories
	if len(histories) == 0 && h.history != nil && projectID != "" {
		recent, err := h.history.Recent(r.Context(), projectID, h.maxHistories)
		if err != nil {
			log.Warn().Err(err).Str("project_id", projectID).Msg("loading recent history failed")
		} else {
			histories = recent
		}
	}

	id, err := h.svc.StartConversation(r.Context(), conversation.Request{
		Query:          req.Query,
		QueryID:        queryID,
		ProjectID:      projectID,
		MDLHash:        req.MDLHash,
		Histories:      histories,
		Configurations: *req.Configurations,
	})
	if err != nil {
		models.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	models.WriteJSON(w, http.StatusOK, models.AskResponse{QueryID: id})
}

// Streaming handles GET /api/v1/asks/{query_id}/streaming
func (h *AskHandler) Streaming(w http.ResponseWriter, r *http.Request) {
	queryID := chi.URLParam(r, "query_id")

	err := h.streamer.Stream(r.Context(), w, queryID)
	if err == nil {
		return
	}

	var notFound *events.QueueNotFoundError
	if errors.As(err, &notFound) {
		models.WriteError(w, http.StatusNotFound, err.Error())
		return
	}
	// Headers may already be out; log and let the connection close.
	log.Error().Err(err).Str("query_id", queryID).Msg("event stream aborted")
}

// Result handles GET /api/v1/asks/{query_id}/result
func (h *AskHandler) Result(w http.ResponseWriter, r *http.Request) {
	queryID := chi.URLParam(r, "query_id")

	result, ok := h.svc.Result(queryID)
	if !ok {
		models.WriteError(w, http.StatusNotFound, "unknown query_id: "+queryID)
		return
	}
	models.WriteJSON(w, http.StatusOK, result)
}

// Stop handles DELETE /api/v1/asks/{query_id}
func (h *AskHandler) Stop(w http.ResponseWriter, r *http.Request) {
	queryID := chi.URLParam(r, "query_id")

	if err := h.svc.StopConversation(queryID); err != nil {
		var notFound *events.QueueNotFoundError
		if errors.As(err, &notFound) {
			models.WriteError(w, http.StatusNotFound, err.Error())
			return
		}
		models.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
