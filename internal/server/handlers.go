package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ashita-ai/renraku/internal/model"
	"github.com/ashita-ai/renraku/internal/projection"
	"github.com/ashita-ai/renraku/internal/storage"
	"github.com/ashita-ai/renraku/internal/thread"
	"github.com/ashita-ai/renraku/internal/webhook"
	"github.com/ashita-ai/renraku/internal/worker"
)

// HandlersDeps bundles the dependencies for HTTP handlers.
type HandlersDeps struct {
	DB      *storage.DB
	Store   *storage.ThreadStore
	Queue   *storage.Queue
	Machine *webhook.Machine
	Events  *projection.Postgres
	Logger  *slog.Logger
	Version string
	MaxBody int64
}

// Handlers holds the HTTP handler set.
type Handlers struct {
	deps HandlersDeps
}

// NewHandlers creates the handler set.
func NewHandlers(deps HandlersDeps) *Handlers {
	return &Handlers{deps: deps}
}

// handleWebhook accepts an inbound callback, validates it against the closed
// payload union, and enqueues it for asynchronous processing. The thread is
// created up front when the payload carries no correlation key so the queue
// can serialize on a concrete state ID.
func (h *Handlers) handleWebhook(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(w, r, h.deps.MaxBody)
	if err != nil {
		if isBodyTooLarge(err) {
			writeError(w, r, http.StatusRequestEntityTooLarge, model.ErrCodeInvalidInput, "request body too large")
			return
		}
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "failed to read request body")
		return
	}

	payload, err := model.ParseWebhookPayload(raw)
	if err != nil {
		var unknown model.ErrUnknownWebhookType
		if errors.As(err, &unknown) {
			writeError(w, r, http.StatusUnprocessableEntity, model.ErrCodeUnprocessable, unknown.Error())
			return
		}
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	stateID := payload.StateID()
	if stateID == "" {
		stateID, err = h.deps.Store.Save(r.Context(), model.Thread{}, nil, "", "")
		if err != nil {
			h.deps.Logger.Error("handler: create thread for webhook", "error", err)
			writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to create thread")
			return
		}
	}

	jobID, err := h.deps.Queue.Enqueue(r.Context(), stateID, worker.JobWebhook, json.RawMessage(raw))
	if err != nil {
		h.deps.Logger.Error("handler: enqueue webhook", "state_id", stateID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to enqueue webhook")
		return
	}

	writeJSON(w, r, http.StatusAccepted, model.EnqueueResponse{
		JobID:   jobID.String(),
		StateID: stateID,
	})
}

// handleWebhookSync processes a callback inline, bypassing the queue. Meant
// for development and integrations that need the post-processing state ID
// immediately; it forfeits the queue's per-thread serialization.
func (h *Handlers) handleWebhookSync(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(w, r, h.deps.MaxBody)
	if err != nil {
		if isBodyTooLarge(err) {
			writeError(w, r, http.StatusRequestEntityTooLarge, model.ErrCodeInvalidInput, "request body too large")
			return
		}
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "failed to read request body")
		return
	}

	payload, err := model.ParseWebhookPayload(raw)
	if err != nil {
		var unknown model.ErrUnknownWebhookType
		if errors.As(err, &unknown) {
			writeError(w, r, http.StatusUnprocessableEntity, model.ErrCodeUnprocessable, unknown.Error())
			return
		}
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	stateID, err := h.deps.Machine.Process(r.Context(), "", payload)
	if err != nil {
		h.deps.Logger.Error("handler: sync webhook", "state_id", stateID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to process webhook")
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]string{"state_id": stateID})
}

// handleCreateThread starts a new thread and queues its first decision pass.
func (h *Handlers) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	var req model.CreateThreadRequest
	if err := decodeJSON(w, r, &req, h.deps.MaxBody); err != nil {
		if isBodyTooLarge(err) {
			writeError(w, r, http.StatusRequestEntityTooLarge, model.ErrCodeInvalidInput, "request body too large")
			return
		}
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}

	t := model.Thread{InitialContext: req.InitialContext}
	if req.Event != nil {
		if req.Event.Type == "" {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "event.type must not be empty")
			return
		}
		t = thread.Append(t, *req.Event)
	}

	stateID, err := h.deps.Store.Save(r.Context(), t, nil, "", "")
	if err != nil {
		h.deps.Logger.Error("handler: create thread", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to create thread")
		return
	}

	if _, err := h.deps.Queue.Enqueue(r.Context(), stateID, worker.JobKickoff, nil); err != nil {
		h.deps.Logger.Error("handler: enqueue kickoff", "state_id", stateID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to enqueue thread")
		return
	}

	writeJSON(w, r, http.StatusCreated, model.CreateThreadResponse{StateID: stateID})
}

// handleGetThread returns a thread with its processing metadata.
func (h *Handlers) handleGetThread(w http.ResponseWriter, r *http.Request) {
	stateID := r.PathValue("state_id")
	if stateID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "state_id is required")
		return
	}

	st, err := h.deps.Store.LoadWithMetadata(r.Context(), stateID)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "thread not found")
		return
	}
	if err != nil {
		h.deps.Logger.Error("handler: load thread", "state_id", stateID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load thread")
		return
	}

	writeJSON(w, r, http.StatusOK, st)
}

// handleGetEvents returns the projected event history for a thread, newest
// row per operation, in append order.
func (h *Handlers) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	stateID := r.PathValue("state_id")
	if stateID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "state_id is required")
		return
	}

	limit := 200
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	events, err := h.deps.Events.EventsByState(r.Context(), stateID, limit)
	if err != nil {
		h.deps.Logger.Error("handler: list events", "state_id", stateID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to list events")
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"state_id": stateID,
		"events":   events,
	})
}

// handleQueueStats reports durable queue depth.
func (h *Handlers) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.deps.Queue.Stats(r.Context())
	if err != nil {
		h.deps.Logger.Error("handler: queue stats", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to read queue stats")
		return
	}
	writeJSON(w, r, http.StatusOK, stats)
}

// handleHealth reports liveness, including database reachability.
func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if err := h.deps.DB.Ping(ctx); err != nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "database unreachable")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// handleVersion reports the running build version.
func (h *Handlers) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"version": h.deps.Version})
}
