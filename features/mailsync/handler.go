package mailsync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"helpdesk/apps/backend/internal/config"
	"helpdesk/apps/backend/internal/middleware"
)

// TriggerPayload is the NSQ message asking a worker to run one cycle.
type TriggerPayload struct {
	AccountID     string `json:"account_id"`
	MaxMessages   int    `json:"max_messages,omitempty"`
	Iteration     int    `json:"iteration,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

type EventPublisher interface {
	Publish(topic string, body []byte) error
}

type SyncService interface {
	RunCycle(ctx context.Context, accountID string, maxMessages int) (CycleResult, error)
	Status(ctx context.Context, accountID string) (StatusSnapshot, error)
}

// Resumer runs cycles for an account until it is caught up.
type Resumer interface {
	RunUntilDone(ctx context.Context, accountID string, opts ResumeOptions) (CycleResult, int, error)
}

// BackgroundResumer runs the resume loop in a goroutine of this process.
// It stands in for the NSQ worker when none is enabled.
type BackgroundResumer struct {
	resumer Resumer
	opts    ResumeOptions
}

func NewBackgroundResumer(r Resumer, opts ResumeOptions) *BackgroundResumer {
	return &BackgroundResumer{resumer: r, opts: opts}
}

// Start returns immediately. The loop keeps the request's values but not its
// cancellation.
func (b *BackgroundResumer) Start(ctx context.Context, accountID string, maxMessages int) {
	opts := b.opts
	opts.MaxMessages = maxMessages
	ctx = middleware.WithAccountID(context.WithoutCancel(ctx), accountID)
	go b.run(ctx, accountID, opts)
}

func (b *BackgroundResumer) run(ctx context.Context, accountID string, opts ResumeOptions) {
	res, iterations, err := b.resumer.RunUntilDone(ctx, accountID, opts)
	switch {
	case errors.Is(err, ErrLeaseHeld):
		slog.InfoContext(ctx, "in-process resume skipped, sync already running")
	case err != nil:
		slog.ErrorContext(ctx, "in-process resume failed", "iterations", iterations, "error", err)
	default:
		slog.InfoContext(ctx, "in-process resume finished",
			"iterations", iterations, "total_processed", res.TotalProcessed, "total_errors", res.TotalErrors)
	}
}

type Handler struct {
	svc SyncService
	pub EventPublisher

	background *BackgroundResumer
}

type HandlerOption func(*Handler)

// WithInProcessResume makes Resume start b instead of publishing a trigger.
func WithInProcessResume(b *BackgroundResumer) HandlerOption {
	return func(h *Handler) { h.background = b }
}

func NewHandler(svc SyncService, pub EventPublisher, opts ...HandlerOption) *Handler {
	h := &Handler{svc: svc, pub: pub}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type syncRequest struct {
	MaxMessages int `json:"max_messages"`
}

func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	accountID := r.PathValue("id")
	ctx := middleware.WithAccountID(r.Context(), accountID)

	req, ok := h.decodeSyncRequest(ctx, w, r)
	if !ok {
		return
	}

	slog.InfoContext(ctx, "sync cycle requested", "max_messages", req.MaxMessages)

	res, err := h.svc.RunCycle(ctx, accountID, req.MaxMessages)
	if err != nil {
		switch {
		case errors.Is(err, ErrLeaseHeld):
			h.writeError(ctx, w, "SYNC_IN_PROGRESS", "A sync is already running for this account", http.StatusConflict)
		case errors.Is(err, ErrFetch):
			slog.ErrorContext(ctx, "sync cycle fetch failed", "error", err)
			h.writeError(ctx, w, "FETCH_ERROR", err.Error(), http.StatusBadGateway)
		default:
			slog.ErrorContext(ctx, "sync cycle failed", "error", err)
			h.writeError(ctx, w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		}
		return
	}

	h.writeJSON(ctx, w, http.StatusOK, map[string]interface{}{"data": res})
}

// Resume enqueues a trigger so the sync worker keeps cycling in the
// background.
func (h *Handler) Resume(w http.ResponseWriter, r *http.Request) {
	accountID := r.PathValue("id")
	ctx := middleware.WithAccountID(r.Context(), accountID)

	req, ok := h.decodeSyncRequest(ctx, w, r)
	if !ok {
		return
	}

	if h.background != nil {
		h.background.Start(ctx, accountID, req.MaxMessages)
		h.writeJSON(ctx, w, http.StatusAccepted, map[string]interface{}{"data": "sync started"})
		return
	}

	payload, _ := json.Marshal(TriggerPayload{
		AccountID:     accountID,
		MaxMessages:   req.MaxMessages,
		CorrelationID: middleware.GetCorrelationID(ctx),
	})
	if err := h.pub.Publish(config.TopicSyncTrigger, payload); err != nil {
		slog.ErrorContext(ctx, "failed to publish sync trigger", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", "Failed to enqueue sync", http.StatusInternalServerError)
		return
	}

	slog.InfoContext(ctx, "sync trigger enqueued")
	h.writeJSON(ctx, w, http.StatusAccepted, map[string]interface{}{"data": "sync enqueued"})
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	accountID := r.PathValue("id")
	ctx := middleware.WithAccountID(r.Context(), accountID)

	snap, err := h.svc.Status(ctx, accountID)
	if err != nil {
		slog.ErrorContext(ctx, "failed to read sync status", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}

	h.writeJSON(ctx, w, http.StatusOK, map[string]interface{}{"data": snap})
}

func (h *Handler) decodeSyncRequest(ctx context.Context, w http.ResponseWriter, r *http.Request) (syncRequest, bool) {
	var req syncRequest
	if r.Body == nil {
		return req, true
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(ctx, w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		return req, false
	}
	if req.MaxMessages < 0 {
		h.writeError(ctx, w, "VALIDATION_ERROR", "max_messages must not be negative", http.StatusBadRequest)
		return req, false
	}
	return req, true
}

func (h *Handler) writeJSON(ctx context.Context, w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	resp := map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	}
	h.writeJSON(ctx, w, status, resp)
}
