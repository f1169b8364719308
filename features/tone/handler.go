package tone

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"helpdesk/apps/backend/features/mailsync"
	"helpdesk/apps/backend/internal/middleware"
)

type ExampleFinder interface {
	FindExamples(ctx context.Context, accountID string, d Draft) ([]Example, error)
}

type Handler struct {
	svc ExampleFinder
}

func NewHandler(svc ExampleFinder) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) Examples(w http.ResponseWriter, r *http.Request) {
	accountID := r.PathValue("id")
	ctx := middleware.WithAccountID(r.Context(), accountID)

	var d Draft
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		h.writeError(ctx, w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		return
	}
	if d.Limit < 0 {
		h.writeError(ctx, w, "VALIDATION_ERROR", "limit must not be negative", http.StatusBadRequest)
		return
	}

	examples, err := h.svc.FindExamples(ctx, accountID, d)
	if err != nil {
		var embedErr *mailsync.EmbedError
		switch {
		case errors.Is(err, ErrEmptyDraft):
			h.writeError(ctx, w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		case errors.As(err, &embedErr):
			slog.ErrorContext(ctx, "failed to embed draft", "error", err)
			h.writeError(ctx, w, "EMBED_ERROR", err.Error(), http.StatusBadGateway)
		default:
			slog.ErrorContext(ctx, "failed to find tone examples", "error", err)
			h.writeError(ctx, w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		}
		return
	}
	if examples == nil {
		examples = []Example{}
	}

	h.writeJSON(ctx, w, http.StatusOK, map[string]interface{}{
		"data": examples,
		"meta": map[string]int{"count": len(examples)},
	})
}

func (h *Handler) writeJSON(ctx context.Context, w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	h.writeJSON(ctx, w, status, map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	})
}
