package account

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"golang.org/x/oauth2"

	"helpdesk/apps/backend/internal/middleware"
)

type Store interface {
	Save(ctx context.Context, a *Account, tok *oauth2.Token) error
	List(ctx context.Context) ([]Account, error)
	Delete(ctx context.Context, accountID string) error
}

// IndexPurger drops an account's objects from the tone index.
type IndexPurger interface {
	DeleteAccount(ctx context.Context, accountID string) error
}

type Handler struct {
	store Store
	index IndexPurger
}

func NewHandler(store Store, index IndexPurger) *Handler {
	return &Handler{store: store, index: index}
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.store.List(r.Context())
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to list accounts", "error", err)
		h.writeError(r.Context(), w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}
	if accounts == nil {
		accounts = []Account{}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": accounts}); err != nil {
		slog.ErrorContext(r.Context(), "failed to encode response", "error", err)
	}
}

// Connect registers an account with the refresh token obtained by the
// consent flow.
func (h *Handler) Connect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID           string `json:"id"`
		Email        string `json:"email"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(r.Context(), w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		return
	}
	if req.ID == "" || req.Email == "" || req.RefreshToken == "" {
		h.writeError(r.Context(), w, "VALIDATION_ERROR", "id, email and refresh_token are required", http.StatusBadRequest)
		return
	}

	a := &Account{ID: req.ID, Email: req.Email, Provider: "gmail"}
	if err := h.store.Save(r.Context(), a, &oauth2.Token{RefreshToken: req.RefreshToken, TokenType: "Bearer"}); err != nil {
		slog.ErrorContext(r.Context(), "failed to save account", "account_id", req.ID, "error", err)
		h.writeError(r.Context(), w, "INTERNAL_ERROR", "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": a}); err != nil {
		slog.ErrorContext(r.Context(), "failed to encode response", "error", err)
	}
}

// Disconnect removes the account. The tone index is cleaned first so a
// failure leaves the account in place and the call can be repeated.
func (h *Handler) Disconnect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	if h.index != nil {
		if err := h.index.DeleteAccount(ctx, id); err != nil {
			slog.ErrorContext(ctx, "failed to purge tone index", "account_id", id, "error", err)
			h.writeError(ctx, w, "INTERNAL_ERROR", "Internal Server Error", http.StatusInternalServerError)
			return
		}
	}

	if err := h.store.Delete(ctx, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			h.writeError(ctx, w, "NOT_FOUND", "Account not found", http.StatusNotFound)
			return
		}
		slog.ErrorContext(ctx, "failed to delete account", "account_id", id, "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", "Internal Server Error", http.StatusInternalServerError)
		return
	}

	slog.InfoContext(ctx, "account disconnected", "account_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}
