package stats

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"helpdesk/apps/backend/features/mailsync"
	"helpdesk/apps/backend/internal/middleware"
)

type AccountRepo interface {
	Count(ctx context.Context) (int, error)
}

type JobRepo interface {
	Count(ctx context.Context) (int, error)
}

type ToneIndex interface {
	CountMessages(ctx context.Context) (int, error)
}

type SyncTotals interface {
	Totals(ctx context.Context) (mailsync.Totals, error)
}

type Handler struct {
	accounts AccountRepo
	jobs     JobRepo
	index    ToneIndex
	sync     SyncTotals
}

func NewHandler(a AccountRepo, j JobRepo, idx ToneIndex, st SyncTotals) *Handler {
	return &Handler{accounts: a, jobs: j, index: idx, sync: st}
}

// StatsResponse leaves the index fields null when the vector store cannot
// be counted; the Postgres side is still reported.
type StatsResponse struct {
	Accounts          int        `json:"accounts"`
	StoredMessages    int        `json:"stored_messages"`
	MissingEmbeddings int        `json:"missing_embeddings"`
	IndexedMessages   *int       `json:"indexed_messages"`
	UnindexedEstimate *int       `json:"unindexed_estimate"`
	IndexAvailable    bool       `json:"index_available"`
	RunningSyncs      int        `json:"running_syncs"`
	LastCheckpointAt  *time.Time `json:"last_checkpoint_at"`
	FailedJobs        int        `json:"failed_jobs"`
}

func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	slog.InfoContext(ctx, "getting stats", "correlationId", correlationID)

	aCount, err := h.accounts.Count(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to count accounts", "error", err, "correlationId", correlationID)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to count accounts", http.StatusInternalServerError)
		return
	}

	jCount, err := h.jobs.Count(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to count jobs", "error", err, "correlationId", correlationID)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to count jobs", http.StatusInternalServerError)
		return
	}

	totals, err := h.sync.Totals(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load sync totals", "error", err, "correlationId", correlationID)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to load sync totals", http.StatusInternalServerError)
		return
	}

	resp := StatsResponse{
		Accounts:          aCount,
		StoredMessages:    totals.StoredMessages,
		MissingEmbeddings: totals.MissingEmbeddings,
		RunningSyncs:      totals.RunningSyncs,
		LastCheckpointAt:  totals.LastCheckpointAt,
		FailedJobs:        jCount,
	}

	mCount, err := h.index.CountMessages(ctx)
	if err != nil {
		slog.WarnContext(ctx, "tone index unavailable, reporting store totals only", "error", err, "correlationId", correlationID)
	} else {
		// Messages stored without an embedding are never indexed.
		unindexed := max(0, totals.StoredMessages-totals.MissingEmbeddings-mCount)
		resp.IndexedMessages = &mCount
		resp.UnindexedEstimate = &unindexed
		resp.IndexAvailable = true
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": resp}); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
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
		slog.ErrorContext(ctx, "failed to encode error response", "error", err)
	}
}
