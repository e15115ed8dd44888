package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/hotfeed-orchestrator/internal/crawler"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/store"
)

const (
	defaultBatchLimit = 50
	maxBatchLimit     = 500
	batchTimeout      = 3 * time.Second
)

// BatchHandler exposes read-only batch rollup endpoints.
type BatchHandler struct {
	repo    store.BatchRepository
	timeout time.Duration
	logger  *zap.Logger
}

// NewBatchHandler wires the repository and logger.
func NewBatchHandler(repo store.BatchRepository, logger *zap.Logger) *BatchHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BatchHandler{
		repo:    repo,
		timeout: batchTimeout,
		logger:  logger,
	}
}

// ListBatches handles GET /v1/batches?limit=&offset=. It returns
// {"batches": [...]} ordered by most recent activity, 400 for invalid paging,
// 503 when the repository is unavailable, or 500 if the repository call fails.
func (h *BatchHandler) ListBatches(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "batch repository unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultBatchLimit, maxBatchLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	batches, err := h.repo.ListBatches(ctx, limit, offset)
	if err != nil {
		h.logger.Error("list batches failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list batches")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"batches": toBatchDTOs(batches)})
}

// GetBatch handles GET /v1/batches/{batch_id}.
func (h *BatchHandler) GetBatch(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "batch repository unavailable")
		return
	}
	batchID := strings.TrimSpace(chi.URLParam(r, "batch_id"))
	if batchID == "" {
		writeError(w, http.StatusBadRequest, "batch_id is required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	batch, err := h.repo.GetBatch(ctx, batchID)
	if err != nil {
		if errors.Is(err, crawler.ErrNotFound) {
			writeError(w, http.StatusNotFound, "batch not found")
			return
		}
		h.logger.Error("get batch failed", zap.Error(err), zap.String("batch_id", batchID))
		writeError(w, http.StatusInternalServerError, "failed to load batch")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"batch": toBatchDTO(batch)})
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

type batchDTO struct {
	BatchID     string    `json:"batch_id"`
	Kind        string    `json:"kind"`
	Attempts    int64     `json:"attempts"`
	Successes   int64     `json:"successes"`
	Failures    int64     `json:"failures"`
	Items       int64     `json:"items"`
	SuccessRate float64   `json:"success_rate"`
	FirstAt     time.Time `json:"first_at"`
	LastAt      time.Time `json:"last_at"`
}

func toBatchDTOs(in []store.BatchStats) []batchDTO {
	out := make([]batchDTO, 0, len(in))
	for _, b := range in {
		out = append(out, toBatchDTO(b))
	}
	return out
}

func toBatchDTO(b store.BatchStats) batchDTO {
	dto := batchDTO{
		BatchID:   b.BatchID,
		Kind:      string(b.Kind),
		Attempts:  b.Attempts(),
		Successes: b.Successes,
		Failures:  b.Failures,
		Items:     b.Items,
		FirstAt:   b.FirstAt,
		LastAt:    b.LastAt,
	}
	if dto.Attempts > 0 {
		dto.SuccessRate = float64(b.Successes) / float64(dto.Attempts)
	}
	return dto
}
