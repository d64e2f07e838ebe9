package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/user/price-tracker/internal/delivery/http/response"
	"github.com/user/price-tracker/internal/entity"
	"github.com/user/price-tracker/internal/repository"
	"github.com/user/price-tracker/internal/usecase"
)

const (
	defaultFreshnessLimit = 100
	healthTimeout         = 2 * time.Second
)

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

type Handler struct {
	refresher usecase.Refresher
	store     repository.Store
	checks    map[string]HealthCheck
	// background work started by the API outlives the request
	baseCtx context.Context
	logger  *zap.Logger
}

// NewHandler creates the API handler. baseCtx bounds refreshes triggered
// through the API; checks are probed by the health endpoint.
func NewHandler(
	baseCtx context.Context,
	refresher usecase.Refresher,
	store repository.Store,
	checks map[string]HealthCheck,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		refresher: refresher,
		store:     store,
		checks:    checks,
		baseCtx:   baseCtx,
		logger:    logger,
	}
}

func (h *Handler) HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	status := make(map[string]string, len(h.checks))
	healthy := true
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			status[name] = "unhealthy"
			healthy = false
			h.logger.Error("health check failed", zap.String("dependency", name), zap.Error(err))
			continue
		}
		status[name] = "healthy"
	}

	if !healthy {
		h.writeJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	h.writeJSON(w, http.StatusOK, status)
}

func kindParam(raw string) (entity.EntityKind, error) {
	if raw == "" {
		return entity.KindProduct, nil
	}
	return entity.ParseEntityKind(raw)
}

func (h *Handler) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	kind, err := kindParam(r.URL.Query().Get("kind"))
	if err != nil {
		h.writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	runs, err := h.store.ListActive(r.Context(), kind)
	if err != nil {
		h.logger.Error("failed to list runs", zap.String("kind", string(kind)), zap.Error(err))
		h.writeJSONError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	resp := make([]response.RunResponse, 0, len(runs))
	for _, run := range runs {
		resp = append(resp, response.NewRunResponse(run))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) HandleListFreshness(w http.ResponseWriter, r *http.Request) {
	kind, err := kindParam(r.URL.Query().Get("kind"))
	if err != nil {
		h.writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	limit := defaultFreshnessLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			h.writeJSONError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
	}

	ages, err := h.store.ListAges(r.Context(), kind, time.Now())
	if err != nil {
		h.logger.Error("failed to list ages", zap.String("kind", string(kind)), zap.Error(err))
		h.writeJSONError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if len(ages) > limit {
		ages = ages[:limit]
	}

	resp := make([]response.FreshnessResponse, 0, len(ages))
	for _, a := range ages {
		resp = append(resp, response.NewFreshnessResponse(a))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) HandleTriggerRefresh(w http.ResponseWriter, r *http.Request) {
	kind, err := entity.ParseEntityKind(chi.URLParam(r, "kind"))
	if err != nil {
		h.writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.refresher.StartRefresh(h.baseCtx, kind); err != nil {
		if errors.Is(err, usecase.ErrRefreshInProgress) {
			h.writeJSONError(w, err.Error(), http.StatusConflict)
			return
		}
		h.logger.Error("failed to start refresh", zap.String("kind", string(kind)), zap.Error(err))
		h.writeJSONError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusAccepted, response.AcceptedResponse{
		Status:  "accepted",
		Message: string(kind) + " refresh started",
	})
}

func (h *Handler) HandleLastReport(w http.ResponseWriter, r *http.Request) {
	kind, err := entity.ParseEntityKind(chi.URLParam(r, "kind"))
	if err != nil {
		h.writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	rep, ok := h.refresher.LastReport(kind)
	if !ok {
		h.writeJSONError(w, "No refresh has finished yet", http.StatusNotFound)
		return
	}
	h.writeJSON(w, http.StatusOK, rep)
}

func idParam(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("id must be a positive integer")
	}
	return id, nil
}

func (h *Handler) HandleLoadCategory(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		h.writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.refresher.StartLoad(h.baseCtx, id); err != nil {
		if errors.Is(err, usecase.ErrRefreshInProgress) {
			h.writeJSONError(w, err.Error(), http.StatusConflict)
			return
		}
		h.logger.Error("failed to start category load", zap.Int64("category_id", id), zap.Error(err))
		h.writeJSONError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusAccepted, response.AcceptedResponse{
		Status:  "accepted",
		Message: "category " + strconv.FormatInt(id, 10) + " load started",
	})
}

func (h *Handler) HandleGetPrices(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		h.writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	product, err := h.store.GetProduct(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			h.writeJSONError(w, "Product not found", http.StatusNotFound)
			return
		}
		h.logger.Error("failed to read product", zap.Int64("product_id", id), zap.Error(err))
		h.writeJSONError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	prices, err := h.store.ListPriceObservations(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to read prices", zap.Int64("product_id", id), zap.Error(err))
		h.writeJSONError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	sort.Slice(prices, func(i, j int) bool { return prices[i].Date.Before(prices[j].Date) })

	h.writeJSON(w, http.StatusOK, response.NewPriceHistoryResponse(*product, prices))
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write JSON response", zap.Error(err))
	}
}

func (h *Handler) writeJSONError(w http.ResponseWriter, message string, status int) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
