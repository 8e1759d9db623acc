// internal/api/handler/api/weights.go
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/newthinker/augur/internal/api/response"
	"github.com/newthinker/augur/internal/core"
	"github.com/newthinker/augur/internal/metrics"
	"go.uber.org/zap"
)

// WeightAdmin is the part of the ensemble combiner the API needs.
type WeightAdmin interface {
	Weights() core.EnsembleWeights
	SetWeights(ctx context.Context, weights map[string]float64) (core.EnsembleWeights, error)
}

// WeightsHandler exposes the ensemble weight table.
type WeightsHandler struct {
	admin   WeightAdmin
	metrics *metrics.Registry
	logger  *zap.Logger
}

// NewWeightsHandler creates a new weights handler.
func NewWeightsHandler(admin WeightAdmin, reg *metrics.Registry, logger *zap.Logger) *WeightsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WeightsHandler{admin: admin, metrics: reg, logger: logger}
}

// SetWeightsRequest is the request body for an administrative override.
type SetWeightsRequest struct {
	Weights map[string]float64 `json:"weights"`
}

// Get returns the committed weight table.
func (h *WeightsHandler) Get(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, h.admin.Weights())
}

// Put replaces the table. Weights are normalized before they are stored.
func (h *WeightsHandler) Put(w http.ResponseWriter, r *http.Request) {
	var req SetWeightsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, core.WrapError(core.ErrInvalidInput, err))
		return
	}
	if len(req.Weights) == 0 {
		response.Error(w, http.StatusBadRequest, core.WrapError(core.ErrInvalidInput, errors.New("weights are required")))
		return
	}

	next, err := h.admin.SetWeights(r.Context(), req.Weights)
	if err != nil {
		h.logger.Warn("weight override rejected", zap.Error(err))
		response.Fail(w, err)
		return
	}

	h.metrics.SetEnsembleWeights(next.Weights, next.Version)
	response.JSON(w, http.StatusOK, next)
}
