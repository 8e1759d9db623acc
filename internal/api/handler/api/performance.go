// internal/api/handler/api/performance.go
package api

import (
	"net/http"
	"sort"

	"github.com/newthinker/augur/internal/api/response"
	"github.com/newthinker/augur/internal/core"
	"github.com/newthinker/augur/internal/ledger"
)

// PerformanceHandler serves the latest per-model accuracy records.
type PerformanceHandler struct {
	store ledger.Store
}

// NewPerformanceHandler creates a new performance handler.
func NewPerformanceHandler(store ledger.Store) *PerformanceHandler {
	return &PerformanceHandler{store: store}
}

// Latest returns the most recent record of every model, sorted by name.
func (h *PerformanceHandler) Latest(w http.ResponseWriter, r *http.Request) {
	latest, err := h.store.LatestPerformance(r.Context())
	if err != nil {
		response.Fail(w, err)
		return
	}

	records := make([]core.ModelPerformance, 0, len(latest))
	for _, rec := range latest {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ModelName < records[j].ModelName })

	response.JSON(w, http.StatusOK, map[string]any{
		"models": records,
		"count":  len(records),
	})
}
