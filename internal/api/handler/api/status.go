// internal/api/handler/api/status.go
package api

import (
	"net/http"

	"github.com/newthinker/augur/internal/api/response"
	"github.com/newthinker/augur/internal/app"
)

// StatusApp defines the interface needed from app.App.
type StatusApp interface {
	Watchlist() []string
	GetStats() map[string]any
	LastSummary() (app.Summary, bool)
}

// StatusHandler reports the scheduler state.
type StatusHandler struct {
	app StatusApp
}

// NewStatusHandler creates a new status handler.
func NewStatusHandler(a StatusApp) *StatusHandler {
	return &StatusHandler{app: a}
}

// Watchlist returns all symbols scored on each pass.
func (h *StatusHandler) Watchlist(w http.ResponseWriter, r *http.Request) {
	symbols := h.app.Watchlist()
	response.JSON(w, http.StatusOK, map[string]any{
		"symbols": symbols,
		"count":   len(symbols),
	})
}

// Status returns scheduler statistics and the last pass summary.
func (h *StatusHandler) Status(w http.ResponseWriter, r *http.Request) {
	data := map[string]any{"stats": h.app.GetStats()}
	if s, ok := h.app.LastSummary(); ok {
		data["last_pass"] = s
	}
	response.JSON(w, http.StatusOK, data)
}
