// internal/api/handler/api/predictions.go
package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/newthinker/augur/internal/api/response"
	"github.com/newthinker/augur/internal/core"
	"github.com/newthinker/augur/internal/ledger"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// PredictionsHandler serves the prediction ledger read-only.
type PredictionsHandler struct {
	store ledger.Store
}

// NewPredictionsHandler creates a new predictions handler.
func NewPredictionsHandler(store ledger.Store) *PredictionsHandler {
	return &PredictionsHandler{store: store}
}

// PredictionView is a prediction with its outcome, when evaluated.
type PredictionView struct {
	Prediction core.Prediction `json:"prediction"`
	Outcome    *core.Outcome   `json:"outcome,omitempty"`
}

// List returns predictions matching query parameters, newest first.
func (h *PredictionsHandler) List(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		response.Error(w, http.StatusBadRequest, err)
		return
	}

	preds, err := h.store.List(r.Context(), filter)
	if err != nil {
		response.Fail(w, err)
		return
	}

	count, err := h.store.Count(r.Context(), filter)
	if err != nil {
		response.Fail(w, err)
		return
	}

	response.JSON(w, http.StatusOK, map[string]any{
		"predictions": preds,
		"total":       count,
		"limit":       filter.Limit,
		"offset":      filter.Offset,
	})
}

// Get returns one prediction and its outcome.
func (h *PredictionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		response.Error(w, http.StatusBadRequest, core.WrapError(core.ErrInvalidInput, errors.New("prediction id is required")))
		return
	}

	p, err := h.store.Get(r.Context(), id)
	if err != nil {
		response.Fail(w, err)
		return
	}

	view := PredictionView{Prediction: *p}
	o, err := h.store.GetOutcome(r.Context(), id)
	switch {
	case err == nil:
		view.Outcome = o
	case !errors.Is(err, core.ErrOutcomeNotFound):
		response.Fail(w, err)
		return
	}

	response.JSON(w, http.StatusOK, view)
}

func parseFilter(r *http.Request) (ledger.ListFilter, error) {
	q := r.URL.Query()
	filter := ledger.ListFilter{
		Symbol: q.Get("symbol"),
		Limit:  defaultLimit,
	}

	if action := q.Get("action"); action != "" {
		a, err := core.ParseAction(action)
		if err != nil {
			return filter, core.WrapError(core.ErrInvalidInput, fmt.Errorf("unknown action %q", action))
		}
		filter.Action = a
	}

	var err error
	if filter.From, err = parseTime(q.Get("from")); err != nil {
		return filter, err
	}
	if filter.To, err = parseTime(q.Get("to")); err != nil {
		return filter, err
	}

	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 1 {
			return filter, core.WrapError(core.ErrInvalidInput, fmt.Errorf("invalid limit %q", limit))
		}
		filter.Limit = min(n, maxLimit)
	}

	if offset := q.Get("offset"); offset != "" {
		n, err := strconv.Atoi(offset)
		if err != nil || n < 0 {
			return filter, core.WrapError(core.ErrInvalidInput, fmt.Errorf("invalid offset %q", offset))
		}
		filter.Offset = n
	}

	return filter, nil
}

// parseTime accepts RFC3339 or a plain date.
func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02", v); err == nil {
		return t, nil
	}
	return time.Time{}, core.WrapError(core.ErrInvalidInput, fmt.Errorf("invalid time %q", v))
}
