// Package webhook implements an HTTP webhook notifier
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/newthinker/augur/internal/core"
	"github.com/newthinker/augur/internal/notifier"
)

// Webhook implements the Notifier interface for HTTP webhooks
type Webhook struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// New creates a new Webhook notifier
func New(url string, headers map[string]string) *Webhook {
	return &Webhook{
		url:     url,
		headers: headers,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (w *Webhook) Name() string { return "webhook" }

func (w *Webhook) Init(cfg notifier.Config) error {
	if url, ok := cfg.Params["url"].(string); ok {
		w.url = url
	}
	if headers, ok := cfg.Params["headers"].(map[string]string); ok {
		w.headers = headers
	}

	if w.url == "" {
		return fmt.Errorf("webhook: url is required")
	}

	if w.client == nil {
		w.client = &http.Client{Timeout: 30 * time.Second}
	}

	return nil
}

func (w *Webhook) Send(ctx context.Context, p core.Prediction) error {
	return w.post(ctx, toPayload(p))
}

func (w *Webhook) SendBatch(ctx context.Context, ps []core.Prediction) error {
	if len(ps) == 0 {
		return nil
	}

	payloads := make([]map[string]any, len(ps))
	for i, p := range ps {
		payloads[i] = toPayload(p)
	}

	return w.post(ctx, map[string]any{
		"type":        "batch",
		"count":       len(ps),
		"predictions": payloads,
	})
}

func toPayload(p core.Prediction) map[string]any {
	horizon, direction, magnitude := notifier.Headline(p)
	return map[string]any{
		"type":            "prediction",
		"id":              p.ID,
		"symbol":          p.Symbol,
		"action":          p.Action,
		"confidence":      p.Confidence,
		"horizon":         horizon,
		"direction":       direction,
		"magnitude_pct":   magnitude,
		"regime":          p.Regime,
		"ensemble_method": p.EnsembleMethod,
		"model_version":   p.ModelVersion,
		"created_at":      p.CreatedAt.Format(time.RFC3339),
	}
}

func (w *Webhook) post(ctx context.Context, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("webhook: failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook: server returned %d", resp.StatusCode)
	}

	return nil
}
