package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/newthinker/augur/internal/core"
	"github.com/newthinker/augur/internal/notifier"
)

const defaultAPIBase = "https://api.telegram.org"

// Telegram implements the Notifier interface for Telegram Bot API
type Telegram struct {
	botToken string
	chatID   string
	apiBase  string
	client   *http.Client
}

// New creates a new Telegram notifier
func New(botToken, chatID string) *Telegram {
	return &Telegram{
		botToken: botToken,
		chatID:   chatID,
		apiBase:  defaultAPIBase,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (t *Telegram) Name() string {
	return "telegram"
}

func (t *Telegram) Init(cfg notifier.Config) error {
	if token, ok := cfg.Params["bot_token"].(string); ok {
		t.botToken = token
	}
	if chatID, ok := cfg.Params["chat_id"].(string); ok {
		t.chatID = chatID
	}
	if base, ok := cfg.Params["api_base"].(string); ok {
		t.apiBase = strings.TrimRight(base, "/")
	}

	if t.botToken == "" {
		return fmt.Errorf("telegram: bot_token is required")
	}
	if t.chatID == "" {
		return fmt.Errorf("telegram: chat_id is required")
	}
	if t.apiBase == "" {
		t.apiBase = defaultAPIBase
	}
	if t.client == nil {
		t.client = &http.Client{Timeout: 30 * time.Second}
	}

	return nil
}

func (t *Telegram) Send(ctx context.Context, p core.Prediction) error {
	return t.sendMessage(ctx, formatPrediction(p))
}

func (t *Telegram) SendBatch(ctx context.Context, ps []core.Prediction) error {
	if len(ps) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("📊 *%d Predictions*\n\n", len(ps)))

	for i, p := range ps {
		sb.WriteString(formatPrediction(p))
		if i < len(ps)-1 {
			sb.WriteString("\n---\n\n")
		}
	}

	return t.sendMessage(ctx, sb.String())
}

func actionEmoji(a core.Action) string {
	switch a {
	case core.ActionStrongBuy:
		return "🚀"
	case core.ActionBuy:
		return "📈"
	case core.ActionSell:
		return "📉"
	case core.ActionStrongSell:
		return "🔻"
	default:
		return "⏸️"
	}
}

func formatPrediction(p core.Prediction) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("%s *%s* - %s\n", actionEmoji(p.Action), p.Symbol, p.Action))
	sb.WriteString(fmt.Sprintf("📊 Confidence: %.1f%%\n", p.Confidence*100))

	if h, d, m := notifier.Headline(p); d != "" {
		sb.WriteString(fmt.Sprintf("🎯 %s: %s %+.2f%%\n", h, d, m))
	}
	if p.Regime != "" {
		sb.WriteString(fmt.Sprintf("🌐 Market: %s\n", p.Regime))
	}
	if p.EnsembleMethod != "" {
		sb.WriteString(fmt.Sprintf("🧮 Method: %s\n", p.EnsembleMethod))
	}

	sb.WriteString(fmt.Sprintf("⏰ Time: %s", p.CreatedAt.Format("2006-01-02 15:04:05")))

	return sb.String()
}

func (t *Telegram) sendMessage(ctx context.Context, text string) error {
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.botToken)

	payload := map[string]any{
		"chat_id":    t.chatID,
		"text":       text,
		"parse_mode": "Markdown",
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telegram: failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: failed to send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var result map[string]any
		json.NewDecoder(resp.Body).Decode(&result)
		return fmt.Errorf("telegram: API error (status %d): %v", resp.StatusCode, result)
	}

	return nil
}
