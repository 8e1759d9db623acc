// Package llmforecast asks a chat model for a per-horizon forecast.
package llmforecast

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/newthinker/augur/internal/core"
	"github.com/newthinker/augur/internal/llm"
	"github.com/newthinker/augur/internal/submodel"
)

const systemPrompt = `You are a quantitative market analyst. Given indicator values for one symbol,
forecast the price direction for the 1h, 4h and 1d horizons.
Return JSON of the form:
{"horizons": {"1h": {"direction": "up|down|flat", "magnitude": <signed percent>, "confidence": <0-1>},
              "4h": {...}, "1d": {...}},
 "confidence": <0-1>}`

// LLMForecast adapts an llm.Provider into a sub-model.
type LLMForecast struct {
	provider    llm.Provider
	timeout     time.Duration
	maxTokens   int
	temperature float64
}

// New creates an LLM forecasting adapter.
func New(provider llm.Provider) *LLMForecast {
	return &LLMForecast{
		provider:    provider,
		timeout:     30 * time.Second,
		maxTokens:   512,
		temperature: 0.2,
	}
}

func (f *LLMForecast) Name() string {
	return "llm"
}

func (f *LLMForecast) Init(cfg submodel.Config) error {
	if f.provider == nil {
		return core.WrapError(core.ErrConfigMissing, fmt.Errorf("llm sub-model needs a provider"))
	}
	if secs := submodel.Float(cfg.Params, "timeout_seconds", 0); secs > 0 {
		f.timeout = time.Duration(secs * float64(time.Second))
	}
	f.maxTokens = submodel.Int(cfg.Params, "max_tokens", f.maxTokens)
	f.temperature = submodel.Float(cfg.Params, "temperature", f.temperature)
	return nil
}

type horizonForecast struct {
	Direction  string   `json:"direction"`
	Magnitude  float64  `json:"magnitude"`
	Confidence *float64 `json:"confidence"`
}

type forecastResponse struct {
	Horizons   map[string]horizonForecast `json:"horizons"`
	Confidence *float64                   `json:"confidence"`
}

// Predict calls the provider. Transport failures and malformed responses
// both make the model unavailable.
func (f *LLMForecast) Predict(ctx context.Context, symbol string, fs core.FeatureSet) (*core.ModelOutput, error) {
	if fs.Technical == nil {
		return nil, core.WrapError(core.ErrModelUnavailable, fmt.Errorf("llm forecast needs technical features for %s", symbol))
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	resp, err := f.provider.Chat(ctx, llm.ChatRequest{
		SystemPrompt: systemPrompt,
		Messages: []llm.Message{
			{Role: "user", Content: buildPrompt(symbol, fs)},
		},
		MaxTokens:   f.maxTokens,
		Temperature: f.temperature,
		JSONMode:    true,
	})
	if err != nil {
		return nil, core.WrapError(core.ErrModelUnavailable, err)
	}

	out, err := parseForecast(resp.Content)
	if err != nil {
		return nil, core.WrapError(core.ErrModelUnavailable, err)
	}
	return out, nil
}

func buildPrompt(symbol string, fs core.FeatureSet) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("## Symbol: %s\n\n", symbol))

	t := fs.Technical
	sb.WriteString("## Technical:\n")
	sb.WriteString(fmt.Sprintf("- Score: %.1f/100\n", t.Score))
	sb.WriteString(fmt.Sprintf("- RSI(14): %.1f\n", t.RSI))
	sb.WriteString(fmt.Sprintf("- Momentum: %.2f%%\n", t.Momentum))
	sb.WriteString(fmt.Sprintf("- Price: %.2f, MA20: %.2f, MA50: %.2f\n", t.Price, t.ShortMA, t.LongMA))
	sb.WriteString(fmt.Sprintf("- Daily range: %.2f%%\n", t.Volatility*100))
	sb.WriteString("\n")

	if v := fs.Volume; v != nil {
		sb.WriteString("## Volume:\n")
		sb.WriteString(fmt.Sprintf("- Recent vs baseline: %.2fx\n", v.TrendFactor))
		sb.WriteString(fmt.Sprintf("- Price correlation: %.2f\n", v.PriceCorrelation))
		sb.WriteString("\n")
	}

	if s := fs.Sentiment; s != nil {
		sb.WriteString("## Sentiment:\n")
		sb.WriteString(fmt.Sprintf("- Score: %.2f (confidence %.2f, %d articles)\n", s.Score, s.Confidence, s.ArticleCount))
		sb.WriteString("\n")
	}

	sb.WriteString("## Task:\n")
	sb.WriteString("Forecast direction and signed percent magnitude for each horizon.\n")

	return sb.String()
}

func parseForecast(content string) (*core.ModelOutput, error) {
	raw, ok := llm.ExtractJSON(content)
	if !ok {
		return nil, fmt.Errorf("no JSON object in response")
	}

	var resp forecastResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, fmt.Errorf("decoding forecast: %w", err)
	}
	if len(resp.Horizons) == 0 {
		return nil, fmt.Errorf("forecast has no horizons")
	}

	out := &core.ModelOutput{
		Directions:  make(map[core.Horizon]core.Direction, len(resp.Horizons)),
		Magnitudes:  make(map[core.Horizon]float64, len(resp.Horizons)),
		Confidences: make(map[core.Horizon]float64, len(resp.Horizons)),
	}

	var sum float64
	for key, hf := range resp.Horizons {
		h, err := core.ParseHorizon(key)
		if err != nil {
			return nil, err
		}
		d, err := core.ParseDirection(hf.Direction)
		if err != nil {
			return nil, err
		}
		out.Directions[h] = d
		out.Magnitudes[h] = hf.Magnitude
		if hf.Confidence != nil {
			out.Confidences[h] = *hf.Confidence
			sum += *hf.Confidence
		}
	}

	switch {
	case resp.Confidence != nil:
		out.Confidence = *resp.Confidence
	case len(out.Confidences) > 0:
		out.Confidence = sum / float64(len(out.Confidences))
	default:
		return nil, fmt.Errorf("forecast has no confidence")
	}

	return out, nil
}
