package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/newthinker/augur/internal/core"
)

// Provider defines the interface for LLM providers
type Provider interface {
	Name() string
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// ChatRequest holds the request parameters
type ChatRequest struct {
	SystemPrompt string
	Messages     []Message
	MaxTokens    int
	Temperature  float64
	JSONMode     bool
}

// Message represents a chat message
type Message struct {
	Role    string // "user" or "assistant"
	Content string
}

// ChatResponse holds the response from the LLM
type ChatResponse struct {
	Content      string
	Usage        Usage
	FinishReason string
}

// Usage tracks token consumption
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// JSONInstruction is appended to system prompts for providers without a
// native JSON response mode.
const JSONInstruction = "Respond with a single JSON object and no surrounding text."

// WrapError classifies a provider failure as a timeout or a generic failure.
func WrapError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return core.WrapError(core.ErrLLMTimeout, err)
	}
	return core.WrapError(core.ErrLLMFailed, err)
}

// ExtractJSON returns the outermost JSON object in content, dropping markdown
// fences and prose around it.
func ExtractJSON(content string) (string, bool) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return content[start : end+1], true
}
