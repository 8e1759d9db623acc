package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/newthinker/augur/internal/core"
	"github.com/stretchr/testify/assert"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{`{"a":1}`, `{"a":1}`, true},
		{"```json\n{\"a\":{\"b\":2}}\n```", `{"a":{"b":2}}`, true},
		{"Sure! Here it is: {\"a\":1} hope it helps", `{"a":1}`, true},
		{"no json here", "", false},
		{"} backwards {", "", false},
	}

	for _, tt := range tests {
		got, ok := ExtractJSON(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestWrapError(t *testing.T) {
	assert.NoError(t, WrapError(context.Background(), nil))

	err := WrapError(context.Background(), errors.New("500"))
	assert.True(t, errors.Is(err, core.ErrLLMFailed))

	err = WrapError(context.Background(), context.DeadlineExceeded)
	assert.True(t, errors.Is(err, core.ErrLLMTimeout))
}
