package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/genai"
)

func TestBuildPrompt(t *testing.T) {
	prompt := BuildPrompt(`I am "very" tired`)

	assert.Contains(t, prompt, "Twitter Slang Converter")
	assert.Contains(t, prompt, `Original: "I am \"very\" tired"`)
	assert.True(t, strings.HasSuffix(prompt, "Converted:"))
}

func TestClassify(t *testing.T) {
	unknown := errors.New("connection reset by peer")

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"nil", nil, nil},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), ErrUpstreamTimeout},
		{"api 429", genai.APIError{Code: 429, Message: "slow down"}, ErrUpstreamQuotaExhausted},
		{"api status", fmt.Errorf("wrapped: %w", genai.APIError{Code: 400, Status: "RESOURCE_EXHAUSTED"}), ErrUpstreamQuotaExhausted},
		{"quota message", errors.New("Quota exceeded for project"), ErrUpstreamQuotaExhausted},
		{"exhausted message", errors.New("Resource has been exhausted (e.g. check quota)."), ErrUpstreamQuotaExhausted},
		{"already classified", ErrUpstreamTimeout, ErrUpstreamTimeout},
		{"unknown", unknown, unknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			if tt.want == nil {
				assert.NoError(t, got)
				return
			}
			assert.ErrorIs(t, got, tt.want)
		})
	}
}

func TestClassify_KeepsOriginalInChain(t *testing.T) {
	apiErr := genai.APIError{Code: 429, Message: "quota"}
	got := Classify(apiErr)

	var unwrapped genai.APIError
	assert.ErrorAs(t, got, &unwrapped)
	assert.Equal(t, 429, unwrapped.Code)
	assert.NotErrorIs(t, got, ErrUpstreamTimeout)
}
