// Package generation turns user text into slang through an upstream language model.
package generation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"
)

var (
	ErrUpstreamQuotaExhausted = errors.New("generation upstream quota exhausted")
	ErrUpstreamTimeout        = errors.New("generation upstream timed out")
	ErrEmptyResponse          = errors.New("generation returned no text")
)

// Generator produces the converted text for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

const promptTemplate = `You are a "Twitter Slang Converter" bot. Rewrite the following sentence into a short, punchy, authentic-sounding tweet using modern internet slang. Keep the original meaning. Output ONLY the converted sentence. Original: %q Converted:`

// BuildPrompt wraps the user's text in the converter instruction.
func BuildPrompt(inputText string) string {
	return fmt.Sprintf(promptTemplate, inputText)
}

// Classify maps an upstream failure onto ErrUpstreamQuotaExhausted or ErrUpstreamTimeout,
// keeping the original error in the chain. Anything else is returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUpstreamQuotaExhausted) || errors.Is(err, ErrUpstreamTimeout) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrUpstreamTimeout, err)
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) && isQuotaAPIError(apiErr) {
		return fmt.Errorf("%w: %w", ErrUpstreamQuotaExhausted, err)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil && isQuotaAPIError(*apiErrPtr) {
		return fmt.Errorf("%w: %w", ErrUpstreamQuotaExhausted, err)
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "quota") || strings.Contains(msg, "resource has been exhausted") {
		return fmt.Errorf("%w: %w", ErrUpstreamQuotaExhausted, err)
	}
	return err
}

func isQuotaAPIError(apiErr genai.APIError) bool {
	return apiErr.Code == http.StatusTooManyRequests || apiErr.Status == "RESOURCE_EXHAUSTED"
}
