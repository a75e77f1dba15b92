package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"convert-service/internal/events"
	"convert-service/internal/generation"
	"convert-service/internal/metrics"
	"convert-service/internal/util"
)

// ConvertResult is what a successful conversion returns to the caller.
type ConvertResult struct {
	ConvertedText string
	Remaining     int
	Limit         int
}

// ConvertService runs one conversion through the limiter and the generator.
type ConvertService struct {
	limiter   *RateLimiter
	generator generation.Generator
	timeout   time.Duration
	metrics   *metrics.Metrics
	events    eventSink
	logger    *zap.Logger
}

func NewConvertService(
	limiter *RateLimiter,
	generator generation.Generator,
	timeout time.Duration,
	logger *zap.Logger,
) *ConvertService {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ConvertService{
		limiter:   limiter,
		generator: generator,
		timeout:   timeout,
		metrics:   limiter.metrics,
		events:    limiter.events,
		logger:    logger,
	}
}

// Convert validates the input, admits the request, generates and finally commits usage.
// Only a successful generation is counted against the daily quota. The burst counter
// keeps every attempt.
func (s *ConvertService) Convert(ctx context.Context, userID, inputText string) (ConvertResult, error) {
	input := util.NormalizeInput(inputText)
	if input == "" {
		return ConvertResult{}, ErrInvalidInput
	}

	admission, err := s.limiter.Admit(ctx, userID)
	if err != nil {
		return ConvertResult{}, err
	}

	text, err := s.generate(ctx, input)
	if err != nil {
		s.events.publish(ctx, events.NewUsageEvent(userID, events.OutcomeGenerationFailed,
			admission.RequestsMade, admission.RequestsLimit, s.limiter.now()))
		s.logger.Error("Generation failed", util.UserID(userID), zap.Error(err))
		return ConvertResult{}, err
	}

	remaining := s.limiter.Commit(ctx, admission)

	return ConvertResult{
		ConvertedText: text,
		Remaining:     remaining,
		Limit:         admission.RequestsLimit,
	}, nil
}

func (s *ConvertService) generate(ctx context.Context, input string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	text, err := s.generator.Generate(ctx, generation.BuildPrompt(input))
	if err == nil {
		s.metrics.RecordGeneration("ok", time.Since(start))
		return text, nil
	}

	err = generation.Classify(err)
	switch {
	case errors.Is(err, generation.ErrUpstreamQuotaExhausted):
		s.metrics.RecordGeneration("quota_exhausted", time.Since(start))
		return "", fmt.Errorf("%w: %w", ErrUpstreamCapacity, err)
	case errors.Is(err, generation.ErrUpstreamTimeout):
		s.metrics.RecordGeneration("timeout", time.Since(start))
		return "", fmt.Errorf("%w: %w", ErrUpstreamCapacity, err)
	default:
		s.metrics.RecordGeneration("error", time.Since(start))
		return "", fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}
}

// Usage returns the caller's quota and burst state.
func (s *ConvertService) Usage(ctx context.Context, userID string) (UsageSnapshot, error) {
	return s.limiter.Usage(ctx, userID)
}
