package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"convert-service/internal/events"
	"convert-service/internal/metrics"
	"convert-service/internal/util"
)

const eventPublishTimeout = 2 * time.Second

// eventSink publishes usage events without letting sink failures reach the caller.
type eventSink struct {
	publisher events.Publisher
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

func (s eventSink) publish(ctx context.Context, event events.UsageEvent) {
	if s.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), eventPublishTimeout)
	defer cancel()

	err := s.publisher.Publish(ctx, event)
	if err == nil {
		return
	}

	sink := s.publisher.Name()
	var sinkErr *events.SinkError
	if errors.As(err, &sinkErr) {
		sink = sinkErr.Sink
	}
	s.metrics.RecordEventPublishError(sink)
	s.logger.Warn("Failed to publish usage event",
		util.UserID(event.UserID),
		zap.String("outcome", string(event.Outcome)),
		zap.String("sink", sink),
		zap.Error(err))
}
