package service

import (
	"sync"

	"go.uber.org/zap"

	"convert-service/internal/bucketing"
	"convert-service/internal/config"
	"convert-service/internal/events"
	"convert-service/internal/generation"
	"convert-service/internal/metrics"
	"convert-service/internal/repository"
)

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	cfg          *config.Config
	counters     repository.CounterStore
	ledger       repository.QuotaLedger
	generator    generation.Generator
	bucketingMgr *bucketing.BucketingManager
	metrics      *metrics.Metrics
	publisher    events.Publisher
	logger       *zap.Logger

	mu             sync.Mutex
	rateLimiter    *RateLimiter
	convertService *ConvertService
}

// NewServiceFactory creates a new service factory
func NewServiceFactory(
	cfg *config.Config,
	counters repository.CounterStore,
	ledger repository.QuotaLedger,
	generator generation.Generator,
	bucketingMgr *bucketing.BucketingManager,
	m *metrics.Metrics,
	publisher events.Publisher,
	logger *zap.Logger,
) *ServiceFactory {
	return &ServiceFactory{
		cfg:          cfg,
		counters:     counters,
		ledger:       ledger,
		generator:    generator,
		bucketingMgr: bucketingMgr,
		metrics:      m,
		publisher:    publisher,
		logger:       logger,
	}
}

// RateLimiter returns the rate limiter instance (singleton)
func (f *ServiceFactory) RateLimiter() (*RateLimiter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rateLimiterLocked()
}

func (f *ServiceFactory) rateLimiterLocked() (*RateLimiter, error) {
	if f.rateLimiter != nil {
		return f.rateLimiter, nil
	}
	limiter, err := NewRateLimiter(
		f.counters,
		f.ledger,
		f.bucketingMgr,
		f.cfg.Limits,
		f.cfg.Ledger,
		f.logger,
		WithMetrics(f.metrics),
		WithPublisher(f.publisher),
	)
	if err != nil {
		return nil, err
	}
	f.rateLimiter = limiter
	return limiter, nil
}

// ConvertService returns the convert service instance (singleton)
func (f *ServiceFactory) ConvertService() (*ConvertService, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.convertService != nil {
		return f.convertService, nil
	}
	limiter, err := f.rateLimiterLocked()
	if err != nil {
		return nil, err
	}
	f.convertService = NewConvertService(limiter, f.generator, f.cfg.Generation.Timeout, f.logger)
	return f.convertService, nil
}
