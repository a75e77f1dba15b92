package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"convert-service/internal/bucketing"
	"convert-service/internal/config"
	"convert-service/internal/events"
	"convert-service/internal/metrics"
	"convert-service/internal/models"
	"convert-service/internal/repository"
	"convert-service/internal/util"
)

// Admission is the ledger state observed when a request passed both gates.
type Admission struct {
	UserID        string
	RequestsMade  int
	RequestsLimit int
	Throttle      models.ThrottleCounter
}

// UsageSnapshot is a read-only view of a user's limits.
type UsageSnapshot struct {
	RequestsMade    int
	RequestsLimit   int
	Remaining       int
	ResetAt         time.Time
	ThrottleCount   int64
	ThrottleLimit   int
	ThrottleResetIn time.Duration
}

// RateLimiter combines the burst throttle in the counter store with the daily quota in
// the ledger. The burst gate always runs first so a flood of requests never reaches the
// ledger.
type RateLimiter struct {
	counters      repository.CounterStore
	ledger        repository.QuotaLedger
	keys          *bucketing.BucketingManager
	throttleLimit int
	window        time.Duration
	defaultLimit  int
	autoProvision bool
	writeTimeout  time.Duration
	loc           *time.Location
	now           func() time.Time
	metrics       *metrics.Metrics
	events        eventSink
	logger        *zap.Logger
}

type RateLimiterOption func(*RateLimiter)

// WithClock replaces time.Now. Tests use it to cross midnight.
func WithClock(now func() time.Time) RateLimiterOption {
	return func(r *RateLimiter) { r.now = now }
}

func WithMetrics(m *metrics.Metrics) RateLimiterOption {
	return func(r *RateLimiter) {
		r.metrics = m
		r.events.metrics = m
	}
}

func WithPublisher(p events.Publisher) RateLimiterOption {
	return func(r *RateLimiter) { r.events.publisher = p }
}

func NewRateLimiter(
	counters repository.CounterStore,
	ledger repository.QuotaLedger,
	keys *bucketing.BucketingManager,
	limits config.LimitsConfig,
	ledgerCfg config.LedgerConfig,
	logger *zap.Logger,
	opts ...RateLimiterOption,
) (*RateLimiter, error) {
	loc, err := limits.Location()
	if err != nil {
		return nil, err
	}
	if limits.ThrottleLimit <= 0 || limits.ThrottleWindow <= 0 {
		return nil, fmt.Errorf("invalid throttle settings: limit=%d window=%s", limits.ThrottleLimit, limits.ThrottleWindow)
	}

	writeTimeout := ledgerCfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}

	r := &RateLimiter{
		counters:      counters,
		ledger:        ledger,
		keys:          keys,
		throttleLimit: limits.ThrottleLimit,
		window:        limits.ThrottleWindow,
		defaultLimit:  limits.DefaultRequestsLimit,
		autoProvision: ledgerCfg.AutoProvision,
		writeTimeout:  writeTimeout,
		loc:           loc,
		now:           time.Now,
		events:        eventSink{publisher: events.NoopPublisher{}, logger: logger},
		logger:        logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Admit runs the burst gate then the quota gate. A rejection returns *ThrottledError or
// *QuotaExceededError and the request must not be retried through Commit.
func (r *RateLimiter) Admit(ctx context.Context, userID string) (Admission, error) {
	now := r.now()

	counter, err := r.checkBurst(ctx, userID)
	if err != nil {
		r.metrics.RecordAdmission(metrics.DecisionThrottled)
		r.events.publish(ctx, events.NewUsageEvent(userID, events.OutcomeThrottled, 0, 0, now))
		return Admission{}, err
	}

	quota, err := r.resetIfStale(ctx, userID, now)
	if err != nil {
		r.metrics.RecordAdmission(metrics.DecisionError)
		return Admission{}, err
	}

	if quota.Exhausted() {
		r.metrics.RecordAdmission(metrics.DecisionQuotaExceeded)
		r.events.publish(ctx, events.NewUsageEvent(userID, events.OutcomeQuotaExceeded, quota.RequestsMade, quota.RequestsLimit, now))
		return Admission{}, &QuotaExceededError{Limit: quota.RequestsLimit, Remaining: 0}
	}

	r.metrics.RecordAdmission(metrics.DecisionAdmitted)
	r.events.publish(ctx, events.NewUsageEvent(userID, events.OutcomeAdmitted, quota.RequestsMade, quota.RequestsLimit, now))

	return Admission{
		UserID:        userID,
		RequestsMade:  quota.RequestsMade,
		RequestsLimit: quota.RequestsLimit,
		Throttle:      counter,
	}, nil
}

// checkBurst counts the request against the user's window. The count rejected is the
// one seen before this increment, so ThrottleLimit requests pass per window. An
// unreachable counter store admits the request.
func (r *RateLimiter) checkBurst(ctx context.Context, userID string) (models.ThrottleCounter, error) {
	key := r.keys.ThrottleKey(userID)

	counter, _, err := r.counters.IncrementAndGetTTL(ctx, key, r.window)
	if err != nil {
		r.metrics.RecordStoreFailOpen()
		r.logger.Warn("Counter store unavailable, skipping burst gate",
			util.UserID(userID),
			zap.Error(err))
		return models.ThrottleCounter{Key: key}, nil
	}

	if counter.Count-1 >= int64(r.throttleLimit) {
		retryAfter := counter.TTL
		if retryAfter <= 0 {
			retryAfter = r.window
		}
		r.logger.Info("Burst limit reached",
			util.UserID(userID),
			zap.Int64("count", counter.Count),
			zap.Duration("retry_after", retryAfter))
		return counter, &ThrottledError{Limit: r.throttleLimit, RetryAfter: retryAfter}
	}
	return counter, nil
}

func (r *RateLimiter) resetIfStale(ctx context.Context, userID string, now time.Time) (models.UserQuota, error) {
	quota, err := r.ledger.ResetIfStale(ctx, userID, now)
	if errors.Is(err, repository.ErrQuotaNotFound) && r.provision(ctx, userID) {
		quota, err = r.ledger.ResetIfStale(ctx, userID, now)
	}
	if err != nil {
		r.logger.Error("Failed to read user quota", util.UserID(userID), zap.Error(err))
		return models.UserQuota{}, fmt.Errorf("%w: %w", ErrLedgerUnavailable, err)
	}
	return quota, nil
}

// provision creates a default quota for an unknown user when auto-provisioning is on.
func (r *RateLimiter) provision(ctx context.Context, userID string) bool {
	if !r.autoProvision {
		return false
	}
	if err := r.ledger.Provision(ctx, userID, r.defaultLimit); err != nil {
		r.logger.Error("Failed to provision user quota", util.UserID(userID), zap.Error(err))
		return false
	}
	r.logger.Info("Provisioned user quota",
		util.UserID(userID),
		zap.Int("requests_limit", r.defaultLimit))
	return true
}

// Commit records one accepted request and returns the quota left after it. A failed
// write is logged and never changes the result.
func (r *RateLimiter) Commit(ctx context.Context, adm Admission) int {
	r.recordUsage(ctx, adm)

	made := adm.RequestsMade + 1
	r.events.publish(ctx, events.NewUsageEvent(adm.UserID, events.OutcomeCommitted, made, adm.RequestsLimit, r.now()))

	return models.UserQuota{RequestsMade: made, RequestsLimit: adm.RequestsLimit}.Remaining()
}

// recordUsage is the only path that increments the ledger. It outlives the request
// context so a client disconnect after generation still gets counted.
func (r *RateLimiter) recordUsage(ctx context.Context, adm Admission) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.writeTimeout)
	defer cancel()

	if err := r.ledger.IncrementUsage(ctx, adm.UserID, adm.RequestsMade); err != nil {
		r.metrics.RecordCommit(false)
		r.logger.Error("Failed to update request count",
			util.UserID(adm.UserID),
			zap.Int("requests_made", adm.RequestsMade),
			zap.Error(err))
		return
	}
	r.metrics.RecordCommit(true)
}

// Usage reports the user's quota as the next request would see it, without writing.
func (r *RateLimiter) Usage(ctx context.Context, userID string) (UsageSnapshot, error) {
	now := r.now()

	stored, err := r.ledger.Read(ctx, userID)
	if errors.Is(err, repository.ErrQuotaNotFound) && r.provision(ctx, userID) {
		stored, err = r.ledger.Read(ctx, userID)
	}
	if err != nil {
		return UsageSnapshot{}, fmt.Errorf("%w: %w", ErrLedgerUnavailable, err)
	}
	quota, _ := models.ApplyLazyReset(stored, now, r.loc)

	snapshot := UsageSnapshot{
		RequestsMade:  quota.RequestsMade,
		RequestsLimit: quota.RequestsLimit,
		Remaining:     quota.Remaining(),
		ResetAt:       models.StartOfDay(now, r.loc).AddDate(0, 0, 1),
		ThrottleLimit: r.throttleLimit,
	}

	counter, ok, err := r.counters.Peek(ctx, r.keys.ThrottleKey(userID))
	if err != nil {
		r.logger.Warn("Failed to peek throttle counter", util.UserID(userID), zap.Error(err))
	} else if ok {
		snapshot.ThrottleCount = counter.Count
		snapshot.ThrottleResetIn = counter.TTL
	}
	return snapshot, nil
}
