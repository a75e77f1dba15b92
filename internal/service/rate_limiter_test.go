package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"convert-service/internal/bucketing"
	"convert-service/internal/config"
	"convert-service/internal/events"
	"convert-service/internal/metrics"
	"convert-service/internal/models"
	"convert-service/internal/repository"
	"convert-service/internal/repository/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// spyLedger counts calls and can fail writes.
type spyLedger struct {
	repository.QuotaLedger
	resets         atomic.Int32
	increments     atomic.Int32
	failIncrements bool
	failReads      bool
}

func (l *spyLedger) ResetIfStale(ctx context.Context, userID string, now time.Time) (models.UserQuota, error) {
	l.resets.Add(1)
	if l.failReads {
		return models.UserQuota{}, errors.New("connection refused")
	}
	return l.QuotaLedger.ResetIfStale(ctx, userID, now)
}

func (l *spyLedger) IncrementUsage(ctx context.Context, userID string, expected int) error {
	l.increments.Add(1)
	if l.failIncrements {
		return errors.New("write timeout")
	}
	return l.QuotaLedger.IncrementUsage(ctx, userID, expected)
}

type failingCounterStore struct{}

func (failingCounterStore) IncrementAndGetTTL(context.Context, string, time.Duration) (models.ThrottleCounter, bool, error) {
	return models.ThrottleCounter{}, false, errors.New("redis: connection pool timeout")
}

func (failingCounterStore) Peek(context.Context, string) (models.ThrottleCounter, bool, error) {
	return models.ThrottleCounter{}, false, errors.New("redis: connection pool timeout")
}

func (failingCounterStore) HealthCheck(context.Context) error { return errors.New("down") }

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.UsageEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.UsageEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *recordingPublisher) Name() string { return "recording" }

func (p *recordingPublisher) outcomes() []events.Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Outcome, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Outcome)
	}
	return out
}

type limiterFixture struct {
	clock     *fakeClock
	counters  *memory.CounterStore
	store     *memory.QuotaLedger
	ledger    *spyLedger
	publisher *recordingPublisher
	limiter   *RateLimiter
}

var testLimits = config.LimitsConfig{
	ThrottleLimit:        6,
	ThrottleWindow:       time.Minute,
	DefaultRequestsLimit: 10,
	QuotaTimezone:        "UTC",
}

func newLimiterFixture(t *testing.T, limits config.LimitsConfig) *limiterFixture {
	t.Helper()

	clock := &fakeClock{now: time.Date(2024, 5, 10, 14, 0, 0, 0, time.UTC)}
	store := memory.NewQuotaLedger(time.UTC)
	ledger := &spyLedger{QuotaLedger: store}
	counters := memory.NewCounterStoreWithClock(clock.Now)
	publisher := &recordingPublisher{}

	limiter, err := NewRateLimiter(
		counters,
		ledger,
		bucketing.NewBucketingManagerWithBuckets(16),
		limits,
		config.LedgerConfig{WriteTimeout: time.Second},
		zap.NewNop(),
		WithClock(clock.Now),
		WithMetrics(metrics.NewMetrics(prometheus.NewRegistry())),
		WithPublisher(publisher),
	)
	require.NoError(t, err)

	return &limiterFixture{
		clock:     clock,
		counters:  counters,
		store:     store,
		ledger:    ledger,
		publisher: publisher,
		limiter:   limiter,
	}
}

func (f *limiterFixture) put(userID string, made, limit int, resetAt time.Time) {
	f.store.Put(models.UserQuota{UserID: userID, RequestsMade: made, RequestsLimit: limit, ResetAt: resetAt})
}

func TestRateLimiter_BurstGate(t *testing.T) {
	f := newLimiterFixture(t, testLimits)
	f.put("alice", 0, 100, f.clock.Now())
	ctx := context.Background()

	for i := 0; i < testLimits.ThrottleLimit; i++ {
		_, err := f.limiter.Admit(ctx, "alice")
		require.NoError(t, err, "request %d", i+1)
	}

	_, err := f.limiter.Admit(ctx, "alice")
	require.ErrorIs(t, err, ErrThrottled)

	var throttled *ThrottledError
	require.ErrorAs(t, err, &throttled)
	assert.Equal(t, testLimits.ThrottleLimit, throttled.Limit)
	assert.Equal(t, 60, throttled.RetryAfterSeconds())
}

func TestRateLimiter_BurstWindowExpiry(t *testing.T) {
	f := newLimiterFixture(t, testLimits)
	f.put("alice", 0, 100, f.clock.Now())
	ctx := context.Background()

	for i := 0; i < testLimits.ThrottleLimit; i++ {
		_, err := f.limiter.Admit(ctx, "alice")
		require.NoError(t, err)
	}
	_, err := f.limiter.Admit(ctx, "alice")
	require.ErrorIs(t, err, ErrThrottled)

	f.clock.Set(f.clock.Now().Add(testLimits.ThrottleWindow + time.Second))

	_, err = f.limiter.Admit(ctx, "alice")
	assert.NoError(t, err)
}

func TestRateLimiter_BurstGateRunsBeforeLedger(t *testing.T) {
	limits := testLimits
	limits.ThrottleLimit = 1
	f := newLimiterFixture(t, limits)
	f.put("alice", 0, 100, f.clock.Now())
	ctx := context.Background()

	_, err := f.limiter.Admit(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, int32(1), f.ledger.resets.Load())

	for i := 0; i < 5; i++ {
		_, err = f.limiter.Admit(ctx, "alice")
		require.ErrorIs(t, err, ErrThrottled)
	}
	assert.Equal(t, int32(1), f.ledger.resets.Load())
}

func TestRateLimiter_UsersAreIsolated(t *testing.T) {
	limits := testLimits
	limits.ThrottleLimit = 1
	f := newLimiterFixture(t, limits)
	f.put("alice", 0, 10, f.clock.Now())
	f.put("bob", 0, 10, f.clock.Now())
	ctx := context.Background()

	_, err := f.limiter.Admit(ctx, "alice")
	require.NoError(t, err)
	_, err = f.limiter.Admit(ctx, "alice")
	require.ErrorIs(t, err, ErrThrottled)

	_, err = f.limiter.Admit(ctx, "bob")
	assert.NoError(t, err)
}

func TestRateLimiter_QuotaGate(t *testing.T) {
	limits := testLimits
	limits.ThrottleLimit = 100
	f := newLimiterFixture(t, limits)
	f.put("alice", 0, 3, f.clock.Now())
	ctx := context.Background()

	var remaining []int
	for i := 0; i < 3; i++ {
		adm, err := f.limiter.Admit(ctx, "alice")
		require.NoError(t, err)
		remaining = append(remaining, f.limiter.Commit(ctx, adm))
	}
	assert.Equal(t, []int{2, 1, 0}, remaining)

	_, err := f.limiter.Admit(ctx, "alice")
	require.ErrorIs(t, err, ErrQuotaExceeded)

	var exceeded *QuotaExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, 3, exceeded.Limit)
	assert.Equal(t, 0, exceeded.Remaining)
	assert.Contains(t, exceeded.Error(), "daily limit of 3")

	q, err := f.store.Read(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 3, q.RequestsMade)
}

func TestRateLimiter_LazyResetAtMidnight(t *testing.T) {
	limits := testLimits
	limits.ThrottleLimit = 100
	f := newLimiterFixture(t, limits)
	ctx := context.Background()

	yesterday := time.Date(2024, 5, 9, 23, 30, 0, 0, time.UTC)
	f.put("alice", 10, 10, yesterday)

	f.clock.Set(yesterday.Add(10 * time.Minute))
	_, err := f.limiter.Admit(ctx, "alice")
	require.ErrorIs(t, err, ErrQuotaExceeded)

	afterMidnight := time.Date(2024, 5, 10, 0, 0, 1, 0, time.UTC)
	f.clock.Set(afterMidnight)

	adm, err := f.limiter.Admit(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, adm.RequestsMade)
	assert.Equal(t, 9, f.limiter.Commit(ctx, adm))

	q, err := f.store.Read(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, q.RequestsMade)
	assert.True(t, q.ResetAt.Equal(afterMidnight))
}

func TestRateLimiter_CommitWriteFailureIsSwallowed(t *testing.T) {
	f := newLimiterFixture(t, testLimits)
	f.put("alice", 4, 10, f.clock.Now())
	f.ledger.failIncrements = true
	ctx := context.Background()

	adm, err := f.limiter.Admit(ctx, "alice")
	require.NoError(t, err)

	assert.Equal(t, 5, f.limiter.Commit(ctx, adm))
	assert.Equal(t, int32(1), f.ledger.increments.Load())

	q, err := f.store.Read(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 4, q.RequestsMade)
}

func TestRateLimiter_CommitSurvivesCanceledRequest(t *testing.T) {
	f := newLimiterFixture(t, testLimits)
	f.put("alice", 0, 10, f.clock.Now())

	ctx, cancel := context.WithCancel(context.Background())
	adm, err := f.limiter.Admit(ctx, "alice")
	require.NoError(t, err)
	cancel()

	f.limiter.Commit(ctx, adm)

	q, err := f.store.Read(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, q.RequestsMade)
}

func TestRateLimiter_LedgerUnavailable(t *testing.T) {
	f := newLimiterFixture(t, testLimits)
	ctx := context.Background()

	_, err := f.limiter.Admit(ctx, "ghost")
	assert.ErrorIs(t, err, ErrLedgerUnavailable)
	assert.ErrorIs(t, err, repository.ErrQuotaNotFound)

	f.put("alice", 0, 10, f.clock.Now())
	f.ledger.failReads = true
	_, err = f.limiter.Admit(ctx, "alice")
	assert.ErrorIs(t, err, ErrLedgerUnavailable)
}

func TestRateLimiter_AutoProvision(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 5, 10, 14, 0, 0, 0, time.UTC)}
	store := memory.NewQuotaLedger(time.UTC)

	limiter, err := NewRateLimiter(
		memory.NewCounterStoreWithClock(clock.Now),
		store,
		bucketing.NewBucketingManagerWithBuckets(16),
		testLimits,
		config.LedgerConfig{AutoProvision: true},
		zap.NewNop(),
		WithClock(clock.Now),
	)
	require.NoError(t, err)

	adm, err := limiter.Admit(context.Background(), "newcomer")
	require.NoError(t, err)
	assert.Equal(t, 0, adm.RequestsMade)
	assert.Equal(t, testLimits.DefaultRequestsLimit, adm.RequestsLimit)
}

func TestRateLimiter_CounterStoreFailOpen(t *testing.T) {
	store := memory.NewQuotaLedger(time.UTC)
	store.Put(models.UserQuota{UserID: "alice", RequestsLimit: 10, ResetAt: time.Now()})

	limiter, err := NewRateLimiter(
		failingCounterStore{},
		store,
		bucketing.NewBucketingManagerWithBuckets(16),
		config.LimitsConfig{ThrottleLimit: 1, ThrottleWindow: time.Minute, QuotaTimezone: "UTC"},
		config.LedgerConfig{},
		zap.NewNop(),
	)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := limiter.Admit(context.Background(), "alice")
		require.NoError(t, err)
	}

	snapshot, err := limiter.Usage(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(0), snapshot.ThrottleCount)
}

func TestRateLimiter_Usage(t *testing.T) {
	f := newLimiterFixture(t, testLimits)
	ctx := context.Background()
	f.put("alice", 7, 10, time.Date(2024, 5, 9, 9, 0, 0, 0, time.UTC))

	snapshot, err := f.limiter.Usage(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, snapshot.RequestsMade, "stale record reads as reset")
	assert.Equal(t, 10, snapshot.Remaining)
	assert.Equal(t, time.Date(2024, 5, 11, 0, 0, 0, 0, time.UTC), snapshot.ResetAt)
	assert.Equal(t, int64(0), snapshot.ThrottleCount)

	stored, err := f.store.Read(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 7, stored.RequestsMade, "usage must not write")

	_, err = f.limiter.Admit(ctx, "alice")
	require.NoError(t, err)
	snapshot, err = f.limiter.Usage(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), snapshot.ThrottleCount)
	assert.Equal(t, testLimits.ThrottleLimit, snapshot.ThrottleLimit)
	assert.Equal(t, time.Minute, snapshot.ThrottleResetIn)
}

func TestRateLimiter_PublishesOutcomes(t *testing.T) {
	limits := testLimits
	limits.ThrottleLimit = 2
	f := newLimiterFixture(t, limits)
	f.put("alice", 0, 1, f.clock.Now())
	f.publisher.err = errors.New("sink down")
	ctx := context.Background()

	adm, err := f.limiter.Admit(ctx, "alice")
	require.NoError(t, err)
	f.limiter.Commit(ctx, adm)

	_, err = f.limiter.Admit(ctx, "alice")
	require.ErrorIs(t, err, ErrQuotaExceeded)
	_, err = f.limiter.Admit(ctx, "alice")
	require.ErrorIs(t, err, ErrThrottled)

	assert.Equal(t, []events.Outcome{
		events.OutcomeAdmitted,
		events.OutcomeCommitted,
		events.OutcomeQuotaExceeded,
		events.OutcomeThrottled,
	}, f.publisher.outcomes())
}

func TestNewRateLimiter_RejectsBadSettings(t *testing.T) {
	_, err := NewRateLimiter(nil, nil, nil, config.LimitsConfig{ThrottleLimit: 0, ThrottleWindow: time.Minute}, config.LedgerConfig{}, zap.NewNop())
	assert.Error(t, err)

	_, err = NewRateLimiter(nil, nil, nil, config.LimitsConfig{ThrottleLimit: 1, ThrottleWindow: time.Minute, QuotaTimezone: "Nowhere/Else"}, config.LedgerConfig{}, zap.NewNop())
	assert.Error(t, err)
}
