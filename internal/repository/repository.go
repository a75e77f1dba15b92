package repository

import (
	"context"
	"errors"
	"time"

	"convert-service/internal/models"
)

// ErrQuotaNotFound means the user was never provisioned in the ledger.
var ErrQuotaNotFound = errors.New("user quota not found")

// CounterStore holds short-lived per-key counters whose expiry is their reset.
type CounterStore interface {
	// IncrementAndGetTTL atomically increments key. The first increment in a window
	// arms the key's expiry to window and reports first=true.
	IncrementAndGetTTL(ctx context.Context, key string, window time.Duration) (counter models.ThrottleCounter, first bool, err error)

	// Peek reads the current count without touching it. ok is false once the key expired.
	Peek(ctx context.Context, key string) (counter models.ThrottleCounter, ok bool, err error)

	HealthCheck(ctx context.Context) error
}

// QuotaLedger is the durable record of per-user daily usage.
type QuotaLedger interface {
	Read(ctx context.Context, userID string) (models.UserQuota, error)

	// ResetIfStale zeroes usage when the stored reset predates the start of now's day
	// and returns the record the caller should act on.
	ResetIfStale(ctx context.Context, userID string, now time.Time) (models.UserQuota, error)

	// IncrementUsage adds one accepted request to the stored count. expectedPriorCount
	// is the count observed at admission; implementations may report drift from it.
	IncrementUsage(ctx context.Context, userID string, expectedPriorCount int) error

	// Provision creates a zeroed record with an epoch reset if none exists.
	Provision(ctx context.Context, userID string, requestsLimit int) error

	HealthCheck(ctx context.Context) error
}
