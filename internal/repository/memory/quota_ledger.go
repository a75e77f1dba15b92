package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"convert-service/internal/models"
	"convert-service/internal/repository"
)

// QuotaLedger keeps user quotas in a map. It mirrors the SQL ledger's semantics and
// backs tests and LEDGER_DRIVER=memory.
type QuotaLedger struct {
	mu     sync.RWMutex
	quotas map[string]models.UserQuota
	loc    *time.Location
}

var _ repository.QuotaLedger = (*QuotaLedger)(nil)

func NewQuotaLedger(loc *time.Location) *QuotaLedger {
	if loc == nil {
		loc = time.Local
	}
	return &QuotaLedger{
		quotas: make(map[string]models.UserQuota),
		loc:    loc,
	}
}

// Put overwrites a record verbatim.
func (l *QuotaLedger) Put(q models.UserQuota) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.quotas[q.UserID] = q
}

func (l *QuotaLedger) Read(_ context.Context, userID string) (models.UserQuota, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	q, ok := l.quotas[userID]
	if !ok {
		return models.UserQuota{}, fmt.Errorf("read quota for %s: %w", userID, repository.ErrQuotaNotFound)
	}
	return q, nil
}

func (l *QuotaLedger) ResetIfStale(_ context.Context, userID string, now time.Time) (models.UserQuota, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	q, ok := l.quotas[userID]
	if !ok {
		return models.UserQuota{}, fmt.Errorf("reset quota for %s: %w", userID, repository.ErrQuotaNotFound)
	}
	effective, didReset := models.ApplyLazyReset(q, now, l.loc)
	if didReset {
		l.quotas[userID] = effective
	}
	return effective, nil
}

func (l *QuotaLedger) IncrementUsage(_ context.Context, userID string, _ int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	q, ok := l.quotas[userID]
	if !ok {
		return fmt.Errorf("increment usage for %s: %w", userID, repository.ErrQuotaNotFound)
	}
	q.RequestsMade++
	l.quotas[userID] = q
	return nil
}

func (l *QuotaLedger) Provision(_ context.Context, userID string, requestsLimit int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.quotas[userID]; ok {
		return nil
	}
	l.quotas[userID] = models.UserQuota{
		UserID:        userID,
		RequestsLimit: requestsLimit,
		ResetAt:       time.Unix(0, 0).UTC(),
	}
	return nil
}

func (l *QuotaLedger) HealthCheck(context.Context) error {
	return nil
}
