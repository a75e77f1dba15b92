package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"convert-service/internal/models"
	"convert-service/internal/repository"
	"convert-service/internal/util"
)

const (
	selectQuotaSQL = `SELECT id, requests_made, requests_limit, requests_reset_at FROM profiles WHERE id = ?`

	resetQuotaSQL = `UPDATE profiles SET requests_made = 0, requests_reset_at = ?, updated_at = ?
WHERE id = ? AND requests_reset_at < ?`

	incrementUsageSQL = `UPDATE profiles SET requests_made = requests_made + 1, updated_at = ?
WHERE id = ? RETURNING requests_made`

	provisionSQL = `INSERT INTO profiles (id, requests_made, requests_limit, requests_reset_at, updated_at)
VALUES (?, 0, ?, ?, ?) ON CONFLICT (id) DO NOTHING`
)

// QuotaLedger stores user quotas in the profiles table.
type QuotaLedger struct {
	db      *sql.DB
	dialect dialect
	loc     *time.Location
	now     func() time.Time
}

var _ repository.QuotaLedger = (*QuotaLedger)(nil)

// NewQuotaLedger creates the profiles table if needed. loc is the timezone whose
// midnight starts a new quota day.
func NewQuotaLedger(ctx context.Context, db *sql.DB, driver string, loc *time.Location) (*QuotaLedger, error) {
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}
	if loc == nil {
		loc = time.Local
	}

	if _, err := db.ExecContext(ctx, d.schema); err != nil {
		return nil, fmt.Errorf("failed to initialize ledger schema: %w", err)
	}

	return &QuotaLedger{db: db, dialect: d, loc: loc, now: time.Now}, nil
}

func (l *QuotaLedger) Read(ctx context.Context, userID string) (models.UserQuota, error) {
	resetDest, resetAt := l.dialect.timeDest()

	var q models.UserQuota
	err := l.db.QueryRowContext(ctx, l.dialect.rebind(selectQuotaSQL), userID).
		Scan(&q.UserID, &q.RequestsMade, &q.RequestsLimit, resetDest)
	if errors.Is(err, sql.ErrNoRows) {
		return models.UserQuota{}, fmt.Errorf("read quota for %s: %w", userID, repository.ErrQuotaNotFound)
	}
	if err != nil {
		return models.UserQuota{}, fmt.Errorf("failed to read quota: %w", err)
	}
	q.ResetAt = resetAt()
	return q, nil
}

// ResetIfStale applies the lazy daily reset. The UPDATE is guarded on the stored reset
// still predating today, so two racing requests reset at most once. A failed reset
// write is logged and the reset view is still returned.
func (l *QuotaLedger) ResetIfStale(ctx context.Context, userID string, now time.Time) (models.UserQuota, error) {
	stored, err := l.Read(ctx, userID)
	if err != nil {
		return models.UserQuota{}, err
	}

	effective, didReset := models.ApplyLazyReset(stored, now, l.loc)
	if !didReset {
		return stored, nil
	}

	startOfToday := models.StartOfDay(now, l.loc)
	res, err := l.db.ExecContext(ctx, l.dialect.rebind(resetQuotaSQL),
		l.dialect.timeArg(now), l.dialect.timeArg(l.now()), userID, l.dialect.timeArg(startOfToday))
	if err != nil {
		util.Error("Failed to reset daily request count",
			util.UserID(userID),
			zap.Error(err))
		return effective, nil
	}

	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		// Another request reset first; its record is authoritative.
		current, err := l.Read(ctx, userID)
		if err != nil {
			return effective, nil
		}
		return current, nil
	}

	util.Info("New quota day, request count reset",
		util.UserID(userID),
		zap.Time("previous_reset_at", stored.ResetAt))
	return effective, nil
}

func (l *QuotaLedger) IncrementUsage(ctx context.Context, userID string, expectedPriorCount int) error {
	var made int
	err := l.db.QueryRowContext(ctx, l.dialect.rebind(incrementUsageSQL),
		l.dialect.timeArg(l.now()), userID).Scan(&made)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("increment usage for %s: %w", userID, repository.ErrQuotaNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to increment usage: %w", err)
	}

	if made != expectedPriorCount+1 {
		util.Debug("Concurrent usage observed",
			util.UserID(userID),
			zap.Int("expected", expectedPriorCount+1),
			zap.Int("stored", made))
	}
	return nil
}

func (l *QuotaLedger) Provision(ctx context.Context, userID string, requestsLimit int) error {
	_, err := l.db.ExecContext(ctx, l.dialect.rebind(provisionSQL),
		userID, requestsLimit, l.dialect.timeArg(time.Unix(0, 0)), l.dialect.timeArg(l.now()))
	if err != nil {
		return fmt.Errorf("failed to provision quota: %w", err)
	}
	return nil
}

func (l *QuotaLedger) HealthCheck(ctx context.Context) error {
	return l.db.PingContext(ctx)
}
