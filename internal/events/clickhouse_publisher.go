package events

import (
	"context"
	"fmt"
)

// Inserter is the slice of client.ClickHouseClient the publisher needs.
type Inserter interface {
	Exec(ctx context.Context, query string, args ...any) error
	AsyncInsert(ctx context.Context, query string, args ...any) error
}

// ClickHousePublisher appends events to a MergeTree table.
type ClickHousePublisher struct {
	db    Inserter
	table string
}

func NewClickHousePublisher(db Inserter, table string) *ClickHousePublisher {
	return &ClickHousePublisher{db: db, table: table}
}

// EnsureTable creates the usage table when it does not exist.
func (p *ClickHousePublisher) EnsureTable(ctx context.Context) error {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		event_id       UUID,
		user_id        String,
		outcome        LowCardinality(String),
		requests_made  Int32,
		requests_limit Int32,
		occurred_at    DateTime64(3, 'UTC')
	) ENGINE = MergeTree
	ORDER BY (user_id, occurred_at)`, p.table)
	if err := p.db.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create %s: %w", p.table, err)
	}
	return nil
}

func (p *ClickHousePublisher) Publish(ctx context.Context, event UsageEvent) error {
	query := fmt.Sprintf(`INSERT INTO %s (event_id, user_id, outcome, requests_made, requests_limit, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?)`, p.table)
	return p.db.AsyncInsert(ctx, query,
		event.EventID,
		event.UserID,
		string(event.Outcome),
		int32(event.RequestsMade),
		int32(event.RequestsLimit),
		event.OccurredAt,
	)
}

func (p *ClickHousePublisher) Name() string { return "clickhouse" }
