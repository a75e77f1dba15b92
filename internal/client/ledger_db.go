package client

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"convert-service/internal/config"
)

// LedgerDB is the relational connection behind the quota ledger.
type LedgerDB struct {
	DB     *sql.DB
	Driver string
}

// NewLedgerDB opens PostgreSQL (lib/pq) or SQLite (modernc) according to LEDGER_DRIVER.
func NewLedgerDB(cfg *config.Config, logger *zap.Logger) (*LedgerDB, error) {
	ledgerConfig := cfg.Ledger

	var (
		db  *sql.DB
		err error
	)
	switch ledgerConfig.Driver {
	case "postgres":
		db, err = sql.Open("postgres", ledgerConfig.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		db.SetMaxOpenConns(ledgerConfig.MaxOpenConns)
		db.SetMaxIdleConns(ledgerConfig.MaxOpenConns / 2)
		db.SetConnMaxLifetime(30 * time.Minute)
	case "sqlite":
		db, err = sql.Open("sqlite", sqliteDSN(ledgerConfig.DSN))
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite: %w", err)
		}
		// SQLite only supports a single writer.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	default:
		return nil, fmt.Errorf("unsupported ledger driver: %s", ledgerConfig.Driver)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping ledger database: %w", err)
	}

	logger.Info("Ledger database initialized",
		zap.String("driver", ledgerConfig.Driver),
		zap.Int("max_open_conns", ledgerConfig.MaxOpenConns))

	return &LedgerDB{DB: db, Driver: ledgerConfig.Driver}, nil
}

func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

func (l *LedgerDB) Close() error {
	if l.DB == nil {
		return nil
	}
	return l.DB.Close()
}
