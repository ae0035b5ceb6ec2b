// Package journal records ledger events to ClickHouse for audit and
// reconciliation. The ledger itself is the source of truth; a failed journal
// write is reported to the caller but must never abort the ledger operation.
package journal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/malbeclabs/drip/pkg/clickhouse"
	"github.com/malbeclabs/drip/pkg/distributor"
)

const table = "drip_ledger_events"

type Config struct {
	Logger     *slog.Logger
	ClickHouse clickhouse.Client
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ClickHouse == nil {
		return errors.New("clickhouse connection is required")
	}
	return nil
}

// Journal is the ClickHouse-backed audit sink for ledger events.
type Journal struct {
	log *slog.Logger
	cfg Config
}

var _ distributor.Journal = (*Journal)(nil)

func New(cfg Config) (*Journal, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Journal{log: cfg.Logger, cfg: cfg}, nil
}

// EnsureSchema creates the events table if it does not exist.
func (j *Journal) EnsureSchema(ctx context.Context) error {
	conn, err := j.cfg.ClickHouse.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get ClickHouse connection: %w", err)
	}
	defer conn.Close()

	err = conn.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			event_id       UUID,
			kind           LowCardinality(String),
			receiver       String,
			asset          String,
			amount         UInt64,
			activation_key UInt64,
			recipient      String,
			event_ts       DateTime64(3, 'UTC'),
			created_at     DateTime64(3, 'UTC') DEFAULT now64(3)
		)
		ENGINE = MergeTree
		ORDER BY (receiver, asset, event_ts)
	`, table))
	if err != nil {
		return fmt.Errorf("failed to create %s table: %w", table, err)
	}
	return nil
}

// Record writes one event row. The insert waits for the server to accept the
// row so a reported success is durable.
func (j *Journal) Record(ctx context.Context, ev distributor.Event) error {
	conn, err := j.cfg.ClickHouse.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get ClickHouse connection: %w", err)
	}
	defer conn.Close()

	j.log.Debug("journal: recording event",
		"kind", string(ev.Kind), "receiver", ev.Receiver, "asset", ev.Asset, "amount", ev.Amount)

	err = conn.AsyncInsert(ctx, fmt.Sprintf(`
		INSERT INTO %s (event_id, kind, receiver, asset, amount, activation_key, recipient, event_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, table), true,
		uuid.New().String(),
		string(ev.Kind),
		ev.Receiver,
		ev.Asset,
		ev.Amount,
		uint64(ev.Key),
		ev.Recipient,
		ev.At.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event into %s: %w", table, err)
	}
	return nil
}
