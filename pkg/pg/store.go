// Package pg provides the Postgres-backed node store for the scheduling
// ledger, plus goose migration helpers for its schema.
package pg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/malbeclabs/drip/pkg/schedule"
)

type StoreConfig struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
}

func (cfg *StoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("postgres pool is required")
	}
	return nil
}

// Store implements schedule.NodeStore on one Postgres table. Keys and
// amounts are uint64 but stored in BIGINT columns as their two's-complement
// bit pattern; that round-trips exactly, and the store never orders or sums
// in SQL (list order lives in the next_key pointers).
type Store struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

var _ schedule.NodeStore = (*Store)(nil)

func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{log: cfg.Logger, pool: cfg.Pool}, nil
}

func (s *Store) Node(ctx context.Context, id schedule.ID, key schedule.Key) (schedule.Node, error) {
	var amount, next int64
	err := s.pool.QueryRow(ctx, `
		SELECT amount, next_key
		FROM schedule_nodes
		WHERE receiver = $1 AND asset = $2 AND activation_key = $3
	`, id.Receiver, id.Asset, int64(key)).Scan(&amount, &next)
	if errors.Is(err, pgx.ErrNoRows) {
		return schedule.Node{}, nil
	}
	if err != nil {
		return schedule.Node{}, fmt.Errorf("failed to read node %d for %s/%s: %w", key, id.Receiver, id.Asset, err)
	}
	return schedule.Node{Amount: uint64(amount), Next: schedule.Key(next)}, nil
}

func (s *Store) PutNode(ctx context.Context, id schedule.ID, key schedule.Key, n schedule.Node) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO schedule_nodes (receiver, asset, activation_key, amount, next_key, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (receiver, asset, activation_key)
		DO UPDATE SET amount = EXCLUDED.amount, next_key = EXCLUDED.next_key, updated_at = now()
	`, id.Receiver, id.Asset, int64(key), int64(n.Amount), int64(n.Next))
	if err != nil {
		return fmt.Errorf("failed to write node %d for %s/%s: %w", key, id.Receiver, id.Asset, err)
	}
	return nil
}
