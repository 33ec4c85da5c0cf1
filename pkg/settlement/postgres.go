package settlement

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/uhyunpark/veil/pkg/auction"
)

// PostgresConfig holds connection parameters for the PostgreSQL sink.
type PostgresConfig struct {
	DSN      string
	MaxConns int
	MinConns int
}

const createSettlements = `
	CREATE TABLE IF NOT EXISTS settlements (
		id          UUID PRIMARY KEY,
		round_id    BIGINT NOT NULL,
		order_id    BIGINT NOT NULL,
		owner       TEXT NOT NULL,
		side        TEXT NOT NULL,
		asset       TEXT NOT NULL,
		amount      BIGINT NOT NULL,
		price       BIGINT NOT NULL,
		notional    BIGINT NOT NULL,
		recorded_at TIMESTAMPTZ NOT NULL,
		UNIQUE (round_id, order_id)
	);`

const insertSettlement = `
	INSERT INTO settlements (
		id, round_id, order_id, owner, side, asset,
		amount, price, notional, recorded_at
	) VALUES (
		$1, $2, $3, $4, $5, $6,
		$7, $8, $9, $10
	) ON CONFLICT DO NOTHING`

// PostgresSink writes settlements to a settlements table.
type PostgresSink struct {
	pool *pgxpool.Pool
}

// NewPostgresSink connects, pings and ensures the settlements table exists.
func NewPostgresSink(ctx context.Context, cfg PostgresConfig) (*PostgresSink, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres: empty dsn")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, createSettlements); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: create settlements table: %w", err)
	}
	return &PostgresSink{pool: pool}, nil
}

func (s *PostgresSink) Close() { s.pool.Close() }

// SaveSettlements inserts the batch; rows already present are skipped.
func (s *PostgresSink) SaveSettlements(ctx context.Context, settlements []auction.Settlement) error {
	if len(settlements) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, st := range settlements {
		batch.Queue(insertSettlement,
			st.ID, int64(st.RoundID), int64(st.OrderID), st.Owner.Hex(),
			st.Side.String(), string(st.Asset),
			st.Amount, st.Price, st.Notional, st.RecordedAt,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for i := range settlements {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: insert settlement %s (%d): %w", settlements[i].ID, i, err)
		}
	}
	return nil
}
