package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/HackxAnkit/SurgePricing/internal/model"
)

const historySchema = `
CREATE TABLE IF NOT EXISTS surge_history (
	id          BIGSERIAL PRIMARY KEY,
	resolution  SMALLINT    NOT NULL,
	cell_id     TEXT        NOT NULL,
	previous    NUMERIC     NOT NULL,
	multiplier  NUMERIC     NOT NULL,
	demand      BIGINT      NOT NULL,
	supply      BIGINT      NOT NULL,
	reason      TEXT        NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS surge_history_cell_idx
	ON surge_history (resolution, cell_id, recorded_at DESC);
`

// PostgresHistory is an append-only audit log of committed multiplier
// transitions. Live cell state stays in the Store; this table only answers
// "what did we charge here, and why".
type PostgresHistory struct {
	pool *pgxpool.Pool
}

// NewPostgresHistory creates a history recorder on an existing pool.
func NewPostgresHistory(pool *pgxpool.Pool) *PostgresHistory {
	return &PostgresHistory{pool: pool}
}

// EnsureSchema creates the history table when it does not exist yet.
func (h *PostgresHistory) EnsureSchema(ctx context.Context) error {
	if _, err := h.pool.Exec(ctx, historySchema); err != nil {
		return fmt.Errorf("create surge_history: %w", err)
	}
	return nil
}

// Append records one transition. Multipliers are stored as NUMERIC so audit
// queries compare exact values.
func (h *PostgresHistory) Append(ctx context.Context, e model.HistoryEntry) error {
	_, err := h.pool.Exec(ctx,
		`INSERT INTO surge_history (resolution, cell_id, previous, multiplier, demand, supply, reason, recorded_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5, $6, $7, $8)`,
		e.Resolution, e.CellID,
		decimal.NewFromFloat(e.Previous).String(),
		decimal.NewFromFloat(e.Multiplier).String(),
		e.Demand, e.Supply, e.Reason, e.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("append history %d/%s: %w", e.Resolution, e.CellID, err)
	}
	return nil
}

// Recent returns the newest transitions for a cell, newest first.
func (h *PostgresHistory) Recent(ctx context.Context, cell model.CellKey, limit int) ([]model.HistoryEntry, error) {
	rows, err := h.pool.Query(ctx,
		`SELECT resolution, cell_id, previous::TEXT, multiplier::TEXT,
		        demand, supply, reason, recorded_at
		 FROM surge_history
		 WHERE resolution = $1 AND cell_id = $2
		 ORDER BY recorded_at DESC
		 LIMIT $3`, cell.Resolution, cell.CellID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanHistory(rows)
}

type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanHistory(rows pgxRows) ([]model.HistoryEntry, error) {
	var entries []model.HistoryEntry
	for rows.Next() {
		var e model.HistoryEntry
		var prevS, multS string

		if err := rows.Scan(&e.Resolution, &e.CellID, &prevS, &multS,
			&e.Demand, &e.Supply, &e.Reason, &e.RecordedAt); err != nil {
			return nil, err
		}

		prev, _ := decimal.NewFromString(prevS)
		mult, _ := decimal.NewFromString(multS)
		e.Previous = prev.InexactFloat64()
		e.Multiplier = mult.InexactFloat64()

		entries = append(entries, e)
	}
	return entries, rows.Err()
}
