package replog

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/atomicsettle/coordinator/internal/settlement"
)

// PostgresStore is a Postgres-backed Store. Writes are single-row appends;
// Migrate creates the append-only replicated_log table guarded the same
// way the ledger package guards its transactional writes.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a transition log store backed by PostgreSQL.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Append(ctx context.Context, entry *Entry) error {
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO replicated_log (settlement_id, from_status, to_status, detail)
		VALUES ($1, $2, $3, $4)
		RETURNING sequence, recorded_at
	`, entry.SettlementID, string(entry.FromStatus), string(entry.ToStatus), entry.Detail)

	return row.Scan(&entry.Sequence, &entry.RecordedAt)
}

func (p *PostgresStore) ListBySettlement(ctx context.Context, settlementID string) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT sequence, settlement_id, from_status, to_status, detail, recorded_at
		FROM replicated_log
		WHERE settlement_id = $1
		ORDER BY sequence ASC
	`, settlementID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ListNonTerminalSettlements returns the settlement ids whose most recent
// logged status is not terminal, in ascending settlement id order.
func (p *PostgresStore) ListNonTerminalSettlements(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT DISTINCT ON (settlement_id) settlement_id, to_status
		FROM replicated_log
		ORDER BY settlement_id, sequence DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			return nil, err
		}
		if !isTerminalStatus(status) {
			out = append(out, id)
		}
	}
	return out, rows.Err()
}

func (p *PostgresStore) LatestBySettlement(ctx context.Context, settlementIDs []string) (map[string]*Entry, error) {
	if len(settlementIDs) == 0 {
		return map[string]*Entry{}, nil
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT DISTINCT ON (settlement_id)
			sequence, settlement_id, from_status, to_status, detail, recorded_at
		FROM replicated_log
		WHERE settlement_id = ANY($1)
		ORDER BY settlement_id, sequence DESC
	`, pq.Array(settlementIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}

	out := make(map[string]*Entry, len(entries))
	for _, e := range entries {
		out[e.SettlementID] = e
	}
	return out, nil
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var out []*Entry
	for rows.Next() {
		e := &Entry{}
		var from, to string
		if err := rows.Scan(&e.Sequence, &e.SettlementID, &from, &to, &e.Detail, &e.RecordedAt); err != nil {
			return nil, err
		}
		e.FromStatus = statusOf(from)
		e.ToStatus = statusOf(to)
		out = append(out, e)
	}
	return out, rows.Err()
}

func statusOf(s string) settlement.Status {
	return settlement.Status(s)
}

func isTerminalStatus(s string) bool {
	return settlement.Status(s).Terminal()
}

// Migrate creates the replicated_log table.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS replicated_log (
			sequence      BIGSERIAL PRIMARY KEY,
			settlement_id TEXT NOT NULL,
			from_status   TEXT NOT NULL,
			to_status     TEXT NOT NULL,
			detail        TEXT NOT NULL DEFAULT '',
			recorded_at   TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_replicated_log_settlement ON replicated_log (settlement_id, sequence);
	`)
	if err != nil {
		return fmt.Errorf("replog: migrate: %w", err)
	}
	return nil
}
