package settlement

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore is a Postgres-backed settlement Store. Structured
// sub-documents (legs, fx instruction, locked rate, compliance, failure,
// acquired locks) are stored as JSONB columns rather than normalized
// tables, the same choice the teacher's policy store makes for its rule
// list: a settlement's legs are always read and written as a whole with
// their parent record, never queried independently.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a settlement store backed by PostgreSQL.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, s *Settlement) error {
	legsJSON, fxJSON, lockedRateJSON, complianceJSON, failureJSON, locksJSON, err := marshalSettlement(s)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO settlements (id, idempotency_key, status, legs, fx, locked_rate, compliance, failure,
			priority, requested_by, locks, netted_from, created_at, validated_at, locked_at, committed_at, settled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`, s.ID, s.IdempotencyKey, string(s.Status), legsJSON, fxJSON, lockedRateJSON, complianceJSON, failureJSON,
		s.Priority, s.RequestedBy, locksJSON, pq.Array(s.NettedFrom), s.CreatedAt,
		nullTime(s.ValidatedAt), nullTime(s.LockedAt), nullTime(s.CommittedAt), nullTime(s.SettledAt))
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrIdempotencyKeyExists
		}
		return err
	}
	return nil
}

func (p *PostgresStore) Update(ctx context.Context, s *Settlement) error {
	legsJSON, fxJSON, lockedRateJSON, complianceJSON, failureJSON, locksJSON, err := marshalSettlement(s)
	if err != nil {
		return err
	}

	res, err := p.db.ExecContext(ctx, `
		UPDATE settlements SET status = $2, legs = $3, fx = $4, locked_rate = $5, compliance = $6, failure = $7,
			locks = $8, netted_from = $9, validated_at = $10, locked_at = $11, committed_at = $12, settled_at = $13
		WHERE id = $1
	`, s.ID, string(s.Status), legsJSON, fxJSON, lockedRateJSON, complianceJSON, failureJSON, locksJSON,
		pq.Array(s.NettedFrom), nullTime(s.ValidatedAt), nullTime(s.LockedAt), nullTime(s.CommittedAt), nullTime(s.SettledAt))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Settlement, error) {
	row := p.db.QueryRowContext(ctx, selectSettlementColumns+`FROM settlements WHERE id = $1`, id)
	return scanSettlement(row)
}

func (p *PostgresStore) GetByIdempotencyKey(ctx context.Context, key string) (*Settlement, error) {
	row := p.db.QueryRowContext(ctx, selectSettlementColumns+`FROM settlements WHERE idempotency_key = $1`, key)
	return scanSettlement(row)
}

func (p *PostgresStore) ListNonTerminal(ctx context.Context) ([]*Settlement, error) {
	rows, err := p.db.QueryContext(ctx, selectSettlementColumns+`
		FROM settlements WHERE status NOT IN ('rejected', 'failed', 'settled')
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Settlement
	for rows.Next() {
		s, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

const selectSettlementColumns = `
	SELECT id, idempotency_key, status, legs, fx, locked_rate, compliance, failure,
		priority, requested_by, locks, netted_from, created_at, validated_at, locked_at, committed_at, settled_at
`

type settlementRowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSettlement(row settlementRowScanner) (*Settlement, error) {
	s := &Settlement{}
	var status string
	var legsJSON, fxJSON, lockedRateJSON, complianceJSON, failureJSON, locksJSON []byte
	var validatedAt, lockedAt, committedAt, settledAt sql.NullTime

	if err := row.Scan(&s.ID, &s.IdempotencyKey, &status, &legsJSON, &fxJSON, &lockedRateJSON, &complianceJSON,
		&failureJSON, &s.Priority, &s.RequestedBy, &locksJSON, pq.Array(&s.NettedFrom), &s.CreatedAt,
		&validatedAt, &lockedAt, &committedAt, &settledAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	s.Status = Status(status)

	if err := json.Unmarshal(legsJSON, &s.Legs); err != nil {
		return nil, fmt.Errorf("settlement: corrupt legs for %s: %w", s.ID, err)
	}
	if len(fxJSON) > 0 && string(fxJSON) != "null" {
		s.Fx = &FxInstruction{}
		if err := json.Unmarshal(fxJSON, s.Fx); err != nil {
			return nil, fmt.Errorf("settlement: corrupt fx instruction for %s: %w", s.ID, err)
		}
	}
	if len(lockedRateJSON) > 0 && string(lockedRateJSON) != "null" {
		s.LockedRate = &LockedRate{}
		if err := json.Unmarshal(lockedRateJSON, s.LockedRate); err != nil {
			return nil, fmt.Errorf("settlement: corrupt locked rate for %s: %w", s.ID, err)
		}
	}
	if len(complianceJSON) > 0 && string(complianceJSON) != "null" {
		s.Compliance = &ComplianceInfo{}
		if err := json.Unmarshal(complianceJSON, s.Compliance); err != nil {
			return nil, fmt.Errorf("settlement: corrupt compliance info for %s: %w", s.ID, err)
		}
	}
	if len(failureJSON) > 0 && string(failureJSON) != "null" {
		s.Failure = &Failure{}
		if err := json.Unmarshal(failureJSON, s.Failure); err != nil {
			return nil, fmt.Errorf("settlement: corrupt failure for %s: %w", s.ID, err)
		}
	}
	if err := json.Unmarshal(locksJSON, &s.Locks); err != nil {
		return nil, fmt.Errorf("settlement: corrupt locks for %s: %w", s.ID, err)
	}

	if validatedAt.Valid {
		s.ValidatedAt = &validatedAt.Time
	}
	if lockedAt.Valid {
		s.LockedAt = &lockedAt.Time
	}
	if committedAt.Valid {
		s.CommittedAt = &committedAt.Time
	}
	if settledAt.Valid {
		s.SettledAt = &settledAt.Time
	}
	return s, nil
}

func marshalSettlement(s *Settlement) (legsJSON, fxJSON, lockedRateJSON, complianceJSON, failureJSON, locksJSON []byte, err error) {
	if legsJSON, err = json.Marshal(s.Legs); err != nil {
		return
	}
	if fxJSON, err = json.Marshal(s.Fx); err != nil {
		return
	}
	if lockedRateJSON, err = json.Marshal(s.LockedRate); err != nil {
		return
	}
	if complianceJSON, err = json.Marshal(s.Compliance); err != nil {
		return
	}
	if failureJSON, err = json.Marshal(s.Failure); err != nil {
		return
	}
	if locksJSON, err = json.Marshal(s.Locks); err != nil {
		return
	}
	return
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

// Migrate creates the settlements table.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS settlements (
			id              TEXT PRIMARY KEY,
			idempotency_key TEXT NOT NULL UNIQUE,
			status          TEXT NOT NULL,
			legs            JSONB NOT NULL,
			fx              JSONB,
			locked_rate     JSONB,
			compliance      JSONB,
			failure         JSONB,
			priority        TEXT NOT NULL DEFAULT 'normal',
			requested_by    TEXT NOT NULL DEFAULT '',
			locks           JSONB NOT NULL DEFAULT '[]',
			netted_from     TEXT[] NOT NULL DEFAULT '{}',
			created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
			validated_at    TIMESTAMPTZ,
			locked_at       TIMESTAMPTZ,
			committed_at    TIMESTAMPTZ,
			settled_at      TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_settlements_status ON settlements (status) WHERE status NOT IN ('rejected', 'failed', 'settled');
	`)
	if err != nil {
		return fmt.Errorf("settlement: migrate: %w", err)
	}
	return nil
}
