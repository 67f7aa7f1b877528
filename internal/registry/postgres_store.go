package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"github.com/atomicsettle/coordinator/internal/settlement"
)

// PostgresStore is a Postgres-backed participant directory.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a participant directory backed by PostgreSQL.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) CreateParticipant(ctx context.Context, pt *settlement.Participant) error {
	limitsJSON, err := json.Marshal(pt.SettlementLimitPerCurrency)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO participants (id, status, allowed_currencies, settlement_limits)
		VALUES ($1, $2, $3, $4)
	`, pt.ID, string(pt.Status), pq.Array(pt.AllowedCurrencies), limitsJSON)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrParticipantExists
		}
		return err
	}
	return nil
}

func (p *PostgresStore) GetParticipant(ctx context.Context, id string) (*settlement.Participant, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, status, allowed_currencies, settlement_limits FROM participants WHERE id = $1
	`, id)
	return scanParticipant(row)
}

func (p *PostgresStore) UpdateParticipant(ctx context.Context, pt *settlement.Participant) error {
	limitsJSON, err := json.Marshal(pt.SettlementLimitPerCurrency)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE participants SET status = $2, allowed_currencies = $3, settlement_limits = $4 WHERE id = $1
	`, pt.ID, string(pt.Status), pq.Array(pt.AllowedCurrencies), limitsJSON)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrParticipantNotFound
	}
	return nil
}

func (p *PostgresStore) ListParticipants(ctx context.Context) ([]*settlement.Participant, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, status, allowed_currencies, settlement_limits FROM participants`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*settlement.Participant
	for rows.Next() {
		pt, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pt)
	}
	return out, rows.Err()
}

type participantRowScanner interface {
	Scan(dest ...interface{}) error
}

func scanParticipant(row participantRowScanner) (*settlement.Participant, error) {
	pt := &settlement.Participant{}
	var status string
	var limitsJSON []byte
	if err := row.Scan(&pt.ID, &status, pq.Array(&pt.AllowedCurrencies), &limitsJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrParticipantNotFound
		}
		return nil, err
	}
	pt.Status = settlement.ParticipantStatus(status)
	if len(limitsJSON) > 0 {
		if err := json.Unmarshal(limitsJSON, &pt.SettlementLimitPerCurrency); err != nil {
			return nil, fmt.Errorf("registry: corrupt settlement limits for %s: %w", pt.ID, err)
		}
	}
	return pt, nil
}

func (p *PostgresStore) Block(ctx context.Context, receiverID, senderID string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO participant_blocklist (receiver_id, sender_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, receiverID, senderID)
	return err
}

func (p *PostgresStore) Unblock(ctx context.Context, receiverID, senderID string) error {
	_, err := p.db.ExecContext(ctx, `
		DELETE FROM participant_blocklist WHERE receiver_id = $1 AND sender_id = $2
	`, receiverID, senderID)
	return err
}

func (p *PostgresStore) IsBlocked(ctx context.Context, receiverID, senderID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM participant_blocklist WHERE receiver_id = $1 AND sender_id = $2)
	`, receiverID, senderID).Scan(&exists)
	return exists, err
}

// Migrate creates the participants and participant_blocklist tables.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS participants (
			id                  TEXT PRIMARY KEY,
			status              TEXT NOT NULL,
			allowed_currencies  TEXT[] NOT NULL DEFAULT '{}',
			settlement_limits   JSONB NOT NULL DEFAULT '{}',
			created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
		);

		CREATE TABLE IF NOT EXISTS participant_blocklist (
			receiver_id TEXT NOT NULL,
			sender_id   TEXT NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (receiver_id, sender_id)
		);
	`)
	if err != nil {
		return fmt.Errorf("registry: migrate: %w", err)
	}
	return nil
}
