package lockmgr

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore is a Postgres-backed lock Store.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a lock store backed by PostgreSQL.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, lock *Lock) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO locks (lock_id, settlement_id, leg_number, participant_id, account_number, currency,
			amount, status, priority, extended, acquired_at, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC(28,8), $8, $9, $10, $11, $12, $13)
	`, lock.LockID, lock.SettlementID, lock.LegNumber, lock.Account.ParticipantID, lock.Account.AccountNumber,
		lock.Account.Currency, lock.Amount, string(lock.Status), string(lock.Priority), lock.Extended,
		nullTime(lock.AcquiredAt), lock.ExpiresAt, lock.CreatedAt)
	return err
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func (p *PostgresStore) Get(ctx context.Context, lockID string) (*Lock, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT lock_id, settlement_id, leg_number, participant_id, account_number, currency,
			amount, status, priority, extended, acquired_at, expires_at, created_at
		FROM locks WHERE lock_id = $1
	`, lockID)
	return scanLock(row)
}

func (p *PostgresStore) Update(ctx context.Context, lock *Lock) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE locks SET status = $2, extended = $3, acquired_at = $4, expires_at = $5
		WHERE lock_id = $1
	`, lock.LockID, string(lock.Status), lock.Extended, nullTime(lock.AcquiredAt), lock.ExpiresAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockNotFound
	}
	return nil
}

func (p *PostgresStore) ListBySettlement(ctx context.Context, settlementID string) ([]*Lock, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT lock_id, settlement_id, leg_number, participant_id, account_number, currency,
			amount, status, priority, extended, acquired_at, expires_at, created_at
		FROM locks WHERE settlement_id = $1 ORDER BY leg_number ASC
	`, settlementID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanLocks(rows)
}

func (p *PostgresStore) ListActiveExpired(ctx context.Context, cutoff time.Time, limit int) ([]*Lock, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT lock_id, settlement_id, leg_number, participant_id, account_number, currency,
			amount, status, priority, extended, acquired_at, expires_at, created_at
		FROM locks WHERE status = 'active' AND expires_at < $1 LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanLocks(rows)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanLock(row rowScanner) (*Lock, error) {
	l := &Lock{}
	var status, priority string
	var acquiredAt sql.NullTime
	if err := row.Scan(&l.LockID, &l.SettlementID, &l.LegNumber, &l.Account.ParticipantID,
		&l.Account.AccountNumber, &l.Account.Currency, &l.Amount, &status, &priority, &l.Extended,
		&acquiredAt, &l.ExpiresAt, &l.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrLockNotFound
		}
		return nil, err
	}
	l.Status = Status(status)
	l.Priority = Priority(priority)
	if acquiredAt.Valid {
		l.AcquiredAt = acquiredAt.Time
	}
	return l, nil
}

func scanLocks(rows *sql.Rows) ([]*Lock, error) {
	var result []*Lock
	for rows.Next() {
		l, err := scanLock(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, l)
	}
	return result, rows.Err()
}

// Migrate creates the locks table.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS locks (
			lock_id TEXT PRIMARY KEY,
			settlement_id TEXT NOT NULL,
			leg_number INT NOT NULL,
			participant_id TEXT NOT NULL,
			account_number TEXT NOT NULL,
			currency TEXT NOT NULL,
			amount NUMERIC(28,8) NOT NULL,
			status TEXT NOT NULL,
			priority TEXT NOT NULL DEFAULT 'normal',
			extended BOOLEAN NOT NULL DEFAULT false,
			acquired_at TIMESTAMPTZ,
			expires_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_locks_settlement ON locks (settlement_id);
		CREATE INDEX IF NOT EXISTS idx_locks_expiry ON locks (status, expires_at) WHERE status = 'active';
	`)
	return err
}
