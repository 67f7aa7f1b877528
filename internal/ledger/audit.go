package ledger

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

type contextKey string

const (
	ctxActorType contextKey = "audit_actor_type"
	ctxActorID   contextKey = "audit_actor_id"
	ctxRequestID contextKey = "audit_request_id"
)

// WithActor attaches actor info to the context for audit logging.
func WithActor(ctx context.Context, actorType, actorID string) context.Context {
	ctx = context.WithValue(ctx, ctxActorType, actorType)
	ctx = context.WithValue(ctx, ctxActorID, actorID)
	return ctx
}

// WithAuditRequestID attaches a request ID for audit correlation.
func WithAuditRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ctxRequestID, requestID)
}

func actorFromCtx(ctx context.Context) (actorType, actorID, requestID string) {
	if v, ok := ctx.Value(ctxActorType).(string); ok {
		actorType = v
	} else {
		actorType = "system"
	}
	if v, ok := ctx.Value(ctxActorID).(string); ok {
		actorID = v
	}
	if v, ok := ctx.Value(ctxRequestID).(string); ok {
		requestID = v
	}
	return
}

// AuditEntry is a single hash-chained audit log record. Each entry's Hash
// covers its own fields plus the previous entry's Hash, so the chain can be
// walked and verified independently of the database's own integrity
// guarantees; Signature is an HMAC over Hash so tampering requires the
// signing key, not just write access to the table.
type AuditEntry struct {
	Sequence     int64     `json:"sequence"`
	SettlementID string    `json:"settlementId,omitempty"`
	ActorType    string    `json:"actorType"`
	ActorID      string    `json:"actorId,omitempty"`
	Operation    string    `json:"operation"`
	Reference    string    `json:"reference,omitempty"`
	BeforeState  string    `json:"beforeState,omitempty"`
	AfterState   string    `json:"afterState,omitempty"`
	RequestID    string    `json:"requestId,omitempty"`
	PrevHash     string    `json:"prevHash"`
	Hash         string    `json:"hash"`
	Signature    string    `json:"signature"`
	CreatedAt    time.Time `json:"createdAt"`
}

func hashEntry(e *AuditEntry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%s|%s|%s|%s|%d",
		e.PrevHash, e.SettlementID, e.ActorType, e.ActorID, e.Operation,
		e.Reference, e.BeforeState, e.AfterState, e.RequestID, e.CreatedAt.UnixNano())
	return hex.EncodeToString(h.Sum(nil))
}

func signEntry(key []byte, hash string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(hash))
	return hex.EncodeToString(mac.Sum(nil))
}

// AuditLogger persists the hash-chained audit trail.
type AuditLogger interface {
	LogAudit(ctx context.Context, entry *AuditEntry) error
	QueryAudit(ctx context.Context, settlementID string, from, to time.Time, operation string, limit int) ([]*AuditEntry, error)
	// VerifyChain walks entries from after sequence and checks every
	// PrevHash/Hash/Signature link, returning the sequence of the first
	// broken link (0 if the chain is intact).
	VerifyChain(ctx context.Context, fromSequence int64, limit int) (brokenAt int64, err error)
}

func balanceSnapshot(bal *Balance) string {
	if bal == nil {
		return "{}"
	}
	return fmt.Sprintf(`{"available":%q,"locked":%q,"version":%d}`, bal.Available, bal.Locked, bal.Version)
}

func verifyEntries(entries []*AuditEntry, signingKey []byte) int64 {
	for _, e := range entries {
		want := hashEntry(e)
		if want != e.Hash {
			return e.Sequence
		}
		if signEntry(signingKey, e.Hash) != e.Signature {
			return e.Sequence
		}
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].PrevHash != entries[i-1].Hash {
			return entries[i].Sequence
		}
	}
	return 0
}

// --- PostgresAuditLogger ---

// PostgresAuditLogger writes the hash-chained audit trail to PostgreSQL.
type PostgresAuditLogger struct {
	db         *sql.DB
	signingKey []byte

	mu       sync.Mutex // serializes append so PrevHash reads see the latest row
	lastHash string
	loaded   bool
}

// NewPostgresAuditLogger creates an audit logger backed by PostgreSQL.
// signingKey is typically the coordinator's envelope HMAC key.
func NewPostgresAuditLogger(db *sql.DB, signingKey []byte) *PostgresAuditLogger {
	return &PostgresAuditLogger{db: db, signingKey: signingKey}
}

func (l *PostgresAuditLogger) loadLastHash(ctx context.Context) error {
	if l.loaded {
		return nil
	}
	row := l.db.QueryRowContext(ctx, `SELECT hash FROM audit_log ORDER BY sequence DESC LIMIT 1`)
	var h string
	if err := row.Scan(&h); err != nil {
		if err != sql.ErrNoRows {
			return err
		}
		h = ""
	}
	l.lastHash = h
	l.loaded = true
	return nil
}

func (l *PostgresAuditLogger) LogAudit(ctx context.Context, entry *AuditEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.loadLastHash(ctx); err != nil {
		return err
	}

	entry.PrevHash = l.lastHash
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	entry.Hash = hashEntry(entry)
	entry.Signature = signEntry(l.signingKey, entry.Hash)

	err := l.db.QueryRowContext(ctx, `
		INSERT INTO audit_log (settlement_id, actor_type, actor_id, operation, reference, before_state, after_state, request_id, prev_hash, hash, signature, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::JSONB, $7::JSONB, $8, $9, $10, $11, $12)
		RETURNING sequence
	`, entry.SettlementID, entry.ActorType, entry.ActorID, entry.Operation, entry.Reference,
		nullableJSON(entry.BeforeState), nullableJSON(entry.AfterState), entry.RequestID,
		entry.PrevHash, entry.Hash, entry.Signature, entry.CreatedAt).Scan(&entry.Sequence)
	if err != nil {
		return err
	}

	l.lastHash = entry.Hash
	return nil
}

func nullableJSON(s string) interface{} {
	if s == "" {
		return "{}"
	}
	return s
}

func (l *PostgresAuditLogger) QueryAudit(ctx context.Context, settlementID string, from, to time.Time, operation string, limit int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT sequence, COALESCE(settlement_id, ''), actor_type, COALESCE(actor_id, ''), operation,
		COALESCE(reference, ''), COALESCE(before_state::TEXT, '{}'), COALESCE(after_state::TEXT, '{}'),
		COALESCE(request_id, ''), prev_hash, hash, signature, created_at
		FROM audit_log WHERE created_at >= $1 AND created_at <= $2`
	args := []interface{}{from, to}
	if settlementID != "" {
		query += fmt.Sprintf(" AND settlement_id = $%d", len(args)+1)
		args = append(args, settlementID)
	}
	if operation != "" {
		query += fmt.Sprintf(" AND operation = $%d", len(args)+1)
		args = append(args, operation)
	}
	query += fmt.Sprintf(" ORDER BY sequence DESC LIMIT $%d", len(args)+1)
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanAuditRows(rows)
}

func (l *PostgresAuditLogger) VerifyChain(ctx context.Context, fromSequence int64, limit int) (int64, error) {
	if limit <= 0 {
		limit = 10000
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT sequence, COALESCE(settlement_id, ''), actor_type, COALESCE(actor_id, ''), operation,
		COALESCE(reference, ''), COALESCE(before_state::TEXT, '{}'), COALESCE(after_state::TEXT, '{}'),
		COALESCE(request_id, ''), prev_hash, hash, signature, created_at
		FROM audit_log WHERE sequence > $1 ORDER BY sequence ASC LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return 0, err
	}
	defer func() { _ = rows.Close() }()
	entries, err := scanAuditRows(rows)
	if err != nil {
		return 0, err
	}
	return verifyEntries(entries, l.signingKey), nil
}

func scanAuditRows(rows *sql.Rows) ([]*AuditEntry, error) {
	var entries []*AuditEntry
	for rows.Next() {
		e := &AuditEntry{}
		if err := rows.Scan(&e.Sequence, &e.SettlementID, &e.ActorType, &e.ActorID, &e.Operation,
			&e.Reference, &e.BeforeState, &e.AfterState, &e.RequestID,
			&e.PrevHash, &e.Hash, &e.Signature, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- MemoryAuditLogger ---

// MemoryAuditLogger stores the hash-chained audit trail in memory, for tests
// and for running without Postgres.
type MemoryAuditLogger struct {
	mu         sync.Mutex
	entries    []*AuditEntry
	nextSeq    int64
	signingKey []byte
}

// NewMemoryAuditLogger creates an in-memory audit logger.
func NewMemoryAuditLogger(signingKey []byte) *MemoryAuditLogger {
	return &MemoryAuditLogger{signingKey: signingKey}
}

func (l *MemoryAuditLogger) LogAudit(_ context.Context, entry *AuditEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextSeq++
	cp := *entry
	cp.Sequence = l.nextSeq
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	if len(l.entries) > 0 {
		cp.PrevHash = l.entries[len(l.entries)-1].Hash
	}
	cp.Hash = hashEntry(&cp)
	cp.Signature = signEntry(l.signingKey, cp.Hash)

	l.entries = append(l.entries, &cp)
	*entry = cp
	return nil
}

func (l *MemoryAuditLogger) QueryAudit(_ context.Context, settlementID string, from, to time.Time, operation string, limit int) ([]*AuditEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}

	var result []*AuditEntry
	for i := len(l.entries) - 1; i >= 0 && len(result) < limit; i-- {
		e := l.entries[i]
		if settlementID != "" && e.SettlementID != settlementID {
			continue
		}
		if !from.IsZero() && e.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && e.CreatedAt.After(to) {
			continue
		}
		if operation != "" && e.Operation != operation {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}
	return result, nil
}

func (l *MemoryAuditLogger) VerifyChain(_ context.Context, fromSequence int64, limit int) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var window []*AuditEntry
	for _, e := range l.entries {
		if e.Sequence <= fromSequence {
			continue
		}
		window = append(window, e)
		if limit > 0 && len(window) >= limit {
			break
		}
	}
	return verifyEntries(window, l.signingKey), nil
}

// Entries returns all stored audit entries (for testing).
func (l *MemoryAuditLogger) Entries() []*AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	result := make([]*AuditEntry, len(l.entries))
	copy(result, l.entries)
	return result
}
