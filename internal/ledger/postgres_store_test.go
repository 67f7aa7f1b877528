//go:build integration

package ledger

import (
	"context"
	"testing"

	"github.com/atomicsettle/coordinator/internal/testutil"
)

func TestPostgresStore_ReserveAndRelease(t *testing.T) {
	db, cleanup := testutil.PGTestContainer(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)

	account := AccountID{ParticipantID: "participant-a", AccountNumber: "acct-1", Currency: "USD"}

	if _, err := db.ExecContext(ctx, `
		INSERT INTO balances (participant_id, account_number, currency, available, locked, version)
		VALUES ($1, $2, $3, '100.00000000', '0.00000000', 0)
	`, account.ParticipantID, account.AccountNumber, account.Currency); err != nil {
		t.Fatalf("seed balance: %v", err)
	}

	if _, err := store.Reserve(ctx, account, "40.00"); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	bal, err := store.GetBalance(ctx, account)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if bal.Available != "60.00000000" {
		t.Errorf("expected available 60.00000000 after reserve, got %s", bal.Available)
	}
	if bal.Locked != "40.00000000" {
		t.Errorf("expected locked 40.00000000 after reserve, got %s", bal.Locked)
	}

	if err := store.ReleaseReservation(ctx, account, "40.00"); err != nil {
		t.Fatalf("ReleaseReservation: %v", err)
	}

	bal, err = store.GetBalance(ctx, account)
	if err != nil {
		t.Fatalf("GetBalance after release: %v", err)
	}
	if bal.Available != "100.00000000" {
		t.Errorf("expected available restored to 100.00000000, got %s", bal.Available)
	}
	if bal.Locked != "0.00000000" {
		t.Errorf("expected locked back to 0.00000000, got %s", bal.Locked)
	}
}

func TestPostgresStore_ReserveInsufficientBalance(t *testing.T) {
	db, cleanup := testutil.PGTestContainer(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)
	account := AccountID{ParticipantID: "participant-b", AccountNumber: "acct-1", Currency: "USD"}

	if _, err := store.Reserve(ctx, account, "10.00"); err != ErrInsufficientBalance {
		t.Errorf("expected ErrInsufficientBalance on zero-balance account, got %v", err)
	}
}
