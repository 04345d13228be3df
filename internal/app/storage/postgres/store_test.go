package postgres

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	_ "github.com/lib/pq"

	"github.com/trademesh/escrow/internal/app/domain/ledger"
	"github.com/trademesh/escrow/internal/app/domain/market"
	"github.com/trademesh/escrow/internal/app/storage"
)

func TestMigrateExecutesSchema(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS escrow_applications").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := New(db).Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCommitUnitMapsGuardMissToVersionConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	// Zero rows affected means the version guard missed.
	mock.ExpectExec("UPDATE escrow_accounts").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err = New(db).CommitUnit(context.Background(), storage.Unit{
		Accounts: []ledger.Account{{ID: "buyer-1", Balance: 100, Version: 3}},
	})
	if !errors.Is(err, storage.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCommitUnitBumpsVersions(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE escrow_accounts").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO escrow_ledger_entries").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	committed, err := New(db).CommitUnit(context.Background(), storage.Unit{
		Accounts: []ledger.Account{{ID: "buyer-1", Balance: 100, Version: 3}},
		Entries:  []ledger.Entry{{AccountID: "buyer-1", Delta: 100, Reason: ledger.ReasonDeposit}},
	})
	if err != nil {
		t.Fatalf("commit unit: %v", err)
	}
	if committed.Accounts[0].Version != 4 {
		t.Fatalf("version = %d, want 4", committed.Accounts[0].Version)
	}
	if committed.Entries[0].ID == "" {
		t.Fatal("entry id not assigned")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCommitUnitRejectsNegativeBalance(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectRollback()

	_, err = New(db).CommitUnit(context.Background(), storage.Unit{
		Accounts: []ledger.Account{{ID: "buyer-1", Balance: -1, Version: 1}},
	})
	if err == nil {
		t.Fatal("negative balance commit should fail")
	}
}

func TestStoreIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	store := New(db)
	ctx := context.Background()
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	app, err := store.CreateApplication(ctx, market.Application{
		OwnerID:        "seller-1",
		OwnerRole:      market.RoleSeller,
		ItemType:       "account",
		Status:         market.StatusAccess,
		UnitPrice:      1000,
		TotalQuantity:  1,
		EscrowFundedBy: market.FundedByBuyer,
		FeeRecipient:   market.FeeToCounterparty,
		State:          market.StateOpen,
	})
	if err != nil {
		t.Fatalf("create application: %v", err)
	}

	got, err := store.GetApplication(ctx, app.ID)
	if err != nil {
		t.Fatalf("get application: %v", err)
	}
	if got.OwnerID != "seller-1" || got.Version != 1 {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	acct, err := store.CreateAccount(ctx, ledger.Account{OwnerID: "buyer-1", Balance: 500})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}

	got.RemainingQuantity = 0
	got.State = market.StateAwaitingFulfillment
	acct.Balance = 400
	committed, err := store.CommitUnit(ctx, storage.Unit{
		Applications: []market.Application{got},
		Accounts:     []ledger.Account{acct},
		Entries:      []ledger.Entry{{AccountID: acct.ID, Delta: -100, Reason: ledger.ReasonEscrowHold, ApplicationID: app.ID}},
	})
	if err != nil {
		t.Fatalf("commit unit: %v", err)
	}
	if committed.Applications[0].Version != 2 {
		t.Fatalf("version not bumped: %d", committed.Applications[0].Version)
	}

	// A stale version must now be rejected.
	if _, err := store.CommitUnit(ctx, storage.Unit{Applications: []market.Application{got}}); !errors.Is(err, storage.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
}
