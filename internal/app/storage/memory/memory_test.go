package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/trademesh/escrow/internal/app/domain/ledger"
	"github.com/trademesh/escrow/internal/app/domain/market"
	"github.com/trademesh/escrow/internal/app/storage"
)

func TestCreateAndGetApplication(t *testing.T) {
	store := New()
	ctx := context.Background()

	created, err := store.CreateApplication(ctx, market.Application{
		OwnerID:   "seller-1",
		OwnerRole: market.RoleSeller,
		ItemType:  "account",
		State:     market.StateOpen,
	})
	if err != nil {
		t.Fatalf("create application: %v", err)
	}
	if created.ID == "" {
		t.Fatal("id not assigned")
	}
	if created.Version != 1 {
		t.Fatalf("new application version = %d, want 1", created.Version)
	}

	got, err := store.GetApplication(ctx, created.ID)
	if err != nil {
		t.Fatalf("get application: %v", err)
	}
	if got.OwnerID != "seller-1" {
		t.Fatalf("unexpected owner: %s", got.OwnerID)
	}

	if _, err := store.GetApplication(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCommitUnitVersionConflict(t *testing.T) {
	store := New()
	ctx := context.Background()

	app, err := store.CreateApplication(ctx, market.Application{OwnerID: "o", State: market.StateOpen})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// First writer wins.
	first := app
	first.RemainingQuantity = 5
	if _, err := store.CommitUnit(ctx, Unit{Applications: []market.Application{first}}); err != nil {
		t.Fatalf("first commit: %v", err)
	}

	// Second writer carries the stale version and must be rejected.
	stale := app
	stale.RemainingQuantity = 7
	if _, err := store.CommitUnit(ctx, Unit{Applications: []market.Application{stale}}); !errors.Is(err, storage.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}

	got, err := store.GetApplication(ctx, app.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.RemainingQuantity != 5 {
		t.Fatalf("stale write applied: %d", got.RemainingQuantity)
	}
	if got.Version != 2 {
		t.Fatalf("version = %d, want 2", got.Version)
	}
}

func TestCommitUnitAllOrNothing(t *testing.T) {
	store := New()
	ctx := context.Background()

	app, err := store.CreateApplication(ctx, market.Application{OwnerID: "o", State: market.StateOpen})
	if err != nil {
		t.Fatalf("create app: %v", err)
	}
	acct, err := store.CreateAccount(ctx, ledger.Account{ID: "buyer", Balance: 100})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}

	// The account write carries a stale version, so the application
	// write must not be applied either.
	staleAcct := acct
	staleAcct.Version = 99
	staleAcct.Balance = 0

	appWrite := app
	appWrite.RemainingQuantity = 3

	_, err = store.CommitUnit(ctx, Unit{
		Applications: []market.Application{appWrite},
		Accounts:     []ledger.Account{staleAcct},
		Entries:      []ledger.Entry{{AccountID: "buyer", Delta: -100}},
	})
	if !errors.Is(err, storage.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}

	got, _ := store.GetApplication(ctx, app.ID)
	if got.RemainingQuantity != 0 || got.Version != 1 {
		t.Fatalf("partial commit applied: %+v", got)
	}
	entries, _ := store.ListEntries(ctx, "buyer")
	if len(entries) != 0 {
		t.Fatalf("entries written despite failed unit: %d", len(entries))
	}
}

func TestCommitUnitRejectsNegativeBalance(t *testing.T) {
	store := New()
	ctx := context.Background()

	acct, err := store.CreateAccount(ctx, ledger.Account{ID: "a", Balance: 50})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	acct.Balance = -10
	if _, err := store.CommitUnit(ctx, Unit{Accounts: []ledger.Account{acct}}); err == nil {
		t.Fatal("negative balance commit should fail")
	}
}

func TestCommitUnitAssignsEntryIDs(t *testing.T) {
	store := New()
	ctx := context.Background()

	acct, err := store.CreateAccount(ctx, ledger.Account{ID: "a", Balance: 100})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	acct.Balance = 40
	committed, err := store.CommitUnit(ctx, Unit{
		Accounts: []ledger.Account{acct},
		Entries:  []ledger.Entry{{AccountID: "a", Delta: -60, Reason: ledger.ReasonEscrowHold}},
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if len(committed.Entries) != 1 || committed.Entries[0].ID == "" {
		t.Fatalf("entry id not assigned: %+v", committed.Entries)
	}
	if committed.Entries[0].CreatedAt.IsZero() {
		t.Fatal("entry timestamp not assigned")
	}
}

func TestListApplicationsFilter(t *testing.T) {
	store := New()
	ctx := context.Background()

	if _, err := store.CreateApplication(ctx, market.Application{OwnerID: "a", ItemType: "account", State: market.StateOpen}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.CreateApplication(ctx, market.Application{OwnerID: "b", ItemType: "bulk-item", State: market.StateSettled, Settled: true}); err != nil {
		t.Fatalf("create: %v", err)
	}

	open, err := store.ListApplications(ctx, storage.ApplicationFilter{OpenOnly: true})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(open) != 1 || open[0].OwnerID != "a" {
		t.Fatalf("unexpected open listings: %+v", open)
	}

	byType, err := store.ListApplications(ctx, storage.ApplicationFilter{ItemType: "bulk-item"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(byType) != 1 || byType[0].OwnerID != "b" {
		t.Fatalf("unexpected filtered listings: %+v", byType)
	}
}
