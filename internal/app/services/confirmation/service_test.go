package confirmation

import (
	"context"
	"errors"
	"testing"

	ledgerdom "github.com/trademesh/escrow/internal/app/domain/ledger"
	"github.com/trademesh/escrow/internal/app/domain/market"
	participationsvc "github.com/trademesh/escrow/internal/app/services/participation"
	"github.com/trademesh/escrow/internal/app/storage/memory"
)

// reservedListing builds a fully reserved listing awaiting fulfillment.
func reservedListing(t *testing.T, store *memory.Store, qty int) market.Application {
	t.Helper()
	ctx := context.Background()

	if _, err := store.CreateAccount(ctx, ledgerdom.Account{ID: "buyer-1", OwnerID: "buyer-1", Balance: 100000}); err != nil {
		t.Fatalf("seed buyer: %v", err)
	}
	psvc := participationsvc.New(store, nil, nil, nil)
	listing, err := psvc.CreateApplication(ctx, market.Application{
		OwnerID:        "seller-1",
		OwnerRole:      market.RoleSeller,
		ItemType:       "account",
		UnitPrice:      1000,
		TotalQuantity:  qty,
		EscrowFundedBy: market.FundedByBuyer,
	})
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}
	reserved, err := psvc.Participate(ctx, listing.ID, "buyer-1", qty)
	if err != nil {
		t.Fatalf("participate: %v", err)
	}
	return reserved
}

func TestFulfillMovesToConfirmation(t *testing.T) {
	store := memory.New()
	svc := New(store, nil, nil, nil)
	ctx := context.Background()

	listing := reservedListing(t, store, 2)

	updated, err := svc.Fulfill(ctx, listing.ID, 0, "acct-0")
	if err != nil {
		t.Fatalf("fulfill 0: %v", err)
	}
	if updated.State != market.StateAwaitingFulfillment {
		t.Fatalf("one unfulfilled slot left, state = %s", updated.State)
	}
	if updated.Slots[0].OwnerSlotLabel != "acct-0" || !updated.Slots[0].Fulfilled() {
		t.Fatalf("slot 0 not fulfilled: %+v", updated.Slots[0])
	}

	updated, err = svc.Fulfill(ctx, listing.ID, 1, "acct-1")
	if err != nil {
		t.Fatalf("fulfill 1: %v", err)
	}
	if updated.State != market.StateAwaitingConfirmation {
		t.Fatalf("all slots fulfilled, state = %s", updated.State)
	}
}

func TestConfirmAndRejectResolveSlots(t *testing.T) {
	store := memory.New()
	svc := New(store, nil, nil, nil)
	ctx := context.Background()

	listing := reservedListing(t, store, 2)
	for i := 0; i < 2; i++ {
		if _, err := svc.Fulfill(ctx, listing.ID, i, "x"); err != nil {
			t.Fatalf("fulfill %d: %v", i, err)
		}
	}

	updated, err := svc.Confirm(ctx, listing.ID, 0)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if updated.Slots[0].Confirmation != market.ConfirmationConfirmed {
		t.Fatalf("slot 0 not confirmed: %+v", updated.Slots[0])
	}
	if updated.State != market.StateAwaitingConfirmation {
		t.Fatalf("unresolved slot remains, state = %s", updated.State)
	}

	updated, err = svc.Reject(ctx, listing.ID, 1, market.ReasonAccessAccount)
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if updated.Slots[1].RejectionReason != market.ReasonAccessAccount {
		t.Fatalf("reason not recorded: %+v", updated.Slots[1])
	}
	if updated.State != market.StateAwaitingSettlement {
		t.Fatalf("all slots resolved, state = %s", updated.State)
	}
}

func TestResolutionCanBeRevised(t *testing.T) {
	store := memory.New()
	svc := New(store, nil, nil, nil)
	ctx := context.Background()

	listing := reservedListing(t, store, 1)
	if _, err := svc.Fulfill(ctx, listing.ID, 0, "x"); err != nil {
		t.Fatalf("fulfill: %v", err)
	}
	if _, err := svc.Reject(ctx, listing.ID, 0, market.ReasonNotReachable); err != nil {
		t.Fatalf("reject: %v", err)
	}

	// The counterparty changes their mind before settlement.
	updated, err := svc.Confirm(ctx, listing.ID, 0)
	if err != nil {
		t.Fatalf("revise: %v", err)
	}
	if updated.Slots[0].Confirmation != market.ConfirmationConfirmed {
		t.Fatalf("revision not applied: %+v", updated.Slots[0])
	}
}

func TestResolveGuards(t *testing.T) {
	store := memory.New()
	svc := New(store, nil, nil, nil)
	ctx := context.Background()

	listing := reservedListing(t, store, 1)

	// Unfulfilled slot cannot be resolved.
	if _, err := svc.Confirm(ctx, listing.ID, 0); !errors.Is(err, market.ErrInvalidStateTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}

	if _, err := svc.Fulfill(ctx, listing.ID, 5, "x"); err == nil {
		t.Fatal("out-of-range slot should error")
	}

	if _, err := svc.Fulfill(ctx, listing.ID, 0, "x"); err != nil {
		t.Fatalf("fulfill: %v", err)
	}
	if _, err := svc.Reject(ctx, listing.ID, 0, "invented-reason"); !errors.Is(err, market.ErrInvalidRejectionReason) {
		t.Fatalf("expected invalid reason, got %v", err)
	}
}
