package market

import "testing"

func TestEffectivePrice(t *testing.T) {
	app := Application{Status: StatusAccess, UnitPrice: 1000, AltUnitPrice: 700}
	if got := app.EffectivePrice(); got != 1000 {
		t.Fatalf("access listing should use unit price, got %d", got)
	}

	app.Status = StatusNoAccess
	if got := app.EffectivePrice(); got != 700 {
		t.Fatalf("no-access listing should use alternate price, got %d", got)
	}

	app.AltUnitPrice = 0
	if got := app.EffectivePrice(); got != 1000 {
		t.Fatalf("missing alternate price should fall back to unit price, got %d", got)
	}
}

func TestSlotResolution(t *testing.T) {
	app := Application{
		TotalQuantity:     2,
		RemainingQuantity: 0,
		Slots: []Slot{
			{Index: 0, Confirmation: ConfirmationConfirmed},
			{Index: 1, Confirmation: ConfirmationPending},
		},
	}
	if app.AllSlotsResolved() {
		t.Fatal("pending slot should block resolution")
	}
	app.Slots[1].Confirmation = ConfirmationRejected
	if !app.AllSlotsResolved() {
		t.Fatal("all slots resolved")
	}

	// Unreserved quantity blocks both fulfillment and resolution.
	app.RemainingQuantity = 1
	if app.AllSlotsResolved() || app.AllSlotsFulfilled() {
		t.Fatal("remaining quantity should block slot completion checks")
	}
}

func TestTerminal(t *testing.T) {
	for _, tc := range []struct {
		name string
		app  Application
		want bool
	}{
		{"open", Application{State: StateOpen}, false},
		{"settled", Application{Settled: true}, true},
		{"rejected", Application{Rejected: true}, true},
		{"closed", Application{Closed: true, CloseReason: CloseReasonUnderfunded}, true},
	} {
		if got := tc.app.Terminal(); got != tc.want {
			t.Fatalf("%s: Terminal() = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestReservedQuantity(t *testing.T) {
	app := Application{ParticipantQuantity: map[string]int{"a": 2, "b": 1}}
	if got := app.ReservedQuantity(); got != 3 {
		t.Fatalf("reserved quantity = %d, want 3", got)
	}
}

func TestCatalogReasons(t *testing.T) {
	catalog := DefaultCatalog()
	spec, ok := catalog.Lookup("account")
	if !ok {
		t.Fatal("account item type missing from default catalog")
	}
	if spec.AllowsTopUp {
		t.Fatal("account listings must not allow top-up")
	}
	if !spec.AllowsReason(ReasonAccessAccount) {
		t.Fatal("access-account should be a valid rejection reason for accounts")
	}
	if spec.AllowsReason("made-up") {
		t.Fatal("unknown reasons must be rejected")
	}

	bulk, ok := catalog.Lookup("bulk-item")
	if !ok {
		t.Fatal("bulk-item missing from default catalog")
	}
	if !bulk.AllowsTopUp {
		t.Fatal("bulk items should allow top-up")
	}
	if bulk.AllowsReason(ReasonAccessAccount) {
		t.Fatal("access-account does not apply to bulk items")
	}
}
