// Package market defines the tradable listing ("application") and its
// escrow state. An application offers a quantity of an item at a unit
// price; participants reserve portions by pre-paying into escrow, each
// reserved unit becoming a slot that is individually confirmed or
// rejected before settlement.
package market

import "time"

// Role identifies which side of the trade the listing owner is on.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
)

// FundedBy identifies the trade side whose funds are held in escrow.
// It is explicit listing configuration, never inferred from the owner
// role at settlement time.
type FundedBy string

const (
	FundedByBuyer  FundedBy = "buyer"
	FundedBySeller FundedBy = "seller"
)

// FeeRecipient selects where the settlement fee is routed.
type FeeRecipient string

const (
	// FeeToCounterparty credits the fee to the listing owner.
	FeeToCounterparty FeeRecipient = "counterparty"
	// FeeToPlatform routes the entire fee to the platform account.
	FeeToPlatform FeeRecipient = "platform"
)

// State is the lifecycle state of an application.
type State string

const (
	StateOpen                 State = "open"
	StateAwaitingFulfillment  State = "awaiting_fulfillment"
	StateAwaitingConfirmation State = "awaiting_confirmation"
	StateAwaitingSettlement   State = "awaiting_settlement"
	StateSettled              State = "settled"
	StateRejected             State = "rejected"
	StateExpired              State = "expired"
)

// Listing sub-states selecting the effective unit price.
const (
	StatusAccess   = "access"
	StatusNoAccess = "no-access"
)

// Close reasons recorded when an application is taken off the market
// without settling.
const (
	CloseReasonUnderfunded = "underfunded-participant"
	CloseReasonExpired     = "lease-expired"
	CloseReasonRejected    = "rejected"
)

// Confirmation is the resolution state of a single slot.
type Confirmation string

const (
	ConfirmationPending   Confirmation = "pending"
	ConfirmationConfirmed Confirmation = "confirmed"
	ConfirmationRejected  Confirmation = "rejected"
)

// Slot is one reservable unit of an application's quantity. Slots are
// appended when a participant reserves quantity and resolved one by one
// before settlement.
type Slot struct {
	Index           int          `json:"index"`
	ParticipantID   string       `json:"participant_id"`
	OwnerSlotLabel  string       `json:"owner_slot_label,omitempty"`
	FulfilledAt     time.Time    `json:"fulfilled_at,omitempty"`
	Confirmation    Confirmation `json:"confirmation"`
	RejectionReason string       `json:"rejection_reason,omitempty"`
}

// Fulfilled reports whether the owner has produced this slot.
func (s Slot) Fulfilled() bool { return !s.FulfilledAt.IsZero() }

// Resolved reports whether the slot has a final confirmation outcome.
func (s Slot) Resolved() bool { return s.Confirmation != ConfirmationPending }

// Summary records the one-time settlement result.
type Summary struct {
	TotalFee    int64     `json:"total_fee"`
	TotalRefund int64     `json:"total_refund"`
	ComputedAt  time.Time `json:"computed_at"`
}

// Application is a tradable listing plus its escrow state.
type Application struct {
	ID        string `json:"id"`
	OwnerID   string `json:"owner_id"`
	OwnerRole Role   `json:"owner_role"`

	ItemType     string `json:"item_type"`
	Status       string `json:"status"`
	UnitPrice    int64  `json:"unit_price"`
	AltUnitPrice int64  `json:"alt_unit_price,omitempty"`

	TotalQuantity     int `json:"total_quantity"`
	RemainingQuantity int `json:"remaining_quantity"`

	Participants        []string       `json:"participants"`
	ParticipantQuantity map[string]int `json:"participant_quantity"`
	Slots               []Slot         `json:"slots"`

	EscrowFundedBy FundedBy     `json:"escrow_funded_by"`
	FeeRecipient   FeeRecipient `json:"fee_recipient"`

	Approved    bool   `json:"approved"`
	Rejected    bool   `json:"rejected"`
	Closed      bool   `json:"closed"`
	Settled     bool   `json:"settled"`
	CloseReason string `json:"close_reason,omitempty"`

	State   State    `json:"state"`
	Summary *Summary `json:"settlement_summary,omitempty"`

	// Version is the optimistic concurrency token. Stores reject writes
	// carrying a stale version.
	Version int64 `json:"version"`

	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// EffectivePrice returns the unit price in force for the listing's
// current sub-state. No-access listings trade at the alternate price
// when one is configured.
func (a Application) EffectivePrice() int64 {
	if a.Status == StatusNoAccess && a.AltUnitPrice > 0 {
		return a.AltUnitPrice
	}
	return a.UnitPrice
}

// Terminal reports whether the engine may no longer mutate the
// application.
func (a Application) Terminal() bool {
	return a.Closed || a.Rejected || a.Settled
}

// AllSlotsFulfilled reports whether every slot has been produced by the
// owner. False while quantity remains unreserved.
func (a Application) AllSlotsFulfilled() bool {
	if a.RemainingQuantity > 0 || len(a.Slots) == 0 {
		return false
	}
	for _, slot := range a.Slots {
		if !slot.Fulfilled() {
			return false
		}
	}
	return true
}

// AllSlotsResolved reports whether every slot carries a non-pending
// confirmation outcome.
func (a Application) AllSlotsResolved() bool {
	if a.RemainingQuantity > 0 || len(a.Slots) == 0 {
		return false
	}
	for _, slot := range a.Slots {
		if !slot.Resolved() {
			return false
		}
	}
	return true
}

// ReservedQuantity is the total quantity held by participants.
func (a Application) ReservedQuantity() int {
	total := 0
	for _, qty := range a.ParticipantQuantity {
		total += qty
	}
	return total
}
