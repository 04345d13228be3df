// Package ledger defines user balance accounts and the append-only
// transfer log. Debits and credits are plain mutations on working
// copies; they only take effect when the surrounding atomic unit
// commits, so the insufficient-funds check and the balance change are
// indivisible.
package ledger

import (
	"errors"
	"fmt"
	"time"
)

// PlatformAccountID is the account that collects platform-routed fees.
const PlatformAccountID = "platform"

// ErrInsufficientFunds is returned when a debit would drive a balance
// negative.
var ErrInsufficientFunds = errors.New("insufficient funds")

// Account holds a user or escrow balance in minor currency units.
type Account struct {
	ID      string `json:"id"`
	OwnerID string `json:"owner_id"`
	Balance int64  `json:"balance"`

	// Version is the optimistic concurrency token.
	Version int64 `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Entry is one append-only ledger record. Every debit and credit
// produces exactly one entry.
type Entry struct {
	ID            string    `json:"id"`
	AccountID     string    `json:"account_id"`
	Delta         int64     `json:"delta"`
	Reason        string    `json:"reason"`
	ApplicationID string    `json:"application_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Transfer reasons recorded on ledger entries.
const (
	ReasonDeposit      = "deposit"
	ReasonEscrowHold   = "escrow-hold"
	ReasonEscrowRefund = "escrow-refund"
	ReasonEscrowFee    = "escrow-fee"
)

// EscrowAccountID names the per-application escrow account.
func EscrowAccountID(applicationID string) string {
	return "escrow:" + applicationID
}

// Debit reduces the account balance on a working copy and returns the
// matching ledger entry. It fails with ErrInsufficientFunds when the
// balance cannot cover the amount; the caller must commit the copy and
// the entry in the same atomic unit.
func Debit(acct *Account, amount int64, reason, applicationID string) (Entry, error) {
	if amount <= 0 {
		return Entry{}, fmt.Errorf("debit amount must be positive, got %d", amount)
	}
	if acct.Balance < amount {
		return Entry{}, fmt.Errorf("account %s: balance %d < amount %d: %w",
			acct.ID, acct.Balance, amount, ErrInsufficientFunds)
	}
	acct.Balance -= amount
	return Entry{
		AccountID:     acct.ID,
		Delta:         -amount,
		Reason:        reason,
		ApplicationID: applicationID,
	}, nil
}

// Credit increases the account balance on a working copy and returns
// the matching ledger entry.
func Credit(acct *Account, amount int64, reason, applicationID string) (Entry, error) {
	if amount <= 0 {
		return Entry{}, fmt.Errorf("credit amount must be positive, got %d", amount)
	}
	acct.Balance += amount
	return Entry{
		AccountID:     acct.ID,
		Delta:         amount,
		Reason:        reason,
		ApplicationID: applicationID,
	}, nil
}
