package ledger

import (
	"errors"
	"testing"
)

func TestDebitCredit(t *testing.T) {
	acct := Account{ID: "buyer-1", Balance: 1000}

	entry, err := Debit(&acct, 400, ReasonEscrowHold, "app-1")
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if acct.Balance != 600 {
		t.Fatalf("balance not reduced: %d", acct.Balance)
	}
	if entry.Delta != -400 || entry.AccountID != "buyer-1" || entry.Reason != ReasonEscrowHold {
		t.Fatalf("unexpected entry: %+v", entry)
	}

	entry, err = Credit(&acct, 150, ReasonEscrowRefund, "app-1")
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if acct.Balance != 750 {
		t.Fatalf("balance not increased: %d", acct.Balance)
	}
	if entry.Delta != 150 {
		t.Fatalf("unexpected entry delta: %d", entry.Delta)
	}
}

func TestDebitInsufficientFunds(t *testing.T) {
	acct := Account{ID: "buyer-2", Balance: 100}
	if _, err := Debit(&acct, 101, ReasonEscrowHold, "app-1"); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if acct.Balance != 100 {
		t.Fatalf("failed debit must not change balance: %d", acct.Balance)
	}
}

func TestDebitCreditRejectNonPositive(t *testing.T) {
	acct := Account{ID: "a", Balance: 100}
	if _, err := Debit(&acct, 0, ReasonEscrowHold, ""); err == nil {
		t.Fatal("zero debit should error")
	}
	if _, err := Debit(&acct, -5, ReasonEscrowHold, ""); err == nil {
		t.Fatal("negative debit should error")
	}
	if _, err := Credit(&acct, 0, ReasonDeposit, ""); err == nil {
		t.Fatal("zero credit should error")
	}
}

func TestEscrowAccountID(t *testing.T) {
	if got := EscrowAccountID("abc"); got != "escrow:abc" {
		t.Fatalf("unexpected escrow account id: %s", got)
	}
}
