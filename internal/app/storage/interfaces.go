// Package storage defines the persistence contracts for the escrow
// engine: per-record reads, filtered enumeration, and the optimistic
// atomic unit through which every money-moving mutation commits.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/trademesh/escrow/internal/app/domain/ledger"
	"github.com/trademesh/escrow/internal/app/domain/market"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict is returned by CommitUnit when any written
	// record changed since it was read. The caller re-reads and retries.
	ErrVersionConflict = errors.New("version conflict")

	// ErrConflictRetryExhausted is returned when an atomic unit keeps
	// conflicting past the retry budget. The logical operation may be
	// retried by the client.
	ErrConflictRetryExhausted = errors.New("conflict retry budget exhausted")
)

// ApplicationFilter narrows ListApplications. Zero fields match
// everything.
type ApplicationFilter struct {
	States             []market.State
	ItemType           string
	OwnerID            string
	OpenOnly           bool
	LastActivityBefore time.Time
}

// Matches reports whether an application satisfies the filter.
func (f ApplicationFilter) Matches(app market.Application) bool {
	if len(f.States) > 0 {
		found := false
		for _, state := range f.States {
			if app.State == state {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.ItemType != "" && app.ItemType != f.ItemType {
		return false
	}
	if f.OwnerID != "" && app.OwnerID != f.OwnerID {
		return false
	}
	if f.OpenOnly && app.Terminal() {
		return false
	}
	if !f.LastActivityBefore.IsZero() && !app.LastActivityAt.Before(f.LastActivityBefore) {
		return false
	}
	return true
}

// MarketStore persists applications.
type MarketStore interface {
	CreateApplication(ctx context.Context, app market.Application) (market.Application, error)
	GetApplication(ctx context.Context, id string) (market.Application, error)
	ListApplications(ctx context.Context, filter ApplicationFilter) ([]market.Application, error)
}

// LedgerStore persists balance accounts and the append-only entry log.
// Accounts mutate only through CommitUnit.
type LedgerStore interface {
	CreateAccount(ctx context.Context, acct ledger.Account) (ledger.Account, error)
	GetAccount(ctx context.Context, id string) (ledger.Account, error)
	ListAccounts(ctx context.Context) ([]ledger.Account, error)
	ListEntries(ctx context.Context, accountID string) ([]ledger.Entry, error)
	ListEntriesByApplication(ctx context.Context, applicationID string) ([]ledger.Entry, error)
}

// Unit is the write set of one atomic commit. Applications and accounts
// are version-checked updates of previously read records; entries are
// appends. Either every write lands or none does.
type Unit struct {
	Applications []market.Application
	Accounts     []ledger.Account
	Entries      []ledger.Entry
}

// Empty reports whether the unit carries no writes.
func (u Unit) Empty() bool {
	return len(u.Applications) == 0 && len(u.Accounts) == 0 && len(u.Entries) == 0
}

// UnitStore commits atomic units. CommitUnit compares the version of
// every written record against the stored version and fails the whole
// unit with ErrVersionConflict on any mismatch. On success the returned
// unit carries the committed records with bumped versions and assigned
// entry identifiers.
type UnitStore interface {
	CommitUnit(ctx context.Context, unit Unit) (Unit, error)
}

// Store is the full persistence surface the engine composes against.
type Store interface {
	MarketStore
	LedgerStore
	UnitStore
}
