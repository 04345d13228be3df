// Package memory provides an in-memory implementation of the storage
// interfaces. It is safe for concurrent use and is primarily intended
// for tests and local development.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trademesh/escrow/internal/app/domain/ledger"
	"github.com/trademesh/escrow/internal/app/domain/market"
	"github.com/trademesh/escrow/internal/app/storage"
)

// Store is a mutex-guarded, version-checked in-memory store.
type Store struct {
	mu           sync.RWMutex
	applications map[string]market.Application
	accounts     map[string]ledger.Account
	entries      []ledger.Entry
}

var _ storage.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		applications: make(map[string]market.Application),
		accounts:     make(map[string]ledger.Account),
	}
}

// MarketStore implementation -------------------------------------------------

func (s *Store) CreateApplication(_ context.Context, app market.Application) (market.Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if app.ID == "" {
		app.ID = uuid.NewString()
	} else if _, exists := s.applications[app.ID]; exists {
		return market.Application{}, fmt.Errorf("application %s already exists", app.ID)
	}

	now := time.Now().UTC()
	app.CreatedAt = now
	app.UpdatedAt = now
	if app.LastActivityAt.IsZero() {
		app.LastActivityAt = now
	}
	app.Version = 1

	s.applications[app.ID] = cloneApplication(app)
	return cloneApplication(app), nil
}

func (s *Store) GetApplication(_ context.Context, id string) (market.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	app, ok := s.applications[id]
	if !ok {
		return market.Application{}, fmt.Errorf("application %s: %w", id, storage.ErrNotFound)
	}
	return cloneApplication(app), nil
}

func (s *Store) ListApplications(_ context.Context, filter storage.ApplicationFilter) ([]market.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]market.Application, 0)
	for _, app := range s.applications {
		if filter.Matches(app) {
			result = append(result, cloneApplication(app))
		}
	}
	return result, nil
}

// LedgerStore implementation -------------------------------------------------

func (s *Store) CreateAccount(_ context.Context, acct ledger.Account) (ledger.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if acct.ID == "" {
		acct.ID = uuid.NewString()
	} else if _, exists := s.accounts[acct.ID]; exists {
		return ledger.Account{}, fmt.Errorf("account %s already exists", acct.ID)
	}
	if acct.Balance < 0 {
		return ledger.Account{}, fmt.Errorf("account %s: negative opening balance", acct.ID)
	}

	now := time.Now().UTC()
	acct.CreatedAt = now
	acct.UpdatedAt = now
	acct.Version = 1

	s.accounts[acct.ID] = acct
	return acct, nil
}

func (s *Store) GetAccount(_ context.Context, id string) (ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[id]
	if !ok {
		return ledger.Account{}, fmt.Errorf("account %s: %w", id, storage.ErrNotFound)
	}
	return acct, nil
}

func (s *Store) ListAccounts(_ context.Context) ([]ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]ledger.Account, 0, len(s.accounts))
	for _, acct := range s.accounts {
		result = append(result, acct)
	}
	return result, nil
}

func (s *Store) ListEntries(_ context.Context, accountID string) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]ledger.Entry, 0)
	for _, entry := range s.entries {
		if entry.AccountID == accountID {
			result = append(result, entry)
		}
	}
	return result, nil
}

func (s *Store) ListEntriesByApplication(_ context.Context, applicationID string) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]ledger.Entry, 0)
	for _, entry := range s.entries {
		if entry.ApplicationID == applicationID {
			result = append(result, entry)
		}
	}
	return result, nil
}

// UnitStore implementation ---------------------------------------------------

// CommitUnit applies all writes under one lock. Every written record's
// version must match the stored version; the first mismatch fails the
// whole unit and nothing is applied.
func (s *Store) CommitUnit(_ context.Context, unit Unit) (Unit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, app := range unit.Applications {
		current, ok := s.applications[app.ID]
		if !ok {
			return storage.Unit{}, fmt.Errorf("application %s: %w", app.ID, storage.ErrNotFound)
		}
		if current.Version != app.Version {
			return storage.Unit{}, fmt.Errorf("application %s: read version %d, stored %d: %w",
				app.ID, app.Version, current.Version, storage.ErrVersionConflict)
		}
	}
	for _, acct := range unit.Accounts {
		current, ok := s.accounts[acct.ID]
		if !ok {
			return storage.Unit{}, fmt.Errorf("account %s: %w", acct.ID, storage.ErrNotFound)
		}
		if current.Version != acct.Version {
			return storage.Unit{}, fmt.Errorf("account %s: read version %d, stored %d: %w",
				acct.ID, acct.Version, current.Version, storage.ErrVersionConflict)
		}
		if acct.Balance < 0 {
			return storage.Unit{}, fmt.Errorf("account %s: commit would leave negative balance %d", acct.ID, acct.Balance)
		}
	}

	now := time.Now().UTC()
	committed := storage.Unit{}

	for _, app := range unit.Applications {
		app.Version++
		app.UpdatedAt = now
		app.CreatedAt = s.applications[app.ID].CreatedAt
		s.applications[app.ID] = cloneApplication(app)
		committed.Applications = append(committed.Applications, cloneApplication(app))
	}
	for _, acct := range unit.Accounts {
		acct.Version++
		acct.UpdatedAt = now
		acct.CreatedAt = s.accounts[acct.ID].CreatedAt
		s.accounts[acct.ID] = acct
		committed.Accounts = append(committed.Accounts, acct)
	}
	for _, entry := range unit.Entries {
		if entry.ID == "" {
			entry.ID = uuid.NewString()
		}
		entry.CreatedAt = now
		s.entries = append(s.entries, entry)
		committed.Entries = append(committed.Entries, entry)
	}

	return committed, nil
}

// Unit aliases the storage write set for call-site brevity.
type Unit = storage.Unit

// Helpers --------------------------------------------------------------------

func cloneApplication(app market.Application) market.Application {
	app.Participants = append([]string(nil), app.Participants...)
	app.Slots = append([]market.Slot(nil), app.Slots...)
	if app.ParticipantQuantity != nil {
		qty := make(map[string]int, len(app.ParticipantQuantity))
		for k, v := range app.ParticipantQuantity {
			qty[k] = v
		}
		app.ParticipantQuantity = qty
	}
	if app.Summary != nil {
		summary := *app.Summary
		app.Summary = &summary
	}
	return app
}
