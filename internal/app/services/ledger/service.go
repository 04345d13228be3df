// Package ledger exposes balance accounts to request handlers: account
// creation, deposits, balance reads, and the entry log. Escrow holds and
// releases are applied by the participation and settlement services
// inside their own atomic units.
package ledger

import (
	"context"
	"fmt"
	"strings"

	domain "github.com/trademesh/escrow/internal/app/domain/ledger"
	"github.com/trademesh/escrow/internal/app/storage"
	"github.com/trademesh/escrow/pkg/logger"
)

// Service manages balance accounts and deposits.
type Service struct {
	store    storage.Store
	log      *logger.Logger
	attempts int
}

// New constructs a ledger service.
func New(store storage.Store, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("ledger")
	}
	return &Service{
		store:    store,
		log:      log,
		attempts: storage.DefaultAtomicAttempts,
	}
}

// EnsureAccount returns the account with the given id, creating it with
// a zero balance when absent.
func (s *Service) EnsureAccount(ctx context.Context, id, ownerID string) (domain.Account, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Account{}, fmt.Errorf("account id is required")
	}
	acct, err := s.store.GetAccount(ctx, id)
	if err == nil {
		return acct, nil
	}
	acct, err = s.store.CreateAccount(ctx, domain.Account{ID: id, OwnerID: ownerID})
	if err != nil {
		// Lost a creation race; the existing account wins.
		if existing, getErr := s.store.GetAccount(ctx, id); getErr == nil {
			return existing, nil
		}
		return domain.Account{}, err
	}
	s.log.WithField("account_id", acct.ID).Info("account created")
	return acct, nil
}

// Deposit credits external funds onto an account.
func (s *Service) Deposit(ctx context.Context, accountID string, amount int64) (domain.Account, error) {
	var out domain.Account
	err := storage.RunAtomic(ctx, s.attempts, func(ctx context.Context) error {
		acct, err := s.store.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		entry, err := domain.Credit(&acct, amount, domain.ReasonDeposit, "")
		if err != nil {
			return err
		}
		committed, err := s.store.CommitUnit(ctx, storage.Unit{
			Accounts: []domain.Account{acct},
			Entries:  []domain.Entry{entry},
		})
		if err != nil {
			return err
		}
		out = committed.Accounts[0]
		return nil
	})
	if err != nil {
		return domain.Account{}, err
	}
	s.log.WithField("account_id", accountID).
		WithField("amount", amount).
		Info("deposit credited")
	return out, nil
}

// Balance returns the current balance of an account.
func (s *Service) Balance(ctx context.Context, accountID string) (int64, error) {
	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return acct.Balance, nil
}

// Get returns an account record.
func (s *Service) Get(ctx context.Context, accountID string) (domain.Account, error) {
	return s.store.GetAccount(ctx, accountID)
}

// Entries returns the append-only transfer log for an account.
func (s *Service) Entries(ctx context.Context, accountID string) ([]domain.Entry, error) {
	return s.store.ListEntries(ctx, accountID)
}
