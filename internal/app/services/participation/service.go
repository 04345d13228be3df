// Package participation manages listings and escrow reservations. A
// reservation debits the participant, credits the application's escrow
// account, and appends one slot per reserved unit, all in a single
// optimistic atomic unit so two participants racing for the last units
// cannot both win.
package participation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/trademesh/escrow/internal/app/domain/ledger"
	"github.com/trademesh/escrow/internal/app/domain/market"
	"github.com/trademesh/escrow/internal/app/events"
	"github.com/trademesh/escrow/internal/app/metrics"
	"github.com/trademesh/escrow/internal/app/storage"
	"github.com/trademesh/escrow/pkg/logger"
)

// Service coordinates listings and participant reservations.
type Service struct {
	store    storage.Store
	catalog  market.Catalog
	bus      *events.Bus
	log      *logger.Logger
	attempts int
}

// New constructs a participation coordinator.
func New(store storage.Store, catalog market.Catalog, bus *events.Bus, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("participation")
	}
	if catalog == nil {
		catalog = market.DefaultCatalog()
	}
	return &Service{
		store:    store,
		catalog:  catalog,
		bus:      bus,
		log:      log,
		attempts: storage.DefaultAtomicAttempts,
	}
}

// CreateApplication posts a new listing and opens its escrow account.
func (s *Service) CreateApplication(ctx context.Context, app market.Application) (market.Application, error) {
	app.OwnerID = strings.TrimSpace(app.OwnerID)
	if app.OwnerID == "" {
		return market.Application{}, fmt.Errorf("owner_id is required")
	}
	if app.OwnerRole != market.RoleBuyer && app.OwnerRole != market.RoleSeller {
		return market.Application{}, fmt.Errorf("owner_role must be buyer or seller")
	}
	if _, ok := s.catalog.Lookup(app.ItemType); !ok {
		return market.Application{}, fmt.Errorf("unknown item type %q", app.ItemType)
	}
	if app.UnitPrice <= 0 {
		return market.Application{}, fmt.Errorf("unit_price must be positive")
	}
	if app.AltUnitPrice < 0 {
		return market.Application{}, fmt.Errorf("alt_unit_price cannot be negative")
	}
	if app.TotalQuantity <= 0 {
		return market.Application{}, fmt.Errorf("total_quantity must be positive")
	}
	if app.Status == "" {
		app.Status = market.StatusAccess
	}
	if app.EscrowFundedBy != market.FundedByBuyer && app.EscrowFundedBy != market.FundedBySeller {
		return market.Application{}, fmt.Errorf("escrow_funded_by must be buyer or seller")
	}
	// Escrow is paid in by participants, so the funding side is always
	// the side opposite the owner.
	if (app.OwnerRole == market.RoleBuyer) != (app.EscrowFundedBy == market.FundedBySeller) {
		return market.Application{}, fmt.Errorf("escrow_funded_by %s inconsistent with owner role %s",
			app.EscrowFundedBy, app.OwnerRole)
	}
	if app.FeeRecipient == "" {
		app.FeeRecipient = market.FeeToCounterparty
	}
	if app.FeeRecipient != market.FeeToCounterparty && app.FeeRecipient != market.FeeToPlatform {
		return market.Application{}, fmt.Errorf("fee_recipient must be counterparty or platform")
	}

	app.RemainingQuantity = app.TotalQuantity
	app.Participants = nil
	app.ParticipantQuantity = make(map[string]int)
	app.Slots = nil
	app.State = market.StateOpen
	app.Approved = true
	app.Rejected = false
	app.Closed = false
	app.Settled = false
	app.Summary = nil

	created, err := s.store.CreateApplication(ctx, app)
	if err != nil {
		return market.Application{}, err
	}
	if _, err := s.store.CreateAccount(ctx, ledger.Account{
		ID:      ledger.EscrowAccountID(created.ID),
		OwnerID: created.OwnerID,
	}); err != nil {
		return market.Application{}, fmt.Errorf("open escrow account: %w", err)
	}
	// A counterparty fee recipient is credited at settlement even if the
	// owner never deposited; open the owner's account up front so the
	// settlement cannot strand on a missing recipient.
	if created.FeeRecipient == market.FeeToCounterparty {
		if err := s.ensureAccount(ctx, created.OwnerID); err != nil {
			return market.Application{}, fmt.Errorf("open fee account: %w", err)
		}
	}

	s.log.WithField("application_id", created.ID).
		WithField("item_type", created.ItemType).
		WithField("total_quantity", created.TotalQuantity).
		Info("application created")
	s.bus.Publish(events.Event{Type: events.ApplicationCreated, ApplicationID: created.ID, Actor: created.OwnerID})
	return created, nil
}

// Get returns one application.
func (s *Service) Get(ctx context.Context, id string) (market.Application, error) {
	return s.store.GetApplication(ctx, id)
}

// List enumerates candidate applications. This is the eventually
// consistent browse path; nothing here decides money movement.
func (s *Service) List(ctx context.Context, filter storage.ApplicationFilter) ([]market.Application, error) {
	return s.store.ListApplications(ctx, filter)
}

// Participate reserves quantity on a listing and escrows the matching
// funds. On insufficient funds the listing is closed as ineligible so a
// stale, under-funded listing cannot keep blocking other participants;
// the error is still reported to the caller.
func (s *Service) Participate(ctx context.Context, appID, participantID string, qty int) (market.Application, error) {
	participantID = strings.TrimSpace(participantID)
	if participantID == "" {
		return market.Application{}, fmt.Errorf("participant id is required")
	}
	if qty <= 0 {
		return market.Application{}, fmt.Errorf("quantity must be positive, got %d", qty)
	}

	var out market.Application
	err := storage.RunAtomic(ctx, s.attempts, func(ctx context.Context) error {
		app, err := s.store.GetApplication(ctx, appID)
		if err != nil {
			return err
		}
		if app.Settled {
			return fmt.Errorf("application %s: %w", appID, market.ErrAlreadySettled)
		}
		if app.Terminal() {
			return fmt.Errorf("application %s is not open for participation: %w", appID, market.ErrInvalidStateTransition)
		}
		// Quantity exhaustion is checked before the open-state gate so a
		// racer losing the last unit sees the reservation already taken,
		// not the state the winner's commit left behind.
		if qty > app.RemainingQuantity {
			return fmt.Errorf("requested %d, remaining %d: %w", qty, app.RemainingQuantity, market.ErrQuantityExceeded)
		}
		if app.State != market.StateOpen {
			return fmt.Errorf("application %s is not open for participation: %w", appID, market.ErrInvalidStateTransition)
		}
		if app.OwnerID == participantID {
			return fmt.Errorf("owner cannot participate in own listing: %w", market.ErrInvalidStateTransition)
		}
		spec, ok := s.catalog.Lookup(app.ItemType)
		if !ok {
			return fmt.Errorf("unknown item type %q", app.ItemType)
		}
		if app.ParticipantQuantity[participantID] > 0 && !spec.AllowsTopUp {
			return fmt.Errorf("participant %s already holds a reservation: %w", participantID, market.ErrInvalidStateTransition)
		}

		amount := app.EffectivePrice() * int64(qty)
		acct, err := s.store.GetAccount(ctx, participantID)
		if err != nil {
			return err
		}
		escrow, err := s.store.GetAccount(ctx, ledger.EscrowAccountID(appID))
		if err != nil {
			return err
		}

		hold, err := ledger.Debit(&acct, amount, ledger.ReasonEscrowHold, appID)
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			return s.closeUnderfunded(ctx, app, participantID, err)
		}
		if err != nil {
			return err
		}
		deposit, err := ledger.Credit(&escrow, amount, ledger.ReasonEscrowHold, appID)
		if err != nil {
			return err
		}

		app.RemainingQuantity -= qty
		if app.ParticipantQuantity == nil {
			app.ParticipantQuantity = make(map[string]int)
		}
		if app.ParticipantQuantity[participantID] == 0 {
			app.Participants = append(app.Participants, participantID)
		}
		app.ParticipantQuantity[participantID] += qty
		for i := 0; i < qty; i++ {
			app.Slots = append(app.Slots, market.Slot{
				Index:         len(app.Slots),
				ParticipantID: participantID,
				Confirmation:  market.ConfirmationPending,
			})
		}
		if app.RemainingQuantity == 0 {
			app.State = market.StateAwaitingFulfillment
		}
		app.LastActivityAt = nowUTC()

		committed, err := s.store.CommitUnit(ctx, storage.Unit{
			Applications: []market.Application{app},
			Accounts:     []ledger.Account{acct, escrow},
			Entries:      []ledger.Entry{hold, deposit},
		})
		if err != nil {
			return err
		}
		out = committed.Applications[0]
		return nil
	})
	if err != nil {
		metrics.RecordParticipation(resultLabel(err))
		if errors.Is(err, storage.ErrConflictRetryExhausted) {
			metrics.RecordConflictExhausted()
		}
		return market.Application{}, err
	}

	metrics.RecordParticipation("ok")
	s.log.WithField("application_id", appID).
		WithField("participant_id", participantID).
		WithField("quantity", qty).
		Info("participation reserved")
	s.bus.Publish(events.Event{Type: events.ParticipationMade, ApplicationID: appID, Actor: participantID})
	return out, nil
}

// ensureAccount opens a zero-balance account when none exists, tolerating
// a lost creation race.
func (s *Service) ensureAccount(ctx context.Context, id string) error {
	if _, err := s.store.GetAccount(ctx, id); err == nil {
		return nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if _, err := s.store.CreateAccount(ctx, ledger.Account{ID: id, OwnerID: id}); err != nil {
		if _, getErr := s.store.GetAccount(ctx, id); getErr == nil {
			return nil
		}
		return err
	}
	return nil
}

// closeUnderfunded marks the listing ineligible and reports the original
// insufficient-funds error. The close commits in its own unit; a version
// conflict there retries the whole participation.
func (s *Service) closeUnderfunded(ctx context.Context, app market.Application, participantID string, cause error) error {
	app.Closed = true
	app.CloseReason = market.CloseReasonUnderfunded
	app.LastActivityAt = nowUTC()
	if _, err := s.store.CommitUnit(ctx, storage.Unit{Applications: []market.Application{app}}); err != nil {
		return err
	}
	s.log.WithField("application_id", app.ID).
		WithField("participant_id", participantID).
		Warn("listing closed: participant could not fund escrow")
	return cause
}

func nowUTC() time.Time { return time.Now().UTC() }

func resultLabel(err error) string {
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, market.ErrQuantityExceeded):
		return "quantity_exceeded"
	case errors.Is(err, storage.ErrConflictRetryExhausted):
		return "conflict_exhausted"
	default:
		return "error"
	}
}
