// Package confirmation tracks per-slot fulfillment and resolution. The
// owner fulfills each reserved slot; the counterparty then confirms or
// rejects it. Resolutions may be revised until settlement reads the
// slots inside its atomic unit, after which further edits lose the
// version race and have no effect.
package confirmation

import (
	"context"
	"fmt"
	"time"

	"github.com/trademesh/escrow/internal/app/domain/market"
	"github.com/trademesh/escrow/internal/app/events"
	"github.com/trademesh/escrow/internal/app/storage"
	"github.com/trademesh/escrow/pkg/logger"
)

// Service records slot fulfillment and confirmation outcomes.
type Service struct {
	store    storage.Store
	catalog  market.Catalog
	bus      *events.Bus
	log      *logger.Logger
	attempts int
}

// New constructs a confirmation service.
func New(store storage.Store, catalog market.Catalog, bus *events.Bus, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("confirmation")
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

// Fulfill marks a slot as produced by the owner. When every slot is
// fulfilled the application moves to awaiting confirmation.
func (s *Service) Fulfill(ctx context.Context, appID string, slotIndex int, label string) (market.Application, error) {
	var out market.Application
	err := storage.RunAtomic(ctx, s.attempts, func(ctx context.Context) error {
		app, err := s.store.GetApplication(ctx, appID)
		if err != nil {
			return err
		}
		if err := s.mutable(app); err != nil {
			return err
		}
		if slotIndex < 0 || slotIndex >= len(app.Slots) {
			return fmt.Errorf("application %s has no slot %d: %w", appID, slotIndex, storage.ErrNotFound)
		}

		app.Slots[slotIndex].OwnerSlotLabel = label
		app.Slots[slotIndex].FulfilledAt = time.Now().UTC()
		if app.State == market.StateOpen || app.State == market.StateAwaitingFulfillment {
			if app.AllSlotsFulfilled() {
				app.State = market.StateAwaitingConfirmation
			}
		}
		app.LastActivityAt = time.Now().UTC()

		committed, err := s.store.CommitUnit(ctx, storage.Unit{Applications: []market.Application{app}})
		if err != nil {
			return err
		}
		out = committed.Applications[0]
		return nil
	})
	if err != nil {
		return market.Application{}, err
	}
	s.bus.Publish(events.Event{Type: events.SlotFulfilled, ApplicationID: appID})
	return out, nil
}

// Confirm resolves a slot as fulfilled to the counterparty's
// satisfaction.
func (s *Service) Confirm(ctx context.Context, appID string, slotIndex int) (market.Application, error) {
	return s.resolve(ctx, appID, slotIndex, market.ConfirmationConfirmed, "")
}

// Reject resolves a slot with a reason from the item type's allowed
// set.
func (s *Service) Reject(ctx context.Context, appID string, slotIndex int, reason string) (market.Application, error) {
	return s.resolve(ctx, appID, slotIndex, market.ConfirmationRejected, reason)
}

func (s *Service) resolve(ctx context.Context, appID string, slotIndex int, outcome market.Confirmation, reason string) (market.Application, error) {
	var out market.Application
	err := storage.RunAtomic(ctx, s.attempts, func(ctx context.Context) error {
		app, err := s.store.GetApplication(ctx, appID)
		if err != nil {
			return err
		}
		if err := s.mutable(app); err != nil {
			return err
		}
		if slotIndex < 0 || slotIndex >= len(app.Slots) {
			return fmt.Errorf("application %s has no slot %d: %w", appID, slotIndex, storage.ErrNotFound)
		}
		if !app.Slots[slotIndex].Fulfilled() {
			return fmt.Errorf("slot %d not yet fulfilled: %w", slotIndex, market.ErrInvalidStateTransition)
		}
		if outcome == market.ConfirmationRejected {
			spec, ok := s.catalog.Lookup(app.ItemType)
			if !ok {
				return fmt.Errorf("unknown item type %q", app.ItemType)
			}
			if !spec.AllowsReason(reason) {
				return fmt.Errorf("reason %q not allowed for item type %s: %w",
					reason, app.ItemType, market.ErrInvalidRejectionReason)
			}
		}

		app.Slots[slotIndex].Confirmation = outcome
		app.Slots[slotIndex].RejectionReason = reason
		if app.State == market.StateAwaitingConfirmation && app.AllSlotsResolved() {
			app.State = market.StateAwaitingSettlement
		}
		app.LastActivityAt = time.Now().UTC()

		committed, err := s.store.CommitUnit(ctx, storage.Unit{Applications: []market.Application{app}})
		if err != nil {
			return err
		}
		out = committed.Applications[0]
		return nil
	})
	if err != nil {
		return market.Application{}, err
	}
	s.log.WithField("application_id", appID).
		WithField("slot", slotIndex).
		WithField("outcome", string(outcome)).
		Info("slot resolved")
	s.bus.Publish(events.Event{Type: events.SlotResolved, ApplicationID: appID})
	return out, nil
}

func (s *Service) mutable(app market.Application) error {
	if app.Settled {
		return fmt.Errorf("application %s: %w", app.ID, market.ErrAlreadySettled)
	}
	if app.Rejected || app.Closed {
		return fmt.Errorf("application %s is closed: %w", app.ID, market.ErrInvalidStateTransition)
	}
	return nil
}
