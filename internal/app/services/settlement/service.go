// Package settlement computes and applies the one-time release of
// escrowed funds. Per-slot fees come from an immutable schedule
// snapshot; the fee total and refund total always conserve the escrowed
// amount. The settled flag flips in the same atomic unit as the
// transfers, which is what makes retried and concurrent settlement
// calls collapse into exactly one application of effects.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/trademesh/escrow/internal/app/domain/fees"
	"github.com/trademesh/escrow/internal/app/domain/ledger"
	"github.com/trademesh/escrow/internal/app/domain/market"
	"github.com/trademesh/escrow/internal/app/events"
	"github.com/trademesh/escrow/internal/app/metrics"
	"github.com/trademesh/escrow/internal/app/storage"
	"github.com/trademesh/escrow/pkg/logger"
)

// Service finalizes applications: settlement, rejection, and the admin
// override for unresolved slots.
type Service struct {
	store    storage.Store
	source   fees.Source
	catalog  market.Catalog
	bus      *events.Bus
	log      *logger.Logger
	attempts int
}

// New constructs a settlement engine reading fee schedules from source.
func New(store storage.Store, source fees.Source, catalog market.Catalog, bus *events.Bus, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("settlement")
	}
	if catalog == nil {
		catalog = market.DefaultCatalog()
	}
	return &Service{
		store:    store,
		source:   source,
		catalog:  catalog,
		bus:      bus,
		log:      log,
		attempts: storage.DefaultAtomicAttempts,
	}
}

// Settle finalizes an application using the current fee schedule
// snapshot. Calling Settle on an already settled application is a no-op
// returning the stored summary.
func (s *Service) Settle(ctx context.Context, appID string) (market.Summary, error) {
	schedule, err := s.source.ReadFeeSchedule(ctx)
	if err != nil {
		return market.Summary{}, fmt.Errorf("read fee schedule: %w", err)
	}
	return s.SettleWithSchedule(ctx, appID, schedule)
}

// SettleWithSchedule finalizes an application against an explicit
// schedule snapshot, keeping settlement reproducible independent of
// live config mutation.
func (s *Service) SettleWithSchedule(ctx context.Context, appID string, schedule fees.Schedule) (market.Summary, error) {
	return s.settle(ctx, appID, schedule, "")
}

// SettleWithDefault is the documented admin escalation: slots still
// pending are resolved to defaultOutcome inside the settlement unit,
// then the application settles normally.
func (s *Service) SettleWithDefault(ctx context.Context, appID string, schedule fees.Schedule, defaultOutcome fees.Outcome) (market.Summary, error) {
	if defaultOutcome == "" {
		return market.Summary{}, fmt.Errorf("default outcome is required")
	}
	return s.settle(ctx, appID, schedule, defaultOutcome)
}

func (s *Service) settle(ctx context.Context, appID string, schedule fees.Schedule, defaultOutcome fees.Outcome) (market.Summary, error) {
	var summary market.Summary
	var applied bool
	err := storage.RunAtomic(ctx, s.attempts, func(ctx context.Context) error {
		applied = false
		app, err := s.store.GetApplication(ctx, appID)
		if err != nil {
			return err
		}
		if app.Settled {
			if app.Summary == nil {
				return fmt.Errorf("application %s settled without summary", appID)
			}
			summary = *app.Summary
			return nil
		}
		if app.Rejected {
			return fmt.Errorf("application %s is rejected: %w", appID, market.ErrInvalidStateTransition)
		}
		if app.Closed {
			return fmt.Errorf("application %s is closed (%s): %w", appID, app.CloseReason, market.ErrInvalidStateTransition)
		}
		if len(app.Slots) == 0 {
			return fmt.Errorf("application %s has no reserved slots: %w", appID, market.ErrInvalidStateTransition)
		}

		if defaultOutcome != "" {
			if err := s.applyDefault(&app, defaultOutcome); err != nil {
				return err
			}
		}

		price := app.EffectivePrice()
		totalEscrow := price * int64(len(app.Slots))
		totalFee := int64(0)
		refunds := make(map[string]int64)
		for _, slot := range app.Slots {
			outcome, err := fees.ForSlot(slot)
			if err != nil {
				return err
			}
			fee, err := schedule.Resolve(app.ItemType, outcome)
			if err != nil {
				return err
			}
			if fee > price {
				return fmt.Errorf("fee %d exceeds unit price %d for slot %d", fee, price, slot.Index)
			}
			totalFee += fee
			refunds[slot.ParticipantID] += price - fee
		}
		totalRefund := totalEscrow - totalFee

		accounts := make(map[string]*ledger.Account)
		load := func(id string) (*ledger.Account, error) {
			if acct, ok := accounts[id]; ok {
				return acct, nil
			}
			acct, err := s.store.GetAccount(ctx, id)
			if err != nil {
				return nil, err
			}
			accounts[id] = &acct
			return &acct, nil
		}

		escrow, err := load(ledger.EscrowAccountID(appID))
		if err != nil {
			return err
		}
		var entries []ledger.Entry
		release, err := ledger.Debit(escrow, totalEscrow, ledger.ReasonEscrowRefund, appID)
		if err != nil {
			return fmt.Errorf("release escrow: %w", err)
		}
		entries = append(entries, release)

		// Refunds return to the accounts that funded each slot, in
		// first-participation order for a deterministic ledger.
		for _, participantID := range app.Participants {
			refund := refunds[participantID]
			if refund == 0 {
				continue
			}
			acct, err := load(participantID)
			if err != nil {
				return err
			}
			entry, err := ledger.Credit(acct, refund, ledger.ReasonEscrowRefund, appID)
			if err != nil {
				return err
			}
			entries = append(entries, entry)
		}

		if totalFee > 0 {
			recipientID := app.OwnerID
			if app.FeeRecipient == market.FeeToPlatform {
				recipientID = ledger.PlatformAccountID
			}
			acct, err := load(recipientID)
			if err != nil {
				return err
			}
			entry, err := ledger.Credit(acct, totalFee, ledger.ReasonEscrowFee, appID)
			if err != nil {
				return err
			}
			entries = append(entries, entry)
		}

		now := time.Now().UTC()
		summary = market.Summary{TotalFee: totalFee, TotalRefund: totalRefund, ComputedAt: now}
		app.Summary = &summary
		app.Settled = true
		app.Closed = true
		app.State = market.StateSettled
		app.LastActivityAt = now

		unit := storage.Unit{
			Applications: []market.Application{app},
			Entries:      entries,
		}
		for _, acct := range accounts {
			unit.Accounts = append(unit.Accounts, *acct)
		}
		if _, err := s.store.CommitUnit(ctx, unit); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		metrics.RecordSettlement(settleResultLabel(err))
		if errors.Is(err, storage.ErrConflictRetryExhausted) {
			metrics.RecordConflictExhausted()
		}
		return market.Summary{}, err
	}
	if !applied {
		metrics.RecordSettlement("noop")
		return summary, nil
	}

	metrics.RecordSettlement("ok")
	s.log.WithField("application_id", appID).
		WithField("total_fee", summary.TotalFee).
		WithField("total_refund", summary.TotalRefund).
		Info("application settled")
	s.bus.Publish(events.Event{Type: events.ApplicationSettled, ApplicationID: appID})
	return summary, nil
}

// applyDefault resolves every pending slot to the default outcome. The
// outcome must be confirmed or a rejection reason the item type allows.
func (s *Service) applyDefault(app *market.Application, outcome fees.Outcome) error {
	if outcome != fees.OutcomeConfirmed {
		spec, ok := s.catalog.Lookup(app.ItemType)
		if !ok {
			return fmt.Errorf("unknown item type %q", app.ItemType)
		}
		if !spec.AllowsReason(string(outcome)) {
			return fmt.Errorf("default outcome %q not allowed for item type %s: %w",
				outcome, app.ItemType, market.ErrInvalidRejectionReason)
		}
	}
	for i := range app.Slots {
		if app.Slots[i].Resolved() {
			continue
		}
		if outcome == fees.OutcomeConfirmed {
			app.Slots[i].Confirmation = market.ConfirmationConfirmed
			app.Slots[i].RejectionReason = ""
		} else {
			app.Slots[i].Confirmation = market.ConfirmationRejected
			app.Slots[i].RejectionReason = string(outcome)
		}
	}
	return nil
}

// RejectApplication moves an application to the terminal rejected state
// without moving funds. Resolving the stranded escrow is an external
// administrative concern; the engine only guarantees settlement refuses
// to run afterward. Rejecting an already rejected application is a
// no-op.
func (s *Service) RejectApplication(ctx context.Context, appID, actor string) (market.Application, error) {
	var out market.Application
	var applied bool
	err := storage.RunAtomic(ctx, s.attempts, func(ctx context.Context) error {
		applied = false
		app, err := s.store.GetApplication(ctx, appID)
		if err != nil {
			return err
		}
		if app.Settled {
			return fmt.Errorf("application %s: %w", appID, market.ErrAlreadySettled)
		}
		if app.Rejected {
			out = app
			return nil
		}

		app.Rejected = true
		app.Closed = true
		app.CloseReason = market.CloseReasonRejected
		app.State = market.StateRejected
		app.LastActivityAt = time.Now().UTC()

		committed, err := s.store.CommitUnit(ctx, storage.Unit{Applications: []market.Application{app}})
		if err != nil {
			return err
		}
		out = committed.Applications[0]
		applied = true
		return nil
	})
	if err != nil {
		return market.Application{}, err
	}
	if applied {
		s.log.WithField("application_id", appID).
			WithField("actor", actor).
			Warn("application rejected; escrow requires external resolution")
		s.bus.Publish(events.Event{Type: events.ApplicationRejected, ApplicationID: appID, Actor: actor})
	}
	return out, nil
}

func settleResultLabel(err error) string {
	switch {
	case errors.Is(err, market.ErrInvalidStateTransition):
		return "invalid_state"
	case errors.Is(err, market.ErrSlotNotResolved):
		return "slot_not_resolved"
	case errors.Is(err, storage.ErrConflictRetryExhausted):
		return "conflict_exhausted"
	default:
		return "error"
	}
}
