// Package fees provides the fee schedule snapshot consumed by
// settlement. A schedule is immutable once read, which keeps fee
// computation a pure function of the slot outcomes.
package fees

import (
	"context"
	"fmt"

	"github.com/trademesh/escrow/internal/app/domain/market"
)

// Outcome keys a fee lookup. Confirmed slots use OutcomeConfirmed;
// rejected slots use their rejection reason.
type Outcome string

const (
	OutcomeConfirmed     Outcome = "confirmed"
	OutcomeAccessAccount Outcome = Outcome(market.ReasonAccessAccount)
	OutcomeNotReachable  Outcome = Outcome(market.ReasonNotReachable)
	OutcomeNotPossible   Outcome = Outcome(market.ReasonNotPossible)
)

// ForSlot derives the fee outcome from a resolved slot.
func ForSlot(slot market.Slot) (Outcome, error) {
	switch slot.Confirmation {
	case market.ConfirmationConfirmed:
		return OutcomeConfirmed, nil
	case market.ConfirmationRejected:
		return Outcome(slot.RejectionReason), nil
	default:
		return "", fmt.Errorf("slot %d: %w", slot.Index, market.ErrSlotNotResolved)
	}
}

// Schedule is a versioned fee table: item type and outcome to per-unit
// fee in minor currency units.
type Schedule struct {
	Version string                       `json:"version"`
	Table   map[string]map[Outcome]int64 `json:"table"`
}

// Resolve returns the per-unit fee for an item type and outcome.
// Outcomes declared fee-free (unreachable counterparty, impossible
// fulfillment) resolve to zero even when the table omits them; any
// other missing entry is an error so misconfiguration fails closed.
func (s Schedule) Resolve(itemType string, outcome Outcome) (int64, error) {
	if row, ok := s.Table[itemType]; ok {
		if fee, ok := row[outcome]; ok {
			if fee < 0 {
				return 0, fmt.Errorf("fee schedule %s: negative fee for %s/%s", s.Version, itemType, outcome)
			}
			return fee, nil
		}
	}
	if outcome == OutcomeNotReachable || outcome == OutcomeNotPossible {
		return 0, nil
	}
	return 0, fmt.Errorf("fee schedule %s: no fee for item type %q outcome %q", s.Version, itemType, outcome)
}

// Source supplies fee schedule snapshots. Settlement reads one snapshot
// per run and never mutates it.
type Source interface {
	ReadFeeSchedule(ctx context.Context) (Schedule, error)
}

// StaticSource serves a fixed schedule.
type StaticSource struct {
	Schedule Schedule
}

func (s StaticSource) ReadFeeSchedule(_ context.Context) (Schedule, error) {
	return s.Schedule, nil
}

// DefaultSchedule returns the built-in fee table for the default item
// catalog.
func DefaultSchedule() Schedule {
	return Schedule{
		Version: "default",
		Table: map[string]map[Outcome]int64{
			"account": {
				OutcomeConfirmed:     100,
				OutcomeAccessAccount: 50,
				OutcomeNotReachable:  0,
				OutcomeNotPossible:   0,
			},
			"bulk-item": {
				OutcomeConfirmed:    60,
				OutcomeNotReachable: 0,
				OutcomeNotPossible:  0,
			},
		},
	}
}
