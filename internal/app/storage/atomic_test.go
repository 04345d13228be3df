package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/trademesh/escrow/internal/app/domain/market"
)

func TestRunAtomicSucceedsAfterConflicts(t *testing.T) {
	calls := 0
	err := RunAtomic(context.Background(), 5, func(context.Context) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("commit: %w", ErrVersionConflict)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("run atomic: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestRunAtomicExhaustsBudget(t *testing.T) {
	calls := 0
	err := RunAtomic(context.Background(), 4, func(context.Context) error {
		calls++
		return ErrVersionConflict
	})
	if !errors.Is(err, ErrConflictRetryExhausted) {
		t.Fatalf("expected retry exhaustion, got %v", err)
	}
	if calls != 4 {
		t.Fatalf("expected 4 attempts, got %d", calls)
	}
}

func TestRunAtomicStopsOnOtherErrors(t *testing.T) {
	sentinel := errors.New("boom")
	calls := 0
	err := RunAtomic(context.Background(), 5, func(context.Context) error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("non-conflict errors must not retry, got %d calls", calls)
	}
}

func TestRunAtomicHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := RunAtomic(ctx, 5, func(context.Context) error {
		t.Fatal("fn must not run after cancellation")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}
}

func TestFilterMatchesLastActivity(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	stale := market.Application{State: market.StateAwaitingFulfillment, LastActivityAt: base.Add(-time.Hour)}
	fresh := market.Application{State: market.StateAwaitingFulfillment, LastActivityAt: base.Add(time.Hour)}

	f := ApplicationFilter{LastActivityBefore: base}
	if !f.Matches(stale) {
		t.Fatal("stale application should match the cutoff")
	}
	if f.Matches(fresh) {
		t.Fatal("fresh application must not match the cutoff")
	}

	if !(ApplicationFilter{}).Matches(fresh) {
		t.Fatal("zero filter must match everything")
	}
}
