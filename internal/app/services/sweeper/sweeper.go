// Package sweeper reclaims abandoned in-progress escrows. Applications
// stuck awaiting fulfillment or confirmation past the lease window are
// moved to the terminal expired state without settlement. Each
// transition goes through the optimistic atomic unit, so a human action
// resolving the application at the same instant wins cleanly.
package sweeper

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/trademesh/escrow/internal/app/domain/market"
	"github.com/trademesh/escrow/internal/app/events"
	"github.com/trademesh/escrow/internal/app/metrics"
	"github.com/trademesh/escrow/internal/app/storage"
	"github.com/trademesh/escrow/internal/app/system"
	"github.com/trademesh/escrow/pkg/logger"
)

// DefaultLease is the inactivity window after which an in-progress
// application is reclaimed.
const DefaultLease = 10 * time.Minute

// Sweeper periodically expires stale applications.
type Sweeper struct {
	store    storage.Store
	bus      *events.Bus
	lease    time.Duration
	interval time.Duration
	log      *logger.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

var _ system.Service = (*Sweeper)(nil)

// New constructs a sweeper with the given lease window.
func New(store storage.Store, bus *events.Bus, lease time.Duration, log *logger.Logger) *Sweeper {
	if log == nil {
		log = logger.NewDefault("sweeper")
	}
	if lease <= 0 {
		lease = DefaultLease
	}
	return &Sweeper{
		store:    store,
		bus:      bus,
		lease:    lease,
		interval: time.Minute,
		log:      log,
	}
}

func (s *Sweeper) Name() string { return "expiry-sweeper" }

func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if _, err := s.Run(runCtx, time.Now().Add(-s.lease)); err != nil {
					s.log.WithError(err).Warn("expiry sweep failed")
				}
			}
		}
	}()

	s.log.WithField("lease", s.lease.String()).Info("expiry sweeper started")
	return nil
}

func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.running = false
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	return nil
}

// Run expires every in-progress application whose last activity is
// before cutoff and returns the number reclaimed. It is also the entry
// point for an externally scheduled trigger.
func (s *Sweeper) Run(ctx context.Context, cutoff time.Time) (int, error) {
	candidates, err := s.store.ListApplications(ctx, storage.ApplicationFilter{
		States: []market.State{
			market.StateAwaitingFulfillment,
			market.StateAwaitingConfirmation,
		},
		OpenOnly:           true,
		LastActivityBefore: cutoff,
	})
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, candidate := range candidates {
		if err := s.expire(ctx, candidate.ID, cutoff); err != nil {
			// A concurrent resolution is not a sweep failure.
			if errors.Is(err, storage.ErrConflictRetryExhausted) || errors.Is(err, market.ErrInvalidStateTransition) {
				continue
			}
			return expired, err
		}
		expired++
	}
	return expired, nil
}

func (s *Sweeper) expire(ctx context.Context, appID string, cutoff time.Time) error {
	err := storage.RunAtomic(ctx, storage.DefaultAtomicAttempts, func(ctx context.Context) error {
		app, err := s.store.GetApplication(ctx, appID)
		if err != nil {
			return err
		}
		// Re-check against fresh state: a racing confirm, settle, or
		// reject between list and commit must win.
		if app.Terminal() {
			return market.ErrInvalidStateTransition
		}
		if app.State != market.StateAwaitingFulfillment && app.State != market.StateAwaitingConfirmation {
			return market.ErrInvalidStateTransition
		}
		if !app.LastActivityAt.Before(cutoff) {
			return market.ErrInvalidStateTransition
		}

		app.Closed = true
		app.CloseReason = market.CloseReasonExpired
		app.State = market.StateExpired
		_, err = s.store.CommitUnit(ctx, storage.Unit{Applications: []market.Application{app}})
		return err
	})
	if err != nil {
		return err
	}

	metrics.RecordExpiration()
	s.log.WithField("application_id", appID).Info("application expired")
	s.bus.Publish(events.Event{Type: events.ApplicationExpired, ApplicationID: appID})
	return nil
}
