// Package app composes the escrow engine: stores, domain services, the
// event bus, and lifecycle-managed background workers. Business rules
// live in internal/app/services; this package only wires them.
package app

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/trademesh/escrow/internal/app/domain/fees"
	ledgerdom "github.com/trademesh/escrow/internal/app/domain/ledger"
	"github.com/trademesh/escrow/internal/app/domain/market"
	"github.com/trademesh/escrow/internal/app/events"
	confirmationsvc "github.com/trademesh/escrow/internal/app/services/confirmation"
	ledgersvc "github.com/trademesh/escrow/internal/app/services/ledger"
	participationsvc "github.com/trademesh/escrow/internal/app/services/participation"
	settlementsvc "github.com/trademesh/escrow/internal/app/services/settlement"
	sweepersvc "github.com/trademesh/escrow/internal/app/services/sweeper"
	"github.com/trademesh/escrow/internal/app/storage"
	"github.com/trademesh/escrow/internal/app/storage/memory"
	"github.com/trademesh/escrow/internal/app/system"
	"github.com/trademesh/escrow/pkg/logger"
)

// Options configures the application. Zero values select the in-memory
// store, the default catalog and fee schedule, and the default lease.
type Options struct {
	Store       storage.Store
	Catalog     market.Catalog
	FeeSource   fees.Source
	LeaseWindow time.Duration
}

// Application ties the escrow services together and manages their
// lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Store         storage.Store
	Bus           *events.Bus
	Ledger        *ledgersvc.Service
	Participation *participationsvc.Service
	Confirmation  *confirmationsvc.Service
	Settlement    *settlementsvc.Service
	Sweeper       *sweepersvc.Sweeper
}

// New builds a fully initialised application.
func New(opts Options, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}
	if opts.Store == nil {
		opts.Store = memory.New()
	}
	if opts.Catalog == nil {
		opts.Catalog = market.DefaultCatalog()
	}
	if opts.FeeSource == nil {
		opts.FeeSource = fees.StaticSource{Schedule: fees.DefaultSchedule()}
	}
	if opts.LeaseWindow <= 0 {
		opts.LeaseWindow = leaseFromEnv()
	}

	bus := events.NewBus()
	ledgerService := ledgersvc.New(opts.Store, log)

	// The platform fee account must exist before the first settlement
	// that routes a fee to it.
	if _, err := ledgerService.EnsureAccount(context.Background(), ledgerdom.PlatformAccountID, "platform"); err != nil {
		return nil, fmt.Errorf("ensure platform account: %w", err)
	}

	participationService := participationsvc.New(opts.Store, opts.Catalog, bus, log)
	confirmationService := confirmationsvc.New(opts.Store, opts.Catalog, bus, log)
	settlementService := settlementsvc.New(opts.Store, opts.FeeSource, opts.Catalog, bus, log)
	sweep := sweepersvc.New(opts.Store, bus, opts.LeaseWindow, log)

	manager := system.NewManager()
	if err := manager.Register(sweep); err != nil {
		return nil, fmt.Errorf("register %s: %w", sweep.Name(), err)
	}

	return &Application{
		manager:       manager,
		log:           log,
		Store:         opts.Store,
		Bus:           bus,
		Ledger:        ledgerService,
		Participation: participationService,
		Confirmation:  confirmationService,
		Settlement:    settlementService,
		Sweeper:       sweep,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before
// Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered background services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all background services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}

func leaseFromEnv() time.Duration {
	raw := strings.TrimSpace(os.Getenv("ESCROW_LEASE_MINUTES"))
	if raw == "" {
		return sweepersvc.DefaultLease
	}
	minutes, err := strconv.Atoi(raw)
	if err != nil || minutes <= 0 {
		return sweepersvc.DefaultLease
	}
	return time.Duration(minutes) * time.Minute
}
