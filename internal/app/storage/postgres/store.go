// Package postgres implements the storage interfaces backed by
// PostgreSQL. Atomic units become a single SQL transaction whose
// version-guarded updates reproduce the optimistic-conflict contract.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/trademesh/escrow/internal/app/domain/ledger"
	"github.com/trademesh/escrow/internal/app/domain/market"
	"github.com/trademesh/escrow/internal/app/storage"
)

// Store implements storage.Store on a PostgreSQL handle.
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return New(db), nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// Migrate creates the schema when it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS escrow_applications (
	id               TEXT PRIMARY KEY,
	owner_id         TEXT NOT NULL,
	owner_role       TEXT NOT NULL,
	item_type        TEXT NOT NULL,
	status           TEXT NOT NULL,
	unit_price       BIGINT NOT NULL,
	alt_unit_price   BIGINT NOT NULL DEFAULT 0,
	total_quantity   INT NOT NULL,
	remaining_qty    INT NOT NULL,
	participants     JSONB NOT NULL DEFAULT '[]',
	participant_qty  JSONB NOT NULL DEFAULT '{}',
	slots            JSONB NOT NULL DEFAULT '[]',
	escrow_funded_by TEXT NOT NULL,
	fee_recipient    TEXT NOT NULL,
	approved         BOOLEAN NOT NULL DEFAULT FALSE,
	rejected         BOOLEAN NOT NULL DEFAULT FALSE,
	closed           BOOLEAN NOT NULL DEFAULT FALSE,
	settled          BOOLEAN NOT NULL DEFAULT FALSE,
	close_reason     TEXT NOT NULL DEFAULT '',
	state            TEXT NOT NULL,
	summary          JSONB,
	version          BIGINT NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL,
	last_activity_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS escrow_accounts (
	id         TEXT PRIMARY KEY,
	owner_id   TEXT NOT NULL,
	balance    BIGINT NOT NULL CHECK (balance >= 0),
	version    BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS escrow_ledger_entries (
	id             TEXT PRIMARY KEY,
	account_id     TEXT NOT NULL,
	delta          BIGINT NOT NULL,
	reason         TEXT NOT NULL,
	application_id TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_escrow_entries_account ON escrow_ledger_entries (account_id);
CREATE INDEX IF NOT EXISTS idx_escrow_entries_application ON escrow_ledger_entries (application_id);
CREATE INDEX IF NOT EXISTS idx_escrow_applications_state ON escrow_applications (state);
`

// MarketStore implementation -------------------------------------------------

func (s *Store) CreateApplication(ctx context.Context, app market.Application) (market.Application, error) {
	if app.ID == "" {
		app.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	app.CreatedAt = now
	app.UpdatedAt = now
	if app.LastActivityAt.IsZero() {
		app.LastActivityAt = now
	}
	app.Version = 1

	participants, participantQty, slots, summary, err := marshalApplication(app)
	if err != nil {
		return market.Application{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO escrow_applications (
			id, owner_id, owner_role, item_type, status, unit_price, alt_unit_price,
			total_quantity, remaining_qty, participants, participant_qty, slots,
			escrow_funded_by, fee_recipient, approved, rejected, closed, settled,
			close_reason, state, summary, version, created_at, updated_at, last_activity_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25)
	`, app.ID, app.OwnerID, app.OwnerRole, app.ItemType, app.Status, app.UnitPrice, app.AltUnitPrice,
		app.TotalQuantity, app.RemainingQuantity, participants, participantQty, slots,
		app.EscrowFundedBy, app.FeeRecipient, app.Approved, app.Rejected, app.Closed, app.Settled,
		app.CloseReason, app.State, summary, app.Version, app.CreatedAt, app.UpdatedAt, app.LastActivityAt)
	if err != nil {
		return market.Application{}, err
	}
	return app, nil
}

func (s *Store) GetApplication(ctx context.Context, id string) (market.Application, error) {
	return scanApplication(s.db.QueryRowContext(ctx, selectApplication+` WHERE id = $1`, id), id)
}

func (s *Store) ListApplications(ctx context.Context, filter storage.ApplicationFilter) ([]market.Application, error) {
	rows, err := s.db.QueryContext(ctx, selectApplication)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]market.Application, 0)
	for rows.Next() {
		app, err := scanApplication(rows, "")
		if err != nil {
			return nil, err
		}
		if filter.Matches(app) {
			result = append(result, app)
		}
	}
	return result, rows.Err()
}

const selectApplication = `
	SELECT id, owner_id, owner_role, item_type, status, unit_price, alt_unit_price,
	       total_quantity, remaining_qty, participants, participant_qty, slots,
	       escrow_funded_by, fee_recipient, approved, rejected, closed, settled,
	       close_reason, state, summary, version, created_at, updated_at, last_activity_at
	FROM escrow_applications`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanApplication(row rowScanner, id string) (market.Application, error) {
	var app market.Application
	var participants, participantQty, slots []byte
	var summary sql.NullString
	err := row.Scan(&app.ID, &app.OwnerID, &app.OwnerRole, &app.ItemType, &app.Status,
		&app.UnitPrice, &app.AltUnitPrice, &app.TotalQuantity, &app.RemainingQuantity,
		&participants, &participantQty, &slots, &app.EscrowFundedBy, &app.FeeRecipient,
		&app.Approved, &app.Rejected, &app.Closed, &app.Settled, &app.CloseReason,
		&app.State, &summary, &app.Version, &app.CreatedAt, &app.UpdatedAt, &app.LastActivityAt)
	if errors.Is(err, sql.ErrNoRows) {
		return market.Application{}, fmt.Errorf("application %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return market.Application{}, err
	}
	if err := json.Unmarshal(participants, &app.Participants); err != nil {
		return market.Application{}, err
	}
	if err := json.Unmarshal(participantQty, &app.ParticipantQuantity); err != nil {
		return market.Application{}, err
	}
	if err := json.Unmarshal(slots, &app.Slots); err != nil {
		return market.Application{}, err
	}
	if summary.Valid && summary.String != "" {
		var parsed market.Summary
		if err := json.Unmarshal([]byte(summary.String), &parsed); err != nil {
			return market.Application{}, err
		}
		app.Summary = &parsed
	}
	return app, nil
}

func marshalApplication(app market.Application) (participants, participantQty, slots []byte, summary interface{}, err error) {
	if app.Participants == nil {
		app.Participants = []string{}
	}
	if app.ParticipantQuantity == nil {
		app.ParticipantQuantity = map[string]int{}
	}
	if app.Slots == nil {
		app.Slots = []market.Slot{}
	}
	if participants, err = json.Marshal(app.Participants); err != nil {
		return
	}
	if participantQty, err = json.Marshal(app.ParticipantQuantity); err != nil {
		return
	}
	if slots, err = json.Marshal(app.Slots); err != nil {
		return
	}
	if app.Summary != nil {
		var raw []byte
		if raw, err = json.Marshal(app.Summary); err != nil {
			return
		}
		summary = string(raw)
	}
	return
}

// LedgerStore implementation -------------------------------------------------

func (s *Store) CreateAccount(ctx context.Context, acct ledger.Account) (ledger.Account, error) {
	if acct.ID == "" {
		acct.ID = uuid.NewString()
	}
	if acct.Balance < 0 {
		return ledger.Account{}, fmt.Errorf("account %s: negative opening balance", acct.ID)
	}
	now := time.Now().UTC()
	acct.CreatedAt = now
	acct.UpdatedAt = now
	acct.Version = 1

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO escrow_accounts (id, owner_id, balance, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, acct.ID, acct.OwnerID, acct.Balance, acct.Version, acct.CreatedAt, acct.UpdatedAt)
	if err != nil {
		return ledger.Account{}, err
	}
	return acct, nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (ledger.Account, error) {
	var acct ledger.Account
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, balance, version, created_at, updated_at
		FROM escrow_accounts WHERE id = $1
	`, id).Scan(&acct.ID, &acct.OwnerID, &acct.Balance, &acct.Version, &acct.CreatedAt, &acct.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, fmt.Errorf("account %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return ledger.Account{}, err
	}
	return acct, nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]ledger.Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, balance, version, created_at, updated_at FROM escrow_accounts
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]ledger.Account, 0)
	for rows.Next() {
		var acct ledger.Account
		if err := rows.Scan(&acct.ID, &acct.OwnerID, &acct.Balance, &acct.Version, &acct.CreatedAt, &acct.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, acct)
	}
	return result, rows.Err()
}

func (s *Store) ListEntries(ctx context.Context, accountID string) ([]ledger.Entry, error) {
	return s.listEntries(ctx, `account_id = $1`, accountID)
}

func (s *Store) ListEntriesByApplication(ctx context.Context, applicationID string) ([]ledger.Entry, error) {
	return s.listEntries(ctx, `application_id = $1`, applicationID)
}

func (s *Store) listEntries(ctx context.Context, where string, arg string) ([]ledger.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, delta, reason, application_id, created_at
		FROM escrow_ledger_entries WHERE `+where+` ORDER BY created_at
	`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]ledger.Entry, 0)
	for rows.Next() {
		var entry ledger.Entry
		if err := rows.Scan(&entry.ID, &entry.AccountID, &entry.Delta, &entry.Reason, &entry.ApplicationID, &entry.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, entry)
	}
	return result, rows.Err()
}

// UnitStore implementation ---------------------------------------------------

// CommitUnit applies the write set in one SQL transaction. Updates are
// guarded with "version = read version"; any row the guard misses
// aborts the transaction with ErrVersionConflict.
func (s *Store) CommitUnit(ctx context.Context, unit storage.Unit) (storage.Unit, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.Unit{}, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	committed := storage.Unit{}

	for _, app := range unit.Applications {
		participants, participantQty, slots, summary, err := marshalApplication(app)
		if err != nil {
			return storage.Unit{}, err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE escrow_applications SET
				status = $1, remaining_qty = $2, participants = $3, participant_qty = $4,
				slots = $5, approved = $6, rejected = $7, closed = $8, settled = $9,
				close_reason = $10, state = $11, summary = $12, version = version + 1,
				updated_at = $13, last_activity_at = $14
			WHERE id = $15 AND version = $16
		`, app.Status, app.RemainingQuantity, participants, participantQty, slots,
			app.Approved, app.Rejected, app.Closed, app.Settled, app.CloseReason,
			app.State, summary, now, app.LastActivityAt, app.ID, app.Version)
		if err != nil {
			return storage.Unit{}, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return storage.Unit{}, err
		}
		if affected == 0 {
			return storage.Unit{}, fmt.Errorf("application %s: %w", app.ID, storage.ErrVersionConflict)
		}
		app.Version++
		app.UpdatedAt = now
		committed.Applications = append(committed.Applications, app)
	}

	for _, acct := range unit.Accounts {
		if acct.Balance < 0 {
			return storage.Unit{}, fmt.Errorf("account %s: commit would leave negative balance %d", acct.ID, acct.Balance)
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE escrow_accounts SET balance = $1, version = version + 1, updated_at = $2
			WHERE id = $3 AND version = $4
		`, acct.Balance, now, acct.ID, acct.Version)
		if err != nil {
			return storage.Unit{}, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return storage.Unit{}, err
		}
		if affected == 0 {
			return storage.Unit{}, fmt.Errorf("account %s: %w", acct.ID, storage.ErrVersionConflict)
		}
		acct.Version++
		acct.UpdatedAt = now
		committed.Accounts = append(committed.Accounts, acct)
	}

	for _, entry := range unit.Entries {
		if entry.ID == "" {
			entry.ID = uuid.NewString()
		}
		entry.CreatedAt = now
		_, err := tx.ExecContext(ctx, `
			INSERT INTO escrow_ledger_entries (id, account_id, delta, reason, application_id, created_at)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, entry.ID, entry.AccountID, entry.Delta, entry.Reason, entry.ApplicationID, entry.CreatedAt)
		if err != nil {
			return storage.Unit{}, err
		}
		committed.Entries = append(committed.Entries, entry)
	}

	if err := tx.Commit(); err != nil {
		return storage.Unit{}, err
	}
	return committed, nil
}
