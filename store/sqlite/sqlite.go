/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  One database holds both sides of the transition:
  - The collaborator records a transition reads and writes (items,
    rental lines, bookings, inventory units, users)
  - The transition's own records (checkpoints, transition requests,
    sale conflict audit rows)
  In production the collaborator tables belong to other services; the
  interfaces in generic/store.go are the seam where a remote client
  would replace them.

INTERFACES IMPLEMENTED:
  generic.TxState:            Item, rental, booking and stock surfaces + WithTx
  generic.AuthorityDirectory: users.authority_tier
  failsafe.CheckpointStore:   checkpoints
  transition.Store:           transitions, sale_conflicts

KEY TABLES:
  items:           Availability flags and listed value
  rental_lines:    Rental lines with status and end date
  bookings:        Future bookings with pickup date
  inventory_units: One row per physical unit, per location
  users:           Actor authority tiers
  checkpoints:     Snapshot JSON, expiry, single-use flag
  transitions:     Transition request lifecycle
  sale_conflicts:  One audit row per conflict per request

SINGLE USE:
  Claim is UPDATE ... WHERE used = 0 and checks RowsAffected, so two
  processes sharing the file cannot both consume the same checkpoint.

TIMESTAMPS:
  Stored as fixed-width UTC text (timeLayout) so string comparison in
  SQL matches time order. Day-granular filters use SQLite's DATE().

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. WithTx holds the write lock for the
  whole transaction; the State passed to fn runs on the *sql.Tx and never
  takes the mutex.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency.

USAGE:
  store, err := sqlite.New("./data/transition.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - generic/store.go: Collaborator interfaces
  - failsafe/checkpoint.go: CheckpointStore
  - transition/types.go: Store
  - generic/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/sale-transition/generic"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: keeps ":memory:" a single database and serializes writers.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Item master
	CREATE TABLE IF NOT EXISTS items (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		is_saleable INTEGER NOT NULL DEFAULT 0,
		is_rentable INTEGER NOT NULL DEFAULT 1,
		listed_value TEXT NOT NULL DEFAULT '0',
		updated_at TEXT NOT NULL
	);

	-- Rental lines
	CREATE TABLE IF NOT EXISTS rental_lines (
		id TEXT PRIMARY KEY,
		rental_id TEXT NOT NULL,
		item_id TEXT NOT NULL,
		status TEXT NOT NULL,
		start_date TEXT NOT NULL,
		end_date TEXT,
		customer_id TEXT NOT NULL,
		line_total TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_rental_lines_item_status
		ON rental_lines(item_id, status);

	-- Bookings
	CREATE TABLE IF NOT EXISTS bookings (
		id TEXT PRIMARY KEY,
		item_id TEXT NOT NULL,
		status TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		pickup_date TEXT NOT NULL,
		return_date TEXT NOT NULL,
		line_total TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_bookings_item_pickup
		ON bookings(item_id, pickup_date);

	-- Physical units across locations
	CREATE TABLE IF NOT EXISTS inventory_units (
		id TEXT PRIMARY KEY,
		item_id TEXT NOT NULL,
		location_id TEXT NOT NULL,
		status TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_inventory_units_item
		ON inventory_units(item_id, status);

	-- Actors
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		authority_tier TEXT NOT NULL DEFAULT 'regular'
	);

	-- Checkpoints (single use, expiring)
	CREATE TABLE IF NOT EXISTS checkpoints (
		id TEXT PRIMARY KEY,
		item_id TEXT NOT NULL,
		transition_id TEXT NOT NULL,
		snapshot_json TEXT NOT NULL,
		created_at TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		used INTEGER NOT NULL DEFAULT 0,
		used_at TEXT,
		committed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_checkpoints_item
		ON checkpoints(item_id, used, expires_at);

	-- Transition requests
	CREATE TABLE IF NOT EXISTS transitions (
		id TEXT PRIMARY KEY,
		item_id TEXT NOT NULL,
		requested_by TEXT NOT NULL,
		sale_price TEXT NOT NULL,
		keep_rentable INTEGER NOT NULL DEFAULT 0,
		cancel_bookings INTEGER NOT NULL DEFAULT 0,
		reason TEXT,
		status TEXT NOT NULL,
		risk_score INTEGER NOT NULL DEFAULT 0,
		revenue_impact TEXT NOT NULL DEFAULT '0',
		approval_json TEXT,
		checkpoint_id TEXT,
		reviewed_by TEXT,
		reviewed_at TEXT,
		review_notes TEXT,
		result_message TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transitions_item_status
		ON transitions(item_id, status);

	-- Conflict audit rows
	CREATE TABLE IF NOT EXISTS sale_conflicts (
		id TEXT PRIMARY KEY,
		transition_id TEXT NOT NULL,
		item_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		severity TEXT NOT NULL,
		description TEXT,
		customer_id TEXT,
		financial_impact TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sale_conflicts_transition
		ON sale_conflicts(transition_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Reset clears all data (for testing/demo purposes).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"sale_conflicts", "transitions", "checkpoints", "users", "inventory_units", "bookings", "rental_lines", "items"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	return nil
}

// =============================================================================
// TRANSACTIONAL STATE (generic.TxState interface)
// =============================================================================

// dbtx is the part of *sql.DB and *sql.Tx the queries need.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(generic.State) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txState{q: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

type txState struct {
	q dbtx
}

func (ts *txState) GetItem(ctx context.Context, id generic.ItemID) (*generic.Item, error) {
	return getItem(ctx, ts.q, id)
}

func (ts *txState) SetSaleable(ctx context.Context, id generic.ItemID, saleable bool) error {
	return setItemFlag(ctx, ts.q, id, "is_saleable", saleable)
}

func (ts *txState) SetRentable(ctx context.Context, id generic.ItemID, rentable bool) error {
	return setItemFlag(ctx, ts.q, id, "is_rentable", rentable)
}

func (ts *txState) FindActiveRentalLines(ctx context.Context, itemID generic.ItemID, asOf time.Time) ([]generic.RentalLineSummary, error) {
	return findActiveRentalLines(ctx, ts.q, itemID, asOf)
}

func (ts *txState) FindOpenBookings(ctx context.Context, itemID generic.ItemID, asOf time.Time) ([]generic.BookingSummary, error) {
	return findOpenBookings(ctx, ts.q, itemID, asOf)
}

func (ts *txState) GetBooking(ctx context.Context, id generic.BookingID) (*generic.BookingSummary, error) {
	return getBooking(ctx, ts.q, id)
}

func (ts *txState) CancelBooking(ctx context.Context, id generic.BookingID) error {
	return setBookingStatus(ctx, ts.q, id, generic.BookingCancelled)
}

func (ts *txState) RestoreBooking(ctx context.Context, id generic.BookingID, prior generic.BookingStatus) error {
	return setBookingStatus(ctx, ts.q, id, prior)
}

func (ts *txState) UnitCountsByStatus(ctx context.Context, itemID generic.ItemID) (generic.UnitCounts, error) {
	return unitCountsByStatus(ctx, ts.q, itemID)
}

// Helper functions

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
