/*
store.go - Collaborator interfaces for the subsystems a transition touches

PURPOSE:
  Defines the boundary between the transition core and the services that
  own rental, booking, inventory and item records. The core never assumes
  how these are stored; SQLite, a remote API or the in-memory store can
  sit behind them.

KEY INTERFACES:
  RentalLedger:       Active rental lines for an item
  BookingCalendar:    Open bookings, cancel and restore
  Inventory:          Unit counts by status across locations
  ItemDirectory:      Item lookup and availability flags
  AuthorityDirectory: Actor -> authority tier
  State:              The four above, as one read/write surface
  TxState:            State plus atomic multi-write execution

ATOMICITY:
  Checkpoint capture and rollback restoration run inside TxState.WithTx.
  If fn returns an error every write made through the State passed to fn
  is discarded. A rollback that fails partway therefore leaves nothing
  half-restored.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite-backed, real SQL transactions
  - generic/store/memory.go: In-memory for tests, snapshot/restore

SEE ALSO:
  - conflict/detector.go: Reads RentalLedger, BookingCalendar, Inventory
  - failsafe/manager.go: Uses TxState for checkpoint and rollback
*/
package generic

import (
	"context"
	"time"
)

// =============================================================================
// READ SURFACES
// =============================================================================

// RentalLedger is the rental subsystem.
type RentalLedger interface {
	// FindActiveRentalLines returns lines for the item in an active status
	// whose end date is unset or on/after asOf. Late lines are returned
	// whatever their end date: the item is still out.
	FindActiveRentalLines(ctx context.Context, itemID ItemID, asOf time.Time) ([]RentalLineSummary, error)
}

// BookingCalendar is the booking subsystem.
type BookingCalendar interface {
	// FindOpenBookings returns pending/confirmed bookings for the item whose
	// pickup date is on/after asOf, ordered by pickup date.
	FindOpenBookings(ctx context.Context, itemID ItemID, asOf time.Time) ([]BookingSummary, error)

	// GetBooking returns ErrBookingNotFound for unknown ids.
	GetBooking(ctx context.Context, id BookingID) (*BookingSummary, error)

	CancelBooking(ctx context.Context, id BookingID) error

	// RestoreBooking puts a cancelled booking back into priorStatus.
	RestoreBooking(ctx context.Context, id BookingID, priorStatus BookingStatus) error
}

// Inventory is the stock subsystem.
type Inventory interface {
	// UnitCountsByStatus sums units of the item per status over all locations.
	UnitCountsByStatus(ctx context.Context, itemID ItemID) (UnitCounts, error)
}

// ItemDirectory is the item master.
type ItemDirectory interface {
	// GetItem returns ErrItemNotFound for unknown ids.
	GetItem(ctx context.Context, id ItemID) (*Item, error)

	SetSaleable(ctx context.Context, id ItemID, saleable bool) error
	SetRentable(ctx context.Context, id ItemID, rentable bool) error
}

// AuthorityDirectory resolves actors to their tier.
type AuthorityDirectory interface {
	// AuthorityOf returns TierRegular for unknown actors.
	AuthorityOf(ctx context.Context, actor ActorID) (AuthorityTier, error)
}

// =============================================================================
// TRANSACTIONAL STATE - For atomic capture and restore
// =============================================================================

// State is every surface a transition reads or writes.
type State interface {
	ItemDirectory
	RentalLedger
	BookingCalendar
	Inventory
}

// TxState wraps State with transaction support.
type TxState interface {
	State

	// WithTx executes fn within a transaction.
	// If fn returns error, every write made through the passed State is rolled back.
	// If fn returns nil, the writes are committed.
	WithTx(ctx context.Context, fn func(State) error) error
}
