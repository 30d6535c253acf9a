/*
Package generic provides the shared vocabulary of the sale-transition engine.

PURPOSE:
  This package contains the record types exchanged with the subsystems the
  engine coordinates: the item directory, the rental ledger, the booking
  calendar and inventory. The conflict engine, the failsafe manager and the
  transition service all speak in these types, and the stores implement
  the collaborator interfaces in store.go against them.

KEY CONCEPTS IN THIS FILE (types.go):
  - Identifiers: type-safe IDs for items, customers, rentals, bookings
  - Item / ItemFlags: the availability flags a transition flips
  - RentalLineSummary: one line of an in-flight rental
  - BookingSummary: one future commitment on the booking calendar
  - UnitStatus: per-unit inventory state across locations
  - AuthorityTier: organizational tier used for approvals

DESIGN PRINCIPLES:
  1. Precision: money is decimal.Decimal, never float64
  2. Type Safety: distinct ID types prevent mixing item and booking IDs
  3. Plain data: nothing here talks to storage, see store.go

SEE ALSO:
  - store.go: Collaborator interfaces
  - errors.go: Sentinel and structured errors
  - time.go: Day arithmetic used for severity buckets
*/
package generic

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ItemID string
type CustomerID string
type RentalLineID string
type BookingID string
type ActorID string

// =============================================================================
// ITEM - The thing being reclassified
// =============================================================================

// Item is the directory view of an inventory item.
type Item struct {
	ID          ItemID
	Name        string
	IsSaleable  bool
	IsRentable  bool
	ListedValue decimal.Decimal
}

// Flags returns the availability flags of the item.
func (i Item) Flags() ItemFlags {
	return ItemFlags{IsSaleable: i.IsSaleable, IsRentable: i.IsRentable}
}

// ItemFlags are the mutable availability flags captured by a checkpoint.
type ItemFlags struct {
	IsSaleable bool `json:"is_saleable"`
	IsRentable bool `json:"is_rentable"`
}

// =============================================================================
// RENTALS
// =============================================================================

type RentalStatus string

const (
	RentalReserved          RentalStatus = "reserved"
	RentalInProgress        RentalStatus = "in_progress"
	RentalExtended          RentalStatus = "extended"
	RentalPartiallyReturned RentalStatus = "partially_returned"
	RentalLate              RentalStatus = "late"
	RentalLatePartialReturn RentalStatus = "late_partial_return"
	RentalReturned          RentalStatus = "returned"
	RentalCancelled         RentalStatus = "cancelled"
)

// ActiveRentalStatuses are the statuses where the item is physically out.
var ActiveRentalStatuses = []RentalStatus{
	RentalInProgress,
	RentalExtended,
	RentalPartiallyReturned,
	RentalLate,
	RentalLatePartialReturn,
}

// IsActive reports whether the rental still holds the item.
func (s RentalStatus) IsActive() bool {
	for _, a := range ActiveRentalStatuses {
		if s == a {
			return true
		}
	}
	return false
}

// IsLate reports whether the rental is past its due date.
func (s RentalStatus) IsLate() bool {
	return s == RentalLate || s == RentalLatePartialReturn
}

// RentalLineSummary is one rental line referencing the item.
type RentalLineSummary struct {
	ID         RentalLineID    `json:"id"`
	RentalID   string          `json:"rental_id"`
	ItemID     ItemID          `json:"item_id"`
	Status     RentalStatus    `json:"status"`
	StartDate  time.Time       `json:"start_date"`
	EndDate    *time.Time      `json:"end_date,omitempty"` // nil = open-ended
	CustomerID CustomerID      `json:"customer_id"`
	LineTotal  decimal.Decimal `json:"line_total"`
}

// =============================================================================
// BOOKINGS
// =============================================================================

type BookingStatus string

const (
	BookingPending   BookingStatus = "pending"
	BookingConfirmed BookingStatus = "confirmed"
	BookingCancelled BookingStatus = "cancelled"
	BookingCompleted BookingStatus = "completed"
)

// IsOpen reports whether the booking is still a future commitment.
func (s BookingStatus) IsOpen() bool {
	return s == BookingPending || s == BookingConfirmed
}

// BookingSummary is one booking line for the item.
type BookingSummary struct {
	ID         BookingID       `json:"id"`
	ItemID     ItemID          `json:"item_id"`
	Status     BookingStatus   `json:"status"`
	CustomerID CustomerID      `json:"customer_id"`
	PickupDate time.Time       `json:"pickup_date"`
	ReturnDate time.Time       `json:"return_date"`
	LineTotal  decimal.Decimal `json:"line_total"`
}

// =============================================================================
// INVENTORY
// =============================================================================

type UnitStatus string

const (
	UnitAvailable   UnitStatus = "available"
	UnitRented      UnitStatus = "rented"
	UnitMaintenance UnitStatus = "maintenance"
	UnitDamaged     UnitStatus = "damaged"
	UnitSold        UnitStatus = "sold"
)

// IsSellable is false for units that cannot be handed to a buyer right now.
func (s UnitStatus) IsSellable() bool {
	switch s {
	case UnitRented, UnitMaintenance, UnitDamaged:
		return false
	}
	return true
}

// UnitCounts maps unit status to the number of units in it, summed over locations.
type UnitCounts map[UnitStatus]int

// Total returns the number of units across all statuses.
func (c UnitCounts) Total() int {
	n := 0
	for _, v := range c {
		n += v
	}
	return n
}

// =============================================================================
// AUTHORITY
// =============================================================================

// AuthorityTier is the organizational tier of an actor. Ordered.
type AuthorityTier int

const (
	TierRegular AuthorityTier = iota
	TierManager
	TierSeniorManager
)

func (t AuthorityTier) String() string {
	switch t {
	case TierManager:
		return "manager"
	case TierSeniorManager:
		return "senior_manager"
	default:
		return "regular"
	}
}

// ParseAuthorityTier maps a stored role name to a tier. Unknown roles are regular.
func ParseAuthorityTier(s string) AuthorityTier {
	switch s {
	case "manager":
		return TierManager
	case "senior_manager":
		return TierSeniorManager
	default:
		return TierRegular
	}
}
