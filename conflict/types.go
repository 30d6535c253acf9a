/*
Package conflict detects the commitments a rentable->saleable transition would break.

PURPOSE:
  Before an item is reclassified for sale, every subsystem that may still
  hold a claim on it is scanned: active rentals, future and pending
  bookings, unit states across locations and scheduled maintenance. Each
  claim becomes a Conflict; the Report aggregates them into a risk score
  and a recommendation.

KEY CONCEPTS IN THIS FILE (types.go):
  - Kind: what sort of claim blocks the transition
  - Severity: ordered LOW < MEDIUM < HIGH < CRITICAL
  - Resolution: the ways an operator can clear a conflict
  - Detail: per-kind payload (closed set of variants)
  - Conflict: one immutable obstruction

RESOLUTION OPTIONS:
  Options are a fixed function of Kind:

    ACTIVE_RENTAL             WAIT_FOR_RETURN, POSTPONE_SALE
    FUTURE_BOOKING            CANCEL_BOOKING, TRANSFER_TO_ALTERNATIVE, OFFER_COMPENSATION, POSTPONE_SALE
    PENDING_BOOKING           CANCEL_BOOKING, TRANSFER_TO_ALTERNATIVE, POSTPONE_SALE
    CROSS_LOCATION_INVENTORY  WAIT_FOR_RETURN, POSTPONE_SALE, FORCE_SALE
    SCHEDULED_MAINTENANCE     POSTPONE_SALE, FORCE_SALE

SEE ALSO:
  - report.go: Aggregation, risk score, recommendation
  - detector.go: The concurrent sub-scans
*/
package conflict

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/sale-transition/generic"
)

// =============================================================================
// KIND
// =============================================================================

type Kind string

const (
	KindActiveRental           Kind = "ACTIVE_RENTAL"
	KindFutureBooking          Kind = "FUTURE_BOOKING"
	KindPendingBooking         Kind = "PENDING_BOOKING"
	KindCrossLocationInventory Kind = "CROSS_LOCATION_INVENTORY"
	KindScheduledMaintenance   Kind = "SCHEDULED_MAINTENANCE"
)

// AllKinds lists every conflict kind.
var AllKinds = []Kind{
	KindActiveRental,
	KindFutureBooking,
	KindPendingBooking,
	KindCrossLocationInventory,
	KindScheduledMaintenance,
}

// =============================================================================
// SEVERITY
// =============================================================================

// Severity is ordered: comparisons with < and > are meaningful.
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// Weight is the contribution of one conflict to the risk score.
func (s Severity) Weight() int {
	switch s {
	case SeverityLow:
		return 10
	case SeverityMedium:
		return 25
	case SeverityHigh:
		return 50
	case SeverityCritical:
		return 100
	}
	return 0
}

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	}
	return "UNKNOWN"
}

// ParseSeverity is the inverse of String.
func ParseSeverity(s string) Severity {
	switch s {
	case "LOW":
		return SeverityLow
	case "MEDIUM":
		return SeverityMedium
	case "HIGH":
		return SeverityHigh
	case "CRITICAL":
		return SeverityCritical
	}
	return 0
}

func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Severity) UnmarshalText(b []byte) error {
	*s = ParseSeverity(string(b))
	return nil
}

// =============================================================================
// RESOLUTION
// =============================================================================

type Resolution string

const (
	ResolutionWaitForReturn         Resolution = "WAIT_FOR_RETURN"
	ResolutionPostponeSale          Resolution = "POSTPONE_SALE"
	ResolutionCancelBooking         Resolution = "CANCEL_BOOKING"
	ResolutionTransferToAlternative Resolution = "TRANSFER_TO_ALTERNATIVE"
	ResolutionOfferCompensation     Resolution = "OFFER_COMPENSATION"
	ResolutionForceSale             Resolution = "FORCE_SALE"
)

// ResolutionOptions returns the fixed option set for a kind.
// Every entry of AllKinds has a non-empty set; an unknown kind gets nil.
func ResolutionOptions(k Kind) []Resolution {
	switch k {
	case KindActiveRental:
		return []Resolution{ResolutionWaitForReturn, ResolutionPostponeSale}
	case KindFutureBooking:
		return []Resolution{ResolutionCancelBooking, ResolutionTransferToAlternative, ResolutionOfferCompensation, ResolutionPostponeSale}
	case KindPendingBooking:
		return []Resolution{ResolutionCancelBooking, ResolutionTransferToAlternative, ResolutionPostponeSale}
	case KindCrossLocationInventory:
		return []Resolution{ResolutionWaitForReturn, ResolutionPostponeSale, ResolutionForceSale}
	case KindScheduledMaintenance:
		return []Resolution{ResolutionPostponeSale, ResolutionForceSale}
	}
	return nil
}

// =============================================================================
// DETAIL - Kind-specific payload
// =============================================================================

// Detail is implemented only by the variants below.
type Detail interface {
	isDetail()
}

// RentalDetail accompanies ACTIVE_RENTAL.
type RentalDetail struct {
	RentalStatus  generic.RentalStatus `json:"rental_status"`
	EndDate       *time.Time           `json:"end_date,omitempty"`
	DaysRemaining *int                 `json:"days_remaining,omitempty"` // nil when open-ended
}

// BookingDetail accompanies FUTURE_BOOKING and PENDING_BOOKING.
type BookingDetail struct {
	BookingStatus generic.BookingStatus `json:"booking_status"`
	PickupDate    time.Time             `json:"pickup_date"`
	ReturnDate    time.Time             `json:"return_date"`
	DaysUntil     int                   `json:"days_until"`
}

// InventoryDetail accompanies CROSS_LOCATION_INVENTORY.
type InventoryDetail struct {
	Rented      int `json:"rented"`
	Maintenance int `json:"maintenance"`
	Damaged     int `json:"damaged"`
}

// MaintenanceDetail accompanies SCHEDULED_MAINTENANCE.
type MaintenanceDetail struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

func (RentalDetail) isDetail()      {}
func (BookingDetail) isDetail()     {}
func (InventoryDetail) isDetail()   {}
func (MaintenanceDetail) isDetail() {}

// =============================================================================
// CONFLICT
// =============================================================================

// Conflict is one detected obstruction. Built once per detection run, never mutated.
type Conflict struct {
	Kind            Kind
	EntityID        string
	EntityType      string // "rental_line", "booking", "item"
	Severity        Severity
	Description     string
	CustomerID      generic.CustomerID // empty when no party is affected
	FinancialImpact decimal.Decimal
	Detail          Detail
}

// ResolutionOptions returns the options for this conflict's kind.
func (c Conflict) ResolutionOptions() []Resolution {
	return ResolutionOptions(c.Kind)
}
