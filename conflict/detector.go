/*
detector.go - Concurrent conflict detection across subsystems

PURPOSE:
  DetectAll runs four independent sub-scans against the item and merges
  whatever completed into a Report:

    ┌──────────────┐
    │   rentals    │──┐
    ├──────────────┤  │
    │   bookings   │──┤   errgroup, one timeout     ┌────────┐
    ├──────────────┤  ├─▶ per scan, errors kept ──▶ │ Report │
    │  inventory   │──┤   per slot                  └────────┘
    ├──────────────┤  │
    │ maintenance  │──┘
    └──────────────┘

DEGRADATION:
  A sub-scan that errors or exceeds ScanTimeout is logged and listed in
  Report.FailedScans. It never fails the call. Only an unknown item id
  is returned as an error.

SEVERITY RULES:
  Rentals:   late status -> CRITICAL, due within 7 days -> HIGH, else MEDIUM
  Bookings:  pickup in <=3 days CRITICAL, <=7 HIGH, <=30 MEDIUM, else LOW
  Inventory: any rented -> HIGH, any in maintenance -> MEDIUM, else LOW

ORDERING:
  Conflicts are emitted rentals, bookings, inventory, maintenance, each in
  collaborator order. Goroutine completion order never leaks into the report.

SEE ALSO:
  - report.go: Aggregation
  - generic/store.go: Collaborator interfaces
*/
package conflict

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/warp/sale-transition/generic"
)

// DefaultScanTimeout bounds each sub-scan when Detector.ScanTimeout is zero.
const DefaultScanTimeout = 5 * time.Second

// Rental severity: due within this many days is HIGH.
const rentalDueSoonDays = 7

// Booking severity buckets, in days until pickup.
const (
	bookingCriticalDays = 3
	bookingHighDays     = 7
	bookingMediumDays   = 30
)

// Scan names, as reported in Report.FailedScans.
const (
	ScanRentals     = "rentals"
	ScanBookings    = "bookings"
	ScanInventory   = "inventory"
	ScanMaintenance = "maintenance"
)

var errScanTimeout = errors.New("sub-scan timed out")

// Detector is the conflict detection engine. Safe for concurrent use.
type Detector struct {
	Items     generic.ItemDirectory
	Rentals   generic.RentalLedger
	Bookings  generic.BookingCalendar
	Inventory generic.Inventory

	ScanTimeout time.Duration
	Clock       generic.Clock
	Logger      logrus.FieldLogger
}

// NewDetector wires a detector over one generic.State.
func NewDetector(state generic.State, scanTimeout time.Duration, logger logrus.FieldLogger) *Detector {
	return &Detector{
		Items:       state,
		Rentals:     state,
		Bookings:    state,
		Inventory:   state,
		ScanTimeout: scanTimeout,
		Logger:      logger,
	}
}

type scanFunc func(ctx context.Context, itemID generic.ItemID, checkDate time.Time) ([]Conflict, error)

type scanResult struct {
	conflicts []Conflict
	err       error
}

// DetectAll scans every subsystem for the item as of checkDate (zero = now).
// The item must exist; an unknown id returns generic.ErrItemNotFound.
// The call is read-only.
func (d *Detector) DetectAll(ctx context.Context, itemID generic.ItemID, checkDate time.Time) (*Report, error) {
	if itemID == "" {
		return nil, fmt.Errorf("%w: item id is required", generic.ErrInvalidRequest)
	}
	if checkDate.IsZero() {
		checkDate = d.Clock.Now()
	}
	if d.Items != nil {
		if _, err := d.Items.GetItem(ctx, itemID); err != nil {
			return nil, err
		}
	}

	names := []string{ScanRentals, ScanBookings, ScanInventory, ScanMaintenance}
	scans := []scanFunc{d.scanRentals, d.scanBookings, d.scanInventory, d.scanMaintenance}
	results := make([]scanResult, len(scans))

	var g errgroup.Group
	for i := range scans {
		i := i
		g.Go(func() error {
			conflicts, err := d.runBounded(ctx, scans[i], itemID, checkDate)
			results[i] = scanResult{conflicts: conflicts, err: err}
			return nil
		})
	}
	_ = g.Wait() // scans never return errors to the group

	report := &Report{ItemID: itemID, CheckDate: checkDate}
	for i, res := range results {
		if res.err != nil {
			d.logger().WithFields(logrus.Fields{
				"scan":    names[i],
				"item_id": itemID,
				"error":   res.err.Error(),
			}).Warn("conflict sub-scan failed, excluded from report")
			report.FailedScans = append(report.FailedScans, names[i])
			continue
		}
		report.Conflicts = append(report.Conflicts, res.conflicts...)
	}

	d.logger().WithFields(logrus.Fields{
		"item_id":    itemID,
		"conflicts":  report.TotalConflicts(),
		"risk_score": report.RiskScore(),
	}).Debug("conflict detection complete")

	return report, nil
}

// runBounded runs one scan with its own deadline. The scan runs on its own
// goroutine so a collaborator that ignores ctx cannot hold up the report.
func (d *Detector) runBounded(ctx context.Context, scan scanFunc, itemID generic.ItemID, checkDate time.Time) ([]Conflict, error) {
	timeout := d.ScanTimeout
	if timeout <= 0 {
		timeout = DefaultScanTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan scanResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- scanResult{err: fmt.Errorf("sub-scan panicked: %v", p)}
			}
		}()
		conflicts, err := scan(ctx, itemID, checkDate)
		done <- scanResult{conflicts: conflicts, err: err}
	}()

	select {
	case res := <-done:
		return res.conflicts, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w after %v: %v", errScanTimeout, timeout, ctx.Err())
	}
}

func (d *Detector) logger() logrus.FieldLogger {
	if d.Logger == nil {
		return logrus.StandardLogger()
	}
	return d.Logger
}

// =============================================================================
// SUB-SCANS
// =============================================================================

func (d *Detector) scanRentals(ctx context.Context, itemID generic.ItemID, checkDate time.Time) ([]Conflict, error) {
	lines, err := d.Rentals.FindActiveRentalLines(ctx, itemID, checkDate)
	if err != nil {
		return nil, fmt.Errorf("find active rental lines: %w", err)
	}

	var out []Conflict
	for _, line := range lines {
		if !line.Status.IsActive() {
			continue
		}
		if line.EndDate != nil && generic.DaysBetween(checkDate, *line.EndDate) < 0 && !line.Status.IsLate() {
			continue
		}
		out = append(out, rentalConflict(line, checkDate))
	}
	return out, nil
}

func rentalConflict(line generic.RentalLineSummary, checkDate time.Time) Conflict {
	detail := RentalDetail{RentalStatus: line.Status, EndDate: line.EndDate}

	severity := SeverityMedium
	due := "no return date set"
	if line.EndDate != nil {
		days := generic.DaysBetween(checkDate, *line.EndDate)
		detail.DaysRemaining = &days
		due = fmt.Sprintf("return due %s (%d days)", line.EndDate.Format("2006-01-02"), days)
		if days <= rentalDueSoonDays {
			severity = SeverityHigh
		}
	}
	if line.Status.IsLate() {
		severity = SeverityCritical
	}

	return Conflict{
		Kind:            KindActiveRental,
		EntityID:        string(line.ID),
		EntityType:      "rental_line",
		Severity:        severity,
		Description:     fmt.Sprintf("Item is on rental %s (status %s), %s", line.RentalID, line.Status, due),
		CustomerID:      line.CustomerID,
		FinancialImpact: line.LineTotal,
		Detail:          detail,
	}
}

func (d *Detector) scanBookings(ctx context.Context, itemID generic.ItemID, checkDate time.Time) ([]Conflict, error) {
	bookings, err := d.Bookings.FindOpenBookings(ctx, itemID, checkDate)
	if err != nil {
		return nil, fmt.Errorf("find open bookings: %w", err)
	}

	var out []Conflict
	for _, b := range bookings {
		if !b.Status.IsOpen() || generic.DaysBetween(checkDate, b.PickupDate) < 0 {
			continue
		}
		out = append(out, bookingConflict(b, checkDate))
	}
	return out, nil
}

func bookingConflict(b generic.BookingSummary, checkDate time.Time) Conflict {
	days := generic.DaysBetween(checkDate, b.PickupDate)

	var severity Severity
	switch {
	case days <= bookingCriticalDays:
		severity = SeverityCritical
	case days <= bookingHighDays:
		severity = SeverityHigh
	case days <= bookingMediumDays:
		severity = SeverityMedium
	default:
		severity = SeverityLow
	}

	kind := KindPendingBooking
	if b.Status == generic.BookingConfirmed {
		kind = KindFutureBooking
	}

	return Conflict{
		Kind:       kind,
		EntityID:   string(b.ID),
		EntityType: "booking",
		Severity:   severity,
		Description: fmt.Sprintf("%s booking %s picks up on %s (%d days)",
			b.Status, b.ID, b.PickupDate.Format("2006-01-02"), days),
		CustomerID:      b.CustomerID,
		FinancialImpact: b.LineTotal,
		Detail: BookingDetail{
			BookingStatus: b.Status,
			PickupDate:    b.PickupDate,
			ReturnDate:    b.ReturnDate,
			DaysUntil:     days,
		},
	}
}

func (d *Detector) scanInventory(ctx context.Context, itemID generic.ItemID, _ time.Time) ([]Conflict, error) {
	counts, err := d.Inventory.UnitCountsByStatus(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("unit counts by status: %w", err)
	}

	detail := InventoryDetail{
		Rented:      counts[generic.UnitRented],
		Maintenance: counts[generic.UnitMaintenance],
		Damaged:     counts[generic.UnitDamaged],
	}
	locked := detail.Rented + detail.Maintenance + detail.Damaged
	if locked == 0 {
		return nil, nil
	}

	severity := SeverityLow
	switch {
	case detail.Rented > 0:
		severity = SeverityHigh
	case detail.Maintenance > 0:
		severity = SeverityMedium
	}

	// Availability risk only: no committed revenue is attached.
	return []Conflict{{
		Kind:       KindCrossLocationInventory,
		EntityID:   string(itemID),
		EntityType: "item",
		Severity:   severity,
		Description: fmt.Sprintf("%d unit(s) not sellable across locations: %d rented, %d in maintenance, %d damaged",
			locked, detail.Rented, detail.Maintenance, detail.Damaged),
		FinancialImpact: decimal.Zero,
		Detail:          detail,
	}}, nil
}

// scanMaintenance always returns no conflicts: there is no maintenance
// scheduling subsystem to query yet.
func (d *Detector) scanMaintenance(_ context.Context, _ generic.ItemID, _ time.Time) ([]Conflict, error) {
	return nil, nil
}
