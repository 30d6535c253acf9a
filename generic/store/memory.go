// Package store provides in-memory collaborator implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/sale-transition/generic"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements generic.TxState and generic.AuthorityDirectory.
type Memory struct {
	mu       sync.RWMutex
	items    map[generic.ItemID]generic.Item
	rentals  map[generic.RentalLineID]generic.RentalLineSummary
	bookings map[generic.BookingID]generic.BookingSummary
	units    map[generic.ItemID]generic.UnitCounts
	actors   map[generic.ActorID]generic.AuthorityTier
}

func NewMemory() *Memory {
	return &Memory{
		items:    make(map[generic.ItemID]generic.Item),
		rentals:  make(map[generic.RentalLineID]generic.RentalLineSummary),
		bookings: make(map[generic.BookingID]generic.BookingSummary),
		units:    make(map[generic.ItemID]generic.UnitCounts),
		actors:   make(map[generic.ActorID]generic.AuthorityTier),
	}
}

// =============================================================================
// SEEDING
// =============================================================================

func (m *Memory) PutItem(item generic.Item) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[item.ID] = item
}

func (m *Memory) PutRentalLine(line generic.RentalLineSummary) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rentals[line.ID] = line
}

func (m *Memory) PutBooking(b generic.BookingSummary) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bookings[b.ID] = b
}

func (m *Memory) SetUnitCount(itemID generic.ItemID, status generic.UnitStatus, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.units[itemID] == nil {
		m.units[itemID] = generic.UnitCounts{}
	}
	m.units[itemID][status] = n
}

func (m *Memory) PutActor(id generic.ActorID, tier generic.AuthorityTier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actors[id] = tier
}

// =============================================================================
// generic.State
// =============================================================================

func (m *Memory) GetItem(_ context.Context, id generic.ItemID) (*generic.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getItemLocked(id)
}

func (m *Memory) SetSaleable(_ context.Context, id generic.ItemID, saleable bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setFlagLocked(id, func(it *generic.Item) { it.IsSaleable = saleable })
}

func (m *Memory) SetRentable(_ context.Context, id generic.ItemID, rentable bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setFlagLocked(id, func(it *generic.Item) { it.IsRentable = rentable })
}

func (m *Memory) FindActiveRentalLines(_ context.Context, itemID generic.ItemID, asOf time.Time) ([]generic.RentalLineSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findRentalsLocked(itemID, asOf), nil
}

func (m *Memory) FindOpenBookings(_ context.Context, itemID generic.ItemID, asOf time.Time) ([]generic.BookingSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findBookingsLocked(itemID, asOf), nil
}

func (m *Memory) GetBooking(_ context.Context, id generic.BookingID) (*generic.BookingSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getBookingLocked(id)
}

func (m *Memory) CancelBooking(_ context.Context, id generic.BookingID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setBookingStatusLocked(id, generic.BookingCancelled)
}

func (m *Memory) RestoreBooking(_ context.Context, id generic.BookingID, prior generic.BookingStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setBookingStatusLocked(id, prior)
}

func (m *Memory) UnitCountsByStatus(_ context.Context, itemID generic.ItemID) (generic.UnitCounts, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.unitsLocked(itemID), nil
}

// AuthorityOf implements generic.AuthorityDirectory.
func (m *Memory) AuthorityOf(_ context.Context, actor generic.ActorID) (generic.AuthorityTier, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.actors[actor], nil
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + restore on error.
func (m *Memory) WithTx(ctx context.Context, fn func(generic.State) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	if err := fn(&txView{parent: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	items    map[generic.ItemID]generic.Item
	bookings map[generic.BookingID]generic.BookingSummary
}

// snapshot copies the maps WithTx can write to. Rentals and units are read-only here.
func (m *Memory) snapshot() memorySnapshot {
	items := make(map[generic.ItemID]generic.Item, len(m.items))
	for k, v := range m.items {
		items[k] = v
	}
	bookings := make(map[generic.BookingID]generic.BookingSummary, len(m.bookings))
	for k, v := range m.bookings {
		bookings[k] = v
	}
	return memorySnapshot{items: items, bookings: bookings}
}

func (m *Memory) restore(s memorySnapshot) {
	m.items = s.items
	m.bookings = s.bookings
}

type txView struct {
	parent *Memory
}

func (tv *txView) GetItem(_ context.Context, id generic.ItemID) (*generic.Item, error) {
	return tv.parent.getItemLocked(id)
}

func (tv *txView) SetSaleable(_ context.Context, id generic.ItemID, saleable bool) error {
	return tv.parent.setFlagLocked(id, func(it *generic.Item) { it.IsSaleable = saleable })
}

func (tv *txView) SetRentable(_ context.Context, id generic.ItemID, rentable bool) error {
	return tv.parent.setFlagLocked(id, func(it *generic.Item) { it.IsRentable = rentable })
}

func (tv *txView) FindActiveRentalLines(_ context.Context, itemID generic.ItemID, asOf time.Time) ([]generic.RentalLineSummary, error) {
	return tv.parent.findRentalsLocked(itemID, asOf), nil
}

func (tv *txView) FindOpenBookings(_ context.Context, itemID generic.ItemID, asOf time.Time) ([]generic.BookingSummary, error) {
	return tv.parent.findBookingsLocked(itemID, asOf), nil
}

func (tv *txView) GetBooking(_ context.Context, id generic.BookingID) (*generic.BookingSummary, error) {
	return tv.parent.getBookingLocked(id)
}

func (tv *txView) CancelBooking(_ context.Context, id generic.BookingID) error {
	return tv.parent.setBookingStatusLocked(id, generic.BookingCancelled)
}

func (tv *txView) RestoreBooking(_ context.Context, id generic.BookingID, prior generic.BookingStatus) error {
	return tv.parent.setBookingStatusLocked(id, prior)
}

func (tv *txView) UnitCountsByStatus(_ context.Context, itemID generic.ItemID) (generic.UnitCounts, error) {
	return tv.parent.unitsLocked(itemID), nil
}

// =============================================================================
// LOCKED HELPERS - caller holds m.mu
// =============================================================================

func (m *Memory) getItemLocked(id generic.ItemID) (*generic.Item, error) {
	it, ok := m.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", generic.ErrItemNotFound, id)
	}
	return &it, nil
}

func (m *Memory) setFlagLocked(id generic.ItemID, apply func(*generic.Item)) error {
	it, ok := m.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", generic.ErrItemNotFound, id)
	}
	apply(&it)
	m.items[id] = it
	return nil
}

func (m *Memory) findRentalsLocked(itemID generic.ItemID, asOf time.Time) []generic.RentalLineSummary {
	var out []generic.RentalLineSummary
	for _, line := range m.rentals {
		if line.ItemID != itemID || !line.Status.IsActive() {
			continue
		}
		if line.EndDate != nil && generic.DaysBetween(asOf, *line.EndDate) < 0 && !line.Status.IsLate() {
			continue
		}
		out = append(out, line)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) findBookingsLocked(itemID generic.ItemID, asOf time.Time) []generic.BookingSummary {
	var out []generic.BookingSummary
	for _, b := range m.bookings {
		if b.ItemID != itemID || !b.Status.IsOpen() || generic.DaysBetween(asOf, b.PickupDate) < 0 {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PickupDate.Equal(out[j].PickupDate) {
			return out[i].ID < out[j].ID
		}
		return out[i].PickupDate.Before(out[j].PickupDate)
	})
	return out
}

func (m *Memory) getBookingLocked(id generic.BookingID) (*generic.BookingSummary, error) {
	b, ok := m.bookings[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", generic.ErrBookingNotFound, id)
	}
	return &b, nil
}

func (m *Memory) setBookingStatusLocked(id generic.BookingID, status generic.BookingStatus) error {
	b, ok := m.bookings[id]
	if !ok {
		return fmt.Errorf("%w: %s", generic.ErrBookingNotFound, id)
	}
	b.Status = status
	m.bookings[id] = b
	return nil
}

func (m *Memory) unitsLocked(itemID generic.ItemID) generic.UnitCounts {
	out := generic.UnitCounts{}
	for k, v := range m.units[itemID] {
		out[k] = v
	}
	return out
}
