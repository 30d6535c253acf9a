package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/sale-transition/generic"
)

// =============================================================================
// ITEMS
// =============================================================================

// SaveItem inserts or replaces an item.
func (s *Store) SaveItem(ctx context.Context, item generic.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO items (id, name, is_saleable, is_rentable, listed_value, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			is_saleable = excluded.is_saleable,
			is_rentable = excluded.is_rentable,
			listed_value = excluded.listed_value,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		item.ID, item.Name, item.IsSaleable, item.IsRentable,
		item.ListedValue.String(), formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to save item: %w", err)
	}
	return nil
}

func (s *Store) GetItem(ctx context.Context, id generic.ItemID) (*generic.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getItem(ctx, s.db, id)
}

func (s *Store) SetSaleable(ctx context.Context, id generic.ItemID, saleable bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return setItemFlag(ctx, s.db, id, "is_saleable", saleable)
}

func (s *Store) SetRentable(ctx context.Context, id generic.ItemID, rentable bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return setItemFlag(ctx, s.db, id, "is_rentable", rentable)
}

func getItem(ctx context.Context, q dbtx, id generic.ItemID) (*generic.Item, error) {
	var (
		item        generic.Item
		listedValue string
	)
	err := q.QueryRowContext(ctx,
		"SELECT id, name, is_saleable, is_rentable, listed_value FROM items WHERE id = ?", id,
	).Scan(&item.ID, &item.Name, &item.IsSaleable, &item.IsRentable, &listedValue)
	if isNoRows(err) {
		return nil, fmt.Errorf("%w: %s", generic.ErrItemNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get item: %w", err)
	}
	item.ListedValue, err = decimal.NewFromString(listedValue)
	if err != nil {
		return nil, fmt.Errorf("item %s: bad listed value %q: %w", id, listedValue, err)
	}
	return &item, nil
}

// setItemFlag only accepts the two flag columns.
func setItemFlag(ctx context.Context, q dbtx, id generic.ItemID, column string, value bool) error {
	if column != "is_saleable" && column != "is_rentable" {
		return fmt.Errorf("unknown item flag %q", column)
	}
	res, err := q.ExecContext(ctx,
		"UPDATE items SET "+column+" = ?, updated_at = ? WHERE id = ?",
		value, formatTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", column, err)
	}
	return requireRow(res, fmt.Errorf("%w: %s", generic.ErrItemNotFound, id))
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

// =============================================================================
// RENTAL LINES
// =============================================================================

// SaveRentalLine inserts or replaces a rental line.
func (s *Store) SaveRentalLine(ctx context.Context, line generic.RentalLineSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO rental_lines (id, rental_id, item_id, status, start_date, end_date, customer_id, line_total)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			end_date = excluded.end_date,
			line_total = excluded.line_total
	`
	_, err := s.db.ExecContext(ctx, query,
		line.ID, line.RentalID, line.ItemID, line.Status,
		formatTime(line.StartDate), nullTime(line.EndDate),
		line.CustomerID, line.LineTotal.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to save rental line: %w", err)
	}
	return nil
}

func (s *Store) FindActiveRentalLines(ctx context.Context, itemID generic.ItemID, asOf time.Time) ([]generic.RentalLineSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return findActiveRentalLines(ctx, s.db, itemID, asOf)
}

func findActiveRentalLines(ctx context.Context, q dbtx, itemID generic.ItemID, asOf time.Time) ([]generic.RentalLineSummary, error) {
	active := generic.ActiveRentalStatuses
	late := []generic.RentalStatus{generic.RentalLate, generic.RentalLatePartialReturn}

	query := `
		SELECT id, rental_id, item_id, status, start_date, end_date, customer_id, line_total
		FROM rental_lines
		WHERE item_id = ?
		  AND status IN (` + placeholders(len(active)) + `)
		  AND (end_date IS NULL OR DATE(end_date) >= DATE(?) OR status IN (` + placeholders(len(late)) + `))
		ORDER BY id ASC
	`
	args := []any{itemID}
	for _, st := range active {
		args = append(args, st)
	}
	args = append(args, formatTime(asOf))
	for _, st := range late {
		args = append(args, st)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rental lines: %w", err)
	}
	defer rows.Close()

	var lines []generic.RentalLineSummary
	for rows.Next() {
		var (
			line      generic.RentalLineSummary
			startDate string
			endDate   sql.NullString
			lineTotal string
		)
		if err := rows.Scan(&line.ID, &line.RentalID, &line.ItemID, &line.Status,
			&startDate, &endDate, &line.CustomerID, &lineTotal); err != nil {
			return nil, fmt.Errorf("failed to scan rental line: %w", err)
		}
		if line.StartDate, err = parseTime(startDate); err != nil {
			return nil, err
		}
		if line.EndDate, err = parseNullTime(endDate); err != nil {
			return nil, err
		}
		if line.LineTotal, err = decimal.NewFromString(lineTotal); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

// =============================================================================
// BOOKINGS
// =============================================================================

// SaveBooking inserts or replaces a booking.
func (s *Store) SaveBooking(ctx context.Context, b generic.BookingSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO bookings (id, item_id, status, customer_id, pickup_date, return_date, line_total, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			pickup_date = excluded.pickup_date,
			return_date = excluded.return_date,
			line_total = excluded.line_total,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		b.ID, b.ItemID, b.Status, b.CustomerID,
		formatTime(b.PickupDate), formatTime(b.ReturnDate),
		b.LineTotal.String(), formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to save booking: %w", err)
	}
	return nil
}

func (s *Store) FindOpenBookings(ctx context.Context, itemID generic.ItemID, asOf time.Time) ([]generic.BookingSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return findOpenBookings(ctx, s.db, itemID, asOf)
}

func (s *Store) GetBooking(ctx context.Context, id generic.BookingID) (*generic.BookingSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getBooking(ctx, s.db, id)
}

func (s *Store) CancelBooking(ctx context.Context, id generic.BookingID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return setBookingStatus(ctx, s.db, id, generic.BookingCancelled)
}

func (s *Store) RestoreBooking(ctx context.Context, id generic.BookingID, prior generic.BookingStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return setBookingStatus(ctx, s.db, id, prior)
}

const bookingColumns = "id, item_id, status, customer_id, pickup_date, return_date, line_total"

func findOpenBookings(ctx context.Context, q dbtx, itemID generic.ItemID, asOf time.Time) ([]generic.BookingSummary, error) {
	query := `
		SELECT ` + bookingColumns + `
		FROM bookings
		WHERE item_id = ? AND status IN (?, ?) AND DATE(pickup_date) >= DATE(?)
		ORDER BY pickup_date ASC, id ASC
	`
	rows, err := q.QueryContext(ctx, query, itemID, generic.BookingPending, generic.BookingConfirmed, formatTime(asOf))
	if err != nil {
		return nil, fmt.Errorf("failed to query bookings: %w", err)
	}
	defer rows.Close()

	var out []generic.BookingSummary
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func getBooking(ctx context.Context, q dbtx, id generic.BookingID) (*generic.BookingSummary, error) {
	row := q.QueryRowContext(ctx, "SELECT "+bookingColumns+" FROM bookings WHERE id = ?", id)
	b, err := scanBooking(row)
	if isNoRows(err) {
		return nil, fmt.Errorf("%w: %s", generic.ErrBookingNotFound, id)
	}
	return b, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBooking(sc scanner) (*generic.BookingSummary, error) {
	var (
		b                  generic.BookingSummary
		pickup, ret, total string
	)
	if err := sc.Scan(&b.ID, &b.ItemID, &b.Status, &b.CustomerID, &pickup, &ret, &total); err != nil {
		if isNoRows(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan booking: %w", err)
	}
	var err error
	if b.PickupDate, err = parseTime(pickup); err != nil {
		return nil, err
	}
	if b.ReturnDate, err = parseTime(ret); err != nil {
		return nil, err
	}
	if b.LineTotal, err = decimal.NewFromString(total); err != nil {
		return nil, err
	}
	return &b, nil
}

func setBookingStatus(ctx context.Context, q dbtx, id generic.BookingID, status generic.BookingStatus) error {
	res, err := q.ExecContext(ctx,
		"UPDATE bookings SET status = ?, updated_at = ? WHERE id = ?",
		status, formatTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update booking: %w", err)
	}
	return requireRow(res, fmt.Errorf("%w: %s", generic.ErrBookingNotFound, id))
}

// =============================================================================
// INVENTORY
// =============================================================================

// SaveUnit inserts or replaces one physical unit.
func (s *Store) SaveUnit(ctx context.Context, unitID string, itemID generic.ItemID, locationID string, status generic.UnitStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO inventory_units (id, item_id, location_id, status)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			location_id = excluded.location_id,
			status = excluded.status
	`
	if _, err := s.db.ExecContext(ctx, query, unitID, itemID, locationID, status); err != nil {
		return fmt.Errorf("failed to save unit: %w", err)
	}
	return nil
}

func (s *Store) UnitCountsByStatus(ctx context.Context, itemID generic.ItemID) (generic.UnitCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return unitCountsByStatus(ctx, s.db, itemID)
}

func unitCountsByStatus(ctx context.Context, q dbtx, itemID generic.ItemID) (generic.UnitCounts, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM inventory_units WHERE item_id = ? GROUP BY status", itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to count units: %w", err)
	}
	defer rows.Close()

	counts := generic.UnitCounts{}
	for rows.Next() {
		var (
			status generic.UnitStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan unit count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// =============================================================================
// USERS (generic.AuthorityDirectory)
// =============================================================================

// SaveUser inserts or replaces an actor.
func (s *Store) SaveUser(ctx context.Context, id generic.ActorID, name string, tier generic.AuthorityTier) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO users (id, name, authority_tier) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, authority_tier = excluded.authority_tier
	`
	if _, err := s.db.ExecContext(ctx, query, id, name, tier.String()); err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

func (s *Store) AuthorityOf(ctx context.Context, actor generic.ActorID) (generic.AuthorityTier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var tier string
	err := s.db.QueryRowContext(ctx, "SELECT authority_tier FROM users WHERE id = ?", actor).Scan(&tier)
	if isNoRows(err) {
		return generic.TierRegular, nil
	}
	if err != nil {
		return generic.TierRegular, fmt.Errorf("failed to get user: %w", err)
	}
	return generic.ParseAuthorityTier(tier), nil
}
