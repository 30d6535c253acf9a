package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/sale-transition/conflict"
	"github.com/warp/sale-transition/failsafe"
	"github.com/warp/sale-transition/generic"
	"github.com/warp/sale-transition/transition"
)

// =============================================================================
// TRANSITION STORE (transition.Store interface)
// =============================================================================

// approvalRecord is the stored shape of failsafe.ApprovalRequirement.
type approvalRecord struct {
	Required      bool                      `json:"required"`
	Reasons       []failsafe.ApprovalReason `json:"reasons"`
	ApproverLevel string                    `json:"approver_level"`
}

const transitionColumns = `id, item_id, requested_by, sale_price, keep_rentable, cancel_bookings, reason,
	status, risk_score, revenue_impact, approval_json, checkpoint_id, reviewed_by, reviewed_at,
	review_notes, result_message, created_at, updated_at`

func (s *Store) SaveRequest(ctx context.Context, r transition.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	approvalJSON, err := json.Marshal(approvalRecord{
		Required:      r.Approval.Required,
		Reasons:       r.Approval.Reasons,
		ApproverLevel: r.Approval.ApproverLevel.String(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal approval: %w", err)
	}

	query := `
		INSERT INTO transitions (` + transitionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			risk_score = excluded.risk_score,
			revenue_impact = excluded.revenue_impact,
			approval_json = excluded.approval_json,
			checkpoint_id = excluded.checkpoint_id,
			reviewed_by = excluded.reviewed_by,
			reviewed_at = excluded.reviewed_at,
			review_notes = excluded.review_notes,
			result_message = excluded.result_message,
			updated_at = excluded.updated_at
	`
	_, err = s.db.ExecContext(ctx, query,
		r.ID, r.ItemID, r.RequestedBy, r.SalePrice.String(), r.KeepRentable, r.CancelBookings,
		nullString(r.Reason), r.Status, r.RiskScore, r.RevenueImpact.String(), string(approvalJSON),
		nullString(r.CheckpointID), nullString(string(r.ReviewedBy)), nullTime(r.ReviewedAt),
		nullString(r.ReviewNotes), nullString(r.ResultMessage),
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save transition: %w", err)
	}
	return nil
}

func (s *Store) GetRequest(ctx context.Context, id string) (*transition.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, "SELECT "+transitionColumns+" FROM transitions WHERE id = ?", id)
	r, err := scanRequest(row)
	if isNoRows(err) {
		return nil, fmt.Errorf("%w: %s", generic.ErrTransitionNotFound, id)
	}
	return r, err
}

func (s *Store) OpenRequestForItem(ctx context.Context, itemID generic.ItemID) (*transition.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT ` + transitionColumns + `
		FROM transitions
		WHERE item_id = ? AND status IN (?, ?, ?)
		ORDER BY created_at DESC
		LIMIT 1
	`
	r, err := scanRequest(s.db.QueryRowContext(ctx, query, itemID,
		transition.StatusPendingApproval, transition.StatusReady, transition.StatusApproved))
	if isNoRows(err) {
		return nil, nil
	}
	return r, err
}

func (s *Store) ListOpenBefore(ctx context.Context, cutoff time.Time) ([]transition.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT ` + transitionColumns + `
		FROM transitions
		WHERE status IN (?, ?, ?) AND created_at < ?
		ORDER BY created_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query,
		transition.StatusPendingApproval, transition.StatusReady, transition.StatusApproved, formatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("failed to query transitions: %w", err)
	}
	defer rows.Close()

	var out []transition.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func scanRequest(sc scanner) (*transition.Request, error) {
	var (
		r                                   transition.Request
		salePrice, revenueImpact            string
		reason, approvalJSON, checkpointID  sql.NullString
		reviewedBy, reviewedAt, reviewNotes sql.NullString
		resultMessage                       sql.NullString
		createdAt, updatedAt                string
	)
	err := sc.Scan(&r.ID, &r.ItemID, &r.RequestedBy, &salePrice, &r.KeepRentable, &r.CancelBookings,
		&reason, &r.Status, &r.RiskScore, &revenueImpact, &approvalJSON, &checkpointID,
		&reviewedBy, &reviewedAt, &reviewNotes, &resultMessage, &createdAt, &updatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan transition: %w", err)
	}

	if r.SalePrice, err = decimal.NewFromString(salePrice); err != nil {
		return nil, err
	}
	if r.RevenueImpact, err = decimal.NewFromString(revenueImpact); err != nil {
		return nil, err
	}
	if approvalJSON.Valid && approvalJSON.String != "" {
		var rec approvalRecord
		if err := json.Unmarshal([]byte(approvalJSON.String), &rec); err != nil {
			return nil, fmt.Errorf("transition %s: bad approval: %w", r.ID, err)
		}
		r.Approval = failsafe.ApprovalRequirement{
			Required:      rec.Required,
			Reasons:       rec.Reasons,
			ApproverLevel: failsafe.ParseApproverLevel(rec.ApproverLevel),
		}
	}
	r.Reason = reason.String
	r.CheckpointID = checkpointID.String
	r.ReviewedBy = generic.ActorID(reviewedBy.String)
	r.ReviewNotes = reviewNotes.String
	r.ResultMessage = resultMessage.String
	if r.ReviewedAt, err = parseNullTime(reviewedAt); err != nil {
		return nil, err
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

// =============================================================================
// SALE CONFLICT AUDIT
// =============================================================================

func (s *Store) SaveConflicts(ctx context.Context, rows []transition.SaleConflict) error {
	if len(rows) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	query := `
		INSERT INTO sale_conflicts (id, transition_id, item_id, kind, entity_id, entity_type,
			severity, description, customer_id, financial_impact, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	for _, c := range rows {
		_, err := sqlTx.ExecContext(ctx, query,
			c.ID, c.TransitionID, c.ItemID, c.Kind, c.EntityID, c.EntityType,
			c.Severity.String(), nullString(c.Description), nullString(string(c.CustomerID)),
			c.FinancialImpact.String(), formatTime(c.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to save sale conflict: %w", err)
		}
	}
	return sqlTx.Commit()
}

func (s *Store) ConflictsFor(ctx context.Context, transitionID string) ([]transition.SaleConflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, transition_id, item_id, kind, entity_id, entity_type,
			severity, description, customer_id, financial_impact, created_at
		FROM sale_conflicts
		WHERE transition_id = ?
		ORDER BY created_at ASC, rowid ASC
	`
	rows, err := s.db.QueryContext(ctx, query, transitionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sale conflicts: %w", err)
	}
	defer rows.Close()

	var out []transition.SaleConflict
	for rows.Next() {
		var (
			c                       transition.SaleConflict
			severity, impact, ts    string
			description, customerID sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.TransitionID, &c.ItemID, &c.Kind, &c.EntityID, &c.EntityType,
			&severity, &description, &customerID, &impact, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan sale conflict: %w", err)
		}
		c.Severity = conflict.ParseSeverity(severity)
		c.Description = description.String
		c.CustomerID = generic.CustomerID(customerID.String)
		if c.FinancialImpact, err = decimal.NewFromString(impact); err != nil {
			return nil, err
		}
		if c.CreatedAt, err = parseTime(ts); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
