/*
Package transition drives an item from rentable to saleable.

REQUEST LIFECYCLE:
  ┌──────────┐  approval needed  ┌──────────────────┐  Approve  ┌──────────┐
  │ Initiate │──────────────────▶│ pending_approval │──────────▶│ approved │──┐
  └──────────┘                   └──────────────────┘           └──────────┘  │
       │                                 │ Reject                             │
       │ no approval needed              ▼                                    │
       │                           ┌──────────┐                               │
       └──────────▶ ready ─────────│ rejected │                               │
                      │            └──────────┘                               │
                      └──────────────────── Confirm(proceed) ◀────────────────┘
                                                 │
                        ┌────────────────────────┼────────────────────────┐
                        ▼                        ▼                        ▼
                   completed                  failed             needs_intervention
                        │                (auto rolled back)      (rollback failed too)
                        ▼
                   rolled_back  (explicit, inside the rollback window)

  Confirm(cancel) on ready/approved ends in cancelled. Open requests older
  than the rollback window end in expired.

HOLDING NOTHING WHILE WAITING:
  Between Initiate and Confirm only the persisted request row exists. No
  checkpoint, no lock. Confirm re-runs detection and validation because
  bookings and rentals may have moved during the wait.

KEY COMPONENTS:
  Request:      The persisted transition record
  SaleConflict: Audit row per conflict found when the request was opened
  Service:      Orchestrates detection, approval, checkpoint, mutation
  Store:        Persistence for requests and audit rows

SEE ALSO:
  - conflict/detector.go: Conflict detection
  - failsafe/approval.go: Approval rules
  - failsafe/manager.go: Checkpoint, mutation, rollback
*/
package transition

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/sale-transition/conflict"
	"github.com/warp/sale-transition/failsafe"
	"github.com/warp/sale-transition/generic"
)

// =============================================================================
// STATUS
// =============================================================================

type Status string

const (
	StatusPendingApproval   Status = "pending_approval"
	StatusReady             Status = "ready"
	StatusApproved          Status = "approved"
	StatusRejected          Status = "rejected"
	StatusCancelled         Status = "cancelled"
	StatusCompleted         Status = "completed"
	StatusFailed            Status = "failed"
	StatusRolledBack        Status = "rolled_back"
	StatusNeedsIntervention Status = "needs_intervention"
	StatusExpired           Status = "expired"
)

// IsOpen is true while the request still blocks other requests for the item.
func (s Status) IsOpen() bool {
	switch s {
	case StatusPendingApproval, StatusReady, StatusApproved:
		return true
	}
	return false
}

// Confirmable is true when the request may move to mutation.
func (s Status) Confirmable() bool {
	return s == StatusReady || s == StatusApproved
}

type Decision string

const (
	DecisionProceed Decision = "proceed"
	DecisionCancel  Decision = "cancel"
)

func ParseDecision(s string) (Decision, error) {
	switch d := Decision(strings.ToLower(strings.TrimSpace(s))); d {
	case DecisionProceed, DecisionCancel:
		return d, nil
	}
	return "", fmt.Errorf("%w: %q", generic.ErrInvalidDecision, s)
}

// =============================================================================
// REQUEST
// =============================================================================

type Request struct {
	ID          string
	ItemID      generic.ItemID
	RequestedBy generic.ActorID

	SalePrice      decimal.Decimal
	KeepRentable   bool
	CancelBookings bool
	Reason         string

	Status Status

	// Detection summary at the time of the last evaluation
	RiskScore     int
	RevenueImpact decimal.Decimal
	Approval      failsafe.ApprovalRequirement

	CheckpointID string

	// Review tracking
	ReviewedBy  generic.ActorID
	ReviewedAt  *time.Time
	ReviewNotes string

	ResultMessage string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// InitiateParams is what the operator submits.
type InitiateParams struct {
	ItemID         generic.ItemID
	ActorID        generic.ActorID
	SalePrice      decimal.Decimal
	KeepRentable   bool
	CancelBookings bool
	Reason         string
}

// SaleConflict is the audit record of one conflict tied to a request.
type SaleConflict struct {
	ID              string
	TransitionID    string
	ItemID          generic.ItemID
	Kind            conflict.Kind
	EntityID        string
	EntityType      string
	Severity        conflict.Severity
	Description     string
	CustomerID      generic.CustomerID
	FinancialImpact decimal.Decimal
	CreatedAt       time.Time
}

// =============================================================================
// RESULTS
// =============================================================================

// Eligibility answers "can this item be sold, and who has to sign off".
type Eligibility struct {
	ItemID         generic.ItemID
	IsSaleable     bool
	Eligible       bool
	Report         *conflict.Report
	Recommendation conflict.Recommendation
	Approval       failsafe.ApprovalRequirement
}

// Result is returned by Confirm and Rollback.
type Result struct {
	TransitionID string
	Status       Status
	Message      string
	CheckpointID string
	Warnings     []string
	Rollback     *failsafe.RollbackResult
}

// CheckpointView is the public face of a request's checkpoint.
type CheckpointView struct {
	ID        string
	State     failsafe.CheckpointState
	CreatedAt time.Time
	ExpiresAt time.Time
	UsedAt    *time.Time
}

// StatusView is what get_status returns.
type StatusView struct {
	Request    Request
	Conflicts  []SaleConflict
	Checkpoint *CheckpointView
}

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	// SaveRequest inserts or replaces by ID.
	SaveRequest(ctx context.Context, r Request) error

	// GetRequest returns generic.ErrTransitionNotFound for unknown ids.
	GetRequest(ctx context.Context, id string) (*Request, error)

	// OpenRequestForItem returns the item's open request, or nil.
	OpenRequestForItem(ctx context.Context, itemID generic.ItemID) (*Request, error)

	// ListOpenBefore returns open requests created before cutoff.
	ListOpenBefore(ctx context.Context, cutoff time.Time) ([]Request, error)

	SaveConflicts(ctx context.Context, rows []SaleConflict) error
	ConflictsFor(ctx context.Context, transitionID string) ([]SaleConflict, error)
}
