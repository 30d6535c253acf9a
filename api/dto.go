/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Eligibility:
    EligibilityDTO, ReportDTO, ConflictDTO, ApprovalDTO

  Transitions:
    InitiateRequest, ReviewRequest, ConfirmRequest, RollbackRequest
    TransitionDTO, ResultDTO, RollbackDTO, StatusDTO, CheckpointDTO

  Audit:
    SaleConflictDTO

VALIDATION:
  Request types carry go-playground/validator tags. Handlers call
  Handler.bind which decodes and validates in one step. Business rules
  (price > 0, item not already saleable) stay in the domain packages.

MONEY:
  Amounts travel as decimal strings ("499.99") in both directions.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/sale-transition/conflict"
	"github.com/warp/sale-transition/failsafe"
	"github.com/warp/sale-transition/transition"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// InitiateRequest opens a transition.
type InitiateRequest struct {
	ItemID         string `json:"item_id" validate:"required"`
	ActorID        string `json:"actor_id" validate:"required"`
	SalePrice      string `json:"sale_price" validate:"required,numeric"`
	KeepRentable   bool   `json:"keep_rentable"`
	CancelBookings bool   `json:"cancel_bookings"`
	Reason         string `json:"reason" validate:"max=500"`
}

// ReviewRequest approves or rejects a pending transition.
type ReviewRequest struct {
	ActorID string `json:"actor_id" validate:"required"`
	Notes   string `json:"notes" validate:"max=500"`
}

// ConfirmRequest is the operator's final decision.
type ConfirmRequest struct {
	Decision string `json:"decision" validate:"required"`
	ActorID  string `json:"actor_id"`
}

// RollbackRequest undoes a completed transition.
type RollbackRequest struct {
	ActorID string `json:"actor_id" validate:"required"`
	Reason  string `json:"reason" validate:"max=500"`
}

// =============================================================================
// ELIGIBILITY
// =============================================================================

type ConflictDTO struct {
	Kind              string          `json:"kind"`
	EntityID          string          `json:"entity_id"`
	EntityType        string          `json:"entity_type"`
	Severity          string          `json:"severity"`
	Description       string          `json:"description"`
	CustomerID        string          `json:"customer_id,omitempty"`
	FinancialImpact   string          `json:"financial_impact"`
	Detail            *DetailDTO      `json:"detail,omitempty"`
	ResolutionOptions []string        `json:"resolution_options"`
}

// DetailDTO flattens the kind-specific conflict detail. Only the fields of
// the conflict's kind are set.
type DetailDTO struct {
	RentalStatus  string     `json:"rental_status,omitempty"`
	EndDate       *time.Time `json:"end_date,omitempty"`
	DaysRemaining *int       `json:"days_remaining,omitempty"`

	BookingStatus string     `json:"booking_status,omitempty"`
	PickupDate    *time.Time `json:"pickup_date,omitempty"`
	ReturnDate    *time.Time `json:"return_date,omitempty"`
	DaysUntil     *int       `json:"days_until,omitempty"`

	Rented      *int `json:"rented,omitempty"`
	Maintenance *int `json:"maintenance,omitempty"`
	Damaged     *int `json:"damaged,omitempty"`

	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
}

type ReportDTO struct {
	ItemID            string         `json:"item_id"`
	CheckDate         time.Time      `json:"check_date"`
	TotalConflicts    int            `json:"total_conflicts"`
	RiskScore         int            `json:"risk_score"`
	HighestSeverity   string         `json:"highest_severity,omitempty"`
	RevenueImpact     string         `json:"revenue_impact"`
	AffectedCustomers []string       `json:"affected_customers"`
	CountByKind       map[string]int `json:"count_by_kind"`
	Complete          bool           `json:"complete"`
	FailedScans       []string       `json:"failed_scans,omitempty"`
	Conflicts         []ConflictDTO  `json:"conflicts"`
}

type ApprovalDTO struct {
	Required      bool                      `json:"required"`
	ApproverLevel string                    `json:"approver_level"`
	Reasons       []failsafe.ApprovalReason `json:"reasons"`
	Message       string                    `json:"message"`
}

type EligibilityDTO struct {
	ItemID         string                  `json:"item_id"`
	IsSaleable     bool                    `json:"is_saleable"`
	Eligible       bool                    `json:"eligible"`
	Report         ReportDTO               `json:"report"`
	Recommendation conflict.Recommendation `json:"recommendation"`
	Approval       ApprovalDTO             `json:"approval"`
}

// =============================================================================
// TRANSITIONS
// =============================================================================

type TransitionDTO struct {
	ID             string      `json:"id"`
	ItemID         string      `json:"item_id"`
	RequestedBy    string      `json:"requested_by"`
	SalePrice      string      `json:"sale_price"`
	KeepRentable   bool        `json:"keep_rentable"`
	CancelBookings bool        `json:"cancel_bookings"`
	Reason         string      `json:"reason,omitempty"`
	Status         string      `json:"status"`
	RiskScore      int         `json:"risk_score"`
	RevenueImpact  string      `json:"revenue_impact"`
	Approval       ApprovalDTO `json:"approval"`
	CheckpointID   string      `json:"checkpoint_id,omitempty"`
	ReviewedBy     string      `json:"reviewed_by,omitempty"`
	ReviewedAt     *time.Time  `json:"reviewed_at,omitempty"`
	ReviewNotes    string      `json:"review_notes,omitempty"`
	Message        string      `json:"message,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

type RollbackDTO = failsafe.RollbackResult

type ResultDTO struct {
	TransitionID string       `json:"transition_id"`
	Status       string       `json:"status"`
	Message      string       `json:"message"`
	CheckpointID string       `json:"checkpoint_id,omitempty"`
	Warnings     []string     `json:"warnings,omitempty"`
	Rollback     *RollbackDTO `json:"rollback,omitempty"`
	Error        string       `json:"error,omitempty"`
}

type CheckpointDTO struct {
	ID        string     `json:"id"`
	State     string     `json:"state"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
}

type SaleConflictDTO struct {
	ID              string    `json:"id"`
	Kind            string    `json:"kind"`
	EntityID        string    `json:"entity_id"`
	EntityType      string    `json:"entity_type"`
	Severity        string    `json:"severity"`
	Description     string    `json:"description,omitempty"`
	CustomerID      string    `json:"customer_id,omitempty"`
	FinancialImpact string    `json:"financial_impact"`
	CreatedAt       time.Time `json:"created_at"`
}

type StatusDTO struct {
	Transition TransitionDTO     `json:"transition"`
	Conflicts  []SaleConflictDTO `json:"conflicts"`
	Checkpoint *CheckpointDTO    `json:"checkpoint,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error    string            `json:"error"`
	Details  string            `json:"details,omitempty"`
	Fields   map[string]string `json:"fields,omitempty"`
	Errors   []string          `json:"errors,omitempty"`
	Warnings []string          `json:"warnings,omitempty"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func toApprovalDTO(a failsafe.ApprovalRequirement) ApprovalDTO {
	reasons := a.Reasons
	if reasons == nil {
		reasons = []failsafe.ApprovalReason{}
	}
	return ApprovalDTO{
		Required:      a.Required,
		ApproverLevel: a.ApproverLevel.String(),
		Reasons:       reasons,
		Message:       a.Message(),
	}
}

func toReportDTO(r *conflict.Report) ReportDTO {
	dto := ReportDTO{
		ItemID:            string(r.ItemID),
		CheckDate:         r.CheckDate,
		TotalConflicts:    r.TotalConflicts(),
		RiskScore:         r.RiskScore(),
		RevenueImpact:     r.RevenueImpact().StringFixed(2),
		AffectedCustomers: []string{},
		CountByKind:       map[string]int{},
		Complete:          r.IsComplete(),
		FailedScans:       r.FailedScans,
		Conflicts:         make([]ConflictDTO, 0, len(r.Conflicts)),
	}
	if r.HasConflicts() {
		dto.HighestSeverity = r.HighestSeverity().String()
	}
	for _, c := range r.AffectedCustomers() {
		dto.AffectedCustomers = append(dto.AffectedCustomers, string(c))
	}
	for k, n := range r.CountByKind() {
		dto.CountByKind[string(k)] = n
	}
	for _, c := range r.Conflicts {
		options := make([]string, 0, 4)
		for _, o := range c.ResolutionOptions() {
			options = append(options, string(o))
		}
		dto.Conflicts = append(dto.Conflicts, ConflictDTO{
			Kind:              string(c.Kind),
			EntityID:          c.EntityID,
			EntityType:        c.EntityType,
			Severity:          c.Severity.String(),
			Description:       c.Description,
			CustomerID:        string(c.CustomerID),
			FinancialImpact:   c.FinancialImpact.StringFixed(2),
			Detail:            toDetailDTO(c.Detail),
			ResolutionOptions: options,
		})
	}
	return dto
}

func toDetailDTO(d conflict.Detail) *DetailDTO {
	switch d := d.(type) {
	case conflict.RentalDetail:
		return &DetailDTO{RentalStatus: string(d.RentalStatus), EndDate: d.EndDate, DaysRemaining: d.DaysRemaining}
	case conflict.BookingDetail:
		return &DetailDTO{
			BookingStatus: string(d.BookingStatus),
			PickupDate:    &d.PickupDate,
			ReturnDate:    &d.ReturnDate,
			DaysUntil:     &d.DaysUntil,
		}
	case conflict.InventoryDetail:
		return &DetailDTO{Rented: &d.Rented, Maintenance: &d.Maintenance, Damaged: &d.Damaged}
	case conflict.MaintenanceDetail:
		return &DetailDTO{ScheduledFor: &d.ScheduledFor}
	}
	return nil
}

func toEligibilityDTO(e *transition.Eligibility) EligibilityDTO {
	return EligibilityDTO{
		ItemID:         string(e.ItemID),
		IsSaleable:     e.IsSaleable,
		Eligible:       e.Eligible,
		Report:         toReportDTO(e.Report),
		Recommendation: e.Recommendation,
		Approval:       toApprovalDTO(e.Approval),
	}
}

func toTransitionDTO(r *transition.Request) TransitionDTO {
	return TransitionDTO{
		ID:             r.ID,
		ItemID:         string(r.ItemID),
		RequestedBy:    string(r.RequestedBy),
		SalePrice:      r.SalePrice.StringFixed(2),
		KeepRentable:   r.KeepRentable,
		CancelBookings: r.CancelBookings,
		Reason:         r.Reason,
		Status:         string(r.Status),
		RiskScore:      r.RiskScore,
		RevenueImpact:  r.RevenueImpact.StringFixed(2),
		Approval:       toApprovalDTO(r.Approval),
		CheckpointID:   r.CheckpointID,
		ReviewedBy:     string(r.ReviewedBy),
		ReviewedAt:     r.ReviewedAt,
		ReviewNotes:    r.ReviewNotes,
		Message:        r.ResultMessage,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

func toResultDTO(r *transition.Result) ResultDTO {
	return ResultDTO{
		TransitionID: r.TransitionID,
		Status:       string(r.Status),
		Message:      r.Message,
		CheckpointID: r.CheckpointID,
		Warnings:     r.Warnings,
		Rollback:     r.Rollback,
	}
}

func toSaleConflictDTOs(rows []transition.SaleConflict) []SaleConflictDTO {
	out := make([]SaleConflictDTO, 0, len(rows))
	for _, c := range rows {
		out = append(out, SaleConflictDTO{
			ID:              c.ID,
			Kind:            string(c.Kind),
			EntityID:        c.EntityID,
			EntityType:      c.EntityType,
			Severity:        c.Severity.String(),
			Description:     c.Description,
			CustomerID:      string(c.CustomerID),
			FinancialImpact: c.FinancialImpact.StringFixed(2),
			CreatedAt:       c.CreatedAt,
		})
	}
	return out
}

func toStatusDTO(v *transition.StatusView) StatusDTO {
	dto := StatusDTO{
		Transition: toTransitionDTO(&v.Request),
		Conflicts:  toSaleConflictDTOs(v.Conflicts),
	}
	if cp := v.Checkpoint; cp != nil {
		dto.Checkpoint = &CheckpointDTO{
			ID:        cp.ID,
			State:     string(cp.State),
			CreatedAt: cp.CreatedAt,
			ExpiresAt: cp.ExpiresAt,
			UsedAt:    cp.UsedAt,
		}
	}
	return dto
}
