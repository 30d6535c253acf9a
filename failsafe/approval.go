/*
Package failsafe guards the rentable->saleable transition.

PURPOSE:
  Three pieces protect a transition from doing damage:
  1. Approval: decide from the conflict report whether a human with enough
     authority must sign off, and at which level
  2. Checkpoint: capture item, rental, booking and stock state before the
     external mutation runs
  3. Rollback: restore that state exactly once, inside the window

APPROVAL RULES (all evaluated, reasons accumulate):
  1. Revenue impact above threshold         -> REVENUE_IMPACT,        >= MANAGER
  2. Any CRITICAL conflict (if configured)  -> CRITICAL_CONFLICTS,    SENIOR_MANAGER
  3. Listed value above threshold           -> HIGH_VALUE_ITEM,       >= MANAGER
  4. Actor tier below the computed level    -> INSUFFICIENT_AUTHORITY

  When auto-approve is off every transition needs at least MANAGER.
  When auto-approve is on, a conflict-free report for an item at or below
  the value threshold never requires approval, whoever the actor is.

SEQUENCING:
  ┌───────────┐   ┌──────────┐   ┌────────────┐   ┌────────────┐
  │ Detect    │──▶│ Evaluate │──▶│ (approval) │──▶│ Checkpoint │──▶ mutate ──▶ commit
  └───────────┘   └──────────┘   └────────────┘   └────────────┘       │
                                                                         └──▶ rollback
  No checkpoint exists while approval is outstanding.

SEE ALSO:
  - validate.go: Business-rule validation of the proposal
  - checkpoint.go: Checkpoint model and store interface
  - manager.go: Checkpoint creation, execution, rollback
*/
package failsafe

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/sale-transition/conflict"
	"github.com/warp/sale-transition/generic"
)

// =============================================================================
// APPROVAL CONFIG
// =============================================================================

// ApprovalConfig holds the thresholds. Values come from config; there are no
// built-in defaults here.
type ApprovalConfig struct {
	RevenueThreshold                    decimal.Decimal
	CustomerThreshold                   int
	ItemValueThreshold                  decimal.Decimal
	FutureBookingDaysThreshold          int
	RequireApprovalForCriticalConflicts bool
	AutoApproveNoConflicts              bool
}

// =============================================================================
// APPROVAL REQUIREMENT
// =============================================================================

// ApproverLevel is the minimum tier that may authorize. Ordered.
type ApproverLevel int

const (
	LevelNone ApproverLevel = iota
	LevelManager
	LevelSeniorManager
)

func (l ApproverLevel) String() string {
	switch l {
	case LevelManager:
		return "MANAGER"
	case LevelSeniorManager:
		return "SENIOR_MANAGER"
	default:
		return "NONE"
	}
}

// ParseApproverLevel is the inverse of String.
func ParseApproverLevel(s string) ApproverLevel {
	switch s {
	case "MANAGER":
		return LevelManager
	case "SENIOR_MANAGER":
		return LevelSeniorManager
	default:
		return LevelNone
	}
}

// SatisfiedBy reports whether an actor of the given tier may approve at l.
func (l ApproverLevel) SatisfiedBy(tier generic.AuthorityTier) bool {
	switch l {
	case LevelNone:
		return true
	case LevelManager:
		return tier >= generic.TierManager
	default:
		return tier >= generic.TierSeniorManager
	}
}

func maxLevel(a, b ApproverLevel) ApproverLevel {
	if a > b {
		return a
	}
	return b
}

type ReasonType string

const (
	ReasonRevenueImpact         ReasonType = "REVENUE_IMPACT"
	ReasonCriticalConflicts     ReasonType = "CRITICAL_CONFLICTS"
	ReasonHighValueItem         ReasonType = "HIGH_VALUE_ITEM"
	ReasonInsufficientAuthority ReasonType = "INSUFFICIENT_AUTHORITY"
)

type ApprovalReason struct {
	Type   ReasonType `json:"type"`
	Detail string     `json:"detail"`
}

// ApprovalRequirement is the evaluator's decision.
type ApprovalRequirement struct {
	Required      bool
	Reasons       []ApprovalReason
	ApproverLevel ApproverLevel
}

// HasReason reports whether a reason of type t was recorded.
func (a ApprovalRequirement) HasReason(t ReasonType) bool {
	for _, r := range a.Reasons {
		if r.Type == t {
			return true
		}
	}
	return false
}

// Message is a one-line summary for display.
func (a ApprovalRequirement) Message() string {
	if !a.Required {
		return "No approval required."
	}
	return fmt.Sprintf("%s approval required (%d reason(s)).", a.ApproverLevel, len(a.Reasons))
}

// =============================================================================
// EVALUATION
// =============================================================================

// Evaluate applies the rules. It is pure: same inputs, same requirement.
func Evaluate(cfg ApprovalConfig, item generic.Item, report *conflict.Report, tier generic.AuthorityTier) ApprovalRequirement {
	highValue := item.ListedValue.GreaterThan(cfg.ItemValueThreshold)

	if cfg.AutoApproveNoConflicts && !report.HasConflicts() && !highValue {
		return ApprovalRequirement{Required: false, ApproverLevel: LevelNone}
	}

	var req ApprovalRequirement
	level := LevelNone
	if !cfg.AutoApproveNoConflicts {
		level = LevelManager
	}

	if revenue := report.RevenueImpact(); revenue.GreaterThan(cfg.RevenueThreshold) {
		req.Reasons = append(req.Reasons, ApprovalReason{
			Type:   ReasonRevenueImpact,
			Detail: fmt.Sprintf("revenue at risk %s exceeds threshold %s", revenue.StringFixed(2), cfg.RevenueThreshold.StringFixed(2)),
		})
		level = maxLevel(level, LevelManager)
	}

	if cfg.RequireApprovalForCriticalConflicts && report.HasCritical() {
		n := 0
		for _, c := range report.Conflicts {
			if c.Severity == conflict.SeverityCritical {
				n++
			}
		}
		req.Reasons = append(req.Reasons, ApprovalReason{
			Type:   ReasonCriticalConflicts,
			Detail: fmt.Sprintf("%d critical conflict(s) detected", n),
		})
		level = LevelSeniorManager
	}

	if highValue {
		req.Reasons = append(req.Reasons, ApprovalReason{
			Type:   ReasonHighValueItem,
			Detail: fmt.Sprintf("listed value %s exceeds threshold %s", item.ListedValue.StringFixed(2), cfg.ItemValueThreshold.StringFixed(2)),
		})
		level = maxLevel(level, LevelManager)
	}

	if !level.SatisfiedBy(tier) {
		req.Reasons = append(req.Reasons, ApprovalReason{
			Type:   ReasonInsufficientAuthority,
			Detail: fmt.Sprintf("actor tier %s is below required level %s", tier, level),
		})
	}

	req.ApproverLevel = level
	req.Required = len(req.Reasons) > 0
	return req
}

// Evaluator resolves the item and actor, then calls Evaluate.
type Evaluator struct {
	Config    ApprovalConfig
	Items     generic.ItemDirectory
	Authority generic.AuthorityDirectory
}

// CheckApprovalRequirements decides whether the transition needs sign-off.
// Only collaborator failures are errors; "approval needed" is a result.
func (e *Evaluator) CheckApprovalRequirements(ctx context.Context, itemID generic.ItemID, report *conflict.Report, actor generic.ActorID) (ApprovalRequirement, error) {
	if report == nil {
		return ApprovalRequirement{}, fmt.Errorf("%w: conflict report is required", generic.ErrInvalidRequest)
	}
	item, err := e.Items.GetItem(ctx, itemID)
	if err != nil {
		return ApprovalRequirement{}, err
	}
	tier, err := e.Authority.AuthorityOf(ctx, actor)
	if err != nil {
		return ApprovalRequirement{}, fmt.Errorf("resolve authority for %s: %w", actor, err)
	}
	return Evaluate(e.Config, *item, report, tier), nil
}
