package conflict

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/sale-transition/generic"
)

// =============================================================================
// REPORT - Aggregate over one item at one point in time
// =============================================================================

// MaxRiskScore caps the summed severity weights.
const MaxRiskScore = 100

// Report holds every conflict found for an item. All aggregates are derived
// on read, so two reports with the same conflicts always agree.
type Report struct {
	ItemID    generic.ItemID
	CheckDate time.Time
	Conflicts []Conflict

	// FailedScans names the sub-scans excluded after an error or timeout.
	// A non-empty list means the report is best effort.
	FailedScans []string
}

func (r *Report) TotalConflicts() int { return len(r.Conflicts) }
func (r *Report) HasConflicts() bool  { return len(r.Conflicts) > 0 }
func (r *Report) IsComplete() bool    { return len(r.FailedScans) == 0 }

// RiskScore sums severity weights, capped at MaxRiskScore.
func (r *Report) RiskScore() int {
	score := 0
	for _, c := range r.Conflicts {
		score += c.Severity.Weight()
	}
	if score > MaxRiskScore {
		return MaxRiskScore
	}
	return score
}

// HasCritical reports whether any conflict is CRITICAL.
func (r *Report) HasCritical() bool {
	for _, c := range r.Conflicts {
		if c.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// HighestSeverity returns 0 for an empty report.
func (r *Report) HighestSeverity() Severity {
	var max Severity
	for _, c := range r.Conflicts {
		if c.Severity > max {
			max = c.Severity
		}
	}
	return max
}

// RevenueImpact is the committed revenue at risk.
func (r *Report) RevenueImpact() decimal.Decimal {
	total := decimal.Zero
	for _, c := range r.Conflicts {
		total = total.Add(c.FinancialImpact)
	}
	return total
}

// AffectedCustomers returns distinct customers in first-seen order.
func (r *Report) AffectedCustomers() []generic.CustomerID {
	seen := make(map[generic.CustomerID]bool)
	var out []generic.CustomerID
	for _, c := range r.Conflicts {
		if c.CustomerID == "" || seen[c.CustomerID] {
			continue
		}
		seen[c.CustomerID] = true
		out = append(out, c.CustomerID)
	}
	return out
}

// CountByKind tallies conflicts per kind.
func (r *Report) CountByKind() map[Kind]int {
	out := make(map[Kind]int)
	for _, c := range r.Conflicts {
		out[c.Kind]++
	}
	return out
}

// =============================================================================
// RECOMMENDATION
// =============================================================================

type Tier string

const (
	TierNoConflict       Tier = "no_conflict"
	TierCriticalBlock    Tier = "critical_block"
	TierHighRiskApproval Tier = "high_risk_approval"
	TierModerateReview   Tier = "moderate_review"
	TierMinorProceed     Tier = "minor_proceed"
)

// Tier boundaries on the risk score.
const (
	highRiskScore     = 70
	moderateRiskScore = 30
)

// Recommendation is the advice attached to a report.
type Recommendation struct {
	Tier    Tier   `json:"tier"`
	Message string `json:"message"`
}

// Recommendation is a pure function of RiskScore and HasCritical.
func (r *Report) Recommendation() Recommendation {
	return recommend(r.RiskScore(), r.HasCritical())
}

func recommend(score int, critical bool) Recommendation {
	switch {
	case score == 0:
		return Recommendation{TierNoConflict, "No conflicts detected. Item can be safely transitioned to saleable."}
	case critical:
		return Recommendation{TierCriticalBlock, "Critical conflicts present. Resolve late rentals and imminent bookings before selling."}
	case score >= highRiskScore:
		return Recommendation{TierHighRiskApproval, "High risk transition. Manager approval required before proceeding."}
	case score >= moderateRiskScore:
		return Recommendation{TierModerateReview, "Moderate risk. Review affected commitments before proceeding."}
	default:
		return Recommendation{TierMinorProceed, "Minor conflicts only. Transition may proceed with care."}
	}
}
