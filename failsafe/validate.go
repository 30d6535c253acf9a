package failsafe

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/sale-transition/conflict"
	"github.com/warp/sale-transition/generic"
)

// warnRiskScore: above this the proposal is still valid but flagged for review.
const warnRiskScore = 90

// TransitionProposal is what the operator asks for.
type TransitionProposal struct {
	ItemID    generic.ItemID
	SalePrice decimal.Decimal
}

// ValidationResult is independent from approval: a valid proposal may
// still need sign-off.
type ValidationResult struct {
	IsValid  bool     `json:"is_valid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// Err returns a *generic.ValidationError when the proposal is invalid.
func (v ValidationResult) Err() error {
	if v.IsValid {
		return nil
	}
	return &generic.ValidationError{Errors: v.Errors, Warnings: v.Warnings}
}

// ValidateTransition checks the proposal's business rules.
func ValidateTransition(cfg ApprovalConfig, item generic.Item, p TransitionProposal, report *conflict.Report) ValidationResult {
	res := ValidationResult{Errors: []string{}, Warnings: []string{}}

	if item.IsSaleable {
		res.Errors = append(res.Errors, generic.ErrAlreadySaleable.Error())
	}
	if !p.SalePrice.IsPositive() {
		res.Errors = append(res.Errors, generic.ErrInvalidPrice.Error())
	}

	if report != nil {
		if score := report.RiskScore(); score > warnRiskScore {
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("risk score %d exceeds %d: manager review recommended", score, warnRiskScore))
		}
		if n := len(report.AffectedCustomers()); cfg.CustomerThreshold > 0 && n > cfg.CustomerThreshold {
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("%d customers affected, above threshold of %d", n, cfg.CustomerThreshold))
		}
		if cfg.FutureBookingDaysThreshold > 0 {
			for _, c := range report.Conflicts {
				b, ok := c.Detail.(conflict.BookingDetail)
				if ok && b.DaysUntil <= cfg.FutureBookingDaysThreshold {
					res.Warnings = append(res.Warnings,
						fmt.Sprintf("booking %s picks up within %d days", c.EntityID, cfg.FutureBookingDaysThreshold))
				}
			}
		}
		if !report.IsComplete() {
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("conflict scan incomplete: %v did not report", report.FailedScans))
		}
	}

	res.IsValid = len(res.Errors) == 0
	return res
}
