package main

import (
	"context"
	"encoding/json"
	"io"

	"github.com/spf13/cobra"

	"github.com/warp/sale-transition/generic"
)

// checkOutput is what `check` prints.
type checkOutput struct {
	ItemID          string   `json:"item_id"`
	Eligible        bool     `json:"eligible"`
	IsSaleable      bool     `json:"is_saleable"`
	RiskScore       int      `json:"risk_score"`
	TotalConflicts  int      `json:"total_conflicts"`
	RevenueImpact   string   `json:"revenue_impact"`
	Recommendation  string   `json:"recommendation"`
	Message         string   `json:"message"`
	ApprovalNeeded  bool     `json:"approval_required"`
	ApproverLevel   string   `json:"approver_level"`
	IncompleteScans []string `json:"incomplete_scans,omitempty"`
}

// NewCheckCommand creates the check command.
func NewCheckCommand(rootOpts *RootOptions) *cobra.Command {
	var actor string

	cmd := &cobra.Command{
		Use:   "check <item-id>",
		Short: "Print the eligibility report of an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return runCheck(ctx, rootOpts, generic.ItemID(args[0]), generic.ActorID(actor), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor whose authority is evaluated")

	return cmd
}

func runCheck(ctx context.Context, opts *RootOptions, itemID generic.ItemID, actor generic.ActorID, out, logOut io.Writer) error {
	a, err := newApp(ctx, opts, logOut)
	if err != nil {
		return err
	}
	defer a.Close()

	e, err := a.service.CheckEligibility(ctx, itemID, actor)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(checkOutput{
		ItemID:          string(e.ItemID),
		Eligible:        e.Eligible,
		IsSaleable:      e.IsSaleable,
		RiskScore:       e.Report.RiskScore(),
		TotalConflicts:  e.Report.TotalConflicts(),
		RevenueImpact:   e.Report.RevenueImpact().StringFixed(2),
		Recommendation:  string(e.Recommendation.Tier),
		Message:         e.Recommendation.Message,
		ApprovalNeeded:  e.Approval.Required,
		ApproverLevel:   e.Approval.ApproverLevel.String(),
		IncompleteScans: e.Report.FailedScans,
	})
}
