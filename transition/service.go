package transition

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/warp/sale-transition/conflict"
	"github.com/warp/sale-transition/failsafe"
	"github.com/warp/sale-transition/generic"
)

// =============================================================================
// SERVICE - Orchestrates the transition lifecycle
// =============================================================================

type Service struct {
	State       generic.TxState
	Transitions Store
	Detector    *conflict.Detector
	Evaluator   *failsafe.Evaluator
	Failsafe    *failsafe.Manager
	Clock       generic.Clock
	Logger      logrus.FieldLogger
}

func NewService(
	state generic.TxState,
	transitions Store,
	detector *conflict.Detector,
	evaluator *failsafe.Evaluator,
	manager *failsafe.Manager,
	logger logrus.FieldLogger,
) *Service {
	return &Service{
		State:       state,
		Transitions: transitions,
		Detector:    detector,
		Evaluator:   evaluator,
		Failsafe:    manager,
		Logger:      logger,
	}
}

func (s *Service) logger() logrus.FieldLogger {
	if s.Logger == nil {
		return logrus.StandardLogger()
	}
	return s.Logger
}

func requestLockKey(itemID generic.ItemID) string {
	return "sale-transition:request:" + string(itemID)
}

// lockRequest loads the request, takes its item's request lock and reloads
// it so the caller sees the latest status.
func (s *Service) lockRequest(ctx context.Context, id string) (*Request, func(), error) {
	req, err := s.Transitions.GetRequest(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	unlock, err := s.Failsafe.Locker.TryLock(ctx, requestLockKey(req.ItemID))
	if err != nil {
		return nil, nil, err
	}
	req, err = s.Transitions.GetRequest(ctx, id)
	if err != nil {
		unlock()
		return nil, nil, err
	}
	return req, unlock, nil
}

// =============================================================================
// ELIGIBILITY
// =============================================================================

// CheckEligibility runs detection and approval evaluation without writing anything.
func (s *Service) CheckEligibility(ctx context.Context, itemID generic.ItemID, actorID generic.ActorID) (*Eligibility, error) {
	if itemID == "" {
		return nil, fmt.Errorf("%w: item id is required", generic.ErrInvalidRequest)
	}
	item, err := s.State.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	report, err := s.Detector.DetectAll(ctx, itemID, s.Clock.Now())
	if err != nil {
		return nil, err
	}
	approval, err := s.Evaluator.CheckApprovalRequirements(ctx, itemID, report, actorID)
	if err != nil {
		return nil, err
	}
	return &Eligibility{
		ItemID:         itemID,
		IsSaleable:     item.IsSaleable,
		Eligible:       !item.IsSaleable,
		Report:         report,
		Recommendation: report.Recommendation(),
		Approval:       approval,
	}, nil
}

// =============================================================================
// INITIATE
// =============================================================================

// Initiate opens a transition request. Invalid proposals are rejected
// without a record. A second open request for the same item is rejected.
func (s *Service) Initiate(ctx context.Context, p InitiateParams) (*Request, error) {
	if p.ItemID == "" || p.ActorID == "" {
		return nil, fmt.Errorf("%w: item id and actor id are required", generic.ErrInvalidRequest)
	}

	unlock, err := s.Failsafe.Locker.TryLock(ctx, requestLockKey(p.ItemID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	open, err := s.Transitions.OpenRequestForItem(ctx, p.ItemID)
	if err != nil {
		return nil, fmt.Errorf("look up open request: %w", err)
	}
	if open != nil {
		return nil, fmt.Errorf("%w: request %s is %s", generic.ErrTransitionInFlight, open.ID, open.Status)
	}

	item, err := s.State.GetItem(ctx, p.ItemID)
	if err != nil {
		return nil, err
	}
	now := s.Clock.Now()
	report, err := s.Detector.DetectAll(ctx, p.ItemID, now)
	if err != nil {
		return nil, err
	}

	validation := failsafe.ValidateTransition(s.Evaluator.Config, *item,
		failsafe.TransitionProposal{ItemID: p.ItemID, SalePrice: p.SalePrice}, report)
	if err := validation.Err(); err != nil {
		return nil, err
	}

	approval, err := s.Evaluator.CheckApprovalRequirements(ctx, p.ItemID, report, p.ActorID)
	if err != nil {
		return nil, err
	}

	req := Request{
		ID:             uuid.NewString(),
		ItemID:         p.ItemID,
		RequestedBy:    p.ActorID,
		SalePrice:      p.SalePrice,
		KeepRentable:   p.KeepRentable,
		CancelBookings: p.CancelBookings,
		Reason:         p.Reason,
		Status:         StatusReady,
		RiskScore:      report.RiskScore(),
		RevenueImpact:  report.RevenueImpact(),
		Approval:       approval,
		ResultMessage:  approval.Message(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if approval.Required {
		req.Status = StatusPendingApproval
	}

	if err := s.Transitions.SaveRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("save request: %w", err)
	}
	if err := s.Transitions.SaveConflicts(ctx, auditRows(req, report, now)); err != nil {
		return nil, fmt.Errorf("save conflict audit: %w", err)
	}

	s.logger().WithFields(logrus.Fields{
		"transition_id":  req.ID,
		"item_id":        req.ItemID,
		"actor_id":       req.RequestedBy,
		"status":         req.Status,
		"risk_score":     req.RiskScore,
		"approver_level": approval.ApproverLevel.String(),
	}).Info("transition initiated")

	return &req, nil
}

func auditRows(req Request, report *conflict.Report, now time.Time) []SaleConflict {
	rows := make([]SaleConflict, 0, len(report.Conflicts))
	for _, c := range report.Conflicts {
		rows = append(rows, SaleConflict{
			ID:              uuid.NewString(),
			TransitionID:    req.ID,
			ItemID:          req.ItemID,
			Kind:            c.Kind,
			EntityID:        c.EntityID,
			EntityType:      c.EntityType,
			Severity:        c.Severity,
			Description:     c.Description,
			CustomerID:      c.CustomerID,
			FinancialImpact: c.FinancialImpact,
			CreatedAt:       now,
		})
	}
	return rows
}

// =============================================================================
// APPROVE / REJECT
// =============================================================================

// Approve signs off a pending request. The approver must meet the recorded
// level; a NONE level still needs a manager to approve explicitly.
func (s *Service) Approve(ctx context.Context, id string, actorID generic.ActorID, notes string) (*Request, error) {
	return s.review(ctx, id, actorID, notes, StatusApproved)
}

// Reject closes a pending request. Same authority rule as Approve.
func (s *Service) Reject(ctx context.Context, id string, actorID generic.ActorID, notes string) (*Request, error) {
	return s.review(ctx, id, actorID, notes, StatusRejected)
}

func (s *Service) review(ctx context.Context, id string, actorID generic.ActorID, notes string, to Status) (*Request, error) {
	req, unlock, err := s.lockRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if req.Status != StatusPendingApproval {
		return nil, fmt.Errorf("%w: request %s is %s, not pending approval", generic.ErrInvalidState, id, req.Status)
	}

	if err := s.requireLevel(ctx, actorID, req.Approval.ApproverLevel); err != nil {
		return nil, err
	}

	now := s.Clock.Now()
	req.Status = to
	req.ReviewedBy = actorID
	req.ReviewedAt = &now
	req.ReviewNotes = notes
	req.UpdatedAt = now
	if to == StatusApproved {
		req.ResultMessage = fmt.Sprintf("Approved by %s. Confirm to apply the transition.", actorID)
	} else {
		req.ResultMessage = fmt.Sprintf("Rejected by %s.", actorID)
	}

	if err := s.Transitions.SaveRequest(ctx, *req); err != nil {
		return nil, fmt.Errorf("save request: %w", err)
	}

	s.logger().WithFields(logrus.Fields{
		"transition_id": req.ID,
		"item_id":       req.ItemID,
		"reviewer":      actorID,
		"status":        to,
	}).Info("transition reviewed")

	return req, nil
}

func (s *Service) requireLevel(ctx context.Context, actorID generic.ActorID, level failsafe.ApproverLevel) error {
	if actorID == "" {
		return fmt.Errorf("%w: actor id is required", generic.ErrInvalidRequest)
	}
	if level == failsafe.LevelNone {
		level = failsafe.LevelManager
	}
	tier, err := s.Evaluator.Authority.AuthorityOf(ctx, actorID)
	if err != nil {
		return fmt.Errorf("resolve authority for %s: %w", actorID, err)
	}
	if !level.SatisfiedBy(tier) {
		return &generic.AuthorityError{ActorID: actorID, Tier: tier, Required: level.String()}
	}
	return nil
}

// =============================================================================
// CONFIRM
// =============================================================================

// Confirm applies (proceed) or abandons (cancel) a ready or approved request.
//
// Proceed re-detects conflicts first. If the proposal became invalid the
// request fails without a checkpoint. If the new report needs a higher
// approval level than was granted, the request goes back to pending_approval.
// Otherwise: checkpoint, mutate, commit. A failed mutation is rolled back
// automatically and the request is marked failed; a failed rollback marks it
// needs_intervention and returns a *generic.InconsistencyError.
func (s *Service) Confirm(ctx context.Context, id string, decision Decision, actorID generic.ActorID) (*Result, error) {
	decision, err := ParseDecision(string(decision))
	if err != nil {
		return nil, err
	}
	req, unlock, err := s.lockRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if !req.Status.Confirmable() {
		return nil, fmt.Errorf("%w: request %s is %s", generic.ErrInvalidState, id, req.Status)
	}

	if decision == DecisionCancel {
		return s.finish(ctx, req, StatusCancelled, "Transition cancelled; nothing was changed.", nil)
	}

	now := s.Clock.Now()
	if now.Sub(req.CreatedAt) > s.Failsafe.RollbackWindow {
		if _, err := s.finish(ctx, req, StatusExpired, "Request expired before confirmation; start a new transition.", nil); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: request %s expired", generic.ErrInvalidState, id)
	}

	item, err := s.State.GetItem(ctx, req.ItemID)
	if err != nil {
		return nil, err
	}
	report, err := s.Detector.DetectAll(ctx, req.ItemID, now)
	if err != nil {
		return nil, err
	}

	validation := failsafe.ValidateTransition(s.Evaluator.Config, *item,
		failsafe.TransitionProposal{ItemID: req.ItemID, SalePrice: req.SalePrice}, report)
	if verr := validation.Err(); verr != nil {
		res, err := s.finish(ctx, req, StatusFailed, "Transition no longer valid: "+verr.Error(), nil)
		if err != nil {
			return nil, err
		}
		res.Warnings = validation.Warnings
		return res, verr
	}

	if regressed, err := s.reevaluate(ctx, req, report, actorID); err != nil || regressed != nil {
		return regressed, err
	}

	cp, err := s.Failsafe.CreateCheckpoint(ctx, req.ItemID, req.ID)
	if err != nil {
		return nil, err
	}
	req.CheckpointID = cp.ID
	req.RiskScore = report.RiskScore()
	req.RevenueImpact = report.RevenueImpact()

	if err := s.Failsafe.Execute(ctx, cp, applySale(req, cp)); err != nil {
		status, msg := StatusFailed, err.Error()
		var mut *failsafe.MutationError
		var rb *failsafe.RollbackResult
		switch {
		case generic.IsFatal(err):
			status = StatusNeedsIntervention
			msg = "Transition failed and could not be rolled back; manual intervention required: " + err.Error()
		case errors.As(err, &mut):
			rb = &mut.Rollback
			msg = fmt.Sprintf("Transition failed and was rolled back: %v", mut.Cause)
		default:
			// Nothing was applied and the checkpoint was discarded.
			req.CheckpointID = ""
			msg = "Transition not applied, nothing was changed: " + err.Error()
		}
		if _, saveErr := s.finish(ctx, req, status, msg, rb); saveErr != nil {
			s.logger().WithFields(logrus.Fields{
				"transition_id": req.ID,
				"error":         saveErr.Error(),
			}).Error("failed to record transition failure")
		}
		return &Result{TransitionID: req.ID, Status: status, Message: msg, CheckpointID: req.CheckpointID, Rollback: rb}, err
	}

	if err := s.Failsafe.Commit(ctx, cp.ID); err != nil {
		// The mutation is applied. An uncommitted checkpoint only blocks new
		// checkpoints for the item until it expires.
		s.logger().WithFields(logrus.Fields{
			"transition_id": req.ID,
			"checkpoint_id": cp.ID,
			"error":         err.Error(),
		}).Error("failed to commit checkpoint")
	}

	msg := fmt.Sprintf("Item %s is now saleable at %s. Rollback available until %s.",
		req.ItemID, req.SalePrice.StringFixed(2), cp.ExpiresAt.Format(time.RFC3339))
	res, err := s.finish(ctx, req, StatusCompleted, msg, nil)
	if err != nil {
		return nil, err
	}
	res.Warnings = validation.Warnings
	return res, nil
}

// reevaluate returns a non-nil Result when the request had to go back to
// pending_approval.
func (s *Service) reevaluate(ctx context.Context, req *Request, report *conflict.Report, actorID generic.ActorID) (*Result, error) {
	confirmer := actorID
	if confirmer == "" {
		confirmer = req.RequestedBy
	}
	approval, err := s.Evaluator.CheckApprovalRequirements(ctx, req.ItemID, report, confirmer)
	if err != nil {
		return nil, err
	}

	needsReview := false
	switch req.Status {
	case StatusReady:
		needsReview = approval.Required
	case StatusApproved:
		needsReview = approval.Required && approval.ApproverLevel > req.Approval.ApproverLevel
	}
	if !needsReview {
		return nil, nil
	}

	now := s.Clock.Now()
	req.Status = StatusPendingApproval
	req.Approval = approval
	req.RiskScore = report.RiskScore()
	req.RevenueImpact = report.RevenueImpact()
	req.ReviewedBy = ""
	req.ReviewedAt = nil
	req.ResultMessage = "Conflicts changed since the request was opened. " + approval.Message()
	req.UpdatedAt = now
	if err := s.Transitions.SaveRequest(ctx, *req); err != nil {
		return nil, fmt.Errorf("save request: %w", err)
	}
	if err := s.Transitions.SaveConflicts(ctx, auditRows(*req, report, now)); err != nil {
		return nil, fmt.Errorf("save conflict audit: %w", err)
	}

	s.logger().WithFields(logrus.Fields{
		"transition_id":  req.ID,
		"item_id":        req.ItemID,
		"approver_level": approval.ApproverLevel.String(),
	}).Info("transition sent back for approval")

	return &Result{TransitionID: req.ID, Status: req.Status, Message: req.ResultMessage}, nil
}

// applySale flips the flags and, if asked, cancels the bookings captured in cp.
func applySale(req *Request, cp *failsafe.Checkpoint) failsafe.ApplyFunc {
	return func(ctx context.Context, st generic.State) error {
		if err := st.SetSaleable(ctx, req.ItemID, true); err != nil {
			return fmt.Errorf("set saleable: %w", err)
		}
		if err := st.SetRentable(ctx, req.ItemID, req.KeepRentable); err != nil {
			return fmt.Errorf("set rentable: %w", err)
		}
		if !req.CancelBookings {
			return nil
		}
		for _, b := range cp.Snapshot.Bookings {
			if !b.Status.IsOpen() {
				continue
			}
			if err := st.CancelBooking(ctx, b.ID); err != nil {
				return fmt.Errorf("cancel booking %s: %w", b.ID, err)
			}
		}
		return nil
	}
}

func (s *Service) finish(ctx context.Context, req *Request, status Status, msg string, rb *failsafe.RollbackResult) (*Result, error) {
	req.Status = status
	req.ResultMessage = msg
	req.UpdatedAt = s.Clock.Now()
	if err := s.Transitions.SaveRequest(ctx, *req); err != nil {
		return nil, fmt.Errorf("save request: %w", err)
	}

	s.logger().WithFields(logrus.Fields{
		"transition_id": req.ID,
		"item_id":       req.ItemID,
		"status":        status,
	}).Info("transition finished")

	return &Result{
		TransitionID: req.ID,
		Status:       status,
		Message:      msg,
		CheckpointID: req.CheckpointID,
		Rollback:     rb,
	}, nil
}

// =============================================================================
// ROLLBACK
// =============================================================================

// Rollback undoes a transition from its checkpoint. A completed transition
// needs a manager. A needs_intervention transition, whose automatic rollback
// failed, can be retried here by a senior manager.
// Checkpoint errors leave the request status unchanged and are returned as-is.
func (s *Service) Rollback(ctx context.Context, id string, actorID generic.ActorID, reason string) (*Result, error) {
	req, unlock, err := s.lockRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	level := failsafe.LevelManager
	switch {
	case req.CheckpointID == "":
		return nil, fmt.Errorf("%w: request %s has no checkpoint", generic.ErrInvalidState, id)
	case req.Status == StatusCompleted:
	case req.Status == StatusNeedsIntervention:
		level = failsafe.LevelSeniorManager
	default:
		return nil, fmt.Errorf("%w: request %s is %s, only completed or needs_intervention transitions can be rolled back", generic.ErrInvalidState, id, req.Status)
	}
	if err := s.requireLevel(ctx, actorID, level); err != nil {
		return nil, err
	}
	if reason == "" {
		reason = fmt.Sprintf("manual rollback by %s", actorID)
	}

	rb, err := s.Failsafe.Rollback(ctx, req.CheckpointID, reason)
	if err != nil {
		return &Result{
			TransitionID: req.ID,
			Status:       req.Status,
			Message:      rb.Message,
			CheckpointID: req.CheckpointID,
			Rollback:     &rb,
		}, err
	}
	return s.finish(ctx, req, StatusRolledBack, rb.Message, &rb)
}

// =============================================================================
// STATUS
// =============================================================================

// Status returns the request, its audit rows and its checkpoint if any.
func (s *Service) Status(ctx context.Context, id string) (*StatusView, error) {
	req, err := s.Transitions.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	rows, err := s.Transitions.ConflictsFor(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load conflicts: %w", err)
	}
	view := &StatusView{Request: *req, Conflicts: rows}

	if req.CheckpointID != "" {
		cp, err := s.Failsafe.Get(ctx, req.CheckpointID)
		switch {
		case errors.Is(err, generic.ErrCheckpointNotFound):
			// swept after expiry
		case err != nil:
			return nil, fmt.Errorf("load checkpoint: %w", err)
		default:
			view.Checkpoint = &CheckpointView{
				ID:        cp.ID,
				State:     cp.State(s.Clock.Now()),
				CreatedAt: cp.CreatedAt,
				ExpiresAt: cp.ExpiresAt,
				UsedAt:    cp.UsedAt,
			}
		}
	}
	return view, nil
}

// =============================================================================
// EXPIRY
// =============================================================================

// ExpireStale marks open requests older than the rollback window as expired
// and deletes unused checkpoints past their window. Returns the number of
// requests expired.
func (s *Service) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-s.Failsafe.RollbackWindow)
	stale, err := s.Transitions.ListOpenBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale requests: %w", err)
	}
	for i := range stale {
		req := stale[i]
		req.Status = StatusExpired
		req.ResultMessage = "Request expired without confirmation."
		req.UpdatedAt = now
		if err := s.Transitions.SaveRequest(ctx, req); err != nil {
			return i, fmt.Errorf("expire request %s: %w", req.ID, err)
		}
	}

	removed, err := s.Failsafe.Checkpoints.DeleteExpired(ctx, now)
	if err != nil {
		return len(stale), fmt.Errorf("delete expired checkpoints: %w", err)
	}

	if len(stale) > 0 || removed > 0 {
		s.logger().WithFields(logrus.Fields{
			"requests_expired":    len(stale),
			"checkpoints_removed": removed,
		}).Info("expired stale transitions")
	}
	return len(stale), nil
}
