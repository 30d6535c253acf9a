package transition_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/sale-transition/conflict"
	"github.com/warp/sale-transition/failsafe"
	"github.com/warp/sale-transition/generic"
	"github.com/warp/sale-transition/generic/store"
	"github.com/warp/sale-transition/transition"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var checkDay = generic.NewDate(2026, time.March, 10)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

// flakyState breaks CancelBooking, and optionally every transaction, so the
// mutation phase and its rollback can be made to fail.
type flakyState struct {
	*store.Memory
	failCancel bool
	failTx     bool
}

func (f *flakyState) CancelBooking(ctx context.Context, id generic.BookingID) error {
	if f.failCancel {
		return errors.New("booking service unavailable")
	}
	return f.Memory.CancelBooking(ctx, id)
}

func (f *flakyState) WithTx(ctx context.Context, fn func(generic.State) error) error {
	if f.failTx {
		return errors.New("database is locked")
	}
	return f.Memory.WithTx(ctx, fn)
}

type env struct {
	mem         *flakyState
	svc         *transition.Service
	transitions *transition.MemoryStore
	checkpoints *failsafe.MemoryCheckpointStore
	clock       *fakeClock
}

func newEnv(t *testing.T) *env {
	t.Helper()
	mem := store.NewMemory()
	mem.PutItem(generic.Item{ID: "item-1", Name: "Paddle board", IsRentable: true, ListedValue: decimal.NewFromInt(800)})
	mem.SetUnitCount("item-1", generic.UnitAvailable, 2)
	mem.PutActor("clerk", generic.TierRegular)
	mem.PutActor("mgr", generic.TierManager)
	mem.PutActor("boss", generic.TierSeniorManager)

	state := &flakyState{Memory: mem}
	clock := &fakeClock{t: checkDay.Add(10 * time.Hour)}
	logger, _ := test.NewNullLogger()

	detector := conflict.NewDetector(state, time.Second, logger)
	detector.Clock = clock.Now

	evaluator := &failsafe.Evaluator{
		Config: failsafe.ApprovalConfig{
			RevenueThreshold:                    decimal.NewFromInt(1000),
			CustomerThreshold:                   3,
			ItemValueThreshold:                  decimal.NewFromInt(5000),
			FutureBookingDaysThreshold:          30,
			RequireApprovalForCriticalConflicts: true,
			AutoApproveNoConflicts:              true,
		},
		Items:     state,
		Authority: mem,
	}

	checkpoints := failsafe.NewMemoryCheckpointStore()
	manager := failsafe.NewManager(state, checkpoints, failsafe.NewMutexLocker(), 24*time.Hour, logger)
	manager.Clock = clock.Now

	transitions := transition.NewMemoryStore()
	svc := transition.NewService(state, transitions, detector, evaluator, manager, logger)
	svc.Clock = clock.Now

	return &env{mem: state, svc: svc, transitions: transitions, checkpoints: checkpoints, clock: clock}
}

func (e *env) addLateRental() {
	end := checkDay.AddDate(0, 0, -2)
	e.mem.PutRentalLine(generic.RentalLineSummary{
		ID: "line-1", RentalID: "r-1", ItemID: "item-1", Status: generic.RentalLate,
		StartDate: checkDay.AddDate(0, 0, -9), EndDate: &end, CustomerID: "cust-1",
		LineTotal: decimal.NewFromInt(500),
	})
}

func (e *env) addBooking(id generic.BookingID, pickupOffset int) {
	e.mem.PutBooking(generic.BookingSummary{
		ID: id, ItemID: "item-1", Status: generic.BookingConfirmed, CustomerID: generic.CustomerID("cust-" + id),
		PickupDate: checkDay.AddDate(0, 0, pickupOffset), ReturnDate: checkDay.AddDate(0, 0, pickupOffset+3),
		LineTotal: decimal.NewFromInt(120),
	})
}

func (e *env) item(t *testing.T) generic.Item {
	t.Helper()
	it, err := e.mem.GetItem(context.Background(), "item-1")
	require.NoError(t, err)
	return *it
}

func (e *env) bookingStatus(t *testing.T, id generic.BookingID) generic.BookingStatus {
	t.Helper()
	b, err := e.mem.GetBooking(context.Background(), id)
	require.NoError(t, err)
	return b.Status
}

func params(actor generic.ActorID) transition.InitiateParams {
	return transition.InitiateParams{
		ItemID:    "item-1",
		ActorID:   actor,
		SalePrice: decimal.NewFromInt(450),
		Reason:    "end of season",
	}
}

// =============================================================================
// ELIGIBILITY
// =============================================================================

func TestCheckEligibility_NoConflicts(t *testing.T) {
	// GIVEN: A clean rentable item
	e := newEnv(t)

	// WHEN: Checking eligibility
	el, err := e.svc.CheckEligibility(context.Background(), "item-1", "clerk")
	require.NoError(t, err)

	// THEN: Eligible, no approval, nothing written
	assert.True(t, el.Eligible)
	assert.Equal(t, 0, el.Report.RiskScore())
	assert.Equal(t, conflict.TierNoConflict, el.Recommendation.Tier)
	assert.False(t, el.Approval.Required)

	open, err := e.transitions.OpenRequestForItem(context.Background(), "item-1")
	require.NoError(t, err)
	assert.Nil(t, open)
}

func TestCheckEligibility_UnknownItem(t *testing.T) {
	e := newEnv(t)

	_, err := e.svc.CheckEligibility(context.Background(), "ghost", "clerk")

	assert.ErrorIs(t, err, generic.ErrItemNotFound)
}

// =============================================================================
// HAPPY PATHS
// =============================================================================

func TestTransition_NoApprovalNeeded(t *testing.T) {
	// GIVEN: A clean item
	e := newEnv(t)
	ctx := context.Background()

	// WHEN: Initiating and confirming
	req, err := e.svc.Initiate(ctx, params("clerk"))
	require.NoError(t, err)
	assert.Equal(t, transition.StatusReady, req.Status)

	res, err := e.svc.Confirm(ctx, req.ID, transition.DecisionProceed, "clerk")
	require.NoError(t, err)

	// THEN: Completed, item saleable and no longer rentable, checkpoint committed
	assert.Equal(t, transition.StatusCompleted, res.Status)
	assert.NotEmpty(t, res.CheckpointID)
	assert.True(t, e.item(t).IsSaleable)
	assert.False(t, e.item(t).IsRentable)

	view, err := e.svc.Status(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, transition.StatusCompleted, view.Request.Status)
	require.NotNil(t, view.Checkpoint)
	assert.Equal(t, failsafe.StateCommitted, view.Checkpoint.State)
}

func TestTransition_KeepRentable(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := params("clerk")
	p.KeepRentable = true

	req, err := e.svc.Initiate(ctx, p)
	require.NoError(t, err)
	_, err = e.svc.Confirm(ctx, req.ID, transition.DecisionProceed, "clerk")
	require.NoError(t, err)

	assert.True(t, e.item(t).IsSaleable)
	assert.True(t, e.item(t).IsRentable)
}

func TestTransition_CriticalNeedsSeniorApproval(t *testing.T) {
	// GIVEN: A late rental worth 500
	e := newEnv(t)
	e.addLateRental()
	ctx := context.Background()

	// WHEN: A clerk initiates
	req, err := e.svc.Initiate(ctx, params("clerk"))
	require.NoError(t, err)

	// THEN: Pending senior approval, no checkpoint, nothing mutated
	assert.Equal(t, transition.StatusPendingApproval, req.Status)
	assert.Equal(t, failsafe.LevelSeniorManager, req.Approval.ApproverLevel)
	assert.True(t, req.Approval.HasReason(failsafe.ReasonCriticalConflicts))
	assert.Empty(t, req.CheckpointID)
	active, err := e.checkpoints.ActiveForItem(ctx, "item-1", e.clock.Now())
	require.NoError(t, err)
	assert.Nil(t, active)
	assert.False(t, e.item(t).IsSaleable)

	// AND: Confirming before approval is refused
	_, err = e.svc.Confirm(ctx, req.ID, transition.DecisionProceed, "clerk")
	assert.ErrorIs(t, err, generic.ErrInvalidState)

	// AND: A manager is not senior enough
	_, err = e.svc.Approve(ctx, req.ID, "mgr", "looks fine")
	var authErr *generic.AuthorityError
	require.True(t, errors.As(err, &authErr))
	assert.ErrorIs(t, err, generic.ErrInsufficientAuthority)
	assert.Equal(t, "SENIOR_MANAGER", authErr.Required)

	// AND: A senior manager approves, then confirmation applies it
	approved, err := e.svc.Approve(ctx, req.ID, "boss", "customer will be called")
	require.NoError(t, err)
	assert.Equal(t, transition.StatusApproved, approved.Status)
	assert.Equal(t, generic.ActorID("boss"), approved.ReviewedBy)

	res, err := e.svc.Confirm(ctx, req.ID, transition.DecisionProceed, "clerk")
	require.NoError(t, err)
	assert.Equal(t, transition.StatusCompleted, res.Status)
	assert.NotEmpty(t, res.Warnings)
	assert.True(t, e.item(t).IsSaleable)
}

func TestTransition_Reject(t *testing.T) {
	e := newEnv(t)
	e.addLateRental()
	ctx := context.Background()
	req, err := e.svc.Initiate(ctx, params("clerk"))
	require.NoError(t, err)

	rejected, err := e.svc.Reject(ctx, req.ID, "boss", "customer still has it")
	require.NoError(t, err)
	assert.Equal(t, transition.StatusRejected, rejected.Status)
	assert.Equal(t, "customer still has it", rejected.ReviewNotes)

	_, err = e.svc.Confirm(ctx, req.ID, transition.DecisionProceed, "clerk")
	assert.ErrorIs(t, err, generic.ErrInvalidState)
	assert.False(t, e.item(t).IsSaleable)

	// A rejected request no longer blocks the item
	_, err = e.svc.Initiate(ctx, params("clerk"))
	assert.NoError(t, err)
}

func TestTransition_ConfirmCancel(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	req, err := e.svc.Initiate(ctx, params("clerk"))
	require.NoError(t, err)

	res, err := e.svc.Confirm(ctx, req.ID, transition.DecisionCancel, "clerk")
	require.NoError(t, err)

	assert.Equal(t, transition.StatusCancelled, res.Status)
	assert.False(t, e.item(t).IsSaleable)
}

func TestConfirm_InvalidDecision(t *testing.T) {
	e := newEnv(t)
	req, err := e.svc.Initiate(context.Background(), params("clerk"))
	require.NoError(t, err)

	_, err = e.svc.Confirm(context.Background(), req.ID, "maybe", "clerk")

	assert.ErrorIs(t, err, generic.ErrInvalidDecision)
	assert.True(t, generic.IsClientError(err))
}

// =============================================================================
// INITIATE REJECTIONS
// =============================================================================

func TestInitiate_SecondRequestRejected(t *testing.T) {
	// GIVEN: An open request for the item
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.svc.Initiate(ctx, params("clerk"))
	require.NoError(t, err)

	// WHEN: Another request arrives
	_, err = e.svc.Initiate(ctx, params("mgr"))

	// THEN: Rejected, not queued
	assert.ErrorIs(t, err, generic.ErrTransitionInFlight)
}

func TestInitiate_InvalidPriceLeavesNoRecord(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := params("clerk")
	p.SalePrice = decimal.Zero

	_, err := e.svc.Initiate(ctx, p)

	var verr *generic.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Errors, generic.ErrInvalidPrice.Error())
	open, err := e.transitions.OpenRequestForItem(ctx, "item-1")
	require.NoError(t, err)
	assert.Nil(t, open)
}

func TestInitiate_AlreadySaleable(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.mem.SetSaleable(context.Background(), "item-1", true))

	_, err := e.svc.Initiate(context.Background(), params("clerk"))

	assert.ErrorIs(t, err, generic.ErrInvalidRequest)
	assert.Contains(t, err.Error(), generic.ErrAlreadySaleable.Error())
}

func TestInitiate_RecordsConflictAudit(t *testing.T) {
	e := newEnv(t)
	e.addBooking("b1", 20)
	e.addBooking("b2", 25)
	ctx := context.Background()

	req, err := e.svc.Initiate(ctx, params("clerk"))
	require.NoError(t, err)

	view, err := e.svc.Status(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, view.Conflicts, 2)
	assert.Equal(t, req.ID, view.Conflicts[0].TransitionID)
	assert.Equal(t, conflict.KindFutureBooking, view.Conflicts[0].Kind)
	assert.Nil(t, view.Checkpoint)
}

// =============================================================================
// RE-DETECTION AT CONFIRM
// =============================================================================

func TestConfirm_NewCriticalConflictSendsBackForApproval(t *testing.T) {
	// GIVEN: A ready request, then a booking for the day after tomorrow appears
	e := newEnv(t)
	ctx := context.Background()
	req, err := e.svc.Initiate(ctx, params("clerk"))
	require.NoError(t, err)
	require.Equal(t, transition.StatusReady, req.Status)
	e.addBooking("b-late", 2)

	// WHEN: Confirming
	res, err := e.svc.Confirm(ctx, req.ID, transition.DecisionProceed, "clerk")
	require.NoError(t, err)

	// THEN: Back to pending approval, nothing mutated, no checkpoint
	assert.Equal(t, transition.StatusPendingApproval, res.Status)
	assert.False(t, e.item(t).IsSaleable)
	stored, err := e.transitions.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, failsafe.LevelSeniorManager, stored.Approval.ApproverLevel)
	assert.Empty(t, stored.CheckpointID)
}

func TestConfirm_BecameInvalid(t *testing.T) {
	// GIVEN: A ready request, then the item is made saleable elsewhere
	e := newEnv(t)
	ctx := context.Background()
	req, err := e.svc.Initiate(ctx, params("clerk"))
	require.NoError(t, err)
	require.NoError(t, e.mem.SetSaleable(ctx, "item-1", true))

	// WHEN: Confirming
	res, err := e.svc.Confirm(ctx, req.ID, transition.DecisionProceed, "clerk")

	// THEN: Failed without a checkpoint
	assert.ErrorIs(t, err, generic.ErrInvalidRequest)
	require.NotNil(t, res)
	assert.Equal(t, transition.StatusFailed, res.Status)
	assert.Empty(t, res.CheckpointID)
}

func TestConfirm_AfterWindowExpires(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	req, err := e.svc.Initiate(ctx, params("clerk"))
	require.NoError(t, err)
	e.clock.t = e.clock.t.Add(25 * time.Hour)

	_, err = e.svc.Confirm(ctx, req.ID, transition.DecisionProceed, "clerk")

	assert.ErrorIs(t, err, generic.ErrInvalidState)
	stored, err := e.transitions.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, transition.StatusExpired, stored.Status)
}

// =============================================================================
// BOOKINGS AND ROLLBACK
// =============================================================================

func TestTransition_CancelBookingsThenRollback(t *testing.T) {
	// GIVEN: A confirmed booking in three weeks, transition cancels bookings
	e := newEnv(t)
	e.addBooking("b1", 20)
	ctx := context.Background()
	p := params("clerk")
	p.CancelBookings = true

	req, err := e.svc.Initiate(ctx, p)
	require.NoError(t, err)
	require.Equal(t, transition.StatusReady, req.Status)
	_, err = e.svc.Confirm(ctx, req.ID, transition.DecisionProceed, "clerk")
	require.NoError(t, err)
	require.Equal(t, generic.BookingCancelled, e.bookingStatus(t, "b1"))

	// WHEN: A manager rolls it back
	res, err := e.svc.Rollback(ctx, req.ID, "mgr", "sale fell through")
	require.NoError(t, err)

	// THEN: Booking and flags restored, request rolled back
	assert.Equal(t, transition.StatusRolledBack, res.Status)
	require.NotNil(t, res.Rollback)
	assert.True(t, res.Rollback.Success)
	assert.Equal(t, 1, res.Rollback.BookingsRestored)
	assert.Equal(t, generic.BookingConfirmed, e.bookingStatus(t, "b1"))
	assert.False(t, e.item(t).IsSaleable)
	assert.True(t, e.item(t).IsRentable)

	// AND: A second rollback is refused as the request is no longer completed
	_, err = e.svc.Rollback(ctx, req.ID, "mgr", "again")
	assert.ErrorIs(t, err, generic.ErrInvalidState)
}

func TestRollback_RequiresManager(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	req, err := e.svc.Initiate(ctx, params("clerk"))
	require.NoError(t, err)
	_, err = e.svc.Confirm(ctx, req.ID, transition.DecisionProceed, "clerk")
	require.NoError(t, err)

	_, err = e.svc.Rollback(ctx, req.ID, "clerk", "oops")

	assert.ErrorIs(t, err, generic.ErrInsufficientAuthority)
	assert.True(t, e.item(t).IsSaleable)
}

func TestRollback_AfterWindow(t *testing.T) {
	// GIVEN: A transition completed 25 hours ago
	e := newEnv(t)
	ctx := context.Background()
	req, err := e.svc.Initiate(ctx, params("clerk"))
	require.NoError(t, err)
	_, err = e.svc.Confirm(ctx, req.ID, transition.DecisionProceed, "clerk")
	require.NoError(t, err)
	e.clock.t = e.clock.t.Add(25 * time.Hour)

	// WHEN: Rolling back
	res, err := e.svc.Rollback(ctx, req.ID, "mgr", "too late")

	// THEN: Expired, request stays completed, item stays saleable
	assert.ErrorIs(t, err, generic.ErrCheckpointExpired)
	require.NotNil(t, res)
	assert.Contains(t, res.Message, "expired")
	assert.Equal(t, transition.StatusCompleted, res.Status)
	assert.True(t, e.item(t).IsSaleable)
}

// =============================================================================
// MUTATION FAILURES
// =============================================================================

func TestConfirm_MutationFailureRollsBack(t *testing.T) {
	// GIVEN: Booking cancellation will fail mid-mutation
	e := newEnv(t)
	e.addBooking("b1", 20)
	e.mem.failCancel = true
	ctx := context.Background()
	p := params("clerk")
	p.CancelBookings = true
	req, err := e.svc.Initiate(ctx, p)
	require.NoError(t, err)

	// WHEN: Confirming
	res, err := e.svc.Confirm(ctx, req.ID, transition.DecisionProceed, "clerk")

	// THEN: Failed, flags restored, not fatal
	require.Error(t, err)
	assert.False(t, generic.IsFatal(err))
	require.NotNil(t, res)
	assert.Equal(t, transition.StatusFailed, res.Status)
	require.NotNil(t, res.Rollback)
	assert.True(t, res.Rollback.Success)
	assert.False(t, e.item(t).IsSaleable)
	assert.True(t, e.item(t).IsRentable)

	stored, err := e.transitions.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, transition.StatusFailed, stored.Status)
}

func TestConfirm_RollbackFailureNeedsIntervention(t *testing.T) {
	// GIVEN: Cancellation fails and so does the restoring transaction
	e := newEnv(t)
	e.addBooking("b1", 20)
	ctx := context.Background()
	p := params("clerk")
	p.CancelBookings = true
	req, err := e.svc.Initiate(ctx, p)
	require.NoError(t, err)
	e.mem.failCancel = true

	// The checkpoint capture itself needs a working transaction, so break
	// transactions only once the mutation has started.
	e.svc.Failsafe.State = &txBreaker{flakyState: e.mem}

	// WHEN: Confirming
	res, err := e.svc.Confirm(ctx, req.ID, transition.DecisionProceed, "clerk")

	// THEN: Fatal inconsistency, request flagged for an operator
	var inc *generic.InconsistencyError
	require.True(t, errors.As(err, &inc))
	assert.True(t, generic.IsFatal(err))
	require.NotNil(t, res)
	assert.Equal(t, transition.StatusNeedsIntervention, res.Status)

	stored, err := e.transitions.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, transition.StatusNeedsIntervention, stored.Status)
}

func TestRollback_RetriesAfterNeedsIntervention(t *testing.T) {
	// GIVEN: A confirm whose automatic rollback failed, leaving the item half-applied
	e := newEnv(t)
	e.addBooking("b1", 20)
	ctx := context.Background()
	p := params("clerk")
	p.CancelBookings = true
	req, err := e.svc.Initiate(ctx, p)
	require.NoError(t, err)
	e.mem.failCancel = true
	e.svc.Failsafe.State = &txBreaker{flakyState: e.mem}

	_, err = e.svc.Confirm(ctx, req.ID, transition.DecisionProceed, "clerk")
	require.True(t, generic.IsFatal(err))
	assert.True(t, e.item(t).IsSaleable)

	// The checkpoint claim was released, so it is usable again
	stored, err := e.transitions.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	cp, err := e.checkpoints.Get(ctx, stored.CheckpointID)
	require.NoError(t, err)
	assert.Equal(t, failsafe.StateCreated, cp.State(e.clock.Now()))

	// WHEN: The database recovers and operators retry
	e.mem.failTx = false
	e.mem.failCancel = false
	e.svc.Failsafe.State = e.mem

	_, err = e.svc.Rollback(ctx, req.ID, "mgr", "retry restore")
	assert.ErrorIs(t, err, generic.ErrInsufficientAuthority)

	res, err := e.svc.Rollback(ctx, req.ID, "boss", "retry restore")

	// THEN: State is restored and the request is closed as rolled back
	require.NoError(t, err)
	assert.Equal(t, transition.StatusRolledBack, res.Status)
	require.NotNil(t, res.Rollback)
	assert.True(t, res.Rollback.Success)
	assert.False(t, e.item(t).IsSaleable)
	assert.True(t, e.item(t).IsRentable)
	assert.Equal(t, generic.BookingConfirmed, e.bookingStatus(t, "b1"))

	stored, err = e.transitions.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, transition.StatusRolledBack, stored.Status)
}

func TestRollback_FailedRequestRejected(t *testing.T) {
	e := newEnv(t)
	e.addBooking("b1", 20)
	e.mem.failCancel = true
	ctx := context.Background()
	p := params("clerk")
	p.CancelBookings = true
	req, err := e.svc.Initiate(ctx, p)
	require.NoError(t, err)
	_, err = e.svc.Confirm(ctx, req.ID, transition.DecisionProceed, "clerk")
	require.Error(t, err)

	_, err = e.svc.Rollback(ctx, req.ID, "boss", "again")

	assert.ErrorIs(t, err, generic.ErrInvalidState)
}

// busyItemLocker fails the n-th item lock attempt as if another operation held it.
type busyItemLocker struct {
	failsafe.Locker
	failAt int
	calls  int
}

func (l *busyItemLocker) TryLock(ctx context.Context, key string) (func(), error) {
	if strings.HasPrefix(key, "sale-transition:item:") {
		l.calls++
		if l.calls == l.failAt {
			return nil, fmt.Errorf("%w: %s is busy", generic.ErrTransitionInFlight, key)
		}
	}
	return l.Locker.TryLock(ctx, key)
}

func TestConfirm_LockLostBeforeMutationDiscardsCheckpoint(t *testing.T) {
	// GIVEN: The item lock is taken by someone else right after the checkpoint is created
	e := newEnv(t)
	ctx := context.Background()
	req, err := e.svc.Initiate(ctx, params("clerk"))
	require.NoError(t, err)
	e.svc.Failsafe.Locker = &busyItemLocker{Locker: e.svc.Failsafe.Locker, failAt: 2}

	// WHEN: Confirming
	res, err := e.svc.Confirm(ctx, req.ID, transition.DecisionProceed, "clerk")

	// THEN: Failed without touching state and without leaving a checkpoint behind
	assert.ErrorIs(t, err, generic.ErrTransitionInFlight)
	require.NotNil(t, res)
	assert.Equal(t, transition.StatusFailed, res.Status)
	assert.Empty(t, res.CheckpointID)
	assert.Nil(t, res.Rollback)
	assert.False(t, e.item(t).IsSaleable)

	active, err := e.checkpoints.ActiveForItem(ctx, "item-1", e.clock.Now())
	require.NoError(t, err)
	assert.Nil(t, active)

	// A fresh transition for the item goes through
	next, err := e.svc.Initiate(ctx, params("clerk"))
	require.NoError(t, err)
	done, err := e.svc.Confirm(ctx, next.ID, transition.DecisionProceed, "clerk")
	require.NoError(t, err)
	assert.Equal(t, transition.StatusCompleted, done.Status)
}

// txBreaker lets the first WithTx (checkpoint capture) through and arms
// failTx as soon as a mutation write happens.
type txBreaker struct {
	*flakyState
}

func (b *txBreaker) SetSaleable(ctx context.Context, id generic.ItemID, saleable bool) error {
	b.failTx = true
	return b.flakyState.SetSaleable(ctx, id, saleable)
}

// =============================================================================
// EXPIRY
// =============================================================================

func TestExpireStale(t *testing.T) {
	// GIVEN: A ready request opened 25 hours ago
	e := newEnv(t)
	ctx := context.Background()
	stale, err := e.svc.Initiate(ctx, params("clerk"))
	require.NoError(t, err)
	e.clock.t = e.clock.t.Add(25 * time.Hour)

	// WHEN: Sweeping
	n, err := e.svc.ExpireStale(ctx, e.clock.Now())
	require.NoError(t, err)

	// THEN: The stale one is expired and the item is free again
	assert.Equal(t, 1, n)
	stored, err := e.transitions.GetRequest(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, transition.StatusExpired, stored.Status)

	_, err = e.svc.Initiate(ctx, params("clerk"))
	assert.NoError(t, err)
}

func TestStatus_UnknownTransition(t *testing.T) {
	e := newEnv(t)

	_, err := e.svc.Status(context.Background(), "nope")

	assert.ErrorIs(t, err, generic.ErrTransitionNotFound)
	assert.True(t, generic.IsNotFound(err))
}

func TestParseDecision(t *testing.T) {
	d, err := transition.ParseDecision(" Proceed ")
	require.NoError(t, err)
	assert.Equal(t, transition.DecisionProceed, d)

	_, err = transition.ParseDecision("later")
	assert.ErrorIs(t, err, generic.ErrInvalidDecision)
}
