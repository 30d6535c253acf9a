/*
handlers_test.go - HTTP tests for the transition API

Tests for:
- Eligibility response shape
- Initiate -> confirm -> status -> rollback over SQLite
- Validation, authority and conflict status codes
- Error to status mapping (statusFor)
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/sale-transition/conflict"
	"github.com/warp/sale-transition/failsafe"
	"github.com/warp/sale-transition/generic"
	"github.com/warp/sale-transition/store/sqlite"
	"github.com/warp/sale-transition/transition"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var checkDay = generic.NewDate(2026, time.March, 10)

type testServer struct {
	store  *sqlite.Store
	svc    *transition.Service
	router http.Handler
	now    time.Time
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	require.NoError(t, store.SaveItem(ctx, generic.Item{ID: "item-1", Name: "Kayak", IsRentable: true, ListedValue: decimal.NewFromInt(900)}))
	require.NoError(t, store.SaveUnit(ctx, "u1", "item-1", "main", generic.UnitAvailable))
	require.NoError(t, store.SaveUser(ctx, "clerk", "Casey", generic.TierRegular))
	require.NoError(t, store.SaveUser(ctx, "mgr", "Morgan", generic.TierManager))
	require.NoError(t, store.SaveUser(ctx, "boss", "Blair", generic.TierSeniorManager))

	ts := &testServer{store: store, now: checkDay.Add(10 * time.Hour)}
	clock := func() time.Time { return ts.now }
	logger, _ := test.NewNullLogger()

	detector := conflict.NewDetector(store, time.Second, logger)
	detector.Clock = clock
	evaluator := &failsafe.Evaluator{
		Config: failsafe.ApprovalConfig{
			RevenueThreshold:                    decimal.NewFromInt(1000),
			CustomerThreshold:                   3,
			ItemValueThreshold:                  decimal.NewFromInt(5000),
			FutureBookingDaysThreshold:          30,
			RequireApprovalForCriticalConflicts: true,
			AutoApproveNoConflicts:              true,
		},
		Items:     store,
		Authority: store,
	}
	manager := failsafe.NewManager(store, store, failsafe.NewMutexLocker(), 24*time.Hour, logger)
	manager.Clock = clock

	ts.svc = transition.NewService(store, store, detector, evaluator, manager, logger)
	ts.svc.Clock = clock
	ts.router = NewRouter(NewHandler(ts.svc, logger), nil)
	return ts
}

func (ts *testServer) addLateRental(t *testing.T) {
	t.Helper()
	due := checkDay.AddDate(0, 0, -2)
	require.NoError(t, ts.store.SaveRentalLine(context.Background(), generic.RentalLineSummary{
		ID: "line-1", RentalID: "r-1", ItemID: "item-1", Status: generic.RentalLate,
		StartDate: checkDay.AddDate(0, 0, -9), EndDate: &due, CustomerID: "cust-1",
		LineTotal: decimal.NewFromInt(300),
	}))
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (ts *testServer) initiate(t *testing.T, actor string) TransitionDTO {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/transitions", InitiateRequest{
		ItemID: "item-1", ActorID: actor, SalePrice: "450.00", Reason: "fleet refresh",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[TransitionDTO](t, rec)
}

// =============================================================================
// ELIGIBILITY
// =============================================================================

func TestCheckEligibility_LateRental(t *testing.T) {
	// GIVEN: An item whose rental is overdue
	ts := newTestServer(t)
	ts.addLateRental(t)

	// WHEN: A clerk checks eligibility
	rec := ts.do(t, http.MethodGet, "/api/items/item-1/eligibility?actor_id=clerk", nil)

	// THEN: One critical conflict, senior approval required
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	dto := decode[EligibilityDTO](t, rec)
	assert.True(t, dto.Eligible)
	assert.Equal(t, 1, dto.Report.TotalConflicts)
	assert.Equal(t, "CRITICAL", dto.Report.HighestSeverity)
	require.Len(t, dto.Report.Conflicts, 1)
	assert.Equal(t, "ACTIVE_RENTAL", dto.Report.Conflicts[0].Kind)
	assert.NotEmpty(t, dto.Report.Conflicts[0].ResolutionOptions)
	detail := dto.Report.Conflicts[0].Detail
	require.NotNil(t, detail)
	assert.Equal(t, "late", detail.RentalStatus)
	require.NotNil(t, detail.DaysRemaining)
	assert.Equal(t, -2, *detail.DaysRemaining)
	assert.Nil(t, detail.PickupDate)
	assert.Equal(t, "300.00", dto.Report.RevenueImpact)
	assert.True(t, dto.Approval.Required)
	assert.Equal(t, "SENIOR_MANAGER", dto.Approval.ApproverLevel)
}

func TestCheckEligibility_UnknownItem(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/items/ghost/eligibility?actor_id=clerk", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func TestTransition_ConfirmThenRollback(t *testing.T) {
	// GIVEN: A conflict-free item and a ready request
	ts := newTestServer(t)
	created := ts.initiate(t, "clerk")
	assert.Equal(t, "ready", created.Status)
	assert.False(t, created.Approval.Required)

	// WHEN: Confirming
	rec := ts.do(t, http.MethodPost, "/api/transitions/"+created.ID+"/confirm", ConfirmRequest{Decision: "proceed", ActorID: "clerk"})

	// THEN: Completed with a committed checkpoint
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[ResultDTO](t, rec)
	assert.Equal(t, "completed", res.Status)
	require.NotEmpty(t, res.CheckpointID)

	item, err := ts.store.GetItem(context.Background(), "item-1")
	require.NoError(t, err)
	assert.True(t, item.IsSaleable)
	assert.False(t, item.IsRentable)

	rec = ts.do(t, http.MethodGet, "/api/transitions/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[StatusDTO](t, rec)
	require.NotNil(t, status.Checkpoint)
	assert.Equal(t, "committed", status.Checkpoint.State)

	// WHEN: A manager rolls back within the window
	ts.now = ts.now.Add(2 * time.Hour)
	rec = ts.do(t, http.MethodPost, "/api/transitions/"+created.ID+"/rollback", RollbackRequest{ActorID: "mgr", Reason: "buyer fell through"})

	// THEN: The item is rentable again
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res = decode[ResultDTO](t, rec)
	assert.Equal(t, "rolled_back", res.Status)
	require.NotNil(t, res.Rollback)
	assert.True(t, res.Rollback.Success)
	assert.Equal(t, 1, res.Rollback.ItemsRestored)

	item, err = ts.store.GetItem(context.Background(), "item-1")
	require.NoError(t, err)
	assert.False(t, item.IsSaleable)
	assert.True(t, item.IsRentable)
}

func TestTransition_ApprovalFlow(t *testing.T) {
	// GIVEN: A critical conflict, so the request waits for a senior manager
	ts := newTestServer(t)
	ts.addLateRental(t)
	created := ts.initiate(t, "clerk")
	require.Equal(t, "pending_approval", created.Status)
	path := "/api/transitions/" + created.ID

	// WHEN: A manager tries to approve
	rec := ts.do(t, http.MethodPost, path+"/approve", ReviewRequest{ActorID: "mgr"})

	// THEN: Forbidden
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// WHEN: The senior manager approves
	rec = ts.do(t, http.MethodPost, path+"/approve", ReviewRequest{ActorID: "boss", Notes: "customer notified"})

	// THEN: Approved, and the audit rows are listed
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "approved", decode[TransitionDTO](t, rec).Status)

	rec = ts.do(t, http.MethodGet, path+"/conflicts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rows := decode[[]SaleConflictDTO](t, rec)
	require.Len(t, rows, 1)
	assert.Equal(t, "CRITICAL", rows[0].Severity)
}

func TestTransition_Reject(t *testing.T) {
	ts := newTestServer(t)
	ts.addLateRental(t)
	created := ts.initiate(t, "clerk")

	rec := ts.do(t, http.MethodPost, "/api/transitions/"+created.ID+"/reject", ReviewRequest{ActorID: "boss", Notes: "wait for return"})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	dto := decode[TransitionDTO](t, rec)
	assert.Equal(t, "rejected", dto.Status)
	assert.Equal(t, "boss", dto.ReviewedBy)
}

func TestTransition_SecondRequestConflicts(t *testing.T) {
	ts := newTestServer(t)
	ts.initiate(t, "clerk")

	rec := ts.do(t, http.MethodPost, "/api/transitions", InitiateRequest{ItemID: "item-1", ActorID: "mgr", SalePrice: "400"})

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestTransition_ZeroPriceIsUnprocessable(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/transitions", InitiateRequest{ItemID: "item-1", ActorID: "clerk", SalePrice: "0"})

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	body := decode[ErrorResponse](t, rec)
	assert.Contains(t, body.Errors, generic.ErrInvalidPrice.Error())
}

func TestTransition_MissingFields(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/transitions", map[string]any{"item_id": "item-1", "sale_price": "abc"})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode[ErrorResponse](t, rec)
	assert.Equal(t, "required", body.Fields["ActorID"])
	assert.Equal(t, "numeric", body.Fields["SalePrice"])
}

func TestTransition_InvalidDecision(t *testing.T) {
	ts := newTestServer(t)
	created := ts.initiate(t, "clerk")

	rec := ts.do(t, http.MethodPost, "/api/transitions/"+created.ID+"/confirm", ConfirmRequest{Decision: "maybe"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTransition_RollbackNeedsManager(t *testing.T) {
	ts := newTestServer(t)
	created := ts.initiate(t, "clerk")
	rec := ts.do(t, http.MethodPost, "/api/transitions/"+created.ID+"/confirm", ConfirmRequest{Decision: "proceed"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPost, "/api/transitions/"+created.ID+"/rollback", RollbackRequest{ActorID: "clerk"})

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestTransition_RollbackAfterWindow(t *testing.T) {
	// GIVEN: A completed transition, 25 hours later
	ts := newTestServer(t)
	created := ts.initiate(t, "clerk")
	rec := ts.do(t, http.MethodPost, "/api/transitions/"+created.ID+"/confirm", ConfirmRequest{Decision: "proceed"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	ts.now = ts.now.Add(25 * time.Hour)

	// WHEN: Rolling back
	rec = ts.do(t, http.MethodPost, "/api/transitions/"+created.ID+"/rollback", RollbackRequest{ActorID: "mgr"})

	// THEN: Refused with the rollback outcome in the body
	require.Equal(t, http.StatusBadRequest, rec.Code)
	res := decode[ResultDTO](t, rec)
	assert.Equal(t, "completed", res.Status)
	require.NotNil(t, res.Rollback)
	assert.False(t, res.Rollback.Success)
	assert.Contains(t, res.Rollback.Message, "expired")
	assert.NotEmpty(t, res.Error)
}

func TestTransition_Unknown(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/transitions/nope", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestStatusFor(t *testing.T) {
	fatal := &generic.InconsistencyError{ItemID: "i", CheckpointID: "c",
		MutationErr: errors.New("write failed"), RollbackErr: errors.New("restore failed")}

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", &generic.ValidationError{Errors: []string{"bad"}}, http.StatusUnprocessableEntity},
		{"authority", &generic.AuthorityError{ActorID: "a", Required: "MANAGER"}, http.StatusForbidden},
		{"not found", fmt.Errorf("%w: x", generic.ErrTransitionNotFound), http.StatusNotFound},
		{"in flight", generic.ErrTransitionInFlight, http.StatusConflict},
		{"expired", generic.ErrCheckpointExpired, http.StatusBadRequest},
		{"used", generic.ErrCheckpointUsed, http.StatusBadRequest},
		{"decision", generic.ErrInvalidDecision, http.StatusBadRequest},
		{"fatal", fatal, http.StatusInternalServerError},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}

func TestDetailDTO_DecodesEveryVariant(t *testing.T) {
	pickup := checkDay.AddDate(0, 0, 5)
	details := []conflict.Detail{
		conflict.BookingDetail{BookingStatus: generic.BookingConfirmed, PickupDate: pickup, ReturnDate: pickup.AddDate(0, 0, 2), DaysUntil: 5},
		conflict.InventoryDetail{Rented: 2, Maintenance: 1},
		conflict.MaintenanceDetail{ScheduledFor: pickup},
	}

	for _, d := range details {
		raw, err := json.Marshal(ConflictDTO{Kind: "X", Detail: toDetailDTO(d)})
		require.NoError(t, err)

		var got ConflictDTO
		require.NoError(t, json.Unmarshal(raw, &got), string(raw))
		require.NotNil(t, got.Detail)

		switch d := d.(type) {
		case conflict.BookingDetail:
			assert.Equal(t, "confirmed", got.Detail.BookingStatus)
			assert.Equal(t, 5, *got.Detail.DaysUntil)
			assert.True(t, d.PickupDate.Equal(*got.Detail.PickupDate))
		case conflict.InventoryDetail:
			assert.Equal(t, 2, *got.Detail.Rented)
			assert.Equal(t, 0, *got.Detail.Damaged)
		case conflict.MaintenanceDetail:
			assert.True(t, d.ScheduledFor.Equal(*got.Detail.ScheduledFor))
		}
	}

	assert.Nil(t, toDetailDTO(nil))
}
