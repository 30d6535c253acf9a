/*
handlers.go - HTTP API handlers for the sale transition engine

PURPOSE:
  Exposes the transition service via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to transition.Service.

ENDPOINTS:
  Items:
    GET    /api/items/{id}/eligibility?actor_id=  Conflicts, risk, approval (actor= also accepted)

  Transitions:
    POST   /api/transitions                 Initiate
    GET    /api/transitions/{id}            Status with checkpoint
    GET    /api/transitions/{id}/conflicts  Audit rows
    POST   /api/transitions/{id}/approve    Approve pending request
    POST   /api/transitions/{id}/reject     Reject pending request
    POST   /api/transitions/{id}/confirm    proceed | cancel
    POST   /api/transitions/{id}/rollback   Undo a completed transition

REQUEST FLOW:
  1. Decode and validate the body (bind)
  2. Call the service
  3. Serialize response
  4. Map errors to status codes (statusFor)

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Malformed input, invalid decision, wrong state, used/expired checkpoint
  - 403: Actor below the required approver level
  - 404: Unknown item, transition or checkpoint
  - 409: Another transition in flight for the item
  - 422: Business-rule violations (ValidationError), with warnings
  - 500: Internal errors and fatal inconsistencies

  Confirm and rollback may return a result together with an error (a
  rolled-back mutation, a refused rollback). The result is the body and
  the error goes in its "error" field.

SECURITY NOTE:
  No authentication. actor_id is trusted as sent.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/sale-transition/generic"
	"github.com/warp/sale-transition/transition"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service  *transition.Service
	Logger   logrus.FieldLogger
	validate *validator.Validate
}

// NewHandler creates a new handler over the given service.
func NewHandler(service *transition.Service, logger logrus.FieldLogger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{
		Service:  service,
		Logger:   logger,
		validate: validator.New(),
	}
}

// =============================================================================
// ITEM ENDPOINTS
// =============================================================================

// CheckEligibility reports conflicts, risk and required approval for an item.
// GET /api/items/{id}/eligibility
func (h *Handler) CheckEligibility(w http.ResponseWriter, r *http.Request) {
	itemID := generic.ItemID(chi.URLParam(r, "id"))
	q := r.URL.Query()
	actorID := generic.ActorID(q.Get("actor_id"))
	if actorID == "" {
		actorID = generic.ActorID(q.Get("actor"))
	}

	e, err := h.Service.CheckEligibility(r.Context(), itemID, actorID)
	if err != nil {
		h.fail(w, "Failed to check eligibility", err)
		return
	}
	writeJSON(w, http.StatusOK, toEligibilityDTO(e))
}

// =============================================================================
// TRANSITION ENDPOINTS
// =============================================================================

// InitiateTransition opens a transition request.
// POST /api/transitions
func (h *Handler) InitiateTransition(w http.ResponseWriter, r *http.Request) {
	var req InitiateRequest
	if !h.bind(w, r, &req) {
		return
	}
	price, err := decimal.NewFromString(req.SalePrice)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid sale_price", err)
		return
	}

	created, err := h.Service.Initiate(r.Context(), transition.InitiateParams{
		ItemID:         generic.ItemID(req.ItemID),
		ActorID:        generic.ActorID(req.ActorID),
		SalePrice:      price,
		KeepRentable:   req.KeepRentable,
		CancelBookings: req.CancelBookings,
		Reason:         req.Reason,
	})
	if err != nil {
		h.fail(w, "Failed to initiate transition", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransitionDTO(created))
}

// GetTransition returns the request, its conflict audit and its checkpoint.
// GET /api/transitions/{id}
func (h *Handler) GetTransition(w http.ResponseWriter, r *http.Request) {
	view, err := h.Service.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "Failed to get transition", err)
		return
	}
	writeJSON(w, http.StatusOK, toStatusDTO(view))
}

// ListConflicts returns the conflict audit rows recorded for a request.
// GET /api/transitions/{id}/conflicts
func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	view, err := h.Service.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "Failed to get conflicts", err)
		return
	}
	writeJSON(w, http.StatusOK, toSaleConflictDTOs(view.Conflicts))
}

// ApproveTransition approves a pending request.
// POST /api/transitions/{id}/approve
func (h *Handler) ApproveTransition(w http.ResponseWriter, r *http.Request) {
	var req ReviewRequest
	if !h.bind(w, r, &req) {
		return
	}
	updated, err := h.Service.Approve(r.Context(), chi.URLParam(r, "id"), generic.ActorID(req.ActorID), req.Notes)
	if err != nil {
		h.fail(w, "Failed to approve transition", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransitionDTO(updated))
}

// RejectTransition rejects a pending request.
// POST /api/transitions/{id}/reject
func (h *Handler) RejectTransition(w http.ResponseWriter, r *http.Request) {
	var req ReviewRequest
	if !h.bind(w, r, &req) {
		return
	}
	updated, err := h.Service.Reject(r.Context(), chi.URLParam(r, "id"), generic.ActorID(req.ActorID), req.Notes)
	if err != nil {
		h.fail(w, "Failed to reject transition", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransitionDTO(updated))
}

// ConfirmTransition proceeds with or cancels a ready/approved request.
// POST /api/transitions/{id}/confirm
func (h *Handler) ConfirmTransition(w http.ResponseWriter, r *http.Request) {
	var req ConfirmRequest
	if !h.bind(w, r, &req) {
		return
	}
	res, err := h.Service.Confirm(r.Context(), chi.URLParam(r, "id"),
		transition.Decision(req.Decision), generic.ActorID(req.ActorID))
	h.writeResult(w, "Failed to confirm transition", res, err)
}

// RollbackTransition restores the item from the request's checkpoint.
// POST /api/transitions/{id}/rollback
func (h *Handler) RollbackTransition(w http.ResponseWriter, r *http.Request) {
	var req RollbackRequest
	if !h.bind(w, r, &req) {
		return
	}
	res, err := h.Service.Rollback(r.Context(), chi.URLParam(r, "id"), generic.ActorID(req.ActorID), req.Reason)
	h.writeResult(w, "Failed to roll back transition", res, err)
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// bind decodes the JSON body into dst and validates it. On failure it has
// already written the response.
func (h *Handler) bind(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				fields[fe.Field()] = fe.Tag()
			}
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Validation failed", Fields: fields})
			return false
		}
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return false
	}
	return true
}

// statusFor maps a service error to an HTTP status.
func statusFor(err error) int {
	var verr *generic.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusUnprocessableEntity
	case generic.IsFatal(err):
		return http.StatusInternalServerError
	case errors.Is(err, generic.ErrInsufficientAuthority):
		return http.StatusForbidden
	case generic.IsNotFound(err):
		return http.StatusNotFound
	case generic.IsConflict(err):
		return http.StatusConflict
	case generic.IsClientError(err):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// fail writes err with the status statusFor picks. 5xx are logged.
func (h *Handler) fail(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Logger.WithFields(logrus.Fields{
			"status": status,
			"error":  err.Error(),
		}).Error(message)
	}

	resp := ErrorResponse{Error: message, Details: err.Error()}
	var verr *generic.ValidationError
	if errors.As(err, &verr) {
		resp.Errors = verr.Errors
		resp.Warnings = verr.Warnings
	}
	writeJSON(w, status, resp)
}

// writeResult writes a confirm/rollback outcome. A result that came back
// with an error is still the body.
func (h *Handler) writeResult(w http.ResponseWriter, message string, res *transition.Result, err error) {
	if err == nil {
		writeJSON(w, http.StatusOK, toResultDTO(res))
		return
	}
	if res == nil {
		h.fail(w, message, err)
		return
	}

	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Logger.WithFields(logrus.Fields{
			"transition_id": res.TransitionID,
			"status":        res.Status,
			"error":         err.Error(),
		}).Error(message)
	}
	dto := toResultDTO(res)
	dto.Error = fmt.Sprintf("%s: %v", message, err)
	writeJSON(w, status, dto)
}
