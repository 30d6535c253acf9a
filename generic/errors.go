/*
errors.go - Centralized error types for the transition engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  The conflict, failsafe and transition packages return these (or wrap
  them with fmt.Errorf("...: %w")) so callers classify with errors.Is.

ERROR CATEGORIES:
  1. Caller errors - unknown item, bad price, malformed request
  2. Authority errors - actor tier below the required approver level
  3. Concurrency errors - a transition is already in flight for the item
  4. Checkpoint errors - expired, already used, missing
  5. Fatal inconsistency - mutation failed AND the automatic rollback failed

USAGE:
  if errors.Is(err, generic.ErrCheckpointExpired) {
      // start a fresh transition cycle
  }

  var inc *generic.InconsistencyError
  if errors.As(err, &inc) {
      // page an operator
  }

SEE ALSO:
  - failsafe/manager.go: Produces checkpoint and inconsistency errors
  - transition/service.go: Produces caller and authority errors
  - api/handlers.go: Maps categories to HTTP status codes
*/
package generic

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrItemNotFound is returned when the item directory has no such item.
	ErrItemNotFound = errors.New("item not found")

	// ErrBookingNotFound is returned when the booking calendar has no such booking.
	ErrBookingNotFound = errors.New("booking not found")

	// ErrTransitionNotFound is returned for an unknown transition request id.
	ErrTransitionNotFound = errors.New("transition not found")

	// ErrInvalidPrice is returned when the proposed sale price is not positive.
	ErrInvalidPrice = errors.New("sale price must be greater than zero")

	// ErrAlreadySaleable is returned when the item is already in the target state.
	ErrAlreadySaleable = errors.New("item is already saleable")

	// ErrInvalidRequest is returned for malformed input.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrInvalidDecision is returned when a confirmation decision is neither
	// proceed nor cancel.
	ErrInvalidDecision = errors.New("decision must be proceed or cancel")

	// ErrInvalidState is returned when an operation does not apply to the
	// transition's current status (e.g. approving a completed request).
	ErrInvalidState = errors.New("operation not allowed in current state")

	// ErrInsufficientAuthority is returned when the actor cannot approve at
	// the level the transition requires.
	ErrInsufficientAuthority = errors.New("insufficient authority")

	// ErrTransitionInFlight is returned when another transition for the same
	// item is pending. Requests are rejected, never queued.
	ErrTransitionInFlight = errors.New("another transition is in flight for this item")

	// ErrCheckpointNotFound is returned for an unknown checkpoint id.
	ErrCheckpointNotFound = errors.New("checkpoint not found")

	// ErrCheckpointExpired is returned when the rollback window has passed.
	ErrCheckpointExpired = errors.New("checkpoint expired")

	// ErrCheckpointUsed is returned when the checkpoint was already consumed.
	ErrCheckpointUsed = errors.New("checkpoint already used")

	// ErrRollbackFailed is returned when restoration writes failed. The
	// checkpoint is released and may be retried.
	ErrRollbackFailed = errors.New("rollback failed")

	// ErrFatalInconsistency marks state that needs manual operator intervention.
	ErrFatalInconsistency = errors.New("fatal inconsistency: manual intervention required")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError carries the business-rule violations of a transition
// proposal. Warnings travel along so the caller can display them.
type ValidationError struct {
	Errors   []string
	Warnings []string
}

func (e *ValidationError) Error() string {
	return "invalid transition: " + strings.Join(e.Errors, "; ")
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidRequest
}

// AuthorityError describes who tried to act at which level.
type AuthorityError struct {
	ActorID  ActorID
	Tier     AuthorityTier
	Required string
}

func (e *AuthorityError) Error() string {
	return fmt.Sprintf("insufficient authority: %s is %s, %s required", e.ActorID, e.Tier, e.Required)
}

func (e *AuthorityError) Unwrap() error {
	return ErrInsufficientAuthority
}

// InconsistencyError is raised when the mutation phase failed and the
// automatic rollback failed too. The item may be half-transitioned.
type InconsistencyError struct {
	ItemID       ItemID
	CheckpointID string
	MutationErr  error
	RollbackErr  error
}

func (e *InconsistencyError) Error() string {
	return fmt.Sprintf("fatal inconsistency on item %s (checkpoint %s): mutation failed: %v; rollback failed: %v",
		e.ItemID, e.CheckpointID, e.MutationErr, e.RollbackErr)
}

func (e *InconsistencyError) Unwrap() []error {
	return []error{ErrFatalInconsistency, e.MutationErr, e.RollbackErr}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidPrice) ||
		errors.Is(err, ErrAlreadySaleable) ||
		errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrInvalidDecision) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrCheckpointExpired) ||
		errors.Is(err, ErrCheckpointUsed)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrItemNotFound) ||
		errors.Is(err, ErrBookingNotFound) ||
		errors.Is(err, ErrTransitionNotFound) ||
		errors.Is(err, ErrCheckpointNotFound)
}

// IsConflict returns true if the request collided with in-flight work.
func IsConflict(err error) bool {
	return errors.Is(err, ErrTransitionInFlight)
}

// IsFatal returns true if the error needs an operator.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatalInconsistency)
}
