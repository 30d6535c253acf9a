/*
manager.go - Checkpoint lifecycle and rollback

PURPOSE:
  The Manager owns checkpoints. It creates them right before the external
  mutation, runs the mutation, and restores state from them on failure or
  on explicit request.

STATE MACHINE:
  NO_CHECKPOINT ──CreateCheckpoint──▶ CREATED ──Commit──▶ COMMITTED
                                         │                   │
                                         ├──Rollback─────────┴──▶ ROLLED_BACK
                                         │
                                         └──(now > ExpiresAt)──▶ EXPIRED

ROLLBACK RULES:
  1. Expired checkpoints fail with ErrCheckpointExpired, used or not
  2. Used checkpoints fail with ErrCheckpointUsed
  3. The checkpoint is claimed (used=true) before any write, so two
     concurrent rollbacks can never both restore
  4. Restoration runs in one TxState.WithTx; if any write fails nothing
     is applied and the claim is released so the rollback may be retried

MUTATION PHASE:
  Execute runs the caller's mutation. Any error or panic triggers an
  automatic rollback from the checkpoint. If that rollback also fails the
  caller gets a *generic.InconsistencyError: the item may be half-applied
  and an operator has to look at it.

CONCURRENCY:
  One in-flight (created, not committed) checkpoint per item. Creation,
  execution and rollback hold the per-item lock only for their own
  duration. Nothing is locked while a transition waits for approval.

SEE ALSO:
  - checkpoint.go: Checkpoint model and store interface
  - lock.go: Per-item Locker implementations
  - transition/service.go: Drives the manager
*/
package failsafe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/warp/sale-transition/generic"
)

// RollbackResult is the outcome of a rollback attempt.
type RollbackResult struct {
	Success          bool   `json:"success"`
	Message          string `json:"message"`
	RollbackID       string `json:"rollback_id"`
	ItemsRestored    int    `json:"items_restored"`
	BookingsRestored int    `json:"bookings_restored"`
}

// MutationError is returned by Execute when the mutation failed and the
// automatic rollback succeeded. State is back to the checkpoint.
type MutationError struct {
	Cause    error
	Rollback RollbackResult
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("transition failed and was rolled back: %v", e.Cause)
}

func (e *MutationError) Unwrap() error { return e.Cause }

// ApplyFunc performs the external mutation against live state.
type ApplyFunc func(ctx context.Context, state generic.State) error

// Manager is the failsafe manager. Safe for concurrent use.
type Manager struct {
	State          generic.TxState
	Checkpoints    CheckpointStore
	Locker         Locker
	RollbackWindow time.Duration
	Clock          generic.Clock
	Logger         logrus.FieldLogger
}

func NewManager(state generic.TxState, checkpoints CheckpointStore, locker Locker, window time.Duration, logger logrus.FieldLogger) *Manager {
	if locker == nil {
		locker = NewMutexLocker()
	}
	if window <= 0 {
		window = DefaultRollbackWindow
	}
	return &Manager{
		State:          state,
		Checkpoints:    checkpoints,
		Locker:         locker,
		RollbackWindow: window,
		Logger:         logger,
	}
}

func (m *Manager) logger() logrus.FieldLogger {
	if m.Logger == nil {
		return logrus.StandardLogger()
	}
	return m.Logger
}

// =============================================================================
// CREATE
// =============================================================================

// CreateCheckpoint captures the item's current state and persists it.
// Fails with generic.ErrTransitionInFlight if the item already has one in flight.
func (m *Manager) CreateCheckpoint(ctx context.Context, itemID generic.ItemID, transitionID string) (*Checkpoint, error) {
	unlock, err := m.Locker.TryLock(ctx, itemLockKey(itemID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := m.Clock.Now()
	active, err := m.Checkpoints.ActiveForItem(ctx, itemID, now)
	if err != nil {
		return nil, fmt.Errorf("look up active checkpoint: %w", err)
	}
	if active != nil {
		return nil, fmt.Errorf("%w: checkpoint %s is still open", generic.ErrTransitionInFlight, active.ID)
	}

	var snap Snapshot
	err = m.State.WithTx(ctx, func(s generic.State) error {
		var err error
		snap, err = capture(ctx, s, itemID, now)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("capture snapshot: %w", err)
	}

	cp := Checkpoint{
		ID:           uuid.NewString(),
		ItemID:       itemID,
		TransitionID: transitionID,
		Snapshot:     snap,
		CreatedAt:    now,
		ExpiresAt:    now.Add(m.RollbackWindow),
	}
	if err := m.Checkpoints.Save(ctx, cp); err != nil {
		return nil, fmt.Errorf("save checkpoint: %w", err)
	}

	m.logger().WithFields(logrus.Fields{
		"checkpoint_id": cp.ID,
		"item_id":       itemID,
		"transition_id": transitionID,
		"bookings":      len(snap.Bookings),
		"rentals":       len(snap.Rentals),
		"expires_at":    cp.ExpiresAt.Format(time.RFC3339),
	}).Info("checkpoint created")

	return &cp, nil
}

func capture(ctx context.Context, s generic.State, itemID generic.ItemID, now time.Time) (Snapshot, error) {
	item, err := s.GetItem(ctx, itemID)
	if err != nil {
		return Snapshot{}, err
	}
	rentals, err := s.FindActiveRentalLines(ctx, itemID, now)
	if err != nil {
		return Snapshot{}, fmt.Errorf("rentals: %w", err)
	}
	bookings, err := s.FindOpenBookings(ctx, itemID, generic.StartOfDay(now))
	if err != nil {
		return Snapshot{}, fmt.Errorf("bookings: %w", err)
	}
	stock, err := s.UnitCountsByStatus(ctx, itemID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("stock: %w", err)
	}
	return Snapshot{
		Item:     item.Flags(),
		Rentals:  rentals,
		Bookings: bookings,
		Stock:    stock,
	}, nil
}

// Get returns a checkpoint by id.
func (m *Manager) Get(ctx context.Context, id string) (*Checkpoint, error) {
	return m.Checkpoints.Get(ctx, id)
}

// =============================================================================
// EXECUTE / COMMIT
// =============================================================================

// Execute runs apply against live state. On any failure it rolls back to cp
// before returning. The returned error is a *MutationError when the
// rollback succeeded and a *generic.InconsistencyError when it did not.
// If the item lock cannot be taken nothing runs, cp is discarded and the
// lock error is returned as-is.
func (m *Manager) Execute(ctx context.Context, cp *Checkpoint, apply ApplyFunc) error {
	unlock, err := m.Locker.TryLock(ctx, itemLockKey(cp.ItemID))
	if err != nil {
		m.discard(ctx, cp)
		return err
	}
	defer unlock()

	mutationErr := runApply(ctx, m.State, apply)
	if mutationErr == nil {
		return nil
	}

	log := m.logger().WithFields(logrus.Fields{
		"checkpoint_id": cp.ID,
		"item_id":       cp.ItemID,
		"error":         mutationErr.Error(),
	})
	log.Warn("transition mutation failed, rolling back")

	result, rbErr := m.rollback(ctx, cp.ID, "automatic rollback: "+mutationErr.Error())
	if rbErr != nil {
		log.WithField("rollback_error", rbErr.Error()).Error("automatic rollback failed, manual intervention required")
		return &generic.InconsistencyError{
			ItemID:       cp.ItemID,
			CheckpointID: cp.ID,
			MutationErr:  mutationErr,
			RollbackErr:  rbErr,
		}
	}
	return &MutationError{Cause: mutationErr, Rollback: result}
}

// discard drops a checkpoint whose mutation never ran so it stops blocking
// new checkpoints for the item.
func (m *Manager) discard(ctx context.Context, cp *Checkpoint) {
	log := m.logger().WithFields(logrus.Fields{
		"checkpoint_id": cp.ID,
		"item_id":       cp.ItemID,
	})
	if err := m.Checkpoints.Delete(ctx, cp.ID); err != nil {
		log.WithField("error", err.Error()).Error("failed to discard unused checkpoint")
		return
	}
	log.Info("discarded unused checkpoint")
}

func runApply(ctx context.Context, state generic.State, apply ApplyFunc) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("mutation panicked: %v", p)
		}
	}()
	return apply(ctx, state)
}

// Commit marks the checkpoint's transition as applied. The checkpoint stays
// usable for an explicit rollback until it expires.
func (m *Manager) Commit(ctx context.Context, checkpointID string) error {
	if err := m.Checkpoints.MarkCommitted(ctx, checkpointID, m.Clock.Now()); err != nil {
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	return nil
}

// =============================================================================
// ROLLBACK
// =============================================================================

// Rollback restores the state captured in the checkpoint. The result is
// always populated; err is non-nil exactly when result.Success is false.
func (m *Manager) Rollback(ctx context.Context, checkpointID string, reason string) (RollbackResult, error) {
	cp, err := m.Checkpoints.Get(ctx, checkpointID)
	if err != nil {
		return RollbackResult{RollbackID: checkpointID, Message: fmt.Sprintf("Checkpoint %s not found.", checkpointID)}, err
	}

	unlock, err := m.Locker.TryLock(ctx, itemLockKey(cp.ItemID))
	if err != nil {
		return RollbackResult{RollbackID: checkpointID, Message: "Another operation is running on this item; retry shortly."}, err
	}
	defer unlock()

	return m.rollback(ctx, checkpointID, reason)
}

// rollback expects the item lock to be held.
func (m *Manager) rollback(ctx context.Context, checkpointID string, reason string) (RollbackResult, error) {
	result := RollbackResult{RollbackID: checkpointID}

	cp, err := m.Checkpoints.Get(ctx, checkpointID)
	if err != nil {
		result.Message = fmt.Sprintf("Checkpoint %s not found.", checkpointID)
		return result, err
	}

	now := m.Clock.Now()
	if cp.IsExpired(now) {
		result.Message = fmt.Sprintf("Checkpoint %s expired at %s; the rollback window has passed. Start a new transition.",
			cp.ID, cp.ExpiresAt.Format(time.RFC3339))
		return result, generic.ErrCheckpointExpired
	}
	if cp.Used {
		result.Message = usedMessage(cp)
		return result, generic.ErrCheckpointUsed
	}

	if err := m.Checkpoints.Claim(ctx, cp.ID, now); err != nil {
		if errors.Is(err, generic.ErrCheckpointUsed) {
			result.Message = usedMessage(cp)
			return result, err
		}
		result.Message = "Could not claim checkpoint for rollback."
		return result, fmt.Errorf("claim checkpoint: %w", err)
	}

	bookingsRestored := 0
	err = m.State.WithTx(ctx, func(s generic.State) error {
		var err error
		bookingsRestored, err = restore(ctx, s, cp)
		return err
	})
	if err != nil {
		if relErr := m.Checkpoints.Release(ctx, cp.ID); relErr != nil {
			m.logger().WithFields(logrus.Fields{
				"checkpoint_id": cp.ID,
				"error":         relErr.Error(),
			}).Error("failed to release checkpoint after failed rollback")
		}
		result.Message = fmt.Sprintf("Rollback failed and no state was changed: %v", err)
		return result, fmt.Errorf("%w: %v", generic.ErrRollbackFailed, err)
	}

	result.Success = true
	result.ItemsRestored = 1
	result.BookingsRestored = bookingsRestored
	result.Message = fmt.Sprintf("Item %s restored to checkpoint %s (%d booking(s) restored). Reason: %s",
		cp.ItemID, cp.ID, bookingsRestored, reason)

	m.logger().WithFields(logrus.Fields{
		"checkpoint_id":     cp.ID,
		"item_id":           cp.ItemID,
		"bookings_restored": bookingsRestored,
		"reason":            reason,
	}).Info("rolled back to checkpoint")

	return result, nil
}

func usedMessage(cp *Checkpoint) string {
	if cp.UsedAt != nil {
		return fmt.Sprintf("Checkpoint %s was already used for a rollback at %s.", cp.ID, cp.UsedAt.Format(time.RFC3339))
	}
	return fmt.Sprintf("Checkpoint %s was already used for a rollback.", cp.ID)
}

// restore writes the snapshot back and returns how many bookings it revived.
func restore(ctx context.Context, s generic.State, cp *Checkpoint) (int, error) {
	if err := s.SetSaleable(ctx, cp.ItemID, cp.Snapshot.Item.IsSaleable); err != nil {
		return 0, fmt.Errorf("restore saleable flag: %w", err)
	}
	if err := s.SetRentable(ctx, cp.ItemID, cp.Snapshot.Item.IsRentable); err != nil {
		return 0, fmt.Errorf("restore rentable flag: %w", err)
	}

	restored := 0
	for _, b := range cp.Snapshot.Bookings {
		if b.Status == generic.BookingCancelled {
			continue
		}
		current, err := s.GetBooking(ctx, b.ID)
		if err != nil {
			return 0, fmt.Errorf("load booking %s: %w", b.ID, err)
		}
		if current.Status != generic.BookingCancelled {
			continue
		}
		if err := s.RestoreBooking(ctx, b.ID, b.Status); err != nil {
			return 0, fmt.Errorf("restore booking %s: %w", b.ID, err)
		}
		restored++
	}
	return restored, nil
}
