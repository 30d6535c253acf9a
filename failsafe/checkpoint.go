package failsafe

import (
	"context"
	"time"

	"github.com/warp/sale-transition/generic"
)

// DefaultRollbackWindow is the checkpoint lifetime when none is configured.
const DefaultRollbackWindow = 24 * time.Hour

// =============================================================================
// CHECKPOINT - Rollback anchor
// =============================================================================

// Snapshot is the state captured before the transition mutates anything.
type Snapshot struct {
	Item     generic.ItemFlags           `json:"item"`
	Rentals  []generic.RentalLineSummary `json:"rentals"`
	Bookings []generic.BookingSummary    `json:"bookings"`
	Stock    generic.UnitCounts          `json:"stock"`
}

// Checkpoint may be consumed by rollback at most once, and only before ExpiresAt.
type Checkpoint struct {
	ID           string
	ItemID       generic.ItemID
	TransitionID string
	Snapshot     Snapshot
	CreatedAt    time.Time
	ExpiresAt    time.Time
	Used         bool
	UsedAt       *time.Time
	CommittedAt  *time.Time
}

type CheckpointState string

const (
	StateCreated    CheckpointState = "created"
	StateCommitted  CheckpointState = "committed"
	StateRolledBack CheckpointState = "rolled_back"
	StateExpired    CheckpointState = "expired"
)

func (c *Checkpoint) IsExpired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// State derives the lifecycle position. Expiry is evaluated lazily against now.
func (c *Checkpoint) State(now time.Time) CheckpointState {
	switch {
	case c.Used:
		return StateRolledBack
	case c.IsExpired(now):
		return StateExpired
	case c.CommittedAt != nil:
		return StateCommitted
	default:
		return StateCreated
	}
}

// InFlight is true between creation and commit, while still usable.
func (c *Checkpoint) InFlight(now time.Time) bool {
	return c.State(now) == StateCreated
}

// =============================================================================
// CHECKPOINT STORE - Persistence for checkpoints
// =============================================================================

type CheckpointStore interface {
	Save(ctx context.Context, cp Checkpoint) error

	// Get returns generic.ErrCheckpointNotFound for unknown ids.
	Get(ctx context.Context, id string) (*Checkpoint, error)

	// Claim atomically flips used false -> true. Returns
	// generic.ErrCheckpointUsed if another caller got there first.
	Claim(ctx context.Context, id string, at time.Time) error

	// Release undoes a Claim after a failed restoration.
	Release(ctx context.Context, id string) error

	MarkCommitted(ctx context.Context, id string, at time.Time) error

	// ActiveForItem returns the in-flight checkpoint for the item, or nil.
	ActiveForItem(ctx context.Context, itemID generic.ItemID, now time.Time) (*Checkpoint, error)

	// Delete removes a checkpoint whose mutation never started.
	// Returns generic.ErrCheckpointNotFound for unknown ids.
	Delete(ctx context.Context, id string) error

	// DeleteExpired removes unused checkpoints that expired before cutoff.
	DeleteExpired(ctx context.Context, cutoff time.Time) (int, error)
}
