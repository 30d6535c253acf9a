package generic

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		client   bool
		notFound bool
		conflict bool
		fatal    bool
	}{
		{"bad price", ErrInvalidPrice, true, false, false, false},
		{"expired checkpoint", ErrCheckpointExpired, true, false, false, false},
		{"used checkpoint", ErrCheckpointUsed, true, false, false, false},
		{"wrapped decision", fmt.Errorf("confirm: %w", ErrInvalidDecision), true, false, false, false},
		{"validation", &ValidationError{Errors: []string{"x"}}, true, false, false, false},
		{"unknown item", fmt.Errorf("%w: item-9", ErrItemNotFound), false, true, false, false},
		{"unknown checkpoint", ErrCheckpointNotFound, false, true, false, false},
		{"in flight", ErrTransitionInFlight, false, false, true, false},
		{"inconsistency", &InconsistencyError{MutationErr: errors.New("a"), RollbackErr: errors.New("b")}, false, false, false, true},
		{"authority", &AuthorityError{ActorID: "u", Tier: TierRegular, Required: "MANAGER"}, false, false, false, false},
		{"plain", errors.New("disk on fire"), false, false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.client, IsClientError(tt.err), "IsClientError")
			assert.Equal(t, tt.notFound, IsNotFound(tt.err), "IsNotFound")
			assert.Equal(t, tt.conflict, IsConflict(tt.err), "IsConflict")
			assert.Equal(t, tt.fatal, IsFatal(tt.err), "IsFatal")
		})
	}
}

func TestInconsistencyError_UnwrapsAllCauses(t *testing.T) {
	// GIVEN: A mutation failure and a rollback failure
	mutation := errors.New("cancel booking b-1: locked")
	rollback := fmt.Errorf("restore: %w", ErrRollbackFailed)
	err := error(&InconsistencyError{ItemID: "item-1", CheckpointID: "cp-1", MutationErr: mutation, RollbackErr: rollback})

	// THEN: Both causes and the fatal sentinel are reachable
	assert.ErrorIs(t, err, ErrFatalInconsistency)
	assert.ErrorIs(t, err, mutation)
	assert.ErrorIs(t, err, ErrRollbackFailed)

	var inc *InconsistencyError
	require.ErrorAs(t, err, &inc)
	assert.Equal(t, ItemID("item-1"), inc.ItemID)
	assert.Contains(t, err.Error(), "cp-1")
	assert.Contains(t, err.Error(), "locked")
}

func TestValidationError(t *testing.T) {
	err := &ValidationError{
		Errors:   []string{"sale price must be greater than zero", "item is already saleable"},
		Warnings: []string{"2 bookings will be cancelled"},
	}

	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Equal(t, "invalid transition: sale price must be greater than zero; item is already saleable", err.Error())
}

func TestAuthorityError(t *testing.T) {
	err := &AuthorityError{ActorID: "clerk", Tier: TierRegular, Required: "SENIOR_MANAGER"}

	assert.ErrorIs(t, err, ErrInsufficientAuthority)
	assert.Equal(t, "insufficient authority: clerk is regular, SENIOR_MANAGER required", err.Error())
}

func TestParseAuthorityTier(t *testing.T) {
	assert.Equal(t, TierManager, ParseAuthorityTier("manager"))
	assert.Equal(t, TierSeniorManager, ParseAuthorityTier("senior_manager"))
	assert.Equal(t, TierRegular, ParseAuthorityTier("intern"))
	assert.Equal(t, "senior_manager", TierSeniorManager.String())
	assert.True(t, TierSeniorManager > TierManager)
}
