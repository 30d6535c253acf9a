package failsafe_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/sale-transition/failsafe"
	"github.com/warp/sale-transition/generic"
)

func TestMutexLocker_RejectsSecondHolder(t *testing.T) {
	// GIVEN: A held key
	l := failsafe.NewMutexLocker()
	unlock, err := l.TryLock(context.Background(), "k")
	require.NoError(t, err)

	// WHEN: Locking it again
	_, err = l.TryLock(context.Background(), "k")

	// THEN: Rejected; a different key is fine
	assert.ErrorIs(t, err, generic.ErrTransitionInFlight)
	other, err := l.TryLock(context.Background(), "other")
	require.NoError(t, err)
	other()

	// AND: After unlock the key is free again, double unlock is harmless
	unlock()
	unlock()
	again, err := l.TryLock(context.Background(), "k")
	require.NoError(t, err)
	again()
}
