package consultation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const hour = uint64(60 * 60 * 1000)

func TestCheckRelease(t *testing.T) {
	t0 := uint64(1_700_000_000_000)

	t.Run("anyone after window", func(t *testing.T) {
		assert.NoError(t, CheckRelease(t0+DisputeWindow, t0, false))
		assert.NoError(t, CheckRelease(t0+DisputeWindow+1, t0, false))
	})

	t.Run("non administrator inside window", func(t *testing.T) {
		err := CheckRelease(t0+DisputeWindow-1, t0, false)
		assert.ErrorIs(t, err, ErrTooEarlyToRelease)
		assert.NotErrorIs(t, err, ErrClockSkew)
	})

	t.Run("administrator inside window", func(t *testing.T) {
		assert.NoError(t, CheckRelease(t0, t0, true))
		assert.NoError(t, CheckRelease(t0+hour, t0, true))
	})

	t.Run("clock skew rejects even the administrator", func(t *testing.T) {
		err := CheckRelease(t0-1, t0, true)
		assert.ErrorIs(t, err, ErrTooEarlyToRelease)
		assert.ErrorIs(t, err, ErrClockSkew)
	})
}

func TestCheckDispute(t *testing.T) {
	t0 := uint64(5 * DisputeWindow)

	assert.NoError(t, CheckDispute(t0, t0))
	assert.NoError(t, CheckDispute(t0+hour, t0))
	assert.NoError(t, CheckDispute(t0+DisputeWindow-1, t0))

	err := CheckDispute(t0+DisputeWindow, t0)
	assert.ErrorIs(t, err, ErrDisputeWindowExpired)
	assert.NotErrorIs(t, err, ErrClockSkew)

	err = CheckDispute(t0-1, t0)
	assert.ErrorIs(t, err, ErrDisputeWindowExpired)
	assert.ErrorIs(t, err, ErrClockSkew)
}

func TestCheckNoShow(t *testing.T) {
	assert.ErrorIs(t, CheckNoShow(99, 100), ErrTooEarlyToRelease)
	assert.NoError(t, CheckNoShow(100, 100))
	assert.NoError(t, CheckNoShow(101, 100))
}

func TestFullCancellationRefund(t *testing.T) {
	now := uint64(10 * DisputeWindow)

	assert.True(t, FullCancellationRefund(now, now+48*hour))
	assert.True(t, FullCancellationRefund(now, now+DisputeWindow+1))
	assert.False(t, FullCancellationRefund(now, now+DisputeWindow))
	assert.False(t, FullCancellationRefund(now, now+hour))
	assert.False(t, FullCancellationRefund(now, now-hour))
}
