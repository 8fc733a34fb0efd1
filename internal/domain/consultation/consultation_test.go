package consultation

import (
	"errors"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allStatuses = []Status{
	StatusPending, StatusInProgress, StatusCompleted, StatusDisputed,
	StatusRefunded, StatusReleased, StatusCancelled, StatusNoShow,
}

var allActions = []Action{
	ActionStart, ActionComplete, ActionRelease, ActionDispute,
	ActionRefund, ActionCancel, ActionReportNoShow,
}

func TestStatus_Next(t *testing.T) {
	tests := []struct {
		from   Status
		action Action
		want   Status
	}{
		{StatusPending, ActionStart, StatusInProgress},
		{StatusPending, ActionCancel, StatusCancelled},
		{StatusPending, ActionReportNoShow, StatusNoShow},
		{StatusInProgress, ActionComplete, StatusCompleted},
		{StatusInProgress, ActionReportNoShow, StatusNoShow},
		{StatusCompleted, ActionRelease, StatusReleased},
		{StatusCompleted, ActionDispute, StatusDisputed},
		{StatusDisputed, ActionRefund, StatusRefunded},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.action), func(t *testing.T) {
			got, err := tt.from.Next(tt.action)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStatus_NextRejectsUnlistedEdges(t *testing.T) {
	allowed := 0
	for _, from := range allStatuses {
		for _, action := range allActions {
			next, err := from.Next(action)
			if err == nil {
				allowed++
				assert.NotEqual(t, from, next)
				continue
			}
			assert.Equal(t, from, next)
			assert.ErrorIs(t, err, ErrInvalidStatus)
			if action == ActionCancel {
				assert.ErrorIs(t, err, ErrCancellationNotAllowed)
			}
		}
	}
	assert.Equal(t, 8, allowed)
}

func TestStatus_TerminalStatusesHaveNoExit(t *testing.T) {
	for _, s := range allStatuses {
		if !s.IsTerminal() {
			continue
		}
		for _, action := range allActions {
			_, err := s.Next(action)
			assert.Error(t, err, "%s must not accept %s", s, action)
		}
	}
	assert.True(t, StatusReleased.IsTerminal())
	assert.False(t, StatusDisputed.IsTerminal())
}

func TestStatus_IsValid(t *testing.T) {
	for _, s := range allStatuses {
		assert.True(t, s.IsValid())
	}
	assert.False(t, Status("SETTLED").IsValid())
}

func TestConsultation_Clone(t *testing.T) {
	completedAt := uint64(10)
	notes := "ipfs://notes"
	c := &Consultation{
		ID:             1,
		Patient:        "aa",
		Doctor:         "bb",
		Amount:         uint256.NewInt(1000),
		Status:         StatusCompleted,
		CompletedAt:    &completedAt,
		NotesReference: &notes,
	}

	cp := c.Clone()
	cp.Amount.SetUint64(1)
	*cp.CompletedAt = 99
	*cp.NotesReference = "changed"

	assert.Equal(t, uint64(1000), c.Amount.Uint64())
	assert.Equal(t, uint64(10), *c.CompletedAt)
	assert.Equal(t, "ipfs://notes", *c.NotesReference)
	assert.Nil(t, (*Consultation)(nil).Clone())
}

func TestFeeConfig_Validate(t *testing.T) {
	cfg := FeeConfig{FeePercent: 3, Platform: "pp", Administrator: "aa"}
	require.NoError(t, cfg.Validate())

	cfg.FeePercent = 101
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidFeePercent)

	cfg = FeeConfig{FeePercent: 3, Administrator: "aa"}
	assert.Error(t, cfg.Validate())
}

func TestCode(t *testing.T) {
	assert.Equal(t, "NOT_FOUND", Code(ErrNotFound))
	assert.Equal(t, "TOO_EARLY_TO_RELEASE", Code(CheckNoShow(1, 2)))
	_, err := StatusCompleted.Next(ActionCancel)
	assert.Equal(t, "CANCELLATION_NOT_ALLOWED", Code(err))
	assert.Equal(t, "", Code(errors.New("boom")))
	assert.Equal(t, "", Code(nil))
}

func TestAccount_Normalize(t *testing.T) {
	assert.Equal(t, Account("abcd"), Account("  ABcd ").Normalize())
}
