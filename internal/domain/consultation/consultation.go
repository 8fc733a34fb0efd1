package consultation

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// Account identifies a counterparty: the hex encoded ed25519 public key that
// signs its transactions.
type Account string

// VaultAccount holds every locked payment between booking and settlement.
// No key maps to it, so it can never act as a caller.
const VaultAccount Account = "escrow:vault"

func (a Account) String() string { return string(a) }

// Normalize trims and lowercases the hex form.
func (a Account) Normalize() Account {
	return Account(strings.ToLower(strings.TrimSpace(string(a))))
}

// Status is the lifecycle position of a consultation.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusDisputed   Status = "DISPUTED"
	StatusRefunded   Status = "REFUNDED"
	StatusReleased   Status = "RELEASED"
	StatusCancelled  Status = "CANCELLED"
	StatusNoShow     Status = "NO_SHOW"
)

// Action is a lifecycle event requested against an existing consultation.
type Action string

const (
	ActionStart        Action = "start"
	ActionComplete     Action = "complete"
	ActionRelease      Action = "release"
	ActionDispute      Action = "dispute"
	ActionRefund       Action = "refund"
	ActionCancel       Action = "cancel"
	ActionReportNoShow Action = "report_no_show"
)

var transitions = map[Status]map[Action]Status{
	StatusPending: {
		ActionStart:        StatusInProgress,
		ActionCancel:       StatusCancelled,
		ActionReportNoShow: StatusNoShow,
	},
	StatusInProgress: {
		ActionComplete:     StatusCompleted,
		ActionReportNoShow: StatusNoShow,
	},
	StatusCompleted: {
		ActionRelease: StatusReleased,
		ActionDispute: StatusDisputed,
	},
	StatusDisputed: {
		ActionRefund: StatusRefunded,
	},
}

// Next returns the status reached by applying action from s.
func (s Status) Next(action Action) (Status, error) {
	next, ok := transitions[s][action]
	if ok {
		return next, nil
	}
	if action == ActionCancel {
		return s, fmt.Errorf("%w: %w: consultation is %s", ErrCancellationNotAllowed, ErrInvalidStatus, s)
	}
	return s, fmt.Errorf("%w: cannot %s a %s consultation", ErrInvalidStatus, action, s)
}

// IsValid reports whether s is one of the known statuses.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusDisputed,
		StatusRefunded, StatusReleased, StatusCancelled, StatusNoShow:
		return true
	}
	return false
}

// IsTerminal reports whether funds have left escrow for good.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusRefunded, StatusReleased, StatusCancelled, StatusNoShow:
		return true
	}
	return false
}

// Consultation is the escrow record of one booked consultation.
type Consultation struct {
	ID             uint64       `json:"id"`
	Patient        Account      `json:"patient"`
	Doctor         Account      `json:"doctor"`
	Amount         *uint256.Int `json:"amount"`
	Status         Status       `json:"status"`
	ScheduledTime  uint64       `json:"scheduledTime"`
	CreatedAt      uint64       `json:"createdAt"`
	CompletedAt    *uint64      `json:"completedAt,omitempty"`
	NotesReference *string      `json:"notesReference,omitempty"`
}

// Clone returns a deep copy so callers can never alias ledger state.
func (c *Consultation) Clone() *Consultation {
	if c == nil {
		return nil
	}
	out := *c
	if c.Amount != nil {
		out.Amount = c.Amount.Clone()
	}
	if c.CompletedAt != nil {
		v := *c.CompletedAt
		out.CompletedAt = &v
	}
	if c.NotesReference != nil {
		v := *c.NotesReference
		out.NotesReference = &v
	}
	return &out
}

// IsParty reports whether account is the patient or the doctor.
func (c *Consultation) IsParty(account Account) bool {
	return account == c.Patient || account == c.Doctor
}

// FeeConfig is the process-wide settlement configuration.
type FeeConfig struct {
	FeePercent    uint8   `json:"feePercent"`
	Platform      Account `json:"platform"`
	Administrator Account `json:"administrator"`
}

// DefaultFeePercent applies until the administrator changes it.
const DefaultFeePercent uint8 = 3

// MaxFeePercent bounds the configurable fee.
const MaxFeePercent uint8 = 100

// Validate checks the configuration can be used for settlement.
func (f FeeConfig) Validate() error {
	if f.FeePercent > MaxFeePercent {
		return fmt.Errorf("%w: %d", ErrInvalidFeePercent, f.FeePercent)
	}
	if strings.TrimSpace(string(f.Platform)) == "" {
		return fmt.Errorf("platform account is required")
	}
	if strings.TrimSpace(string(f.Administrator)) == "" {
		return fmt.Errorf("administrator account is required")
	}
	return nil
}
