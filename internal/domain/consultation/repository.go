package consultation

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_repository.go -package=mocks . Registry,Notifier

import (
	"context"

	"github.com/holiman/uint256"
)

// LedgerView is read access to escrow state.
type LedgerView interface {
	// Get returns a copy of the record or ErrNotFound.
	Get(ctx context.Context, id uint64) (*Consultation, error)
	// NextID is the identifier the next booking will receive.
	NextID(ctx context.Context) (uint64, error)
	// Balance is zero for unknown accounts.
	Balance(ctx context.Context, account Account) (*uint256.Int, error)
	FeeConfig(ctx context.Context) (FeeConfig, error)
	// Receipt returns nil when txID has not been applied.
	Receipt(ctx context.Context, txID string) (*Receipt, error)
}

// LedgerTx stages writes that become visible only if the enclosing Update
// returns nil.
type LedgerTx interface {
	LedgerView
	// Allocate consumes the next identifier and fails with
	// ErrArithmeticOverflow when the counter is exhausted.
	Allocate(ctx context.Context) (uint64, error)
	Put(ctx context.Context, c *Consultation) error
	SetBalance(ctx context.Context, account Account, amount *uint256.Int) error
	SetFeeConfig(ctx context.Context, cfg FeeConfig) error
	PutReceipt(ctx context.Context, receipt *Receipt) error
}

// Ledger owns consultation records, identifier allocation, custody balances
// and the fee configuration.
type Ledger interface {
	View(ctx context.Context, fn func(LedgerView) error) error
	// Update runs fn as one atomic unit. Any error from fn discards every
	// staged write.
	Update(ctx context.Context, fn func(LedgerTx) error) error
}

// Registry is the external doctor and patient registry.
type Registry interface {
	IsDoctorVerified(ctx context.Context, doctor Account) (bool, error)
	RecordCompleted(ctx context.Context, doctor Account) error
	RecordCancelled(ctx context.Context, doctor Account) error
	RecordNoShow(ctx context.Context, doctor Account) error
}

// Notifier receives events after their transaction committed.
type Notifier interface {
	Notify(ctx context.Context, event Event)
}
