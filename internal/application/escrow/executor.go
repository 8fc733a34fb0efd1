package escrow

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/consult-escrow/consult-escrow/internal/domain/consultation"
	"github.com/consult-escrow/consult-escrow/internal/p2p/protocol"
)

// Executor runs the engine inside one ledger update and publishes the
// resulting events once the update committed.
type Executor struct {
	ledger   consultation.Ledger
	engine   *Engine
	notifier consultation.Notifier
	logger   zerolog.Logger
}

func NewExecutor(ledger consultation.Ledger, notifier consultation.Notifier, logger zerolog.Logger) *Executor {
	return &Executor{
		ledger:   ledger,
		engine:   NewEngine(),
		notifier: notifier,
		logger:   logger,
	}
}

// Execute verifies and applies tx at the given time.
func (x *Executor) Execute(ctx context.Context, tx protocol.Tx, at uint64) (*consultation.Receipt, error) {
	if err := tx.Verify(); err != nil {
		return nil, err
	}
	var receipt *consultation.Receipt
	err := x.ledger.Update(ctx, func(ltx consultation.LedgerTx) error {
		r, err := x.engine.Apply(ctx, ltx, tx, at)
		if err != nil {
			return err
		}
		receipt = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !receipt.Replayed && x.notifier != nil {
		for _, ev := range receipt.Events {
			x.notifier.Notify(ctx, ev)
		}
	}
	return receipt, nil
}

// Applier accepts a signed transaction and returns its committed receipt.
type Applier interface {
	Apply(ctx context.Context, tx protocol.Tx) (*consultation.Receipt, error)
}

// LocalApplier stamps transactions with the local clock and executes them
// directly against the ledger.
type LocalApplier struct {
	executor *Executor
	now      func() time.Time
}

func NewLocalApplier(executor *Executor, now func() time.Time) *LocalApplier {
	if now == nil {
		now = time.Now
	}
	return &LocalApplier{executor: executor, now: now}
}

func (a *LocalApplier) Apply(ctx context.Context, tx protocol.Tx) (*consultation.Receipt, error) {
	at, err := Millis(a.now())
	if err != nil {
		return nil, err
	}
	return a.executor.Execute(ctx, tx, at)
}

// Millis converts t to milliseconds since the Unix epoch.
func Millis(t time.Time) (uint64, error) {
	ms := t.UnixMilli()
	if ms < 0 {
		return 0, errors.New("clock is before the unix epoch")
	}
	return uint64(ms), nil
}
