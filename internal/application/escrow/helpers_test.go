package escrow

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/consult-escrow/consult-escrow/internal/domain/consultation"
	"github.com/consult-escrow/consult-escrow/internal/p2p/protocol"
	"github.com/consult-escrow/consult-escrow/internal/p2p/state"
)

const (
	hourMs = uint64(60 * 60 * 1000)
	baseMs = uint64(1_767_225_600_000) // 2026-01-01T00:00:00Z
)

type party struct {
	priv    ed25519.PrivateKey
	account consultation.Account
}

func newParty(t *testing.T) party {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return party{priv: priv, account: consultation.Account(protocol.ActorFor(pub))}
}

type fakeClock struct {
	ms uint64
}

func (c *fakeClock) Now() time.Time   { return time.UnixMilli(int64(c.ms)) }
func (c *fakeClock) Set(ms uint64)    { c.ms = ms }
func (c *fakeClock) Advance(d uint64) { c.ms += d }

type fixture struct {
	t        *testing.T
	ctx      context.Context
	ledger   *state.Machine
	svc      *Service
	clock    *fakeClock
	admin    party
	platform party
	patient  party
	doctor   party
	seq      int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		t:        t,
		ctx:      context.Background(),
		clock:    &fakeClock{ms: baseMs},
		admin:    newParty(t),
		platform: newParty(t),
		patient:  newParty(t),
		doctor:   newParty(t),
	}
	f.ledger = state.NewMachine(consultation.FeeConfig{
		FeePercent:    consultation.DefaultFeePercent,
		Platform:      f.platform.account,
		Administrator: f.admin.account,
	})
	f.wire(f.ledger, nil, nil)
	f.deposit(f.patient.account, 10_000)
	return f
}

func (f *fixture) wire(ledger consultation.Ledger, registry consultation.Registry, notifier consultation.Notifier) {
	executor := NewExecutor(ledger, notifier, zerolog.Nop())
	f.svc = NewService(NewLocalApplier(executor, f.clock.Now), ledger, registry, zerolog.Nop())
}

func (f *fixture) signed(p party, op protocol.Operation, payload any) protocol.Tx {
	f.t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(f.t, err)
	f.seq++
	tx := protocol.Tx{
		TxID:      fmt.Sprintf("tx-%03d", f.seq),
		Nonce:     fmt.Sprintf("n-%03d", f.seq),
		Timestamp: f.clock.Now().UTC(),
		Op:        op,
		Payload:   raw,
	}
	require.NoError(f.t, tx.Sign(p.priv))
	return tx
}

func (f *fixture) submit(p party, op protocol.Operation, payload any) (*consultation.Receipt, error) {
	f.t.Helper()
	return f.svc.Submit(f.ctx, f.signed(p, op, payload))
}

func (f *fixture) must(p party, op protocol.Operation, payload any) *consultation.Receipt {
	f.t.Helper()
	r, err := f.submit(p, op, payload)
	require.NoError(f.t, err, "%s", op)
	return r
}

func (f *fixture) deposit(account consultation.Account, amount uint64) {
	f.t.Helper()
	f.must(f.admin, protocol.OpDeposit, protocol.DepositPayload{Account: string(account), Amount: fmt.Sprint(amount)})
}

func (f *fixture) book(scheduled uint64, payment string) (*consultation.Receipt, error) {
	return f.submit(f.patient, protocol.OpBook, protocol.BookPayload{
		Doctor:        string(f.doctor.account),
		ScheduledTime: scheduled,
		Payment:       payment,
	})
}

func (f *fixture) mustBook(scheduled uint64, payment uint64) uint64 {
	f.t.Helper()
	r, err := f.book(scheduled, fmt.Sprint(payment))
	require.NoError(f.t, err)
	return r.ConsultationID
}

func (f *fixture) act(p party, op protocol.Operation, id uint64) error {
	f.t.Helper()
	_, err := f.submit(p, op, protocol.ConsultationPayload{ConsultationID: id})
	return err
}

// completed books, starts and completes a consultation at the current time.
func (f *fixture) completed(payment uint64) uint64 {
	f.t.Helper()
	id := f.mustBook(f.clock.ms+2*hourMs, payment)
	require.NoError(f.t, f.act(f.doctor, protocol.OpStart, id))
	_, err := f.submit(f.doctor, protocol.OpComplete, protocol.CompletePayload{ConsultationID: id, NotesReference: "ref"})
	require.NoError(f.t, err)
	return id
}

func (f *fixture) balance(account consultation.Account) uint64 {
	f.t.Helper()
	b, err := f.svc.Balance(f.ctx, account)
	require.NoError(f.t, err)
	require.True(f.t, b.IsUint64())
	return b.Uint64()
}

func (f *fixture) status(id uint64) consultation.Status {
	f.t.Helper()
	c, err := f.svc.Get(f.ctx, id)
	require.NoError(f.t, err)
	return c.Status
}

type balances map[consultation.Account]uint64

func (f *fixture) balances() balances {
	out := balances{}
	for _, a := range []consultation.Account{f.patient.account, f.doctor.account, f.platform.account, consultation.VaultAccount} {
		out[a] = f.balance(a)
	}
	return out
}

var errInjected = errors.New("injected ledger failure")

// faultyLedger fails balance writes for one account inside Update.
type faultyLedger struct {
	*state.Machine
	failOn consultation.Account
}

func (l *faultyLedger) Update(ctx context.Context, fn func(consultation.LedgerTx) error) error {
	return l.Machine.Update(ctx, func(tx consultation.LedgerTx) error {
		return fn(&faultyTx{LedgerTx: tx, failOn: l.failOn})
	})
}

type faultyTx struct {
	consultation.LedgerTx
	failOn consultation.Account
}

func (t *faultyTx) SetBalance(ctx context.Context, account consultation.Account, amount *uint256.Int) error {
	if account == t.failOn {
		return errInjected
	}
	return t.LedgerTx.SetBalance(ctx, account, amount)
}
