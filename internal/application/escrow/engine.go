package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"

	"github.com/consult-escrow/consult-escrow/internal/domain/consultation"
	"github.com/consult-escrow/consult-escrow/internal/p2p/protocol"
)

// ExternalAccount marks value entering custody from outside the ledger.
const ExternalAccount consultation.Account = "escrow:external"

var lifecycleOps = map[protocol.Operation]consultation.Action{
	protocol.OpStart:        consultation.ActionStart,
	protocol.OpComplete:     consultation.ActionComplete,
	protocol.OpRelease:      consultation.ActionRelease,
	protocol.OpDispute:      consultation.ActionDispute,
	protocol.OpRefund:       consultation.ActionRefund,
	protocol.OpCancel:       consultation.ActionCancel,
	protocol.OpReportNoShow: consultation.ActionReportNoShow,
}

var lifecycleEvents = map[consultation.Action]consultation.EventType{
	consultation.ActionStart:        consultation.EventStarted,
	consultation.ActionComplete:     consultation.EventCompleted,
	consultation.ActionRelease:      consultation.EventReleased,
	consultation.ActionDispute:      consultation.EventDisputed,
	consultation.ActionRefund:       consultation.EventRefunded,
	consultation.ActionCancel:       consultation.EventCancelled,
	consultation.ActionReportNoShow: consultation.EventNoShow,
}

// Engine is the deterministic escrow transition function. It only touches
// state through the ledger transaction it is given, so a rejected
// transaction leaves nothing behind once the transaction is discarded.
type Engine struct{}

func NewEngine() *Engine {
	return &Engine{}
}

// Apply executes tx at the given time (milliseconds since epoch). Resubmitting
// an applied transaction returns its stored receipt marked as replayed; any
// other transaction reusing the tx id is rejected.
func (e *Engine) Apply(ctx context.Context, ltx consultation.LedgerTx, tx protocol.Tx, at uint64) (*consultation.Receipt, error) {
	txID := strings.TrimSpace(tx.TxID)
	digest, err := tx.Digest()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTx, err)
	}
	prior, err := ltx.Receipt(ctx, txID)
	if err != nil {
		return nil, err
	}
	if prior != nil {
		if prior.Digest != digest {
			return nil, fmt.Errorf("%w: tx_id %s already used", ErrInvalidTx, txID)
		}
		prior.Replayed = true
		return prior, nil
	}

	receipt := &consultation.Receipt{
		TxID:   txID,
		Op:     string(tx.Op),
		Actor:  consultation.Account(tx.Actor).Normalize(),
		At:     at,
		Digest: digest,
	}
	switch tx.Op {
	case protocol.OpBook, protocol.OpBookVerified:
		err = e.applyBook(ctx, ltx, tx, receipt)
	case protocol.OpSetFee:
		err = e.applySetFee(ctx, ltx, tx, receipt)
	case protocol.OpDeposit:
		err = e.applyDeposit(ctx, ltx, tx, receipt)
	default:
		action, ok := lifecycleOps[tx.Op]
		if !ok {
			return nil, fmt.Errorf("unsupported op: %s", tx.Op)
		}
		err = e.applyLifecycle(ctx, ltx, tx, action, receipt)
	}
	if err != nil {
		return nil, err
	}
	if err := ltx.PutReceipt(ctx, receipt); err != nil {
		return nil, err
	}
	return receipt, nil
}

func (e *Engine) applyBook(ctx context.Context, ltx consultation.LedgerTx, tx protocol.Tx, r *consultation.Receipt) error {
	p, err := protocol.DecodePayload[protocol.BookPayload](tx.Payload)
	if err != nil {
		return fmt.Errorf("decode book payload: %w", err)
	}
	doctor := consultation.Account(p.Doctor).Normalize()
	if doctor == "" {
		return errors.New("doctor is required")
	}
	if isReserved(doctor) {
		return fmt.Errorf("doctor account %s is reserved", doctor)
	}
	payment, err := protocol.ParseAmount(p.Payment)
	if err != nil {
		return err
	}
	if payment.IsZero() {
		return fmt.Errorf("%w: payment must be positive", consultation.ErrInsufficientPayment)
	}

	id, err := ltx.Allocate(ctx)
	if err != nil {
		return err
	}
	c := &consultation.Consultation{
		ID:            id,
		Patient:       r.Actor,
		Doctor:        doctor,
		Amount:        payment,
		Status:        consultation.StatusPending,
		ScheduledTime: p.ScheduledTime,
		CreatedAt:     r.At,
	}
	lock := []consultation.Transfer{{From: r.Actor, To: consultation.VaultAccount, Amount: payment.Clone()}}
	if err := consultation.ApplyTransfers(ctx, ltx, lock); err != nil {
		return err
	}
	if err := ltx.Put(ctx, c); err != nil {
		return err
	}

	event := consultation.NewEvent(consultation.EventBooked, r.TxID, r.Actor, r.At).WithConsultation(c)
	event.Transfers = lock
	r.ConsultationID = id
	r.Status = c.Status
	r.Events = []consultation.Event{event}
	return nil
}

func (e *Engine) applyLifecycle(ctx context.Context, ltx consultation.LedgerTx, tx protocol.Tx, action consultation.Action, r *consultation.Receipt) error {
	var (
		id    uint64
		notes string
	)
	if action == consultation.ActionComplete {
		p, err := protocol.DecodePayload[protocol.CompletePayload](tx.Payload)
		if err != nil {
			return fmt.Errorf("decode %s payload: %w", action, err)
		}
		id, notes = p.ConsultationID, p.NotesReference
	} else {
		p, err := protocol.DecodePayload[protocol.ConsultationPayload](tx.Payload)
		if err != nil {
			return fmt.Errorf("decode %s payload: %w", action, err)
		}
		id = p.ConsultationID
	}

	c, err := ltx.Get(ctx, id)
	if err != nil {
		return err
	}
	fee, err := ltx.FeeConfig(ctx)
	if err != nil {
		return err
	}
	if err := authorize(action, c, r.Actor, fee.Administrator); err != nil {
		return err
	}
	next, err := c.Status.Next(action)
	if err != nil {
		return err
	}

	var transfers []consultation.Transfer
	switch action {
	case consultation.ActionComplete:
		at := r.At
		c.CompletedAt = &at
		if notes != "" {
			c.NotesReference = &notes
		}
	case consultation.ActionRelease:
		if c.CompletedAt == nil {
			return fmt.Errorf("%w: consultation %d has no completion time", consultation.ErrInvalidStatus, c.ID)
		}
		if err := consultation.CheckRelease(r.At, *c.CompletedAt, r.Actor == fee.Administrator); err != nil {
			return err
		}
		if transfers, err = consultation.ReleaseTransfers(c, fee); err != nil {
			return err
		}
	case consultation.ActionDispute:
		if c.CompletedAt == nil {
			return fmt.Errorf("%w: consultation %d has no completion time", consultation.ErrInvalidStatus, c.ID)
		}
		if err := consultation.CheckDispute(r.At, *c.CompletedAt); err != nil {
			return err
		}
	case consultation.ActionRefund:
		transfers = consultation.RefundTransfers(c)
	case consultation.ActionCancel:
		transfers = consultation.CancelTransfers(c, r.At)
	case consultation.ActionReportNoShow:
		if err := consultation.CheckNoShow(r.At, c.ScheduledTime); err != nil {
			return err
		}
		transfers = consultation.RefundTransfers(c)
	}

	c.Status = next
	if err := consultation.ApplyTransfers(ctx, ltx, transfers); err != nil {
		return err
	}
	if err := ltx.Put(ctx, c); err != nil {
		return err
	}

	event := consultation.NewEvent(lifecycleEvents[action], r.TxID, r.Actor, r.At).WithConsultation(c)
	event.Transfers = transfers
	r.ConsultationID = c.ID
	r.Status = c.Status
	r.Events = []consultation.Event{event}
	return nil
}

func authorize(action consultation.Action, c *consultation.Consultation, caller, administrator consultation.Account) error {
	var ok bool
	switch action {
	case consultation.ActionStart, consultation.ActionComplete:
		ok = caller == c.Doctor
	case consultation.ActionDispute, consultation.ActionReportNoShow:
		ok = caller == c.Patient
	case consultation.ActionRefund:
		ok = caller == administrator
	case consultation.ActionCancel:
		ok = c.IsParty(caller)
	case consultation.ActionRelease:
		ok = true
	}
	if !ok {
		return fmt.Errorf("%w: %s may not %s consultation %d", consultation.ErrUnauthorized, caller, action, c.ID)
	}
	return nil
}

func (e *Engine) applySetFee(ctx context.Context, ltx consultation.LedgerTx, tx protocol.Tx, r *consultation.Receipt) error {
	p, err := protocol.DecodePayload[protocol.SetFeePayload](tx.Payload)
	if err != nil {
		return fmt.Errorf("decode set fee payload: %w", err)
	}
	cfg, err := ltx.FeeConfig(ctx)
	if err != nil {
		return err
	}
	if r.Actor != cfg.Administrator {
		return fmt.Errorf("%w: only the administrator may change the fee", consultation.ErrUnauthorized)
	}
	if p.FeePercent < 0 || p.FeePercent > int(consultation.MaxFeePercent) {
		return fmt.Errorf("%w: %d", consultation.ErrInvalidFeePercent, p.FeePercent)
	}
	cfg.FeePercent = uint8(p.FeePercent)
	if err := ltx.SetFeeConfig(ctx, cfg); err != nil {
		return err
	}

	event := consultation.NewEvent(consultation.EventFeeUpdated, r.TxID, r.Actor, r.At)
	pct := cfg.FeePercent
	event.FeePercent = &pct
	r.Events = []consultation.Event{event}
	return nil
}

func (e *Engine) applyDeposit(ctx context.Context, ltx consultation.LedgerTx, tx protocol.Tx, r *consultation.Receipt) error {
	p, err := protocol.DecodePayload[protocol.DepositPayload](tx.Payload)
	if err != nil {
		return fmt.Errorf("decode deposit payload: %w", err)
	}
	cfg, err := ltx.FeeConfig(ctx)
	if err != nil {
		return err
	}
	if r.Actor != cfg.Administrator {
		return fmt.Errorf("%w: only the administrator may deposit", consultation.ErrUnauthorized)
	}
	account := consultation.Account(p.Account).Normalize()
	if account == "" {
		return errors.New("account is required")
	}
	if isReserved(account) {
		return fmt.Errorf("account %s is reserved", account)
	}
	amount, err := protocol.ParseAmount(p.Amount)
	if err != nil {
		return err
	}
	if amount.IsZero() {
		return fmt.Errorf("%w: deposit must be positive", consultation.ErrInsufficientPayment)
	}

	balance, err := ltx.Balance(ctx, account)
	if err != nil {
		return err
	}
	if _, overflow := balance.AddOverflow(balance, amount); overflow {
		return fmt.Errorf("%w: balance of %s", consultation.ErrArithmeticOverflow, account)
	}
	if err := ltx.SetBalance(ctx, account, balance); err != nil {
		return err
	}

	event := consultation.NewEvent(consultation.EventDeposited, r.TxID, r.Actor, r.At)
	event.Amount = amount
	event.Transfers = []consultation.Transfer{{From: ExternalAccount, To: account, Amount: amount.Clone()}}
	r.Events = []consultation.Event{event}
	return nil
}

func isReserved(account consultation.Account) bool {
	return account == consultation.VaultAccount || account == ExternalAccount
}

// TotalPaidOut sums the transfers that left escrow in the given events.
func TotalPaidOut(events []consultation.Event) (*uint256.Int, error) {
	total := new(uint256.Int)
	for _, ev := range events {
		for _, t := range ev.Transfers {
			if t.From != consultation.VaultAccount {
				continue
			}
			if _, overflow := total.AddOverflow(total, t.Amount); overflow {
				return nil, consultation.ErrArithmeticOverflow
			}
		}
	}
	return total, nil
}
