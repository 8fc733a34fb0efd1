package consultation

import (
	"context"
	"fmt"

	"github.com/holiman/uint256"
)

// Transfer is one value movement between custody balances.
type Transfer struct {
	From   Account      `json:"from"`
	To     Account      `json:"to"`
	Amount *uint256.Int `json:"amount"`
}

var hundred = uint256.NewInt(100)

// FeeSplit divides amount into the doctor's share and the platform fee,
// fee = floor(amount * percent / 100).
func FeeSplit(amount *uint256.Int, percent uint8) (doctorAmount, fee *uint256.Int, err error) {
	if amount == nil {
		return nil, nil, fmt.Errorf("%w: missing amount", ErrArithmeticOverflow)
	}
	if percent > MaxFeePercent {
		return nil, nil, fmt.Errorf("%w: %d", ErrInvalidFeePercent, percent)
	}
	product, overflow := new(uint256.Int).MulOverflow(amount, uint256.NewInt(uint64(percent)))
	if overflow {
		return nil, nil, fmt.Errorf("%w: fee of %s at %d%%", ErrArithmeticOverflow, amount.Dec(), percent)
	}
	fee = new(uint256.Int).Div(product, hundred)
	doctorAmount, underflow := new(uint256.Int).SubOverflow(amount, fee)
	if underflow {
		return nil, nil, fmt.Errorf("%w: fee exceeds amount", ErrArithmeticOverflow)
	}
	return doctorAmount, fee, nil
}

// CancellationSplit divides amount between the patient refund and the doctor's
// cancellation fee. A late cancellation refunds floor(amount/2).
func CancellationSplit(amount *uint256.Int, fullRefund bool) (patientRefund, doctorFee *uint256.Int) {
	if fullRefund {
		return amount.Clone(), new(uint256.Int)
	}
	patientRefund = new(uint256.Int).Rsh(amount, 1)
	doctorFee = new(uint256.Int).Sub(amount, patientRefund)
	return patientRefund, doctorFee
}

func payout(to Account, amount *uint256.Int) []Transfer {
	if amount == nil || amount.IsZero() {
		return nil
	}
	return []Transfer{{From: VaultAccount, To: to, Amount: amount.Clone()}}
}

// ReleaseTransfers pays the doctor and the platform fee out of escrow.
func ReleaseTransfers(c *Consultation, cfg FeeConfig) ([]Transfer, error) {
	doctorAmount, fee, err := FeeSplit(c.Amount, cfg.FeePercent)
	if err != nil {
		return nil, err
	}
	out := payout(c.Doctor, doctorAmount)
	return append(out, payout(cfg.Platform, fee)...), nil
}

// RefundTransfers returns the whole amount to the patient.
func RefundTransfers(c *Consultation) []Transfer {
	return payout(c.Patient, c.Amount)
}

// CancelTransfers applies the cancellation tier for a cancel at now.
func CancelTransfers(c *Consultation, now uint64) []Transfer {
	patientRefund, doctorFee := CancellationSplit(c.Amount, FullCancellationRefund(now, c.ScheduledTime))
	out := payout(c.Patient, patientRefund)
	return append(out, payout(c.Doctor, doctorFee)...)
}

// ApplyTransfers stages every balance change in memory, validating each one
// with checked arithmetic, and writes them only when all of them succeed.
func ApplyTransfers(ctx context.Context, tx LedgerTx, transfers []Transfer) error {
	staged := map[Account]*uint256.Int{}
	order := make([]Account, 0, len(transfers)*2)
	balanceOf := func(account Account) (*uint256.Int, error) {
		if v, ok := staged[account]; ok {
			return v, nil
		}
		v, err := tx.Balance(ctx, account)
		if err != nil {
			return nil, err
		}
		staged[account] = v.Clone()
		order = append(order, account)
		return staged[account], nil
	}

	for _, t := range transfers {
		if t.Amount == nil || t.Amount.IsZero() {
			continue
		}
		if t.From == t.To {
			return fmt.Errorf("%w: source and destination are both %s", ErrTransferFailed, t.From)
		}
		from, err := balanceOf(t.From)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrTransferFailed, err)
		}
		to, err := balanceOf(t.To)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrTransferFailed, err)
		}
		if _, underflow := from.SubOverflow(from, t.Amount); underflow {
			return fmt.Errorf("%w: %s holds less than %s", ErrTransferFailed, t.From, t.Amount.Dec())
		}
		if _, overflow := to.AddOverflow(to, t.Amount); overflow {
			return fmt.Errorf("%w: %w: crediting %s", ErrTransferFailed, ErrArithmeticOverflow, t.To)
		}
	}

	for _, account := range order {
		if err := tx.SetBalance(ctx, account, staged[account]); err != nil {
			return fmt.Errorf("%w: %w", ErrTransferFailed, err)
		}
	}
	return nil
}
