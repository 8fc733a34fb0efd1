package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/consult-escrow/consult-escrow/internal/domain/consultation"
)

// Ledger implements consultation.Ledger on PostgreSQL. Update holds the
// escrow_settings row lock for the whole transaction, so writers are
// serialized across every process sharing the database.
type Ledger struct {
	pool *pgxpool.Pool
}

func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

// EnsureSettings creates the settings row for a fresh database. An existing
// row is left untouched.
func (l *Ledger) EnsureSettings(ctx context.Context, fee consultation.FeeConfig) error {
	if err := fee.Validate(); err != nil {
		return err
	}
	_, err := l.pool.Exec(ctx, `
		INSERT INTO escrow_settings (id, next_id, fee_percent, platform, administrator)
		VALUES (1, 1, $1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`, int16(fee.FeePercent), string(fee.Platform.Normalize()), string(fee.Administrator.Normalize()))
	return err
}

func (l *Ledger) View(ctx context.Context, fn func(consultation.LedgerView) error) error {
	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(&ledgerView{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (l *Ledger) Update(ctx context.Context, fn func(consultation.LedgerTx) error) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var nextID string
	if err := tx.QueryRow(ctx, `SELECT next_id::text FROM escrow_settings WHERE id = 1 FOR UPDATE`).Scan(&nextID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return errors.New("escrow settings not initialised")
		}
		return err
	}
	next, err := strconv.ParseUint(nextID, 10, 64)
	if err != nil {
		return fmt.Errorf("stored next id: %w", err)
	}
	if err := fn(&ledgerTx{ledgerView: ledgerView{tx: tx}, nextID: next}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type ledgerView struct {
	tx pgx.Tx
}

func (v *ledgerView) Get(ctx context.Context, id uint64) (*consultation.Consultation, error) {
	row := v.tx.QueryRow(ctx, `
		SELECT id::text, patient, doctor, amount::text, status, scheduled_time::text, created_at::text, completed_at::text, notes_reference
		FROM consultations WHERE id = $1::numeric
	`, u64(id))
	c, err := scanConsultation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", consultation.ErrNotFound, id)
		}
		return nil, err
	}
	return c, nil
}

func (v *ledgerView) NextID(ctx context.Context) (uint64, error) {
	var raw string
	if err := v.tx.QueryRow(ctx, `SELECT next_id::text FROM escrow_settings WHERE id = 1`).Scan(&raw); err != nil {
		return 0, err
	}
	return strconv.ParseUint(raw, 10, 64)
}

func (v *ledgerView) Balance(ctx context.Context, account consultation.Account) (*uint256.Int, error) {
	var raw string
	err := v.tx.QueryRow(ctx, `SELECT amount::text FROM escrow_balances WHERE account = $1`, string(account)).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return new(uint256.Int), nil
		}
		return nil, err
	}
	return parseAmount(raw)
}

func (v *ledgerView) FeeConfig(ctx context.Context) (consultation.FeeConfig, error) {
	var (
		pct             int16
		platform, admin string
	)
	err := v.tx.QueryRow(ctx, `SELECT fee_percent, platform, administrator FROM escrow_settings WHERE id = 1`).
		Scan(&pct, &platform, &admin)
	if err != nil {
		return consultation.FeeConfig{}, err
	}
	if pct < 0 || pct > int16(consultation.MaxFeePercent) {
		return consultation.FeeConfig{}, fmt.Errorf("%w: stored %d", consultation.ErrInvalidFeePercent, pct)
	}
	return consultation.FeeConfig{
		FeePercent:    uint8(pct),
		Platform:      consultation.Account(platform),
		Administrator: consultation.Account(admin),
	}, nil
}

func (v *ledgerView) Receipt(ctx context.Context, txID string) (*consultation.Receipt, error) {
	var body []byte
	err := v.tx.QueryRow(ctx, `SELECT body FROM escrow_receipts WHERE tx_id = $1`, strings.TrimSpace(txID)).Scan(&body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	var r consultation.Receipt
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("decode receipt %s: %w", txID, err)
	}
	return &r, nil
}

type ledgerTx struct {
	ledgerView
	nextID uint64
}

func (t *ledgerTx) NextID(context.Context) (uint64, error) {
	return t.nextID, nil
}

func (t *ledgerTx) Allocate(ctx context.Context) (uint64, error) {
	if t.nextID == math.MaxUint64 {
		return 0, fmt.Errorf("%w: consultation ids exhausted", consultation.ErrArithmeticOverflow)
	}
	id := t.nextID
	if _, err := t.tx.Exec(ctx, `UPDATE escrow_settings SET next_id = $1::numeric, updated_at = NOW() WHERE id = 1`, u64(id+1)); err != nil {
		return 0, err
	}
	t.nextID = id + 1
	return id, nil
}

func (t *ledgerTx) Put(ctx context.Context, c *consultation.Consultation) error {
	if c == nil {
		return errors.New("consultation is required")
	}
	if c.Amount == nil {
		return errors.New("consultation amount is required")
	}
	var completedAt *string
	if c.CompletedAt != nil {
		v := u64(*c.CompletedAt)
		completedAt = &v
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO consultations (id, patient, doctor, amount, status, scheduled_time, created_at, completed_at, notes_reference)
		VALUES ($1::numeric, $2, $3, $4::numeric, $5, $6::numeric, $7::numeric, $8::numeric, $9)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			completed_at = EXCLUDED.completed_at,
			notes_reference = EXCLUDED.notes_reference
	`, u64(c.ID), string(c.Patient), string(c.Doctor), c.Amount.Dec(), string(c.Status),
		u64(c.ScheduledTime), u64(c.CreatedAt), completedAt, c.NotesReference)
	return err
}

func (t *ledgerTx) SetBalance(ctx context.Context, account consultation.Account, amount *uint256.Int) error {
	if amount == nil {
		return errors.New("balance is required")
	}
	if amount.IsZero() {
		_, err := t.tx.Exec(ctx, `DELETE FROM escrow_balances WHERE account = $1`, string(account))
		return err
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO escrow_balances (account, amount) VALUES ($1, $2::numeric)
		ON CONFLICT (account) DO UPDATE SET amount = EXCLUDED.amount
	`, string(account), amount.Dec())
	return err
}

func (t *ledgerTx) SetFeeConfig(ctx context.Context, cfg consultation.FeeConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx, `
		UPDATE escrow_settings SET fee_percent = $1, platform = $2, administrator = $3, updated_at = NOW()
		WHERE id = 1
	`, int16(cfg.FeePercent), string(cfg.Platform), string(cfg.Administrator))
	return err
}

func (t *ledgerTx) PutReceipt(ctx context.Context, r *consultation.Receipt) error {
	if r == nil || strings.TrimSpace(r.TxID) == "" {
		return errors.New("receipt tx_id is required")
	}
	body, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO escrow_receipts (tx_id, op, actor, digest, body, applied_at)
		VALUES ($1, $2, $3, $4, $5, $6::numeric)
	`, strings.TrimSpace(r.TxID), r.Op, string(r.Actor), r.Digest, body, u64(r.At))
	return err
}

func scanConsultation(row pgx.Row) (*consultation.Consultation, error) {
	var (
		id, amount, scheduled, created string
		completed                      *string
		c                              consultation.Consultation
		patient, doctor, status        string
	)
	if err := row.Scan(&id, &patient, &doctor, &amount, &status, &scheduled, &created, &completed, &c.NotesReference); err != nil {
		return nil, err
	}
	var err error
	if c.ID, err = strconv.ParseUint(id, 10, 64); err != nil {
		return nil, fmt.Errorf("stored id: %w", err)
	}
	if c.Amount, err = parseAmount(amount); err != nil {
		return nil, err
	}
	if c.ScheduledTime, err = strconv.ParseUint(scheduled, 10, 64); err != nil {
		return nil, fmt.Errorf("stored scheduled_time: %w", err)
	}
	if c.CreatedAt, err = strconv.ParseUint(created, 10, 64); err != nil {
		return nil, fmt.Errorf("stored created_at: %w", err)
	}
	if completed != nil {
		v, err := strconv.ParseUint(*completed, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("stored completed_at: %w", err)
		}
		c.CompletedAt = &v
	}
	c.Patient = consultation.Account(patient)
	c.Doctor = consultation.Account(doctor)
	c.Status = consultation.Status(status)
	if !c.Status.IsValid() {
		return nil, fmt.Errorf("stored status %q is invalid", status)
	}
	return &c, nil
}

func parseAmount(raw string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("stored amount %q: %w", raw, err)
	}
	return v, nil
}

func u64(v uint64) string {
	return strconv.FormatUint(v, 10)
}
