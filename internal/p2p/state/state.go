package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/holiman/uint256"

	"github.com/consult-escrow/consult-escrow/internal/domain/consultation"
)

type snapshot struct {
	NextID        uint64                                `json:"nextId"`
	Fee           consultation.FeeConfig                `json:"fee"`
	Consultations map[uint64]*consultation.Consultation `json:"consultations"`
	Balances      map[consultation.Account]*uint256.Int `json:"balances"`
	Receipts      map[string]*consultation.Receipt      `json:"receipts"`
}

// Machine is the deterministic in-memory escrow ledger. Writers are
// serialized by one lock held for the whole of Update.
type Machine struct {
	mu sync.RWMutex
	s  snapshot
}

// NewMachine creates an empty ledger governed by the given fee configuration.
func NewMachine(fee consultation.FeeConfig) *Machine {
	m := &Machine{}
	m.s = emptySnapshot()
	m.s.Fee = fee
	return m
}

func emptySnapshot() snapshot {
	return snapshot{
		NextID:        1,
		Consultations: map[uint64]*consultation.Consultation{},
		Balances:      map[consultation.Account]*uint256.Int{},
		Receipts:      map[string]*consultation.Receipt{},
	}
}

// Marshal serializes current machine snapshot.
func (m *Machine) Marshal() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return json.Marshal(m.s)
}

// Unmarshal restores machine state from snapshot payload.
func (m *Machine) Unmarshal(data []byte) error {
	if len(data) == 0 {
		return errors.New("empty snapshot")
	}
	var s snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if err := normalizeSnapshot(&s); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s = s
	return nil
}

func normalizeSnapshot(s *snapshot) error {
	if s.NextID == 0 {
		s.NextID = 1
	}
	if s.Consultations == nil {
		s.Consultations = map[uint64]*consultation.Consultation{}
	}
	if s.Balances == nil {
		s.Balances = map[consultation.Account]*uint256.Int{}
	}
	if s.Receipts == nil {
		s.Receipts = map[string]*consultation.Receipt{}
	}
	for id, c := range s.Consultations {
		if c == nil || c.ID != id {
			return fmt.Errorf("snapshot consultation %d is inconsistent", id)
		}
		if c.Amount == nil || c.Amount.IsZero() {
			return fmt.Errorf("snapshot consultation %d has no amount", id)
		}
		if id >= s.NextID {
			return fmt.Errorf("snapshot consultation %d not below next id %d", id, s.NextID)
		}
	}
	for account, balance := range s.Balances {
		if balance == nil {
			delete(s.Balances, account)
		}
	}
	return nil
}

// View runs fn against a consistent read view.
func (m *Machine) View(_ context.Context, fn func(consultation.LedgerView) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(&view{s: &m.s})
}

// Update runs fn against a staged overlay and merges the overlay only when
// fn succeeds.
func (m *Machine) Update(_ context.Context, fn func(consultation.LedgerTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := newStagedTx(&m.s)
	if err := fn(tx); err != nil {
		return err
	}
	tx.commitLocked()
	return nil
}

type view struct {
	s *snapshot
}

func (v *view) Get(_ context.Context, id uint64) (*consultation.Consultation, error) {
	c, ok := v.s.Consultations[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", consultation.ErrNotFound, id)
	}
	return c.Clone(), nil
}

func (v *view) NextID(context.Context) (uint64, error) {
	return v.s.NextID, nil
}

func (v *view) Balance(_ context.Context, account consultation.Account) (*uint256.Int, error) {
	if b, ok := v.s.Balances[account]; ok {
		return b.Clone(), nil
	}
	return new(uint256.Int), nil
}

func (v *view) FeeConfig(context.Context) (consultation.FeeConfig, error) {
	return v.s.Fee, nil
}

func (v *view) Receipt(_ context.Context, txID string) (*consultation.Receipt, error) {
	r, ok := v.s.Receipts[strings.TrimSpace(txID)]
	if !ok {
		return nil, nil
	}
	return r.Clone(), nil
}

// stagedTx layers pending writes over the committed snapshot.
type stagedTx struct {
	view
	nextID        uint64
	fee           *consultation.FeeConfig
	consultations map[uint64]*consultation.Consultation
	balances      map[consultation.Account]*uint256.Int
	receipts      map[string]*consultation.Receipt
}

func newStagedTx(base *snapshot) *stagedTx {
	return &stagedTx{
		view:          view{s: base},
		nextID:        base.NextID,
		consultations: map[uint64]*consultation.Consultation{},
		balances:      map[consultation.Account]*uint256.Int{},
		receipts:      map[string]*consultation.Receipt{},
	}
}

func (t *stagedTx) Get(ctx context.Context, id uint64) (*consultation.Consultation, error) {
	if c, ok := t.consultations[id]; ok {
		return c.Clone(), nil
	}
	return t.view.Get(ctx, id)
}

func (t *stagedTx) NextID(context.Context) (uint64, error) {
	return t.nextID, nil
}

func (t *stagedTx) Balance(ctx context.Context, account consultation.Account) (*uint256.Int, error) {
	if b, ok := t.balances[account]; ok {
		return b.Clone(), nil
	}
	return t.view.Balance(ctx, account)
}

func (t *stagedTx) FeeConfig(ctx context.Context) (consultation.FeeConfig, error) {
	if t.fee != nil {
		return *t.fee, nil
	}
	return t.view.FeeConfig(ctx)
}

func (t *stagedTx) Receipt(ctx context.Context, txID string) (*consultation.Receipt, error) {
	if r, ok := t.receipts[strings.TrimSpace(txID)]; ok {
		return r.Clone(), nil
	}
	return t.view.Receipt(ctx, txID)
}

func (t *stagedTx) Allocate(context.Context) (uint64, error) {
	if t.nextID == math.MaxUint64 {
		return 0, fmt.Errorf("%w: consultation ids exhausted", consultation.ErrArithmeticOverflow)
	}
	id := t.nextID
	t.nextID++
	return id, nil
}

func (t *stagedTx) Put(_ context.Context, c *consultation.Consultation) error {
	if c == nil {
		return errors.New("consultation is required")
	}
	t.consultations[c.ID] = c.Clone()
	return nil
}

func (t *stagedTx) SetBalance(_ context.Context, account consultation.Account, amount *uint256.Int) error {
	if amount == nil {
		return errors.New("balance is required")
	}
	t.balances[account] = amount.Clone()
	return nil
}

func (t *stagedTx) SetFeeConfig(_ context.Context, cfg consultation.FeeConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	t.fee = &cfg
	return nil
}

func (t *stagedTx) PutReceipt(_ context.Context, r *consultation.Receipt) error {
	if r == nil || strings.TrimSpace(r.TxID) == "" {
		return errors.New("receipt tx_id is required")
	}
	t.receipts[strings.TrimSpace(r.TxID)] = r.Clone()
	return nil
}

func (t *stagedTx) commitLocked() {
	s := t.s
	s.NextID = t.nextID
	if t.fee != nil {
		s.Fee = *t.fee
	}
	for id, c := range t.consultations {
		s.Consultations[id] = c
	}
	for account, balance := range t.balances {
		if balance.IsZero() {
			delete(s.Balances, account)
			continue
		}
		s.Balances[account] = balance
	}
	for txID, r := range t.receipts {
		s.Receipts[txID] = r
	}
}


// ListConsultations returns records ordered by id.
func (m *Machine) ListConsultations(limit, offset int) []*consultation.Consultation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]uint64, 0, len(m.s.Consultations))
	for id := range m.s.Consultations {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	start, end := pageWindow(len(ids), limit, offset)
	out := make([]*consultation.Consultation, 0, end-start)
	for _, id := range ids[start:end] {
		out = append(out, m.s.Consultations[id].Clone())
	}
	return out
}

func pageWindow(total, limit, offset int) (int, int) {
	if total <= 0 {
		return 0, 0
	}
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	if limit <= 0 {
		limit = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return offset, end
}

type Stats struct {
	Consultations int                         `json:"consultations"`
	ByStatus      map[consultation.Status]int `json:"byStatus"`
	Accounts      int                         `json:"accounts"`
	Escrowed      string                      `json:"escrowed"`
	AppliedTx     int                         `json:"appliedTx"`
	NextID        uint64                      `json:"nextId"`
	FeePercent    uint8                       `json:"feePercent"`
}

func (m *Machine) StateStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := Stats{
		Consultations: len(m.s.Consultations),
		ByStatus:      map[consultation.Status]int{},
		Accounts:      len(m.s.Balances),
		AppliedTx:     len(m.s.Receipts),
		NextID:        m.s.NextID,
		FeePercent:    m.s.Fee.FeePercent,
		Escrowed:      "0",
	}
	for _, c := range m.s.Consultations {
		stats.ByStatus[c.Status]++
	}
	if vault, ok := m.s.Balances[consultation.VaultAccount]; ok {
		stats.Escrowed = vault.Dec()
	}
	return stats
}
