package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"github.com/consult-escrow/consult-escrow/internal/domain/consultation"
	"github.com/consult-escrow/consult-escrow/internal/infrastructure/metrics"
	"github.com/consult-escrow/consult-escrow/internal/p2p/protocol"
)

var (
	ErrInvalidTx           = errors.New("invalid transaction")
	ErrRegistryUnavailable = errors.New("registry unavailable")
	ErrReceiptNotFound     = errors.New("receipt not found")
)

// Service is the entry point for escrow writes and reads.
type Service struct {
	applier  Applier
	ledger   consultation.Ledger
	registry consultation.Registry
	logger   zerolog.Logger
}

// NewService wires the service. registry may be nil, in which case verified
// bookings are refused and reputation hooks are skipped.
func NewService(applier Applier, ledger consultation.Ledger, registry consultation.Registry, logger zerolog.Logger) *Service {
	return &Service{
		applier:  applier,
		ledger:   ledger,
		registry: registry,
		logger:   logger,
	}
}

// Submit validates a signed transaction and applies it.
func (s *Service) Submit(ctx context.Context, tx protocol.Tx) (*consultation.Receipt, error) {
	if err := tx.Verify(); err != nil {
		metrics.Escrow().RecordTx(string(tx.Op), "invalid")
		return nil, fmt.Errorf("%w: %w", ErrInvalidTx, err)
	}
	if tx.Op == protocol.OpBookVerified {
		if err := s.requireVerifiedDoctor(ctx, tx); err != nil {
			metrics.Escrow().RecordTx(string(tx.Op), outcome(err))
			return nil, err
		}
	}

	receipt, err := s.applier.Apply(ctx, tx)
	if err != nil {
		metrics.Escrow().RecordTx(string(tx.Op), outcome(err))
		s.logger.Info().
			Err(err).
			Str("tx_id", tx.TxID).
			Str("op", string(tx.Op)).
			Str("actor", tx.Actor).
			Msg("transaction rejected")
		return nil, err
	}
	if receipt.Replayed {
		metrics.Escrow().RecordTx(string(tx.Op), "replayed")
		return receipt, nil
	}
	metrics.Escrow().RecordTx(string(tx.Op), "applied")

	logEvent := s.logger.Info().
		Str("tx_id", receipt.TxID).
		Str("op", receipt.Op).
		Uint64("consultation_id", receipt.ConsultationID).
		Str("status", string(receipt.Status))
	if paid, err := TotalPaidOut(receipt.Events); err == nil && !paid.IsZero() {
		logEvent = logEvent.Str("paid_out", paid.Dec())
	}
	logEvent.Msg("transaction applied")

	s.recordReputation(ctx, receipt)
	return receipt, nil
}

func (s *Service) requireVerifiedDoctor(ctx context.Context, tx protocol.Tx) error {
	p, err := protocol.DecodePayload[protocol.BookPayload](tx.Payload)
	if err != nil {
		return fmt.Errorf("%w: decode book payload: %w", ErrInvalidTx, err)
	}
	doctor := consultation.Account(p.Doctor).Normalize()
	if s.registry == nil {
		return fmt.Errorf("%w: no registry configured", consultation.ErrDoctorNotVerified)
	}
	verified, err := s.registry.IsDoctorVerified(ctx, doctor)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRegistryUnavailable, err)
	}
	if !verified {
		return fmt.Errorf("%w: %s", consultation.ErrDoctorNotVerified, doctor)
	}
	return nil
}

// recordReputation forwards settled outcomes to the registry. The escrow
// commit already happened, so failures are only logged.
func (s *Service) recordReputation(ctx context.Context, receipt *consultation.Receipt) {
	if s.registry == nil {
		return
	}
	for _, ev := range receipt.Events {
		var err error
		switch ev.Type {
		case consultation.EventCompleted:
			err = s.registry.RecordCompleted(ctx, ev.Doctor)
		case consultation.EventCancelled:
			err = s.registry.RecordCancelled(ctx, ev.Doctor)
		case consultation.EventNoShow:
			err = s.registry.RecordNoShow(ctx, ev.Doctor)
		default:
			continue
		}
		if err != nil {
			s.logger.Warn().
				Err(err).
				Str("event", string(ev.Type)).
				Uint64("consultation_id", ev.ConsultationID).
				Str("doctor", string(ev.Doctor)).
				Msg("registry hook failed")
		}
	}
}

// Get returns one consultation record.
func (s *Service) Get(ctx context.Context, id uint64) (*consultation.Consultation, error) {
	var out *consultation.Consultation
	err := s.ledger.View(ctx, func(v consultation.LedgerView) error {
		c, err := v.Get(ctx, id)
		out = c
		return err
	})
	return out, err
}

// FeeConfig returns the current settlement configuration.
func (s *Service) FeeConfig(ctx context.Context) (consultation.FeeConfig, error) {
	var out consultation.FeeConfig
	err := s.ledger.View(ctx, func(v consultation.LedgerView) error {
		cfg, err := v.FeeConfig(ctx)
		out = cfg
		return err
	})
	return out, err
}

func (s *Service) FeePercent(ctx context.Context) (uint8, error) {
	cfg, err := s.FeeConfig(ctx)
	if err != nil {
		return 0, err
	}
	return cfg.FeePercent, nil
}

// Balance returns the custody balance of account.
func (s *Service) Balance(ctx context.Context, account consultation.Account) (*uint256.Int, error) {
	account = account.Normalize()
	if account == "" {
		return nil, errors.New("account is required")
	}
	var out *uint256.Int
	err := s.ledger.View(ctx, func(v consultation.LedgerView) error {
		b, err := v.Balance(ctx, account)
		out = b
		return err
	})
	return out, err
}

// Receipt returns the receipt of an applied transaction.
func (s *Service) Receipt(ctx context.Context, txID string) (*consultation.Receipt, error) {
	txID = strings.TrimSpace(txID)
	var out *consultation.Receipt
	err := s.ledger.View(ctx, func(v consultation.LedgerView) error {
		r, err := v.Receipt(ctx, txID)
		out = r
		return err
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, fmt.Errorf("%w: %s", ErrReceiptNotFound, txID)
	}
	return out, nil
}

func outcome(err error) string {
	if code := consultation.Code(err); code != "" {
		return strings.ToLower(code)
	}
	switch {
	case errors.Is(err, ErrInvalidTx):
		return "invalid"
	case errors.Is(err, ErrRegistryUnavailable):
		return "registry_unavailable"
	}
	return "error"
}
