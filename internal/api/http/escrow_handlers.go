package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/consult-escrow/consult-escrow/internal/application/escrow"
	"github.com/consult-escrow/consult-escrow/internal/domain/consultation"
	p2papi "github.com/consult-escrow/consult-escrow/internal/p2p/api"
	"github.com/consult-escrow/consult-escrow/internal/p2p/consensus"
	"github.com/consult-escrow/consult-escrow/internal/p2p/protocol"
)

var domainStatus = map[string]int{
	"UNAUTHORIZED":             http.StatusForbidden,
	"NOT_FOUND":                http.StatusNotFound,
	"INVALID_STATUS":           http.StatusConflict,
	"CANCELLATION_NOT_ALLOWED": http.StatusConflict,
	"DISPUTE_WINDOW_EXPIRED":   http.StatusConflict,
	"TOO_EARLY_TO_RELEASE":     http.StatusConflict,
	"INSUFFICIENT_PAYMENT":     http.StatusBadRequest,
	"INVALID_FEE_PERCENT":      http.StatusBadRequest,
	"TRANSFER_FAILED":          http.StatusUnprocessableEntity,
	"ARITHMETIC_OVERFLOW":      http.StatusUnprocessableEntity,
	"DOCTOR_NOT_VERIFIED":      http.StatusUnprocessableEntity,
}

// respondServiceError maps escrow errors onto HTTP statuses and codes.
func respondServiceError(w http.ResponseWriter, err error) {
	var notLeader *consensus.NotLeaderError
	switch {
	case errors.As(err, &notLeader):
		respondError(w, http.StatusConflict, "NOT_LEADER", "submit to leader", map[string]any{
			"leader":    notLeader.Leader,
			"leader_id": notLeader.LeaderID,
		})
		return
	case p2papi.IsLeadershipErr(err):
		respondError(w, http.StatusConflict, "NOT_LEADER", err.Error(), nil)
		return
	case errors.Is(err, escrow.ErrInvalidTx):
		respondError(w, http.StatusBadRequest, "INVALID_TX", err.Error(), nil)
		return
	case errors.Is(err, escrow.ErrReceiptNotFound):
		respondError(w, http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
		return
	case errors.Is(err, escrow.ErrRegistryUnavailable):
		respondError(w, http.StatusServiceUnavailable, "REGISTRY_UNAVAILABLE", err.Error(), nil)
		return
	case errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusGatewayTimeout, "TIMEOUT", err.Error(), nil)
		return
	}
	if code := consultation.Code(err); code != "" {
		extra := map[string]any(nil)
		if errors.Is(err, consultation.ErrClockSkew) {
			extra = map[string]any{"clock_skew": true}
		}
		respondError(w, domainStatus[code], code, err.Error(), extra)
		return
	}
	respondError(w, http.StatusBadRequest, "TX_REJECTED", err.Error(), nil)
}

func (s *Server) submitTx(w http.ResponseWriter, r *http.Request) {
	var tx protocol.Tx
	if err := decodeBody(r, &tx); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error(), nil)
		return
	}
	receipt, err := s.svc.Submit(r.Context(), tx)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, receipt)
}

func (s *Server) getReceipt(w http.ResponseWriter, r *http.Request) {
	txID := strings.TrimSpace(chi.URLParam(r, "txId"))
	if txID == "" {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "txId required", nil)
		return
	}
	receipt, err := s.svc.Receipt(r.Context(), txID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, receipt)
}

func (s *Server) getConsultation(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid consultation id", nil)
		return
	}
	c, err := s.svc.Get(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

func (s *Server) listConsultationEvents(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid consultation id", nil)
		return
	}
	limit, offset := parseLimitOffset(r, 100, 500)
	events, err := s.events.ListByConsultation(r.Context(), id, limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error(), nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"consultationId": id,
		"events":         events,
	})
}

func (s *Server) getFee(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.svc.FeeConfig(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error(), nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"feePercent":    cfg.FeePercent,
		"platform":      cfg.Platform,
		"administrator": cfg.Administrator,
	})
}

func (s *Server) getBalance(w http.ResponseWriter, r *http.Request) {
	account := consultation.Account(chi.URLParam(r, "account")).Normalize()
	if account == "" {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "account required", nil)
		return
	}
	balance, err := s.svc.Balance(r.Context(), account)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error(), nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"account": account,
		"balance": balance.Dec(),
	})
}
