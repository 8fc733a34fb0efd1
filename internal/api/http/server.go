package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"github.com/consult-escrow/consult-escrow/internal/domain/consultation"
	"github.com/consult-escrow/consult-escrow/internal/infrastructure/metrics"
	"github.com/consult-escrow/consult-escrow/internal/infrastructure/sse"
	"github.com/consult-escrow/consult-escrow/internal/p2p/protocol"
)

// EscrowService is the escrow surface served over HTTP.
type EscrowService interface {
	Submit(ctx context.Context, tx protocol.Tx) (*consultation.Receipt, error)
	Get(ctx context.Context, id uint64) (*consultation.Consultation, error)
	FeeConfig(ctx context.Context) (consultation.FeeConfig, error)
	Balance(ctx context.Context, account consultation.Account) (*uint256.Int, error)
	Receipt(ctx context.Context, txID string) (*consultation.Receipt, error)
}

// EventLog lists persisted events of one consultation.
type EventLog interface {
	ListByConsultation(ctx context.Context, consultationID uint64, limit, offset int) ([]consultation.Event, error)
}

// Mounter adds extra routes, such as the cluster administration API.
type Mounter interface {
	Mount(r chi.Router)
}

// Config carries the server dependencies. Service and Hub are required.
type Config struct {
	Service        EscrowService
	Hub            *sse.Hub
	Events         EventLog
	Limiter        *RateLimiter
	Mounts         []Mounter
	Health         func() map[string]any
	RequestTimeout time.Duration
	Logger         zerolog.Logger
}

// Server holds dependencies for HTTP handlers.
type Server struct {
	svc            EscrowService
	hub            *sse.Hub
	events         EventLog
	limiter        *RateLimiter
	mounts         []Mounter
	health         func() map[string]any
	requestTimeout time.Duration
	logger         zerolog.Logger
}

func NewServer(cfg Config) *Server {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Server{
		svc:            cfg.Service,
		hub:            cfg.Hub,
		events:         cfg.Events,
		limiter:        cfg.Limiter,
		mounts:         cfg.Mounts,
		health:         cfg.Health,
		requestTimeout: timeout,
		logger:         cfg.Logger.With().Str("service", "http").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1/escrow", func(r chi.Router) {
		// the stream is long-lived and must not inherit the request timeout
		r.Get("/events/stream", s.eventStream)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.requestTimeout))

			submit := http.HandlerFunc(s.submitTx)
			if s.limiter != nil {
				r.Method(http.MethodPost, "/tx", s.limiter.Middleware("tx")(submit))
			} else {
				r.Method(http.MethodPost, "/tx", submit)
			}
			r.Get("/tx/{txId}", s.getReceipt)
			r.Get("/consultations/{id}", s.getConsultation)
			if s.events != nil {
				r.Get("/consultations/{id}/events", s.listConsultationEvents)
			}
			r.Get("/fee", s.getFee)
			r.Get("/accounts/{account}/balance", s.getBalance)
		})
	})

	for _, m := range s.mounts {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.requestTimeout))
			m.Mount(r)
		})
	}

	return r
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	out := map[string]any{"ok": true}
	if s.health != nil {
		for k, v := range s.health() {
			out[k] = v
		}
	}
	respondJSON(w, http.StatusOK, out)
}

// Helpers
func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string, extra map[string]any) {
	out := map[string]interface{}{
		"error":   code,
		"message": message,
	}
	for k, v := range extra {
		out[k] = v
	}
	respondJSON(w, status, out)
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func parseIDParam(r *http.Request, key string) (uint64, error) {
	return strconv.ParseUint(strings.TrimSpace(chi.URLParam(r, key)), 10, 64)
}

func parseLimitOffset(r *http.Request, defaultLimit, maxLimit int) (int, int) {
	limit := defaultLimit
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if l, err := strconv.Atoi(v); err == nil {
			limit = l
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if o, err := strconv.Atoi(v); err == nil {
			offset = o
		}
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
