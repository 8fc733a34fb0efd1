package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/hashicorp/raft"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/consult-escrow/consult-escrow/internal/domain/consultation"
	"github.com/consult-escrow/consult-escrow/internal/p2p/state"
)

// Cluster is the raft membership surface used by the admin routes.
type Cluster interface {
	ID() string
	RaftAddr() string
	State() string
	IsLeader() bool
	LeaderAddr() string
	LeaderNodeID() string
	Stats() map[string]string
	AddVoter(ctx context.Context, nodeID, raftAddr string) error
	RemoveServer(ctx context.Context, nodeID string) error
}

// Inspector exposes read-only views of the replicated ledger.
type Inspector interface {
	StateStats() state.Stats
	ListConsultations(limit, offset int) []*consultation.Consultation
}

// Server provides cluster administration endpoints for a raft node.
type Server struct {
	cluster        Cluster
	inspector      Inspector
	adminTokenHash string
	logger         zerolog.Logger
}

// NewServer wires the admin routes. adminTokenHash is a bcrypt hash of the
// bearer token required for membership changes; when empty those routes
// are refused.
func NewServer(cluster Cluster, inspector Inspector, adminTokenHash string, logger zerolog.Logger) *Server {
	return &Server{
		cluster:        cluster,
		inspector:      inspector,
		adminTokenHash: strings.TrimSpace(adminTokenHash),
		logger:         logger,
	}
}

// Mount registers the cluster routes on r.
func (s *Server) Mount(r chi.Router) {
	r.Route("/v1/cluster", func(r chi.Router) {
		r.Get("/raft", s.raftStatus)
		r.Get("/stats", s.stateStats)
		r.Get("/consultations", s.listConsultations)
		r.Group(func(r chi.Router) {
			r.Use(s.requireAdminToken)
			r.Post("/raft/join", s.raftJoin)
			r.Post("/raft/remove", s.raftRemove)
		})
	})
}

func (s *Server) requireAdminToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminTokenHash == "" {
			respondError(w, http.StatusForbidden, "FORBIDDEN", "cluster administration is disabled", nil)
			return
		}
		token := bearerToken(r)
		if token == "" || bcrypt.CompareHashAndPassword([]byte(s.adminTokenHash), []byte(token)) != nil {
			s.logger.Warn().Str("path", r.URL.Path).Str("remote", r.RemoteAddr).Msg("cluster admin token rejected")
			respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid admin token", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(authz, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authz, "Bearer "))
	}
	return ""
}

func (s *Server) stateStats(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.inspector.StateStats())
}

func (s *Server) listConsultations(w http.ResponseWriter, r *http.Request) {
	limit, offset := parseLimitOffset(r, 100, 500)
	respondJSON(w, http.StatusOK, map[string]any{
		"consultations": s.inspector.ListConsultations(limit, offset),
		"limit":         limit,
		"offset":        offset,
	})
}

func (s *Server) raftStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"node_id":    s.cluster.ID(),
		"raft_addr":  s.cluster.RaftAddr(),
		"state":      s.cluster.State(),
		"leader":     s.cluster.LeaderAddr(),
		"leader_id":  s.cluster.LeaderNodeID(),
		"is_leader":  s.cluster.IsLeader(),
		"raft_stats": s.cluster.Stats(),
	})
}

type raftJoinRequest struct {
	NodeID   string `json:"node_id"`
	RaftAddr string `json:"raft_addr"`
}

func (s *Server) raftJoin(w http.ResponseWriter, r *http.Request) {
	if !s.cluster.IsLeader() {
		s.respondNotLeader(w, "submit to leader")
		return
	}
	var req raftJoinRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error(), nil)
		return
	}
	if err := s.cluster.AddVoter(r.Context(), req.NodeID, req.RaftAddr); err != nil {
		if IsLeadershipErr(err) {
			s.respondNotLeader(w, err.Error())
			return
		}
		respondError(w, http.StatusBadRequest, "JOIN_FAILED", err.Error(), nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "OK"})
}

type raftRemoveRequest struct {
	NodeID string `json:"node_id"`
}

func (s *Server) raftRemove(w http.ResponseWriter, r *http.Request) {
	if !s.cluster.IsLeader() {
		s.respondNotLeader(w, "submit to leader")
		return
	}
	var req raftRemoveRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error(), nil)
		return
	}
	if err := s.cluster.RemoveServer(r.Context(), req.NodeID); err != nil {
		if IsLeadershipErr(err) {
			s.respondNotLeader(w, err.Error())
			return
		}
		respondError(w, http.StatusBadRequest, "REMOVE_FAILED", err.Error(), nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "OK"})
}

func (s *Server) respondNotLeader(w http.ResponseWriter, message string) {
	respondError(w, http.StatusConflict, "NOT_LEADER", message, map[string]any{
		"leader":    s.cluster.LeaderAddr(),
		"leader_id": s.cluster.LeaderNodeID(),
	})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func parseLimitOffset(r *http.Request, defaultLimit, maxLimit int) (int, int) {
	limit := defaultLimit
	offset := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("offset")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			offset = parsed
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

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, code, message string, extra map[string]any) {
	out := map[string]any{
		"error":   code,
		"message": message,
	}
	for k, v := range extra {
		out[k] = v
	}
	respondJSON(w, status, out)
}

// IsLeadershipErr reports whether err means the request must go to another
// node.
func IsLeadershipErr(err error) bool {
	return errors.Is(err, raft.ErrNotLeader) ||
		errors.Is(err, raft.ErrLeadershipLost) ||
		errors.Is(err, raft.ErrLeadershipTransferInProgress)
}
