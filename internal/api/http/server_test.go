package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/consult-escrow/consult-escrow/internal/application/escrow"
	"github.com/consult-escrow/consult-escrow/internal/domain/consultation"
	"github.com/consult-escrow/consult-escrow/internal/infrastructure/sse"
	"github.com/consult-escrow/consult-escrow/internal/p2p/consensus"
	"github.com/consult-escrow/consult-escrow/internal/p2p/protocol"
	"github.com/consult-escrow/consult-escrow/internal/p2p/state"
)

type signer struct {
	priv    ed25519.PrivateKey
	account string
}

func newSigner(t *testing.T) signer {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return signer{priv: priv, account: protocol.ActorFor(pub)}
}

type env struct {
	t       *testing.T
	handler http.Handler
	hub     *sse.Hub
	admin   signer
	patient signer
	doctor  signer
	seq     int
}

type pingMount struct{}

func (pingMount) Mount(r chi.Router) {
	r.Get("/v1/extra/ping", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"pong": "ok"})
	})
}

func newEnv(t *testing.T, limiter *RateLimiter) *env {
	t.Helper()
	e := &env{t: t, admin: newSigner(t), patient: newSigner(t), doctor: newSigner(t)}
	machine := state.NewMachine(consultation.FeeConfig{
		FeePercent:    3,
		Platform:      "platform",
		Administrator: consultation.Account(e.admin.account),
	})
	e.hub = sse.NewHub(zerolog.Nop())
	t.Cleanup(e.hub.Stop)
	executor := escrow.NewExecutor(machine, e.hub, zerolog.Nop())
	svc := escrow.NewService(escrow.NewLocalApplier(executor, nil), machine, nil, zerolog.Nop())
	e.handler = NewServer(Config{
		Service: svc,
		Hub:     e.hub,
		Limiter: limiter,
		Mounts:  []Mounter{pingMount{}},
		Health:  func() map[string]any { return map[string]any{"ledger": "memory"} },
		Logger:  zerolog.Nop(),
	}).Router()
	return e
}

func (e *env) tx(s signer, op protocol.Operation, payload any) protocol.Tx {
	e.t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(e.t, err)
	e.seq++
	tx := protocol.Tx{
		TxID:      fmt.Sprintf("tx-%d", e.seq),
		Nonce:     fmt.Sprintf("n-%d", e.seq),
		Timestamp: time.Now().UTC(),
		Op:        op,
		Payload:   raw,
	}
	require.NoError(e.t, tx.Sign(s.priv))
	return tx
}

func (e *env) post(tx any) *httptest.ResponseRecorder {
	e.t.Helper()
	body, err := json.Marshal(tx)
	require.NoError(e.t, err)
	return e.do(http.MethodPost, "/v1/escrow/tx", body)
}

func (e *env) do(method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.RemoteAddr = "10.0.0.1:1234"
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (e *env) fundAndBook() uint64 {
	e.t.Helper()
	rec := e.post(e.tx(e.admin, protocol.OpDeposit, protocol.DepositPayload{Account: e.patient.account, Amount: "5000"}))
	require.Equal(e.t, http.StatusOK, rec.Code, rec.Body.String())
	rec = e.post(e.tx(e.patient, protocol.OpBook, protocol.BookPayload{
		Doctor:        e.doctor.account,
		ScheduledTime: uint64(time.Now().Add(48 * time.Hour).UnixMilli()),
		Payment:       "1000",
	}))
	require.Equal(e.t, http.StatusOK, rec.Code, rec.Body.String())
	return uint64(decode(e.t, rec)["consultationId"].(float64))
}

func TestSubmitAndRead(t *testing.T) {
	e := newEnv(t, nil)
	id := e.fundAndBook()
	assert.Equal(t, uint64(1), id)

	rec := e.do(http.MethodGet, "/v1/escrow/consultations/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode(t, rec)
	assert.Equal(t, "PENDING", got["status"])
	assert.Equal(t, e.doctor.account, got["doctor"])

	rec = e.do(http.MethodGet, "/v1/escrow/accounts/"+e.patient.account+"/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "4000", decode(t, rec)["balance"])

	rec = e.do(http.MethodGet, "/v1/escrow/accounts/escrow:vault/balance", nil)
	assert.Equal(t, "1000", decode(t, rec)["balance"])

	rec = e.do(http.MethodGet, "/v1/escrow/fee", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(3), decode(t, rec)["feePercent"])

	rec = e.do(http.MethodGet, "/v1/escrow/tx/tx-2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "BOOK", decode(t, rec)["op"])

	rec = e.do(http.MethodGet, "/v1/escrow/tx/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubmitErrors(t *testing.T) {
	e := newEnv(t, nil)
	e.fundAndBook()

	rec := e.post(e.tx(e.patient, protocol.OpStart, protocol.ConsultationPayload{ConsultationID: 1}))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "UNAUTHORIZED", decode(t, rec)["error"])

	rec = e.post(e.tx(e.doctor, protocol.OpStart, protocol.ConsultationPayload{ConsultationID: 99}))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.post(e.tx(e.doctor, protocol.OpRelease, protocol.ConsultationPayload{ConsultationID: 1}))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "INVALID_STATUS", decode(t, rec)["error"])

	rec = e.post(e.tx(e.patient, protocol.OpBook, protocol.BookPayload{Doctor: e.doctor.account, Payment: "0"}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INSUFFICIENT_PAYMENT", decode(t, rec)["error"])

	rec = e.post(e.tx(e.patient, protocol.OpBook, protocol.BookPayload{Doctor: e.doctor.account, Payment: "999999"}))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "TRANSFER_FAILED", decode(t, rec)["error"])

	tampered := e.tx(e.doctor, protocol.OpStart, protocol.ConsultationPayload{ConsultationID: 1})
	tampered.Nonce = "changed"
	rec = e.post(tampered)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_TX", decode(t, rec)["error"])

	rec = e.do(http.MethodPost, "/v1/escrow/tx", []byte(`{"tx_id":"x","bogus":1}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_PARAM", decode(t, rec)["error"])

	rec = e.do(http.MethodGet, "/v1/escrow/consultations/abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRespondServiceError(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{&consensus.NotLeaderError{Leader: "10.0.0.2:7000", LeaderID: "n2"}, http.StatusConflict, "NOT_LEADER"},
		{fmt.Errorf("%w: down", escrow.ErrRegistryUnavailable), http.StatusServiceUnavailable, "REGISTRY_UNAVAILABLE"},
		{fmt.Errorf("%w: x", consultation.ErrDoctorNotVerified), http.StatusUnprocessableEntity, "DOCTOR_NOT_VERIFIED"},
		{fmt.Errorf("%w: %w", consultation.ErrTooEarlyToRelease, consultation.ErrClockSkew), http.StatusConflict, "TOO_EARLY_TO_RELEASE"},
		{fmt.Errorf("%w: %w", consultation.ErrCancellationNotAllowed, consultation.ErrInvalidStatus), http.StatusConflict, "CANCELLATION_NOT_ALLOWED"},
		{consultation.ErrArithmeticOverflow, http.StatusUnprocessableEntity, "ARITHMETIC_OVERFLOW"},
		{context.DeadlineExceeded, http.StatusGatewayTimeout, "TIMEOUT"},
		{errors.New("decode payload"), http.StatusBadRequest, "TX_REJECTED"},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			rec := httptest.NewRecorder()
			respondServiceError(rec, tc.err)
			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.code, decode(t, rec)["error"])
		})
	}

	rec := httptest.NewRecorder()
	respondServiceError(rec, &consensus.NotLeaderError{Leader: "10.0.0.2:7000", LeaderID: "n2"})
	assert.Equal(t, "n2", decode(t, rec)["leader_id"])

	rec = httptest.NewRecorder()
	respondServiceError(rec, fmt.Errorf("%w: %w", consultation.ErrDisputeWindowExpired, consultation.ErrClockSkew))
	assert.Equal(t, true, decode(t, rec)["clock_skew"])
}

func TestRateLimitedSubmission(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{"tx": {RequestsPerMinute: 1, Burst: 1}}, zerolog.Nop())
	e := newEnv(t, limiter)

	rec := e.post(e.tx(e.admin, protocol.OpDeposit, protocol.DepositPayload{Account: e.patient.account, Amount: "1"}))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.post(e.tx(e.admin, protocol.OpDeposit, protocol.DepositPayload{Account: e.patient.account, Amount: "1"}))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "RATE_LIMITED", decode(t, rec)["error"])

	// reads are not limited
	rec = e.do(http.MethodGet, "/v1/escrow/fee", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimiterEvictsIdleClients(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{"tx": {RequestsPerMinute: 1, Burst: 1}}, zerolog.Nop())
	now := time.Unix(0, 0)
	limiter.clockNow = func() time.Time { return now }

	assert.True(t, limiter.allow("tx|a", limiter.limits["tx"]))
	assert.False(t, limiter.allow("tx|a", limiter.limits["tx"]))
	now = now.Add(10 * time.Minute)
	assert.True(t, limiter.allow("tx|a", limiter.limits["tx"]))
}

func TestRateLimiterSweepsOnInterval(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{"tx": {RequestsPerMinute: 60, Burst: 5}}, zerolog.Nop())
	now := time.Unix(1_000, 0)
	limiter.clockNow = func() time.Time { return now }
	limit := limiter.limits["tx"]

	require.True(t, limiter.allow("tx|a", limit))
	require.True(t, limiter.allow("tx|b", limit))
	assert.Equal(t, now, limiter.lastSweep)

	// a is idle past the ttl but the next sweep is not due yet
	now = now.Add(5*time.Minute + time.Second)
	limiter.lastSweep = now.Add(-30 * time.Second)
	require.True(t, limiter.allow("tx|b", limit))
	assert.Len(t, limiter.visitors, 2)

	now = now.Add(31 * time.Second)
	require.True(t, limiter.allow("tx|c", limit))
	assert.Len(t, limiter.visitors, 2)
	assert.NotContains(t, limiter.visitors, "tx|a")
	assert.Equal(t, now, limiter.lastSweep)
}

func TestClientID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.168.1.5:4000"
	assert.Equal(t, "192.168.1.5", clientID(req))
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", clientID(req))
	req.Header.Set("X-Real-IP", "198.51.100.7")
	assert.Equal(t, "198.51.100.7", clientID(req))
}

func TestHealthMetricsAndMounts(t *testing.T) {
	e := newEnv(t, nil)

	rec := e.do(http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	assert.Equal(t, true, out["ok"])
	assert.Equal(t, "memory", out["ledger"])

	rec = e.do(http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(http.MethodGet, "/v1/extra/ping", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(http.MethodGet, "/v1/escrow/consultations/1/events", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "event log routes need a store")
}

func TestEventStream(t *testing.T) {
	e := newEnv(t, nil)
	srv := httptest.NewServer(e.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	filter := `type == "consultation.booked"`
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		srv.URL+"/v1/escrow/events/stream?client_id=c1&filter="+url.QueryEscape(filter), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "c1", resp.Header.Get("X-Client-ID"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": connected\n", line)

	require.Eventually(t, func() bool { return e.hub.GetClient("c1") != nil }, time.Second, 10*time.Millisecond)
	e.fundAndBook()

	var data string
	for data == "" {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "event: ") {
			assert.Equal(t, "event: consultation.booked\n", line, "deposit is filtered out")
		}
		if strings.HasPrefix(line, "data: ") {
			data = strings.TrimPrefix(strings.TrimSpace(line), "data: ")
		}
	}
	var msg sse.Message
	require.NoError(t, json.Unmarshal([]byte(data), &msg))
	assert.Equal(t, string(consultation.EventBooked), msg.Event)
}

func TestEventStreamRejectsBadFilter(t *testing.T) {
	e := newEnv(t, nil)
	rec := e.do(http.MethodGet, "/v1/escrow/events/stream?filter=type%20%3D%3D", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
