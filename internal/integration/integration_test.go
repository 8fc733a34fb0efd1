//go:build integration
// +build integration

package integration

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	httpapi "github.com/consult-escrow/consult-escrow/internal/api/http"
	"github.com/consult-escrow/consult-escrow/internal/application/escrow"
	"github.com/consult-escrow/consult-escrow/internal/domain/consultation"
	"github.com/consult-escrow/consult-escrow/internal/infrastructure/postgres"
	"github.com/consult-escrow/consult-escrow/internal/infrastructure/registry"
	"github.com/consult-escrow/consult-escrow/internal/infrastructure/sse"
	"github.com/consult-escrow/consult-escrow/internal/p2p/protocol"
)

type party struct {
	priv    ed25519.PrivateKey
	account string
}

func newParty(t *testing.T) party {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return party{priv: priv, account: protocol.ActorFor(pub)}
}

type harness struct {
	t       *testing.T
	server  *httptest.Server
	client  *http.Client
	admin   party
	reg     *registry.Static
	counter atomic.Int64
}

func (h *harness) signed(p party, op protocol.Operation, payload any) protocol.Tx {
	h.t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		h.t.Fatalf("marshal payload: %v", err)
	}
	n := h.counter.Add(1)
	tx := protocol.Tx{
		TxID:      fmt.Sprintf("it-%d-%d", time.Now().UnixNano(), n),
		Nonce:     fmt.Sprintf("n-%d", n),
		Timestamp: time.Now().UTC(),
		Op:        op,
		Payload:   raw,
	}
	if err := tx.Sign(p.priv); err != nil {
		h.t.Fatalf("sign: %v", err)
	}
	return tx
}

// submit posts tx and decodes the response into out. It returns the status.
func (h *harness) submit(tx protocol.Tx, out any) int {
	h.t.Helper()
	body, _ := json.Marshal(tx)
	resp, err := h.client.Post(h.server.URL+"/v1/escrow/tx", "application/json", bytes.NewReader(body))
	if err != nil {
		h.t.Fatalf("submit %s: %v", tx.Op, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			h.t.Fatalf("decode %s response %q: %v", tx.Op, string(data), err)
		}
	}
	return resp.StatusCode
}

func (h *harness) mustSubmit(tx protocol.Tx) consultation.Receipt {
	h.t.Helper()
	var receipt consultation.Receipt
	if status := h.submit(tx, &receipt); status != http.StatusOK {
		h.t.Fatalf("%s status %d", tx.Op, status)
	}
	return receipt
}

func (h *harness) getJSON(path string, out any) int {
	h.t.Helper()
	resp, err := h.client.Get(h.server.URL + path)
	if err != nil {
		h.t.Fatalf("get %s: %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			h.t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func (h *harness) balance(account string) string {
	h.t.Helper()
	var out struct {
		Balance string `json:"balance"`
	}
	if status := h.getJSON("/v1/escrow/accounts/"+account+"/balance", &out); status != http.StatusOK {
		h.t.Fatalf("balance status %d", status)
	}
	return out.Balance
}

func (h *harness) deposit(account, amount string) {
	h.t.Helper()
	h.mustSubmit(h.signed(h.admin, protocol.OpDeposit, protocol.DepositPayload{Account: account, Amount: amount}))
}

func (h *harness) book(patient, doctor party, payment string, scheduled time.Time) uint64 {
	h.t.Helper()
	r := h.mustSubmit(h.signed(patient, protocol.OpBook, protocol.BookPayload{
		Doctor:        doctor.account,
		ScheduledTime: uint64(scheduled.UnixMilli()),
		Payment:       payment,
	}))
	return r.ConsultationID
}

func TestEscrowLifecycleOnPostgres(t *testing.T) {
	h := newHarness(t)
	patient, doctor := newParty(t), newParty(t)
	h.deposit(patient.account, "5000")

	id := h.book(patient, doctor, "1000", time.Now().Add(48*time.Hour))
	if got := h.balance(patient.account); got != "4000" {
		t.Fatalf("patient balance after booking = %s", got)
	}
	if got := h.balance(string(consultation.VaultAccount)); got != "1000" {
		t.Fatalf("vault balance after booking = %s", got)
	}

	h.mustSubmit(h.signed(doctor, protocol.OpStart, protocol.ConsultationPayload{ConsultationID: id}))
	h.mustSubmit(h.signed(doctor, protocol.OpComplete, protocol.CompletePayload{ConsultationID: id, NotesReference: "ipfs://notes"}))

	// the patient has to wait out the dispute window
	var rejected map[string]any
	if status := h.submit(h.signed(patient, protocol.OpRelease, protocol.ConsultationPayload{ConsultationID: id}), &rejected); status != http.StatusConflict {
		t.Fatalf("early release status %d", status)
	}
	if rejected["error"] != "TOO_EARLY_TO_RELEASE" {
		t.Fatalf("early release error %v", rejected["error"])
	}

	release := h.signed(h.admin, protocol.OpRelease, protocol.ConsultationPayload{ConsultationID: id})
	r := h.mustSubmit(release)
	if r.Status != consultation.StatusReleased {
		t.Fatalf("status after release = %s", r.Status)
	}
	if got := h.balance(doctor.account); got != "970" {
		t.Fatalf("doctor balance = %s", got)
	}
	if got := h.balance("platform"); got != "30" {
		t.Fatalf("platform balance = %s", got)
	}
	if got := h.balance(string(consultation.VaultAccount)); got != "0" {
		t.Fatalf("vault balance = %s", got)
	}

	replay := h.mustSubmit(release)
	if !replay.Replayed {
		t.Fatalf("expected replayed receipt")
	}
	if got := h.balance(doctor.account); got != "970" {
		t.Fatalf("replay moved funds: doctor balance = %s", got)
	}

	var c consultation.Consultation
	if status := h.getJSON(fmt.Sprintf("/v1/escrow/consultations/%d", id), &c); status != http.StatusOK {
		t.Fatalf("get consultation status %d", status)
	}
	if c.NotesReference == nil || *c.NotesReference != "ipfs://notes" || c.CompletedAt == nil {
		t.Fatalf("unexpected consultation %+v", c)
	}

	var events struct {
		Events []consultation.Event `json:"events"`
	}
	if status := h.getJSON(fmt.Sprintf("/v1/escrow/consultations/%d/events", id), &events); status != http.StatusOK {
		t.Fatalf("list events status %d", status)
	}
	var types []string
	for _, ev := range events.Events {
		types = append(types, string(ev.Type))
	}
	want := []string{"consultation.booked", "consultation.started", "consultation.completed", "consultation.released"}
	if fmt.Sprint(types) != fmt.Sprint(want) {
		t.Fatalf("event types = %v, want %v", types, want)
	}

	stats := h.reg.StatsFor(consultation.Account(doctor.account))
	if stats.Completed != 1 {
		t.Fatalf("registry stats = %+v", stats)
	}
}

func TestCancellationAndNoShowOnPostgres(t *testing.T) {
	h := newHarness(t)
	patient, doctor := newParty(t), newParty(t)
	h.deposit(patient.account, "10000")

	// more than 24h ahead: full refund
	early := h.book(patient, doctor, "1000", time.Now().Add(72*time.Hour))
	h.mustSubmit(h.signed(patient, protocol.OpCancel, protocol.ConsultationPayload{ConsultationID: early}))
	if got := h.balance(patient.account); got != "10000" {
		t.Fatalf("balance after full refund = %s", got)
	}

	// inside 24h: half goes to the doctor
	late := h.book(patient, doctor, "1000", time.Now().Add(2*time.Hour))
	h.mustSubmit(h.signed(doctor, protocol.OpCancel, protocol.ConsultationPayload{ConsultationID: late}))
	if got := h.balance(patient.account); got != "9500" {
		t.Fatalf("patient balance after late cancel = %s", got)
	}
	if got := h.balance(doctor.account); got != "500" {
		t.Fatalf("doctor balance after late cancel = %s", got)
	}

	var rejected map[string]any
	status := h.submit(h.signed(patient, protocol.OpCancel, protocol.ConsultationPayload{ConsultationID: late}), &rejected)
	if status != http.StatusConflict || rejected["error"] != "CANCELLATION_NOT_ALLOWED" {
		t.Fatalf("second cancel: status %d error %v", status, rejected["error"])
	}

	missed := h.book(patient, doctor, "2000", time.Now().Add(-time.Hour))
	r := h.mustSubmit(h.signed(patient, protocol.OpReportNoShow, protocol.ConsultationPayload{ConsultationID: missed}))
	if r.Status != consultation.StatusNoShow {
		t.Fatalf("status after no-show = %s", r.Status)
	}
	if got := h.balance(patient.account); got != "9500" {
		t.Fatalf("patient balance after no-show = %s", got)
	}
	if stats := h.reg.StatsFor(consultation.Account(doctor.account)); stats.Cancelled != 2 || stats.NoShows != 1 {
		t.Fatalf("registry stats = %+v", stats)
	}
}

func TestConcurrentBookingsAllocateDistinctIDs(t *testing.T) {
	h := newHarness(t)
	doctor := newParty(t)
	const n = 16
	patients := make([]party, n)
	for i := range patients {
		patients[i] = newParty(t)
		h.deposit(patients[i].account, "100")
	}

	var (
		mu  sync.Mutex
		ids []uint64
		wg  sync.WaitGroup
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(p party) {
			defer wg.Done()
			var r consultation.Receipt
			if status := h.submit(h.signed(p, protocol.OpBook, protocol.BookPayload{
				Doctor:        doctor.account,
				ScheduledTime: uint64(time.Now().Add(48 * time.Hour).UnixMilli()),
				Payment:       "100",
			}), &r); status != http.StatusOK {
				t.Errorf("book status %d", status)
				return
			}
			mu.Lock()
			ids = append(ids, r.ConsultationID)
			mu.Unlock()
		}(patients[i])
	}
	wg.Wait()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for i, id := range ids {
		if id != uint64(i+1) {
			t.Fatalf("ids = %v", ids)
		}
	}
	if got := h.balance(string(consultation.VaultAccount)); got != fmt.Sprint(n*100) {
		t.Fatalf("vault balance = %s", got)
	}
}

func TestSetFeeOnPostgres(t *testing.T) {
	h := newHarness(t)
	outsider := newParty(t)

	var rejected map[string]any
	if status := h.submit(h.signed(outsider, protocol.OpSetFee, protocol.SetFeePayload{FeePercent: 5}), &rejected); status != http.StatusForbidden {
		t.Fatalf("outsider set fee status %d", status)
	}
	if status := h.submit(h.signed(h.admin, protocol.OpSetFee, protocol.SetFeePayload{FeePercent: 101}), &rejected); status != http.StatusBadRequest {
		t.Fatalf("out of range fee status %d", status)
	}
	h.mustSubmit(h.signed(h.admin, protocol.OpSetFee, protocol.SetFeePayload{FeePercent: 10}))

	var fee map[string]any
	h.getJSON("/v1/escrow/fee", &fee)
	if fee["feePercent"] != float64(10) {
		t.Fatalf("fee = %v", fee)
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dsn := testDatabaseURL(t)

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, dsn)
	if err != nil {
		t.Fatalf("db pool: %v", err)
	}
	t.Cleanup(pool.Close)

	root := repoRoot(t)
	if _, err := postgres.RunMigrations(ctx, pool, filepath.Join(root, "internal", "migrations")); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	if err := resetDatabase(ctx, pool); err != nil {
		t.Fatalf("reset db: %v", err)
	}

	h := &harness{t: t, admin: newParty(t), reg: registry.NewStatic(), client: &http.Client{Timeout: 10 * time.Second}}
	ledger := postgres.NewLedger(pool)
	if err := ledger.EnsureSettings(ctx, consultation.FeeConfig{
		FeePercent:    consultation.DefaultFeePercent,
		Platform:      "platform",
		Administrator: consultation.Account(h.admin.account),
	}); err != nil {
		t.Fatalf("ensure settings: %v", err)
	}

	logger := zerolog.Nop()
	eventRepo := postgres.NewEventRepository(pool, logger)
	hub := sse.NewHub(logger)
	t.Cleanup(hub.Stop)
	executor := escrow.NewExecutor(ledger, escrow.Fanout{hub, eventRepo}, logger)
	svc := escrow.NewService(escrow.NewLocalApplier(executor, nil), ledger, h.reg, logger)
	apiServer := httpapi.NewServer(httpapi.Config{
		Service: svc,
		Hub:     hub,
		Events:  eventRepo,
		Logger:  logger,
	})
	h.server = httptest.NewServer(apiServer.Router())
	t.Cleanup(h.server.Close)
	return h
}

func testDatabaseURL(t *testing.T) string {
	t.Helper()
	if dsn := os.Getenv("TEST_DATABASE_URL"); dsn != "" {
		return dsn
	}
	t.Skip("TEST_DATABASE_URL not set; skipping integration tests")
	return ""
}

func repoRoot(t *testing.T) string {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	return filepath.Clean(filepath.Join(wd, "..", ".."))
}

func resetDatabase(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		TRUNCATE TABLE
			escrow_events,
			escrow_receipts,
			escrow_balances,
			consultations,
			escrow_settings
	`)
	return err
}
