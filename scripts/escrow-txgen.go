package main

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/consult-escrow/consult-escrow/internal/p2p/protocol"
)

type options struct {
	op         string
	txID       string
	nonce      string
	timestamp  string
	privateKey string
	submit     string

	keygen    bool
	hashToken string

	doctor         string
	scheduledTime  string
	payment        string
	consultationID uint64
	notes          string
	feePercent     int
	account        string
	amount         string
}

func main() {
	var opt options

	flag.StringVar(&opt.op, "op", "", "operation: book|book-verified|start|complete|release|dispute|refund|cancel|no-show|set-fee|deposit")
	flag.StringVar(&opt.txID, "tx-id", "", "tx identifier; auto-generated when empty")
	flag.StringVar(&opt.nonce, "nonce", "", "nonce; auto-generated when empty")
	flag.StringVar(&opt.timestamp, "timestamp", "", "RFC3339 timestamp; default now UTC")
	flag.StringVar(&opt.privateKey, "private-key", "", "base64 private key (32-byte seed or 64-byte private key); default random")
	flag.StringVar(&opt.submit, "submit", "", "node base URL; when set the tx is posted and the response printed")

	flag.BoolVar(&opt.keygen, "keygen", false, "print a new seed and its account, then exit")
	flag.StringVar(&opt.hashToken, "hash-token", "", "print the bcrypt hash of a cluster admin token, then exit")

	flag.StringVar(&opt.doctor, "doctor", "", "doctor account for book")
	flag.StringVar(&opt.scheduledTime, "scheduled", "", "RFC3339 scheduled time for book")
	flag.StringVar(&opt.payment, "payment", "", "payment amount for book")
	flag.Uint64Var(&opt.consultationID, "consultation-id", 0, "consultation id for lifecycle ops")
	flag.StringVar(&opt.notes, "notes", "", "notes reference for complete")
	flag.IntVar(&opt.feePercent, "fee", -1, "fee percent for set-fee")
	flag.StringVar(&opt.account, "account", "", "account for deposit")
	flag.StringVar(&opt.amount, "amount", "", "amount for deposit")
	flag.Parse()

	if opt.keygen {
		if err := printKey(); err != nil {
			log.Fatal(err)
		}
		return
	}
	if opt.hashToken != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(opt.hashToken), bcrypt.DefaultCost)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println(string(hash))
		return
	}

	op, err := parseOperation(opt.op)
	if err != nil {
		log.Fatal(err)
	}
	payload, err := buildPayload(op, opt)
	if err != nil {
		log.Fatal(err)
	}
	privateKey, err := loadPrivateKey(opt.privateKey)
	if err != nil {
		log.Fatal(err)
	}
	ts, err := parseTimestamp(opt.timestamp)
	if err != nil {
		log.Fatal(err)
	}

	txID := strings.TrimSpace(opt.txID)
	if txID == "" {
		txID = uuid.NewString()
	}
	nonce := strings.TrimSpace(opt.nonce)
	if nonce == "" {
		nonce = fmt.Sprintf("n-%d", ts.UnixNano())
	}
	tx := protocol.Tx{
		TxID:      txID,
		Nonce:     nonce,
		Timestamp: ts,
		Op:        op,
		Payload:   payload,
	}
	if err := tx.Sign(privateKey); err != nil {
		log.Fatal(err)
	}

	out, err := json.Marshal(tx)
	if err != nil {
		log.Fatal(err)
	}
	if opt.submit == "" {
		_, _ = os.Stdout.Write(out)
		return
	}
	if err := submit(opt.submit, out); err != nil {
		log.Fatal(err)
	}
}

func printKey() error {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return err
	}
	key := ed25519.NewKeyFromSeed(seed)
	out := map[string]string{
		"private_key": base64.StdEncoding.EncodeToString(seed),
		"account":     protocol.ActorFor(key.Public().(ed25519.PublicKey)),
	}
	return json.NewEncoder(os.Stdout).Encode(out)
}

func parseOperation(raw string) (protocol.Operation, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "book":
		return protocol.OpBook, nil
	case "book-verified":
		return protocol.OpBookVerified, nil
	case "start":
		return protocol.OpStart, nil
	case "complete":
		return protocol.OpComplete, nil
	case "release":
		return protocol.OpRelease, nil
	case "dispute":
		return protocol.OpDispute, nil
	case "refund":
		return protocol.OpRefund, nil
	case "cancel":
		return protocol.OpCancel, nil
	case "no-show":
		return protocol.OpReportNoShow, nil
	case "set-fee":
		return protocol.OpSetFee, nil
	case "deposit":
		return protocol.OpDeposit, nil
	default:
		return "", fmt.Errorf("unsupported op %q", raw)
	}
}

func buildPayload(op protocol.Operation, opt options) (json.RawMessage, error) {
	var payload any
	switch op {
	case protocol.OpBook, protocol.OpBookVerified:
		if strings.TrimSpace(opt.doctor) == "" || strings.TrimSpace(opt.payment) == "" {
			return nil, fmt.Errorf("%s requires -doctor and -payment", op)
		}
		scheduled, err := parseTimestamp(opt.scheduledTime)
		if err != nil {
			return nil, err
		}
		payload = protocol.BookPayload{
			Doctor:        opt.doctor,
			ScheduledTime: uint64(scheduled.UnixMilli()),
			Payment:       opt.payment,
		}
	case protocol.OpComplete:
		payload = protocol.CompletePayload{ConsultationID: opt.consultationID, NotesReference: opt.notes}
	case protocol.OpSetFee:
		if opt.feePercent < 0 {
			return nil, fmt.Errorf("%s requires -fee", op)
		}
		payload = protocol.SetFeePayload{FeePercent: opt.feePercent}
	case protocol.OpDeposit:
		if strings.TrimSpace(opt.account) == "" || strings.TrimSpace(opt.amount) == "" {
			return nil, fmt.Errorf("%s requires -account and -amount", op)
		}
		payload = protocol.DepositPayload{Account: opt.account, Amount: opt.amount}
	default:
		if opt.consultationID == 0 {
			return nil, fmt.Errorf("%s requires -consultation-id", op)
		}
		payload = protocol.ConsultationPayload{ConsultationID: opt.consultationID}
	}
	return json.Marshal(payload)
}

func submit(baseURL string, body []byte) error {
	endpoint := strings.TrimRight(baseURL, "/") + "/v1/escrow/tx"
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(endpoint, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	_, _ = os.Stdout.Write(out)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("submit returned status %d", resp.StatusCode)
	}
	return nil
}

func parseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Now().UTC(), nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp: %w", err)
	}
	return ts.UTC(), nil
}

func loadPrivateKey(raw string) (ed25519.PrivateKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		_, key, err := ed25519.GenerateKey(rand.Reader)
		return key, err
	}
	decoded, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid private-key base64: %w", err)
	}
	switch len(decoded) {
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(decoded), nil
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(decoded), nil
	default:
		return nil, fmt.Errorf("invalid private-key length: %d (expected 32 or 64 bytes)", len(decoded))
	}
}
