package protocol

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/holiman/uint256"
)

// Operation defines supported escrow writes.
type Operation string

const (
	OpBook         Operation = "BOOK"
	OpBookVerified Operation = "BOOK_VERIFIED"
	OpStart        Operation = "START"
	OpComplete     Operation = "COMPLETE"
	OpRelease      Operation = "RELEASE"
	OpDispute      Operation = "DISPUTE"
	OpRefund       Operation = "REFUND"
	OpCancel       Operation = "CANCEL"
	OpReportNoShow Operation = "REPORT_NO_SHOW"
	OpSetFee       Operation = "SET_FEE"
	OpDeposit      Operation = "DEPOSIT"
)

var validOps = map[Operation]struct{}{
	OpBook:         {},
	OpBookVerified: {},
	OpStart:        {},
	OpComplete:     {},
	OpRelease:      {},
	OpDispute:      {},
	OpRefund:       {},
	OpCancel:       {},
	OpReportNoShow: {},
	OpSetFee:       {},
	OpDeposit:      {},
}

// Tx is the signed, replicated command envelope. Actor is the hex encoding of
// the signing public key, which makes it the caller identity.
type Tx struct {
	TxID      string          `json:"tx_id"`
	Nonce     string          `json:"nonce"`
	Timestamp time.Time       `json:"timestamp"`
	Actor     string          `json:"actor"`
	Op        Operation       `json:"op"`
	Payload   json.RawMessage `json:"payload"`
	PublicKey string          `json:"public_key"` // base64 raw ed25519 public key
	Signature string          `json:"signature"`  // base64 raw signature
}

type txSignable struct {
	TxID      string          `json:"tx_id"`
	Nonce     string          `json:"nonce"`
	Timestamp time.Time       `json:"timestamp"`
	Actor     string          `json:"actor"`
	Op        Operation       `json:"op"`
	Payload   json.RawMessage `json:"payload"`
	PublicKey string          `json:"public_key"`
}

// CanonicalBytes returns the deterministic signing payload.
func (t Tx) CanonicalBytes() ([]byte, error) {
	signable := txSignable{
		TxID:      strings.TrimSpace(t.TxID),
		Nonce:     strings.TrimSpace(t.Nonce),
		Timestamp: t.Timestamp.UTC(),
		Actor:     strings.TrimSpace(t.Actor),
		Op:        t.Op,
		Payload:   t.Payload,
		PublicKey: strings.TrimSpace(t.PublicKey),
	}
	return json.Marshal(signable)
}

// Digest identifies the signed content of the transaction. Payload
// whitespace does not change it.
func (t Tx) Digest() (string, error) {
	if len(t.Payload) > 0 {
		var compact bytes.Buffer
		if err := json.Compact(&compact, t.Payload); err != nil {
			return "", fmt.Errorf("invalid payload: %w", err)
		}
		t.Payload = compact.Bytes()
	}
	payload, err := t.CanonicalBytes()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

// ValidateBasic checks required immutable tx fields.
func (t Tx) ValidateBasic() error {
	if strings.TrimSpace(t.TxID) == "" {
		return errors.New("tx_id is required")
	}
	if strings.TrimSpace(t.Nonce) == "" {
		return errors.New("nonce is required")
	}
	if strings.TrimSpace(t.Actor) == "" {
		return errors.New("actor is required")
	}
	if t.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}
	if _, ok := validOps[t.Op]; !ok {
		return fmt.Errorf("unsupported op: %s", t.Op)
	}
	if len(t.Payload) == 0 {
		return errors.New("payload is required")
	}
	if strings.TrimSpace(t.PublicKey) == "" {
		return errors.New("public_key is required")
	}
	if strings.TrimSpace(t.Signature) == "" {
		return errors.New("signature is required")
	}
	return nil
}

// ActorFor returns the actor identity of a public key.
func ActorFor(pub ed25519.PublicKey) string {
	return hex.EncodeToString(pub)
}

// Sign sets actor, public key and signature for the given private key.
func (t *Tx) Sign(privateKey ed25519.PrivateKey) error {
	if len(privateKey) != ed25519.PrivateKeySize {
		return errors.New("invalid private key")
	}
	pub := privateKey.Public().(ed25519.PublicKey)
	t.Actor = ActorFor(pub)
	t.PublicKey = base64.StdEncoding.EncodeToString(pub)
	payload, err := t.CanonicalBytes()
	if err != nil {
		return err
	}
	sig := ed25519.Sign(privateKey, payload)
	t.Signature = base64.StdEncoding.EncodeToString(sig)
	return nil
}

// Verify validates the signature and that the actor owns the signing key.
func (t Tx) Verify() error {
	if err := t.ValidateBasic(); err != nil {
		return err
	}
	pubRaw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(t.PublicKey))
	if err != nil {
		return fmt.Errorf("invalid public_key: %w", err)
	}
	if len(pubRaw) != ed25519.PublicKeySize {
		return errors.New("invalid public_key size")
	}
	if !strings.EqualFold(strings.TrimSpace(t.Actor), ActorFor(pubRaw)) {
		return errors.New("actor does not match public_key")
	}
	sigRaw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(t.Signature))
	if err != nil {
		return fmt.Errorf("invalid signature: %w", err)
	}
	if len(sigRaw) != ed25519.SignatureSize {
		return errors.New("invalid signature size")
	}
	payload, err := t.CanonicalBytes()
	if err != nil {
		return err
	}
	if !ed25519.Verify(ed25519.PublicKey(pubRaw), payload, sigRaw) {
		return errors.New("signature verification failed")
	}
	return nil
}

// DecodePayload decodes operation payloads.
func DecodePayload[T any](raw json.RawMessage) (T, error) {
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}

// ParseAmount parses a base-10 token amount.
func ParseAmount(raw string) (*uint256.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("amount is required")
	}
	v, err := uint256.FromDecimal(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", raw, err)
	}
	return v, nil
}

// BookPayload is used by BOOK and BOOK_VERIFIED. Payment is the value the
// patient attaches, as a base-10 string.
type BookPayload struct {
	Doctor        string `json:"doctor"`
	ScheduledTime uint64 `json:"scheduled_time"`
	Payment       string `json:"payment"`
}

// ConsultationPayload addresses one consultation. It is the payload of START,
// RELEASE, DISPUTE, REFUND, CANCEL and REPORT_NO_SHOW.
type ConsultationPayload struct {
	ConsultationID uint64 `json:"consultation_id"`
}

type CompletePayload struct {
	ConsultationID uint64 `json:"consultation_id"`
	NotesReference string `json:"notes_reference,omitempty"`
}

type SetFeePayload struct {
	FeePercent int `json:"fee_percent"`
}

type DepositPayload struct {
	Account string `json:"account"`
	Amount  string `json:"amount"`
}
