package consultation

import (
	"math/big"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// EventType names a successful ledger change.
type EventType string

const (
	EventBooked     EventType = "consultation.booked"
	EventStarted    EventType = "consultation.started"
	EventCompleted  EventType = "consultation.completed"
	EventDisputed   EventType = "consultation.disputed"
	EventRefunded   EventType = "consultation.refunded"
	EventReleased   EventType = "consultation.released"
	EventCancelled  EventType = "consultation.cancelled"
	EventNoShow     EventType = "consultation.no_show"
	EventFeeUpdated EventType = "escrow.fee_updated"
	EventDeposited  EventType = "escrow.deposited"
)

// eventNamespace scopes event ids derived from transaction ids.
var eventNamespace = uuid.MustParse("0f3c8f52-7a61-4d4e-9a43-5d0e2b7c9e11")

// Event is the structured record emitted once per committed change.
type Event struct {
	EventID        uuid.UUID    `json:"eventId"`
	Type           EventType    `json:"type"`
	TxID           string       `json:"txId"`
	ConsultationID uint64       `json:"consultationId,omitempty"`
	Actor          Account      `json:"actor"`
	Patient        Account      `json:"patient,omitempty"`
	Doctor         Account      `json:"doctor,omitempty"`
	Amount         *uint256.Int `json:"amount,omitempty"`
	Status         Status       `json:"status,omitempty"`
	Transfers      []Transfer   `json:"transfers,omitempty"`
	FeePercent     *uint8       `json:"feePercent,omitempty"`
	At             uint64       `json:"at"`
}

// NewEvent builds an event whose id is derived from the transaction, so every
// replica applying the same transaction emits the same id.
func NewEvent(eventType EventType, txID string, actor Account, at uint64) Event {
	return Event{
		EventID: uuid.NewSHA1(eventNamespace, []byte(txID+"/"+string(eventType))),
		Type:    eventType,
		TxID:    txID,
		Actor:   actor,
		At:      at,
	}
}

// WithConsultation copies the identifying fields of c into the event.
func (e Event) WithConsultation(c *Consultation) Event {
	e.ConsultationID = c.ID
	e.Patient = c.Patient
	e.Doctor = c.Doctor
	e.Status = c.Status
	if c.Amount != nil {
		e.Amount = c.Amount.Clone()
	}
	return e
}

// Clone returns a copy that shares no amounts or transfers with e.
func (e Event) Clone() Event {
	if e.Amount != nil {
		e.Amount = e.Amount.Clone()
	}
	if e.Transfers != nil {
		transfers := make([]Transfer, len(e.Transfers))
		for i, t := range e.Transfers {
			if t.Amount != nil {
				t.Amount = t.Amount.Clone()
			}
			transfers[i] = t
		}
		e.Transfers = transfers
	}
	if e.FeePercent != nil {
		v := *e.FeePercent
		e.FeePercent = &v
	}
	return e
}

// Attributes flattens the event for expression evaluation. Amounts are
// exposed as numbers; values beyond float64 precision are approximate.
func (e Event) Attributes() map[string]interface{} {
	out := map[string]interface{}{
		"type":           string(e.Type),
		"txId":           e.TxID,
		"consultationId": float64(e.ConsultationID),
		"actor":          string(e.Actor),
		"patient":        string(e.Patient),
		"doctor":         string(e.Doctor),
		"status":         string(e.Status),
		"at":             float64(e.At),
		"amount":         amountFloat(e.Amount),
		"transfers":      float64(len(e.Transfers)),
	}
	if e.FeePercent != nil {
		out["feePercent"] = float64(*e.FeePercent)
	}
	return out
}

func amountFloat(v *uint256.Int) float64 {
	if v == nil {
		return 0
	}
	if v.IsUint64() {
		return float64(v.Uint64())
	}
	f, _ := new(big.Float).SetInt(v.ToBig()).Float64()
	return f
}

// Receipt records the outcome of one applied transaction.
type Receipt struct {
	TxID           string  `json:"txId"`
	Op             string  `json:"op"`
	Actor          Account `json:"actor"`
	ConsultationID uint64  `json:"consultationId,omitempty"`
	Status         Status  `json:"status,omitempty"`
	Events         []Event `json:"events,omitempty"`
	At             uint64  `json:"at"`
	// Digest is the content hash of the applied transaction. Only an
	// identical resubmission replays the receipt.
	Digest string `json:"digest,omitempty"`
	// Replayed is set when the transaction had already been applied and the
	// stored receipt is returned instead.
	Replayed bool `json:"replayed,omitempty"`
}

func (r *Receipt) Clone() *Receipt {
	if r == nil {
		return nil
	}
	out := *r
	if r.Events != nil {
		out.Events = make([]Event, len(r.Events))
		for i, ev := range r.Events {
			out.Events[i] = ev.Clone()
		}
	}
	return &out
}
