package sse

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Knetic/govaluate"
	"github.com/google/uuid"

	"github.com/consult-escrow/consult-escrow/internal/domain/consultation"
)

var (
	ErrClientNotFound = errors.New("SSE client not found")
	ErrChannelFull    = errors.New("SSE message channel full")
	ErrInvalidFilter  = errors.New("invalid event filter")
)

// Filter selects which escrow events a client receives. It is a govaluate
// expression over the event attributes, e.g.
// `doctor == "ab12..." && type != "consultation.booked"`.
type Filter struct {
	source string
	expr   *govaluate.EvaluableExpression
}

// ParseFilter compiles expression. An empty expression matches every event.
func ParseFilter(expression string) (*Filter, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return &Filter{}, nil
	}
	expr, err := govaluate.NewEvaluableExpression(expression)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFilter, err)
	}
	return &Filter{source: expression, expr: expr}, nil
}

func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.source
}

// Match reports whether event passes the filter. Expressions that fail to
// evaluate or do not yield a boolean never match.
func (f *Filter) Match(event consultation.Event) bool {
	if f == nil || f.expr == nil {
		return true
	}
	result, err := f.expr.Evaluate(event.Attributes())
	if err != nil {
		return false
	}
	ok, isBool := result.(bool)
	return isBool && ok
}

// Client represents an active SSE connection.
type Client struct {
	ClientID    string
	Filter      *Filter
	ConnectedAt time.Time
	MessageChan chan *Message
}

// NewClient creates a new SSE client.
func NewClient(clientID string, filter *Filter) *Client {
	return &Client{
		ClientID:    clientID,
		Filter:      filter,
		ConnectedAt: time.Now().UTC(),
		MessageChan: make(chan *Message, 100),
	}
}

// Close closes the client's message channel.
func (c *Client) Close() {
	close(c.MessageChan)
}

// Message is one frame written to an SSE stream.
type Message struct {
	ID        string          `json:"id"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage wraps an escrow event. The frame id is the event id so clients
// can deduplicate across replicas.
func NewMessage(event consultation.Event) (*Message, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	id := event.EventID
	if id == uuid.Nil {
		id = uuid.New()
	}
	return &Message{
		ID:        id.String(),
		Event:     string(event.Type),
		Data:      data,
		Timestamp: time.Now().UTC(),
	}, nil
}
