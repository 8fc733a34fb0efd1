package escrow

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/consult-escrow/consult-escrow/internal/domain/consultation"
	"github.com/consult-escrow/consult-escrow/internal/infrastructure/metrics"
)

// Fanout delivers every event to each notifier in order.
type Fanout []consultation.Notifier

func (f Fanout) Notify(ctx context.Context, event consultation.Event) {
	for _, n := range f {
		if n != nil {
			n.Notify(ctx, event)
		}
	}
}

// LogNotifier writes events to the structured log and counts them.
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, event consultation.Event) {
	metrics.Escrow().RecordEvent(string(event.Type))
	entry := n.logger.Info().
		Str("event_id", event.EventID.String()).
		Str("type", string(event.Type)).
		Str("tx_id", event.TxID).
		Str("actor", string(event.Actor)).
		Uint64("at", event.At)
	if event.ConsultationID != 0 {
		entry = entry.Uint64("consultation_id", event.ConsultationID).
			Str("patient", string(event.Patient)).
			Str("doctor", string(event.Doctor))
	}
	if event.Amount != nil {
		entry = entry.Str("amount", event.Amount.Dec())
	}
	entry.Msg("escrow event")
}
