package postgres

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/consult-escrow/consult-escrow/internal/domain/consultation"
)

// EventRepository persists committed escrow events. Event ids are
// deterministic, so replicas writing the same event collapse to one row.
type EventRepository struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

func NewEventRepository(pool *pgxpool.Pool, logger zerolog.Logger) *EventRepository {
	return &EventRepository{pool: pool, logger: logger}
}

func (r *EventRepository) Create(ctx context.Context, event consultation.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	var consultationID *string
	if event.ConsultationID != 0 {
		v := u64(event.ConsultationID)
		consultationID = &v
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO escrow_events (event_id, type, tx_id, consultation_id, actor, body, at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7::numeric)
		ON CONFLICT (event_id) DO NOTHING
	`, event.EventID, string(event.Type), event.TxID, consultationID, string(event.Actor), body, u64(event.At))
	return err
}

// Notify records event. The escrow commit has already happened, so a
// failed insert is logged and dropped.
func (r *EventRepository) Notify(ctx context.Context, event consultation.Event) {
	if err := r.Create(ctx, event); err != nil {
		r.logger.Error().
			Err(err).
			Str("event_id", event.EventID.String()).
			Str("type", string(event.Type)).
			Msg("persist escrow event")
	}
}

// ListByConsultation returns the events of one consultation in order.
func (r *EventRepository) ListByConsultation(ctx context.Context, consultationID uint64, limit, offset int) ([]consultation.Event, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT body FROM escrow_events
		WHERE consultation_id = $1::numeric
		ORDER BY at ASC, recorded_at ASC
		LIMIT $2 OFFSET $3
	`, u64(consultationID), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []consultation.Event{}
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var ev consultation.Event
		if err := json.Unmarshal(body, &ev); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
