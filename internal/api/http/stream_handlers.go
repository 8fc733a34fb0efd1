package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/consult-escrow/consult-escrow/internal/infrastructure/sse"
)

// eventStream serves committed escrow events as server-sent events. The
// optional filter parameter is an expression over event attributes.
func (s *Server) eventStream(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "event stream disabled", nil)
		return
	}
	clientID := strings.TrimSpace(r.URL.Query().Get("client_id"))
	if clientID == "" {
		clientID = uuid.NewString()
	}
	filter, err := sse.ParseFilter(r.URL.Query().Get("filter"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error(), nil)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "streaming not supported", nil)
		return
	}

	client := sse.NewClient(clientID, filter)
	s.hub.Register(client)
	defer s.hub.Unregister(client)
	s.logger.Debug().Str("client_id", clientID).Str("filter", filter.String()).Msg("sse client connected")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Client-ID", clientID)
	w.WriteHeader(http.StatusOK)
	// Send an initial comment to flush headers and keep the connection alive.
	_, _ = w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case msg, open := <-client.MessageChan:
			if !open || msg == nil {
				return
			}
			payload, _ := json.Marshal(msg)
			_, _ = w.Write([]byte("id: " + msg.ID + "\n"))
			_, _ = w.Write([]byte("event: " + msg.Event + "\n"))
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}
