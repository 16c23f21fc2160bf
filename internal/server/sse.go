package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dandi-tools/nwbflow/internal/event"
)

// SSEHeartbeatInterval keeps idle proxies from closing the /events
// connection.
const SSEHeartbeatInterval = 30 * time.Second

// wireEvent is the JSON shape written on the stream, matching the
// event-stream contract: kind, timestamp, payload.
type wireEvent struct {
	Kind      event.Kind `json:"kind"`
	Timestamp time.Time  `json:"timestamp"`
	Payload   any        `json:"payload"`
}

type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("server: streaming not supported by this ResponseWriter")
	}
	return &sseWriter{w: w, flusher: flusher, rc: http.NewResponseController(w)}, nil
}

func (s *sseWriter) writeEvent(ev event.Event) error {
	data, err := json.Marshal(wireEvent{Kind: ev.Kind, Timestamp: ev.Time, Payload: ev.Payload})
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Kind, data); err != nil {
		return err
	}
	if err := s.rc.Flush(); err != nil {
		s.flusher.Flush()
	}
	return nil
}

func (s *sseWriter) writeHeartbeat() {
	fmt.Fprint(s.w, ": heartbeat\n\n")
	s.flusher.Flush()
}

// handleEvents streams every published event as SSE. An optional
// ?kinds=a,b,c query parameter restricts the stream to those kinds,
// mirroring the {kinds:[...]} subscribe filter; events dropped by a slow
// subscriber surface as a KindLagged event the client can act on.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
	sse.flusher.Flush()

	filter := parseKindsFilter(r.URL.Query().Get("kinds"))

	events, cancel := s.events.Subscribe()
	defer cancel()

	ticker := time.NewTicker(SSEHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !filter(ev.Kind) {
				continue
			}
			if err := sse.writeEvent(ev); err != nil {
				return
			}
		case <-ticker.C:
			sse.writeHeartbeat()
		}
	}
}

func parseKindsFilter(raw string) func(event.Kind) bool {
	if raw == "" {
		return func(event.Kind) bool { return true }
	}
	allowed := make(map[event.Kind]bool)
	for _, k := range strings.Split(raw, ",") {
		k = strings.TrimSpace(k)
		if k != "" {
			allowed[event.Kind(k)] = true
		}
	}
	return func(k event.Kind) bool {
		// KindLagged always passes through regardless of filter: a client
		// that filtered it out of its subscription still needs to know it
		// missed events of the kinds it did ask for.
		return k == event.KindLagged || allowed[k]
	}
}
