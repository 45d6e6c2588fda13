package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/waveportal/service/metrics"
)

// handleStreamState streams state snapshots as Server-Sent Events. Each
// change produces an "event: state" frame carrying the full snapshot.
// GET /api/v1/stream
func handleStreamState(p Portal, m *metrics.Metrics, keepaliveEvery time.Duration, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		flusher.Flush()

		m.RecordSSEConnectionChange(1)
		defer m.RecordSSEConnectionChange(-1)

		logger.DebugContext(r.Context(), "SSE client connected", "remote_addr", r.RemoteAddr)

		states := p.Watch(r.Context())

		keepalive := time.NewTicker(keepaliveEvery)
		defer keepalive.Stop()

		for {
			select {
			case <-keepalive.C:
				// Send keepalive comment to prevent timeout
				fmt.Fprintf(w, ": keepalive\n\n")
				flusher.Flush()

			case st, open := <-states:
				if !open {
					// Portal closed
					return
				}
				data, err := stateJSON(st)
				if err != nil {
					logger.WarnContext(r.Context(), "failed to marshal state", "error", err)
					continue
				}
				fmt.Fprintf(w, "event: state\ndata: %s\n\n", data)
				flusher.Flush()
				m.RecordSSEEventSent("state")

			case <-r.Context().Done():
				logger.DebugContext(r.Context(), "SSE client disconnected", "remote_addr", r.RemoteAddr)
				return
			}
		}
	})
}
