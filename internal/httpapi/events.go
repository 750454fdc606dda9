package httpapi

import (
	"net/http"

	"github.com/goccy/go-json"

	"runnerd/pkg/types"
)

// EventEnvelope is one NDJSON line on the multiplexed event stream. Stream
// distinguishes model-operation events from generation events; consumers
// correlate by the id inside the payload.
type EventEnvelope struct {
	Stream     string                 `json:"stream"` // "model" | "generation"
	Model      *types.ModelEvent      `json:"model,omitempty"`
	Generation *types.GenerationEvent `json:"generation,omitempty"`
}

// handleEvents streams every progress and generation event to the caller as
// NDJSON. At most one consumer is served at a time: a newer connection
// takes over the sink (last attach wins) and the older one stops receiving.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	eventStreamClients.Inc()
	defer eventStreamClients.Dec()

	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()

	// Sinks only feed this channel. The ResponseWriter is touched solely by
	// the handler goroutine below: net/http forbids writes after the
	// handler returns, and emitter sinks outlive any single request.
	out := make(chan EventEnvelope, 64)
	send := func(env EventEnvelope) {
		select {
		case out <- env:
		case <-ctx.Done():
		}
	}

	mtok := s.mgr.Events().Attach(func(ev types.ModelEvent) {
		e := ev
		send(EventEnvelope{Stream: "model", Model: &e})
	})
	gtok := s.conv.Events().Attach(func(ev types.GenerationEvent) {
		e := ev
		send(EventEnvelope{Stream: "generation", Generation: &e})
	})
	defer func() {
		// Stale tokens are no-ops, so a newer consumer's sinks survive.
		s.mgr.Events().Detach(mtok)
		s.conv.Events().Detach(gtok)
		s.log.Debug().Msg("event stream consumer disconnected")
	}()

	enc := json.NewEncoder(w)
	for {
		select {
		case env := <-out:
			if err := enc.Encode(env); err != nil {
				return
			}
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}
