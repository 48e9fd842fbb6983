package api

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/richinex/conductor/orchestration"
)

// doneFrame terminates every run stream.
const doneFrame = "data: [DONE]\n\n"

// streamEvents writes events as SSE frames until the channel closes. The
// run observes the request context, so a client that goes away cancels the
// run and the channel still drains.
func streamEvents(w http.ResponseWriter, events <-chan orchestration.Event, logger *slog.Logger) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}
	flush()

	broken := false
	for ev := range events {
		if broken {
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", marshalEvent(ev)); err != nil {
			logger.Debug("sse client gone", "error", err)
			broken = true
			continue
		}
		flush()
	}
	if !broken {
		fmt.Fprint(w, doneFrame)
		flush()
	}
}
