package httpapi

import (
	"fmt"
	"net/http"
)

// eventsHandler streams state-change notifications as server-sent events.
// One event is pushed per notification; payloads carry no state, clients
// re-fetch the snapshots they care about.
func eventsHandler(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
			return
		}
		ctx, cancel := joinContexts(serverBaseCtx, r.Context())
		defer cancel()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		ch := svc.Watch(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, open := <-ch:
				if !open {
					return
				}
				fmt.Fprintf(w, "data: %s\n\n", msg)
				flusher.Flush()
			}
		}
	}
}
