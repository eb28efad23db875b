package relay

import (
	"fmt"
	"net/http"
	"strings"
)

// SSEHandler returns an http.HandlerFunc that streams lifecycle events as
// SSE. Clients may filter events via ?events=name1,name2 query parameter;
// element events can be matched as a group with "element::*".
func SSEHandler(broker *Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		// Parse optional event filter.
		var filter map[string]bool
		if q := r.URL.Query().Get("events"); q != "" {
			filter = make(map[string]bool)
			for _, f := range strings.Split(q, ",") {
				if f = strings.TrimSpace(f); f != "" {
					filter[f] = true
				}
			}
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		flusher.Flush()

		id, ch := broker.Subscribe()
		defer broker.Unsubscribe(id)

		for {
			select {
			case <-r.Context().Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				if filter != nil && !matches(filter, evt.Name) {
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Name, evt.Payload)
				flusher.Flush()
			}
		}
	}
}

func matches(filter map[string]bool, name string) bool {
	if filter[name] {
		return true
	}
	return strings.HasPrefix(name, "element::") && filter["element::*"]
}
