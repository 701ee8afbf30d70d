package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
)

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) {
	jsonData, _ := json.Marshal(data)
	_, _ = io.WriteString(w, "event: "+eventType+"\n")
	_, _ = io.WriteString(w, "data: ")
	_, _ = io.Copy(w, bytes.NewReader(jsonData))
	_, _ = io.WriteString(w, "\n\n")
	flusher.Flush()
}

// streamSSE sends the current state as an immediate "status" event, then
// streams snapshots from updates until terminal reports true, the channel
// closes, or the client disconnects.
func streamSSE[T any](w http.ResponseWriter, r *http.Request, initial T, updates <-chan T, terminal func(T) bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sendSSEEvent(w, flusher, "status", initial)
	if terminal(initial) {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case snapshot, ok := <-updates:
			if !ok {
				return
			}
			sendSSEEvent(w, flusher, "status", snapshot)
			if terminal(snapshot) {
				return
			}
		}
	}
}
