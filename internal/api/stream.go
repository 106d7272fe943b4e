package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

const defaultKeepalive = 10 * time.Second

// StreamConversation streams a conversation as server-sent events: one
// snapshot on connect, then the full entry list after every change.
func (h *Handler) StreamConversation(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Buffered by one so bursts of changes collapse into a single send.
	changed := make(chan struct{}, 1)
	unwatch := h.conversations.Watch(func(k string) {
		if k != key {
			return
		}
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer unwatch()

	var eventID int64
	send := func(event string) error {
		data, err := json.Marshal(h.conversations.Entries(key))
		if err != nil {
			return fmt.Errorf("encode entries: %w", err)
		}
		eventID++
		if err := writeSSEWithID(w, eventID, event, string(data)); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := send("snapshot"); err != nil {
		h.logger.Warn("Failed to write conversation snapshot", "conversation", key, "error", err)
		return
	}
	h.logger.Info("Conversation stream opened", "conversation", key)

	keepalive := time.NewTicker(h.keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			h.logger.Info("Conversation stream closed", "conversation", key)
			return
		case <-changed:
			if err := send("entries"); err != nil {
				h.logger.Warn("Failed to write conversation update", "conversation", key, "error", err)
				return
			}
		case <-keepalive.C:
			if err := writeSSE(w, "ping", `{"status":"alive"}`); err != nil {
				h.logger.Warn("Failed to write keepalive ping", "conversation", key, "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, id int64, event, data string) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
