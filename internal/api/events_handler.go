package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/drapik/tg-stream-bot/internal/events"
)

const sseKeepAlive = 15 * time.Second

// handleEvents streams hub events. Last-Event-ID replays what the ring
// still holds after that id; ?type=a,b narrows the stream to those types.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	hub := s.deps.Events
	if hub == nil {
		s.writeError(w, http.StatusServiceUnavailable, "event stream is not available")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	wanted := eventTypes(r.URL.Query().Get("type"))

	// Subscribe before the replay so nothing published in between is
	// lost; the id check below drops the overlap.
	live, cancel := hub.Subscribe()
	defer cancel()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	last := parseLastEventID(r.Header.Get("Last-Event-ID"))
	send := func(ev events.Event) bool {
		if ev.ID <= last {
			return true
		}
		last = ev.ID
		if !wanted.match(ev.Type) {
			return true
		}
		return writeSSE(w, ev) == nil
	}

	for _, ev := range hub.SnapshotSince(last) {
		if !send(ev) {
			return
		}
	}
	flusher.Flush()

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-live:
			if !ok || !send(ev) {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// typeSet is empty when every type is wanted.
type typeSet map[string]struct{}

func eventTypes(raw string) typeSet {
	set := typeSet{}
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			set[t] = struct{}{}
		}
	}
	return set
}

func (s typeSet) match(t string) bool {
	if len(s) == 0 {
		return true
	}
	_, ok := s[t]
	return ok
}

func parseLastEventID(v string) int64 {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// writeSSE frames one event. Payloads are single-line JSON, so one data
// line suffices.
func writeSSE(w http.ResponseWriter, ev events.Event) error {
	var b strings.Builder
	fmt.Fprintf(&b, "id: %d\n", ev.ID)
	if ev.Type != "" {
		fmt.Fprintf(&b, "event: %s\n", ev.Type)
	}
	fmt.Fprintf(&b, "data: %s\n\n", ev.Data)
	_, err := fmt.Fprint(w, b.String())
	return err
}
