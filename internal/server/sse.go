package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// handleStream is the server-sent events variant of /ws for clients that
// only listen. Topics come from the comma separated topics parameter.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	topics, err := parseTopics(splitTopics(r.URL.Query().Get("topics")))
	if err != nil {
		fail(w, err)
		return
	}
	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		fail(w, errNoStream)
		return
	}

	sub := s.bus.Subscribe(topics...)
	defer sub.Close()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, ": connected seq=%d\n\n", s.query.Store().CurrentSeq())
	flusher.Flush()

	heartbeat := time.NewTicker(s.cfg.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sub.Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-sub.Ready():
			for _, m := range sub.Drain() {
				data, err := json.Marshal(changeFrame(m))
				if err != nil {
					s.logger.Warn("encoding stream frame", "error", err)
					continue
				}
				if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", m.Seq, m.Topic, data); err != nil {
					return
				}
			}
			flusher.Flush()
		}
	}
}
