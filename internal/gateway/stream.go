package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/basket/pulse/internal/bus"
)

// sseKeepalive is how often an idle stream gets a comment line so proxies
// don't reap it.
var sseKeepalive = 15 * time.Second

// handleEvents implements GET /events?topic=agent. as a server-sent event
// stream of bus traffic. Without a topic every event is forwarded. Each frame
// carries the bus sequence as its id; when the client falls behind, a
// stream.dropped frame reports how many events it missed.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	topic := strings.TrimSpace(r.URL.Query().Get("topic"))
	sub := s.cfg.Bus.Subscribe(topic)
	defer s.cfg.Bus.Unsubscribe(sub)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, ": subscribed topic=%q\n\n", topic)
	flusher.Flush()

	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	var reported uint64
	for {
		select {
		case <-r.Context().Done():
			s.logger.Debug("event stream closed", "topic", topic, "dropped", sub.Dropped())
			return
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if d := sub.Dropped(); d > reported {
				if err := writeFrame(w, ev.Seq, bus.TopicStreamDropped, map[string]uint64{"dropped": d - reported}); err != nil {
					return
				}
				reported = d
			}
			if err := writeFrame(w, ev.Seq, ev.Topic, ev.Payload); err != nil {
				s.logger.Debug("event stream write failed", "topic", ev.Topic, "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

func writeFrame(w http.ResponseWriter, seq uint64, topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		data, _ = json.Marshal(map[string]string{"error": err.Error()})
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", seq, topic, data)
	return err
}
