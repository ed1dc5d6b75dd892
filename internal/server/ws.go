package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ziadkadry99/devtrail/internal/apperr"
	"github.com/ziadkadry99/devtrail/internal/bus"
	"github.com/ziadkadry99/devtrail/internal/store"
)

// writeWait bounds a single frame write.
const writeWait = 10 * time.Second

// clientMessage is what a WebSocket client may send.
type clientMessage struct {
	Type   string   `json:"type"` // "subscribe" or "ping"
	Topics []string `json:"topics,omitempty"`
}

// frame is what the server sends. Change frames carry topic, kind, id and
// seq; error frames carry an error kind and message.
type frame struct {
	Type    string   `json:"type"`
	Topic   string   `json:"topic,omitempty"`
	Kind    string   `json:"kind,omitempty"`
	ID      string   `json:"id,omitempty"`
	Seq     int64    `json:"seq,omitempty"`
	Op      string   `json:"op,omitempty"`
	Topics  []string `json:"topics,omitempty"`
	Message string   `json:"message,omitempty"`
}

func changeFrame(m bus.Message) frame {
	return frame{Type: "change", Topic: m.Topic, Kind: string(m.Kind), ID: m.ID, Seq: m.Seq, Op: string(m.Op)}
}

func errorFrame(err error) frame {
	kind := apperr.KindOf(err)
	return frame{Type: "error", Kind: string(kind), Message: apperr.Message(err)}
}

var validTopics = map[string]bool{
	bus.TopicAll:                   true,
	string(store.KindActivity):     true,
	string(store.KindPrompt):       true,
	string(store.KindFileChange):   true,
	string(store.KindTerminal):     true,
	string(store.KindContext):      true,
	string(store.KindContextDelta): true,
	string(store.KindDAG):          true,
	string(store.KindMotif):        true,
	string(store.KindDeadLetter):   true,
}

// parseTopics validates a topic list. An empty list means every topic.
func parseTopics(topics []string) ([]string, error) {
	out := make([]string, 0, len(topics))
	for _, t := range topics {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if !validTopics[t] {
			return nil, apperr.Validationf("unknown topic %q", t)
		}
		out = append(out, t)
	}
	return out, nil
}

func splitTopics(v string) []string {
	if v == "" {
		return nil
	}
	return strings.Split(v, ",")
}

// handleWS runs one live session. The handler goroutine is the only writer;
// a reader goroutine forwards client messages and the idle timeout to it.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	topics, err := parseTopics(splitTopics(r.URL.Query().Get("topics")))
	if err != nil {
		fail(w, err)
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.bus.Subscribe(topics...)
	defer sub.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	replies := make(chan frame, 16)
	readErr := make(chan error, 1)
	go s.readWS(ctx, conn, sub, replies, readErr)

	heartbeat := time.NewTicker(s.cfg.Heartbeat)
	defer heartbeat.Stop()

	write := func(f frame) bool {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(f); err != nil {
			s.logger.Debug("websocket write failed", "error", err)
			return false
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			closeWS(conn, websocket.CloseGoingAway, "server shutting down")
			return
		case <-sub.Done():
			return
		case err := <-readErr:
			if isTimeout(err) {
				write(errorFrame(apperr.New(apperr.KindTimeout, "server.ws", "no client traffic")))
				closeWS(conn, websocket.CloseNormalClosure, "idle")
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read failed", "error", err)
			}
			return
		case f := <-replies:
			if !write(f) {
				return
			}
		case <-heartbeat.C:
			if !write(frame{Type: "heartbeat", Seq: s.query.Store().CurrentSeq()}) {
				return
			}
		case <-sub.Ready():
			for _, m := range sub.Drain() {
				if !write(changeFrame(m)) {
					return
				}
			}
		}
	}
}

// readWS reads client messages until the connection fails or stays silent
// for the idle timeout.
func (s *Server) readWS(ctx context.Context, conn *websocket.Conn, sub *bus.Subscription, replies chan<- frame, readErr chan<- error) {
	conn.SetReadLimit(64 << 10)
	for {
		conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErr <- err
			return
		}

		var reply frame
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			reply = errorFrame(apperr.Validationf("invalid message: %v", err))
		} else {
			switch msg.Type {
			case "ping":
				reply = frame{Type: "pong", Seq: s.query.Store().CurrentSeq()}
			case "subscribe":
				topics, err := parseTopics(msg.Topics)
				if err != nil {
					reply = errorFrame(err)
					break
				}
				sub.SetTopics(topics)
				if len(topics) == 0 {
					topics = []string{bus.TopicAll}
				}
				reply = frame{Type: "subscribed", Topics: topics}
			default:
				reply = errorFrame(apperr.Validationf("unknown message type %q", msg.Type))
			}
		}

		select {
		case replies <- reply:
		case <-ctx.Done():
			return
		}
	}
}

func closeWS(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
