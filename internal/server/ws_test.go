package server

import (
	"bufio"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ziadkadry99/devtrail/internal/store"
)

func dialWS(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws" + query
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var f frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read: %v", err)
	}
	return f
}

func TestWebSocketPing(t *testing.T) {
	srv, _ := setupServer(t, Config{})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()
	conn := dialWS(t, ts, "")

	if err := conn.WriteJSON(clientMessage{Type: "ping"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if f := readFrame(t, conn); f.Type != "pong" {
		t.Errorf("expected pong, got %+v", f)
	}
}

func TestWebSocketSubscribeAndPush(t *testing.T) {
	srv, a := setupServer(t, Config{})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()
	conn := dialWS(t, ts, "")

	if err := conn.WriteJSON(clientMessage{Type: "subscribe", Topics: []string{"prompt"}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	f := readFrame(t, conn)
	if f.Type != "subscribed" || len(f.Topics) != 1 || f.Topics[0] != "prompt" {
		t.Fatalf("expected subscribed to prompt, got %+v", f)
	}

	p := seedPrompt(t, a, store.Prompt{Text: "rename the config loader"})

	for {
		f = readFrame(t, conn)
		if f.Type == "heartbeat" {
			continue
		}
		break
	}
	if f.Type != "change" || f.Topic != "prompt" || f.ID != p.ID || f.Seq != p.Seq {
		t.Errorf("expected change frame for %s, got %+v", p.ID, f)
	}
}

func TestWebSocketRejectsBadMessages(t *testing.T) {
	srv, _ := setupServer(t, Config{})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()
	conn := dialWS(t, ts, "")

	tests := []struct {
		name string
		msg  string
	}{
		{"not json", "hello"},
		{"unknown type", `{"type": "shout"}`},
		{"unknown topic", `{"type": "subscribe", "topics": ["weather"]}`},
	}
	for _, tt := range tests {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(tt.msg)); err != nil {
			t.Fatalf("%s: write: %v", tt.name, err)
		}
		f := readFrame(t, conn)
		if f.Type != "error" || f.Kind != "validation" {
			t.Errorf("%s: expected validation error frame, got %+v", tt.name, f)
		}
	}

	// The session survives bad input.
	conn.WriteJSON(clientMessage{Type: "ping"})
	if f := readFrame(t, conn); f.Type != "pong" {
		t.Errorf("expected pong after errors, got %+v", f)
	}
}

func TestWebSocketIdleClose(t *testing.T) {
	srv, _ := setupServer(t, Config{IdleTimeout: 100 * time.Millisecond, Heartbeat: time.Hour})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()
	conn := dialWS(t, ts, "")

	f := readFrame(t, conn)
	if f.Type != "error" || f.Kind != "timeout" {
		t.Fatalf("expected timeout error frame, got %+v", f)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected the connection to close after the idle frame")
	}
}

func TestWebSocketBadTopicParam(t *testing.T) {
	srv, _ := setupServer(t, Config{})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?topics=weather"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 response, got %v", resp)
	}
}

func TestStreamDeliversChanges(t *testing.T) {
	srv, a := setupServer(t, Config{})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/stream?topics=prompt")
	if err != nil {
		t.Fatalf("GET /stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected event stream, got %q", ct)
	}

	lines := make(chan string, 16)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	// Wait for the connect comment so the subscription exists.
	select {
	case l := <-lines:
		if !strings.HasPrefix(l, ": connected") {
			t.Fatalf("expected connect comment, got %q", l)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no connect comment")
	}

	p := seedPrompt(t, a, store.Prompt{Text: "stream me"})

	deadline := time.After(5 * time.Second)
	for {
		select {
		case l, open := <-lines:
			if !open {
				t.Fatal("stream closed early")
			}
			if strings.HasPrefix(l, "data: ") && strings.Contains(l, p.ID) {
				return
			}
		case <-deadline:
			t.Fatal("no change event for the new prompt")
		}
	}
}
