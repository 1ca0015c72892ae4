package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"feedcrawler/internal/logbus"
)

func TestHandlerFiltersTypes(t *testing.T) {
	bus := logbus.New(10)
	bus.Log("info", "hello", nil)
	bus.Publish(logbus.TypeEvent, map[string]any{"kind": "high-risk"})

	srv := httptest.NewServer(NewHandler(bus, nil))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?types=event"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg logbus.Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != logbus.TypeEvent {
		t.Fatalf("expected event message, got %q", msg.Type)
	}

	bus.Log("info", "filtered", nil)
	bus.Publish(logbus.TypeTaskState, map[string]any{"id": "t1"})
	bus.Publish(logbus.TypeEvent, map[string]any{"kind": "new-content"})
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read live: %v", err)
	}
	if msg.Type != logbus.TypeEvent {
		t.Fatalf("expected live event message, got %q", msg.Type)
	}
}

func TestCheckOrigin(t *testing.T) {
	h := NewHandler(logbus.New(1), []string{"http://localhost:5173"})
	cases := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://localhost:5173", true},
		{"HTTP://LOCALHOST:5173", true},
		{"http://evil.example", false},
	}
	for _, c := range cases {
		r, _ := http.NewRequest(http.MethodGet, "/ws", nil)
		if c.origin != "" {
			r.Header.Set("Origin", c.origin)
		}
		if got := h.checkOrigin(r); got != c.want {
			t.Errorf("origin %q: got %v want %v", c.origin, got, c.want)
		}
	}
}

func TestParseTypes(t *testing.T) {
	if parseTypes("  ") != nil {
		t.Fatalf("blank filter should accept everything")
	}
	got := parseTypes("log, event,,")
	if len(got) != 2 || !got["log"] || !got["event"] {
		t.Fatalf("unexpected filter %v", got)
	}
	if !accept(nil, "anything") || accept(got, "plan") {
		t.Fatalf("accept mismatch")
	}
}
