package ws

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"feedcrawler/internal/logbus"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

type Handler struct {
	bus          *logbus.Bus
	allowOrigins []string
	upgrader     websocket.Upgrader
}

func NewHandler(bus *logbus.Bus, allowOrigins []string) *Handler {
	h := &Handler{
		bus:          bus,
		allowOrigins: allowOrigins,
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin: h.checkOrigin,
	}
	return h
}

// ServeHTTP streams bus messages to the client. An optional ?types=log,event
// query narrows the stream to those message types.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	want := parseTypes(r.URL.Query().Get("types"))

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	for _, msg := range h.bus.Snapshot() {
		if !accept(want, msg.Type) {
			continue
		}
		if err := conn.WriteJSON(msg); err != nil {
			return
		}
	}

	ch, cancel := h.bus.Subscribe(256)
	defer cancel()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if !accept(want, msg.Type) {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}
}

func parseTypes(raw string) map[string]bool {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	out := make(map[string]bool)
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out[t] = true
		}
	}
	return out
}

func accept(want map[string]bool, typ string) bool {
	return len(want) == 0 || want[typ]
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(h.allowOrigins) == 0 {
		return false
	}
	for _, o := range h.allowOrigins {
		if o == "*" {
			return true
		}
		if strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}
