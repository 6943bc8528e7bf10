package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mtzanidakis/crew/internal/natsbus"
)

const (
	// backlogSize is how many recent events a new watcher is replayed.
	backlogSize = 50
	clientQueue = 64
	writeWait   = 10 * time.Second
	pingPeriod  = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// watcher is one websocket client. types is nil when it wants every event.
type watcher struct {
	conn  *websocket.Conn
	send  chan []byte
	types map[string]bool
}

func (w *watcher) wants(eventType string) bool {
	return w.types == nil || w.types[eventType]
}

// Hub fans crew events out to websocket watchers. A watcher that cannot
// keep up is disconnected rather than slowing the others down.
type Hub struct {
	events chan natsbus.Event

	mu       sync.Mutex
	watchers map[*watcher]struct{}
	backlog  []natsbus.Event
}

func NewHub() *Hub {
	return &Hub{
		events:   make(chan natsbus.Event, 256),
		watchers: make(map[*watcher]struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for w := range h.watchers {
				h.drop(w)
			}
			h.mu.Unlock()
			return
		case ev := <-h.events:
			h.fanOut(ev)
		}
	}
}

func (h *Hub) fanOut(ev natsbus.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("encode event for websocket", "type", ev.Type, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.backlog = append(h.backlog, ev)
	if len(h.backlog) > backlogSize {
		h.backlog = h.backlog[len(h.backlog)-backlogSize:]
	}
	for w := range h.watchers {
		if !w.wants(ev.Type) {
			continue
		}
		select {
		case w.send <- data:
		default:
			slog.Warn("websocket watcher too slow, disconnecting", "remote", w.conn.RemoteAddr())
			h.drop(w)
		}
	}
}

// drop must be called with h.mu held.
func (h *Hub) drop(w *watcher) {
	if _, ok := h.watchers[w]; !ok {
		return
	}
	delete(h.watchers, w)
	close(w.send)
}

// Broadcast queues an event for every interested watcher.
func (h *Hub) Broadcast(ev natsbus.Event) {
	select {
	case h.events <- ev:
	default:
		slog.Warn("websocket event queue full, dropping event", "type", ev.Type)
	}
}

// register adds w and queues the backlog it is interested in.
func (h *Hub) register(w *watcher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ev := range h.backlog {
		if !w.wants(ev.Type) || len(w.send) == cap(w.send) {
			continue
		}
		if data, err := json.Marshal(ev); err == nil {
			w.send <- data
		}
	}
	h.watchers[w] = struct{}{}
}

func (h *Hub) unregister(w *watcher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drop(w)
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.watchers)
}

// parseTypes reads ?types=message,relief into a filter. An empty
// parameter means everything.
func parseTypes(r *http.Request) map[string]bool {
	raw := r.URL.Query().Get("types")
	if raw == "" {
		return nil
	}
	types := make(map[string]bool)
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			types[t] = true
		}
	}
	return types
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	types := parseTypes(r)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	wt := &watcher{conn: conn, send: make(chan []byte, clientQueue), types: types}
	s.hub.register(wt)
	go writeEvents(wt)

	// The stream is one way; reading only notices the client going away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	s.hub.unregister(wt)
	conn.Close()
}

// writeEvents is the only writer on w.conn. It exits once the hub closes
// w.send.
func writeEvents(w *watcher) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		w.conn.Close()
	}()

	for {
		select {
		case data, ok := <-w.send:
			w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = w.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
