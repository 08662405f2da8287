package realtime

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// Handler upgrades HTTP requests to websockets and attaches them to a Hub.
// The optional "topics" query parameter is a comma-separated list of initial
// topics; it defaults to TopicSessions.
type Handler struct {
	hub      *Hub
	upgrader websocket.Upgrader
}

// NewHandler creates a Handler for hub. A nil checkOrigin accepts same-origin
// upgrades only.
func NewHandler(hub *Hub, checkOrigin func(r *http.Request) bool) *Handler {
	return &Handler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
	}
}

// AllowOrigins accepts upgrades without an Origin header, from the serving
// host, or from one of allowed. Entries are full origins
// ("https://dash.lobiko.cd") or bare hosts; "*" accepts any origin.
func AllowOrigins(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		if strings.EqualFold(u.Host, r.Host) {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) || strings.EqualFold(a, u.Host) {
				return true
			}
		}
		slog.Warn("realtime.Handler: origin rejected", "origin", origin)
		return false
	}
}

func (wh *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := wh.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("realtime.Handler: upgrade failed", "error", err)
		return
	}

	client := &Client{
		ID:     uuid.NewString(),
		Topics: initialTopics(r.URL.Query().Get("topics")),
		Send:   make(chan []byte, DefaultSendBuffer),
	}
	wh.hub.Register(client)
	slog.Info("realtime.Handler: client connected", "client", client.ID, "remote", r.RemoteAddr)

	go wh.writePump(client, ws)
	go wh.readPump(client, ws)
}

func initialTopics(raw string) []string {
	var topics []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			topics = append(topics, t)
		}
	}
	if len(topics) == 0 {
		topics = []string{TopicSessions}
	}
	return topics
}

// readPump applies subscription requests until the connection fails.
func (wh *Handler) readPump(client *Client, ws *websocket.Conn) {
	defer func() {
		wh.hub.Unregister(client)
		ws.Close()
		slog.Info("realtime.Handler: client disconnected", "client", client.ID)
	}()

	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("realtime.Handler: read failed", "client", client.ID, "error", err)
			}
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("realtime.Handler: ignoring malformed message", "client", client.ID)
			continue
		}
		wh.hub.ProcessMessage(client, msg)
	}
}

// writePump forwards queued events and keeps the connection alive with pings.
func (wh *Handler) writePump(client *Client, ws *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case data, ok := <-client.Send:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
