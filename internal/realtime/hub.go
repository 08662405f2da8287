// Package realtime pushes flow events to physician dashboards over websockets.
// Clients subscribe to topics and receive every event published on them.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/lobikohealth/LobikoPipe/internal/flow"
)

const (
	// TopicSessions receives every event.
	TopicSessions = "sessions"
	// DefaultSendBuffer is the per-client outbound queue length.
	DefaultSendBuffer = 256
)

// SessionTopic is the topic of one consultation session.
func SessionTopic(sessionID int64) string {
	return fmt.Sprintf("session/%d", sessionID)
}

// Message is what clients receive: the event and the topic it matched.
type Message struct {
	Topic string `json:"topic"`
	flow.Event
}

// ClientMessage is an inbound subscription request from a client.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// Client is one websocket connection.
type Client struct {
	ID     string
	Topics []string
	Send   chan []byte
}

// Compile-time check that Hub implements flow.EventSink.
var _ flow.EventSink = (*Hub)(nil)

// Hub tracks clients and their topic subscriptions.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // topic -> set of clients
	all     map[*Client]struct{}
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
	}
}

// Register adds a client with its initial topics.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	for _, topic := range client.Topics {
		h.add(topic, client)
	}
	slog.Debug("Hub.Register", "client", client.ID, "topics", client.Topics)
}

// Unregister removes a client and closes its Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for _, topic := range client.Topics {
		h.remove(topic, client)
	}
	delete(h.all, client)
	close(client.Send)
	slog.Debug("Hub.Unregister", "client", client.ID)
}

// Subscribe adds topics to a registered client.
func (h *Hub) Subscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, topic := range topics {
		if _, ok := h.clients[topic][client]; ok {
			continue
		}
		h.add(topic, client)
		client.Topics = append(client.Topics, topic)
	}
}

// Unsubscribe removes topics from a registered client.
func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	drop := make(map[string]struct{}, len(topics))
	for _, topic := range topics {
		drop[topic] = struct{}{}
		h.remove(topic, client)
	}
	remaining := client.Topics[:0]
	for _, topic := range client.Topics {
		if _, ok := drop[topic]; !ok {
			remaining = append(remaining, topic)
		}
	}
	client.Topics = remaining
}

// ProcessMessage applies a subscribe or unsubscribe request.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		h.Subscribe(client, msg.Topics)
	case "unsubscribe":
		h.Unsubscribe(client, msg.Topics)
	default:
		slog.Debug("Hub.ProcessMessage: unknown action", "client", client.ID, "action", msg.Action)
	}
}

// Publish sends evt to subscribers of TopicSessions and, for session events,
// of the session's topic. A client on both topics receives it once.
func (h *Hub) Publish(_ context.Context, evt flow.Event) {
	topics := []string{TopicSessions}
	if evt.SessionID != 0 {
		topics = append(topics, SessionTopic(evt.SessionID))
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[*Client]struct{})
	for _, topic := range topics {
		subscribers := h.clients[topic]
		if len(subscribers) == 0 {
			continue
		}
		data, err := json.Marshal(Message{Topic: topic, Event: evt})
		if err != nil {
			slog.Error("Hub.Publish: marshal failed", "error", err, "type", evt.Type)
			return
		}
		for client := range subscribers {
			if _, dup := seen[client]; dup {
				continue
			}
			seen[client] = struct{}{}
			select {
			case client.Send <- data:
			default:
				slog.Warn("Hub.Publish: client buffer full, dropping event", "client", client.ID, "type", evt.Type)
			}
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// TopicCount returns the number of clients subscribed to topic.
func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

func (h *Hub) add(topic string, client *Client) {
	if h.clients[topic] == nil {
		h.clients[topic] = make(map[*Client]struct{})
	}
	h.clients[topic][client] = struct{}{}
}

func (h *Hub) remove(topic string, client *Client) {
	if subscribers, ok := h.clients[topic]; ok {
		delete(subscribers, client)
		if len(subscribers) == 0 {
			delete(h.clients, topic)
		}
	}
}
