// Package websocket fans real-time events out to connected UI clients.
// Clients subscribe to named topics; services broadcast JSON frames through
// the hub without ever blocking on the client registry lock.
package websocket

import (
	"encoding/json"
	"net/http"
	"time"

	"sync"

	"github.com/google/uuid"
	ws "github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// TopicAll is the wildcard subscription: the client receives every targeted
// broadcast regardless of topic.
const TopicAll = "all"

// Server→client frame types.
const (
	FrameConnection   = "connection"
	FrameNotification = "notification"
	FrameJob          = "job"
	FramePong         = "pong"
	FrameSubscription = "subscription"
)

// Client→server frame types.
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FramePing        = "ping"
)

var upgrader = ws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The API layer enforces auth before the upgrade; cross-origin UIs are
	// expected.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub owns the client registry and per-client subscription sets. The
// registry lock is held only to collect broadcast recipients; sends happen
// outside it, and a failed send schedules that client's disconnect.
type Hub struct {
	serverVersion string

	mu      sync.RWMutex
	clients map[string]*Client
}

// NewHub creates an empty hub.
func NewHub(serverVersion string) *Hub {
	return &Hub{
		serverVersion: serverVersion,
		clients:       make(map[string]*Client),
	}
}

// ServeWS upgrades the request, registers the client, and runs its read loop
// until the connection drops.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	client := h.register(conn)
	defer h.Disconnect(client.ID)

	h.readLoop(client)
}

func (h *Hub) register(conn *ws.Conn) *Client {
	client := newClient(uuid.New().String(), conn)

	h.mu.Lock()
	h.clients[client.ID] = client
	total := len(h.clients)
	h.mu.Unlock()

	log.WithFields(log.Fields{
		"client_id":     client.ID,
		"total_clients": total,
	}).Info("🔌 WebSocket client connected")

	welcome := map[string]interface{}{
		"type":           FrameConnection,
		"client_id":      client.ID,
		"server_version": h.serverVersion,
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}
	if err := client.sendJSON(welcome); err != nil {
		log.WithField("client_id", client.ID).WithError(err).Warn("Failed to send welcome frame")
	}
	return client
}

// Disconnect removes the client from the registry and closes its socket.
// Safe to call repeatedly and concurrently with a broadcast in flight.
func (h *Hub) Disconnect(clientID string) {
	h.mu.Lock()
	client, ok := h.clients[clientID]
	delete(h.clients, clientID)
	h.mu.Unlock()

	if !ok {
		return
	}
	client.conn.Close()
	log.WithField("client_id", clientID).Info("🔌 WebSocket client disconnected")
}

// Subscribe adds topics to a client's subscription set.
func (h *Hub) Subscribe(clientID string, topics []string) bool {
	h.mu.RLock()
	client, ok := h.clients[clientID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	client.Subscribe(topics)
	return true
}

// Unsubscribe removes topics from a client's subscription set.
func (h *Hub) Unsubscribe(clientID string, topics []string) bool {
	h.mu.RLock()
	client, ok := h.clients[clientID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	client.Unsubscribe(topics)
	return true
}

// Broadcast sends the message to every client subscribed to the topic (or
// the wildcard); an empty topic targets all clients. Recipients are
// collected under the registry lock, the sends run outside it, and any send
// failure schedules that client's disconnect.
func (h *Hub) Broadcast(message interface{}, topic string) {
	payload, err := json.Marshal(message)
	if err != nil {
		log.WithError(err).Error("Failed to marshal broadcast message")
		return
	}

	h.mu.RLock()
	recipients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		if topic == "" || client.SubscribedTo(topic) {
			recipients = append(recipients, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range recipients {
		if err := client.send(payload); err != nil {
			log.WithFields(log.Fields{
				"client_id": client.ID,
				"topic":     topic,
			}).WithError(err).Warn("WebSocket send failed, scheduling disconnect")
			go h.Disconnect(client.ID)
		}
	}
}

// ClientCount returns the registry size.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// reply sends a server frame to one client; a failed send removes the client
// the same way a failed broadcast does.
func (h *Hub) reply(client *Client, frame map[string]interface{}) bool {
	if err := client.sendJSON(frame); err != nil {
		log.WithField("client_id", client.ID).WithError(err).Warn("WebSocket send failed, scheduling disconnect")
		go h.Disconnect(client.ID)
		return false
	}
	return true
}

// inboundFrame is the decoded client→server message.
type inboundFrame struct {
	Type   string   `json:"type"`
	Topics []string `json:"topics,omitempty"`
}

func (h *Hub) readLoop(client *Client) {
	for {
		_, raw, err := client.conn.ReadMessage()
		if err != nil {
			if ws.IsUnexpectedCloseError(err, ws.CloseGoingAway, ws.CloseNormalClosure) {
				log.WithField("client_id", client.ID).WithError(err).Debug("WebSocket read error")
			}
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			log.WithField("client_id", client.ID).Debug("Dropping malformed WebSocket frame")
			continue
		}

		switch frame.Type {
		case FrameSubscribe:
			client.Subscribe(frame.Topics)
			if !h.reply(client, map[string]interface{}{
				"type":   FrameSubscription,
				"status": "subscribed",
				"topics": frame.Topics,
			}) {
				return
			}
		case FrameUnsubscribe:
			client.Unsubscribe(frame.Topics)
			if !h.reply(client, map[string]interface{}{
				"type":   FrameSubscription,
				"status": "unsubscribed",
				"topics": frame.Topics,
			}) {
				return
			}
		case FramePing:
			if !h.reply(client, map[string]interface{}{
				"type":      FramePong,
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			}) {
				return
			}
		default:
			log.WithFields(log.Fields{
				"client_id": client.ID,
				"type":      frame.Type,
			}).Debug("Dropping unknown WebSocket frame type")
		}
	}
}
