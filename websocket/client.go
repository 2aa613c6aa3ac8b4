package websocket

import (
	"encoding/json"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"
)

const writeTimeout = 10 * time.Second

// Client is one connected WebSocket peer: the live socket handle plus its
// subscribed topic set. Lifetime equals the connection; the hub removes the
// client on any send error.
type Client struct {
	ID string

	conn *ws.Conn

	topicsMu sync.RWMutex
	topics   map[string]struct{}

	// writeMu serializes frames onto the socket; gorilla connections allow
	// only one concurrent writer.
	writeMu sync.Mutex
}

func newClient(id string, conn *ws.Conn) *Client {
	return &Client{
		ID:     id,
		conn:   conn,
		topics: make(map[string]struct{}),
	}
}

// Subscribe adds topics to the client's subscription set.
func (c *Client) Subscribe(topics []string) {
	c.topicsMu.Lock()
	defer c.topicsMu.Unlock()
	for _, topic := range topics {
		if topic != "" {
			c.topics[topic] = struct{}{}
		}
	}
}

// Unsubscribe removes topics from the subscription set.
func (c *Client) Unsubscribe(topics []string) {
	c.topicsMu.Lock()
	defer c.topicsMu.Unlock()
	for _, topic := range topics {
		delete(c.topics, topic)
	}
}

// SubscribedTo reports whether the client should receive frames for the
// topic, honoring the "all" wildcard.
func (c *Client) SubscribedTo(topic string) bool {
	c.topicsMu.RLock()
	defer c.topicsMu.RUnlock()
	if _, ok := c.topics[TopicAll]; ok {
		return true
	}
	_, ok := c.topics[topic]
	return ok
}

// Topics returns a copy of the subscription set.
func (c *Client) Topics() []string {
	c.topicsMu.RLock()
	defer c.topicsMu.RUnlock()
	topics := make([]string, 0, len(c.topics))
	for topic := range c.topics {
		topics = append(topics, topic)
	}
	return topics
}

// send writes one frame with a bounded deadline.
func (c *Client) send(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(ws.TextMessage, payload)
}

// sendJSON marshals and writes one frame.
func (c *Client) sendJSON(v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.send(payload)
}
