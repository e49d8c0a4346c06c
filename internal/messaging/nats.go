// Package messaging provides the NATS fan-out channel for presence events.
// Every server instance publishes room-scoped events to presence.<chat_id>
// subjects and mirrors them to its own local room members, so presence
// crosses instance boundaries without sticky routing.
package messaging

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectPresence is the subject prefix for room-scoped presence events;
// the chat id is appended per room.
const SubjectPresence = "presence"

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "chatserver",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// Client wraps the NATS connection with room-subscription bookkeeping. One
// subscription is held per room regardless of how many local connections
// joined it; the presence layer is responsible for reference counting.
type Client struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription // chatID -> subscription
}

// NewClient connects to NATS with the given config and returns a ready
// client, or an error if the initial connection fails.
func NewClient(config Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &Client{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// PublishPresence publishes a presence event to the room's subject.
func (c *Client) PublishPresence(chatID string, data []byte) error {
	return c.conn.Publish(SubjectPresence+"."+chatID, data)
}

// SubscribeRoom subscribes to presence events for a chat room. Subscribing
// to an already-subscribed room replaces the handler.
func (c *Client) SubscribeRoom(chatID string, handler func(data []byte)) error {
	subject := SubjectPresence + "." + chatID
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	if prev, ok := c.subs[chatID]; ok {
		_ = prev.Unsubscribe()
	}
	c.subs[chatID] = sub
	c.mu.Unlock()
	return nil
}

// UnsubscribeRoom drops the room subscription. Unknown rooms are an error
// so leaks in the presence layer's reference counting surface early.
func (c *Client) UnsubscribeRoom(chatID string) error {
	c.mu.Lock()
	sub, ok := c.subs[chatID]
	if ok {
		delete(c.subs, chatID)
	}
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("nats: no subscription for room %s", chatID)
	}
	return sub.Unsubscribe()
}

// Close drains all room subscriptions and the connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for chatID, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain room %s: %v", chatID, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
