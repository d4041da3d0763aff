package natsbus

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// Client is a thin NATS connection wrapper.
type Client struct {
	conn *nats.Conn
}

// Connect dials url. A non-empty token is sent as the auth token.
func Connect(url, token string) (*Client, error) {
	opts := []nats.Option{nats.Name("lockwarden")}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &Client{conn: conn}, nil
}

// PublishJSON publishes v encoded as JSON.
func (c *Client) PublishJSON(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return c.conn.Publish(subject, data)
}

// Subscribe registers handler on subject. Wildcards are allowed.
func (c *Client) Subscribe(subject string, handler func(msg *nats.Msg)) (*nats.Subscription, error) {
	return c.conn.Subscribe(subject, handler)
}

func (c *Client) Flush() error {
	return c.conn.Flush()
}

// Close drains pending messages and closes the connection.
func (c *Client) Close() {
	_ = c.conn.Drain()
}
