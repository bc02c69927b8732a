package nats

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Client holds a NATS connection and its JetStream context
type Client struct {
	Conn *nats.Conn
	JS   nats.JetStreamContext
}

// New connects to the NATS server and initializes JetStream
func New(url string) (*Client, error) {
	nc, err := nats.Connect(
		url,
		nats.ReconnectWait(5*time.Second),
		nats.MaxReconnects(10),
	)
	if err != nil {
		return nil, fmt.Errorf("nats - New - nats.Connect: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("nats - New - JetStream: %w", err)
	}

	return &Client{Conn: nc, JS: js}, nil
}

// Close drains and closes the connection
func (c *Client) Close() {
	if c.Conn != nil {
		c.Conn.Close()
	}
}
