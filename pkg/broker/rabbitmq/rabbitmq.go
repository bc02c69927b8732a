package rabbitmq

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQ holds a connection and a channel
type RabbitMQ struct {
	Conn    *amqp.Connection
	Channel *amqp.Channel
}

// New dials the broker and opens a channel
func New(url string) (*RabbitMQ, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq - New - amqp.Dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("rabbitmq - New - conn.Channel: %w", err)
	}

	return &RabbitMQ{Conn: conn, Channel: ch}, nil
}

// Close releases the channel and connection
func (r *RabbitMQ) Close() error {
	if r.Channel != nil {
		if err := r.Channel.Close(); err != nil {
			return err
		}
	}
	if r.Conn != nil {
		return r.Conn.Close()
	}
	return nil
}
