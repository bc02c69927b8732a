package voice

import (
	"context"
	"encoding/json"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPQueue carries call requests on a RabbitMQ queue. One message per
// emitted offer; the notifier worker consumes and places the actual calls.
type AMQPQueue struct {
	channel *amqp.Channel
	queue   string
}

// Compile-time check
var _ Queue = (*AMQPQueue)(nil)

// NewAMQPQueue declares the durable call queue
func NewAMQPQueue(channel *amqp.Channel, queue string) (*AMQPQueue, error) {
	_, err := channel.QueueDeclare(
		queue,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	)
	if err != nil {
		return nil, err
	}
	return &AMQPQueue{channel: channel, queue: queue}, nil
}

// Enqueue publishes one call request. The booking id rides in a header so
// purge scans can match without decoding bodies.
func (q *AMQPQueue) Enqueue(ctx context.Context, req CallRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return q.channel.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Headers:      amqp.Table{"booking_id": req.BookingID},
		Body:         body,
	})
}

// PurgeBooking drains the queue, requeueing everything except messages for
// the cancelled booking. Unsent attempts for the booking are dropped;
// messages already delivered to a consumer are past purging and complete
// in flight.
func (q *AMQPQueue) PurgeBooking(ctx context.Context, bookingID string) (int, error) {
	purged := 0
	for {
		msg, ok, err := q.channel.Get(q.queue, false)
		if err != nil {
			return purged, err
		}
		if !ok {
			return purged, nil
		}

		if id, _ := msg.Headers["booking_id"].(string); id == bookingID {
			if err := msg.Ack(false); err != nil {
				return purged, err
			}
			purged++
			continue
		}

		// not ours: put it back and stop once the scan wraps
		if err := msg.Nack(false, true); err != nil {
			return purged, err
		}
		if msg.Redelivered {
			return purged, nil
		}
	}
}

// MemoryQueue is the in-process queue used by tests and dev runs
type MemoryQueue struct {
	mu       sync.Mutex
	requests []CallRequest
}

// Compile-time check
var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue creates an empty in-memory queue
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

// Enqueue appends the request
func (q *MemoryQueue) Enqueue(ctx context.Context, req CallRequest) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.requests = append(q.requests, req)
	return nil
}

// PurgeBooking removes every queued request for the booking
func (q *MemoryQueue) PurgeBooking(ctx context.Context, bookingID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.requests[:0]
	purged := 0
	for _, req := range q.requests {
		if req.BookingID == bookingID {
			purged++
			continue
		}
		kept = append(kept, req)
	}
	q.requests = kept
	return purged, nil
}

// Pending returns a snapshot of the queued requests
func (q *MemoryQueue) Pending() []CallRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]CallRequest, len(q.requests))
	copy(out, q.requests)
	return out
}
