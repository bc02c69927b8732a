// Package events publishes booking and offer lifecycle events onto the NATS
// stream and mirrors them into the analytics sinks. The dispatcher treats
// every sink here as fire-and-forget: a failed publish is logged and the
// booking state remains the source of truth.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Event is one lifecycle record on the stream
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Sink receives a copy of every published event (ledger, audit)
type Sink interface {
	Write(ctx context.Context, event Event)
}

// Publisher writes lifecycle events to NATS JetStream and fans copies out to
// the attached sinks
type Publisher struct {
	js      nats.JetStreamContext
	subject string
	source  string
	logger  *zap.Logger
	sinks   []Sink
}

// NewPublisher creates a lifecycle event publisher. js may be nil when NATS
// is disabled; sinks still receive events.
func NewPublisher(js nats.JetStreamContext, subject, source string, logger *zap.Logger) *Publisher {
	return &Publisher{
		js:      js,
		subject: subject,
		source:  source,
		logger:  logger,
	}
}

// AddSink attaches an analytics sink
func (p *Publisher) AddSink(s Sink) {
	p.sinks = append(p.sinks, s)
}

// Publish emits one event. Never returns an error to the dispatcher.
func (p *Publisher) Publish(ctx context.Context, eventType string, data map[string]interface{}) {
	event := Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    p.source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	if p.js != nil {
		payload, err := json.Marshal(event)
		if err != nil {
			p.logger.Error("failed to marshal event",
				zap.Error(err),
				zap.String("event_type", eventType),
			)
			return
		}

		subject := fmt.Sprintf("%s.%s", p.subject, eventType)
		if _, err := p.js.Publish(subject, payload, nats.Context(ctx)); err != nil {
			p.logger.Warn("failed to publish event",
				zap.Error(err),
				zap.String("subject", subject),
				zap.String("event_type", eventType),
			)
		}
	}

	for _, sink := range p.sinks {
		sink.Write(ctx, event)
	}
}

// EnsureStream creates the dispatch stream if it does not exist yet
func EnsureStream(js nats.JetStreamContext, stream, subject string) error {
	_, err := js.StreamInfo(stream)
	if err == nil {
		return nil
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:     stream,
		Subjects: []string{subject + ".>"},
		Storage:  nats.FileStorage,
		MaxAge:   7 * 24 * time.Hour,
	})
	return err
}
