package events

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
)

// PushAudit persists an opaque copy of every outbound push-bus event. Chat
// transport rides the same channel; its content is stored verbatim, never
// interpreted.
type PushAudit struct {
	collection *mongo.Collection
	logger     *zap.Logger
}

// NewPushAudit creates the Mongo audit sink
func NewPushAudit(collection *mongo.Collection, logger *zap.Logger) *PushAudit {
	return &PushAudit{collection: collection, logger: logger}
}

// auditDocument is the stored shape
type auditDocument struct {
	Room      string      `bson:"room"`
	Type      string      `bson:"type"`
	Data      interface{} `bson:"data"`
	Timestamp time.Time   `bson:"timestamp"`
}

// Record persists one pushed event; failures are logged and dropped
func (a *PushAudit) Record(ctx context.Context, room, eventType string, data interface{}) {
	doc := auditDocument{
		Room:      room,
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}

	insertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()

	if _, err := a.collection.InsertOne(insertCtx, doc); err != nil {
		a.logger.Warn("push audit insert failed",
			zap.String("room", room),
			zap.String("type", eventType),
			zap.Error(err),
		)
	}
}
