package events

import (
	"context"
	"encoding/json"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

// LedgerSchema is the append-only dispatch event table. Written once per
// event, read only by offline analysis; the dispatcher never queries it.
const LedgerSchema = `
CREATE TABLE IF NOT EXISTS dispatch_events (
	id         String,
	type       LowCardinality(String),
	source     LowCardinality(String),
	timestamp  DateTime64(3, 'UTC'),
	booking_id String,
	data       String
) ENGINE = MergeTree()
ORDER BY (timestamp, type)
TTL toDateTime(timestamp) + INTERVAL 90 DAY
`

// Ledger appends dispatch events to ClickHouse
type Ledger struct {
	conn   driver.Conn
	logger *zap.Logger
}

// Compile-time check
var _ Sink = (*Ledger)(nil)

// NewLedger creates the ClickHouse ledger sink and ensures the table exists
func NewLedger(ctx context.Context, conn driver.Conn, logger *zap.Logger) (*Ledger, error) {
	if err := conn.Exec(ctx, LedgerSchema); err != nil {
		return nil, err
	}
	return &Ledger{conn: conn, logger: logger}, nil
}

// Write appends one event row; failures are logged and dropped
func (l *Ledger) Write(ctx context.Context, event Event) {
	data, err := json.Marshal(event.Data)
	if err != nil {
		l.logger.Warn("ledger marshal failed", zap.Error(err))
		return
	}

	bookingID, _ := event.Data["booking_id"].(string)

	err = l.conn.AsyncInsert(ctx, `
		INSERT INTO dispatch_events (id, type, source, timestamp, booking_id, data)
		VALUES (?, ?, ?, ?, ?, ?)
	`, false, event.ID, event.Type, event.Source, event.Timestamp, bookingID, string(data))
	if err != nil {
		l.logger.Warn("ledger insert failed",
			zap.String("event_type", event.Type),
			zap.Error(err),
		)
	}
}
