package events

import (
	"context"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/rs/zerolog/log"
)

const (
	bufferSize    = 10_000
	flushInterval = 250 * time.Millisecond
	flushBatch    = 1000
	drainTimeout  = 2 * time.Second
)

const createTable = `
CREATE TABLE IF NOT EXISTS gateway_events (
	request_id     String,
	kind           LowCardinality(String),
	timestamp      DateTime64(3),
	session_id     String,
	tool_name      LowCardinality(String),
	provider       LowCardinality(String),
	model          String,
	execution_path LowCardinality(String),
	resolution     LowCardinality(String),
	outcome        LowCardinality(String),
	warnings       Array(String),
	error          String,
	deduplicated   UInt8,
	offloaded      UInt8,
	latency_ms     Float32
) ENGINE = MergeTree
ORDER BY (kind, timestamp)
TTL toDateTime(timestamp) + INTERVAL 30 DAY`

// ClickHouseWriter batches events into ClickHouse from a background
// goroutine. Write never blocks; when the buffer is full the event is
// dropped.
type ClickHouseWriter struct {
	conn    driver.Conn
	buffer  chan *Event
	done    chan struct{}
	flushed chan struct{}
}

// NewClickHouseWriter connects to dsn, creates the events table if needed
// and starts the flush loop.
func NewClickHouseWriter(ctx context.Context, dsn string) (*ClickHouseWriter, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.Exec(ctx, createTable); err != nil {
		conn.Close()
		return nil, err
	}

	w := &ClickHouseWriter{
		conn:    conn,
		buffer:  make(chan *Event, bufferSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
	}
	go w.flushLoop()

	log.Info().Strs("addr", opts.Addr).Str("database", opts.Auth.Database).Msg("📊 ClickHouse event writer started")
	return w, nil
}

// Write queues an event for async insertion.
func (w *ClickHouseWriter) Write(e *Event) {
	select {
	case w.buffer <- e:
	default:
		log.Warn().Str("request_id", e.RequestID).Msg("ClickHouse buffer full, dropping event")
	}
}

// Close drains buffered events and closes the connection.
func (w *ClickHouseWriter) Close() {
	close(w.done)
	<-w.flushed
	w.conn.Close()
}

func (w *ClickHouseWriter) flushLoop() {
	defer close(w.flushed)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*Event, 0, flushBatch)

	for {
		select {
		case e := <-w.buffer:
			batch = append(batch, e)
			if len(batch) >= flushBatch {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-w.done:
			deadline := time.After(drainTimeout)
		drain:
			for {
				select {
				case e := <-w.buffer:
					batch = append(batch, e)
				case <-deadline:
					break drain
				default:
					break drain
				}
			}
			if len(batch) > 0 {
				w.flush(batch)
			}
			return
		}
	}
}

func (w *ClickHouseWriter) flush(events []*Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	batch, err := w.conn.PrepareBatch(ctx, `
		INSERT INTO gateway_events (
			request_id, kind, timestamp, session_id, tool_name,
			provider, model, execution_path, resolution, outcome,
			warnings, error, deduplicated, offloaded, latency_ms
		)
	`)
	if err != nil {
		log.Error().Err(err).Msg("ClickHouse prepare batch failed")
		return
	}

	for _, e := range events {
		warnings := e.Warnings
		if warnings == nil {
			warnings = []string{}
		}
		if err := batch.Append(
			e.RequestID,
			string(e.Kind),
			e.Timestamp,
			e.SessionID,
			e.ToolName,
			e.Provider,
			e.Model,
			e.ExecutionPath,
			e.Resolution,
			e.Outcome,
			warnings,
			e.Error,
			boolToUint8(e.Deduplicated),
			boolToUint8(e.Offloaded),
			e.LatencyMs,
		); err != nil {
			log.Error().Err(err).Str("request_id", e.RequestID).Msg("ClickHouse append event failed")
		}
	}

	if err := batch.Send(); err != nil {
		log.Error().Err(err).Int("batch_size", len(events)).Msg("ClickHouse batch send failed")
	}
}

func boolToUint8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
