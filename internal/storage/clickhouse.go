package storage

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

const (
	bufferSize    = 10_000
	flushInterval = 100 * time.Millisecond
	flushBatch    = 1000
	drainTimeout  = 2 * time.Second
)

// openConn parses the DSN and opens a pinged ClickHouse connection.
func openConn(dsn string) (driver.Conn, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	if opts.TLS == nil {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, err
	}
	return conn, nil
}

// ClickHouseWriter writes usage events to ClickHouse asynchronously.
// Write() is non-blocking; events are buffered and batch-inserted in a background goroutine.
type ClickHouseWriter struct {
	buffer  chan *UsageEvent
	done    chan struct{}
	flushed chan struct{}
	insert  func([]*UsageEvent) error
	logger  *zap.Logger
}

// NewClickHouseWriter creates a ClickHouseWriter and starts the background flush loop.
func NewClickHouseWriter(dsn string, logger *zap.Logger) (*ClickHouseWriter, error) {
	conn, err := openConn(dsn)
	if err != nil {
		return nil, fmt.Errorf("NewClickHouseWriter: %w", err)
	}
	return newWriterWithInsert(func(events []*UsageEvent) error {
		return insertUsageEvents(conn, events)
	}, logger), nil
}

func newWriterWithInsert(insert func([]*UsageEvent) error, logger *zap.Logger) *ClickHouseWriter {
	w := &ClickHouseWriter{
		buffer:  make(chan *UsageEvent, bufferSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		insert:  insert,
		logger:  logger,
	}
	go w.flushLoop()
	return w
}

// Write queues a usage event for async insertion.
// Non-blocking: drops the event if the buffer is full.
func (w *ClickHouseWriter) Write(event *UsageEvent) {
	select {
	case w.buffer <- event:
	default:
		w.logger.Warn("clickhouse buffer full, dropping event",
			zap.String("request_id", event.RequestID),
		)
	}
}

// Close signals the flush loop to drain remaining events.
func (w *ClickHouseWriter) Close() {
	close(w.done)
	<-w.flushed
}

func (w *ClickHouseWriter) flushLoop() {
	defer close(w.flushed)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*UsageEvent, 0, flushBatch)

	for {
		select {
		case event := <-w.buffer:
			batch = append(batch, event)
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
			drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()
		drainLoop:
			for {
				select {
				case event := <-w.buffer:
					batch = append(batch, event)
				case <-drainCtx.Done():
					break drainLoop
				default:
					break drainLoop
				}
			}
			if len(batch) > 0 {
				w.flush(batch)
			}
			return
		}
	}
}

func (w *ClickHouseWriter) flush(events []*UsageEvent) {
	if err := w.insert(events); err != nil {
		w.logger.Error("clickhouse batch insert failed",
			zap.Int("batch_size", len(events)),
			zap.Error(err),
		)
	}
}

func insertUsageEvents(conn driver.Conn, events []*UsageEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	batch, err := conn.PrepareBatch(ctx, `
		INSERT INTO tool_usage_events (
			request_id, user_id, session_id, timestamp, transport,
			tool_id, status, credits, usd, metering_units,
			plan_steps, latency_ms, error_message
		)
	`)
	if err != nil {
		return fmt.Errorf("insertUsageEvents prepare: %w", err)
	}

	for _, e := range events {
		if err := batch.Append(
			e.RequestID,
			e.UserID,
			e.SessionID,
			e.Timestamp,
			e.Transport,
			e.ToolID,
			e.Status,
			e.Credits,
			e.USD,
			e.MeteringUnits,
			e.PlanSteps,
			e.LatencyMs,
			e.ErrorMessage,
		); err != nil {
			return fmt.Errorf("insertUsageEvents append %s: %w", e.RequestID, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("insertUsageEvents send: %w", err)
	}
	return nil
}

// LogWriter is a fallback EventWriter for local development.
type LogWriter struct {
	logger *zap.Logger
}

// NewLogWriter creates a LogWriter that outputs events to the given logger.
func NewLogWriter(logger *zap.Logger) *LogWriter {
	return &LogWriter{logger: logger}
}

func (w *LogWriter) Write(event *UsageEvent) {
	w.logger.Info("tool_usage_event",
		zap.String("request_id", event.RequestID),
		zap.String("user_id", event.UserID),
		zap.String("transport", event.Transport),
		zap.String("tool_id", event.ToolID),
		zap.String("status", event.Status),
		zap.Float64("credits", event.Credits),
		zap.Int32("plan_steps", event.PlanSteps),
		zap.Float32("latency_ms", event.LatencyMs),
		zap.String("error", event.ErrorMessage),
	)
}

func (w *LogWriter) Close() {}
