package recorder

import (
	"context"
	"crypto/tls"
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

// ClickHouseRecorder writes invocation records to ClickHouse asynchronously.
// Record() is non-blocking — records are buffered and batch-inserted in a
// background goroutine.
type ClickHouseRecorder struct {
	conn    driver.Conn
	buffer  chan *InvocationRecord
	done    chan struct{}
	flushed chan struct{}
	logger  *zap.Logger
}

// NewClickHouseRecorder creates a ClickHouseRecorder and starts the
// background flush loop.
func NewClickHouseRecorder(dsn string, logger *zap.Logger) (*ClickHouseRecorder, error) {
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

	r := &ClickHouseRecorder{
		conn:    conn,
		buffer:  make(chan *InvocationRecord, bufferSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		logger:  logger,
	}

	go r.flushLoop()
	return r, nil
}

// Record queues an invocation record for async insertion.
// Non-blocking: drops the record if the buffer is full.
func (r *ClickHouseRecorder) Record(rec *InvocationRecord) {
	select {
	case r.buffer <- rec:
	default:
		r.logger.Warn("clickhouse buffer full, dropping invocation record",
			zap.String("request_id", rec.RequestID),
		)
	}
}

// Close signals the flush loop to drain remaining records.
func (r *ClickHouseRecorder) Close() {
	close(r.done)
	<-r.flushed
}

func (r *ClickHouseRecorder) flushLoop() {
	defer close(r.flushed)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*InvocationRecord, 0, flushBatch)

	for {
		select {
		case rec := <-r.buffer:
			batch = append(batch, rec)
			if len(batch) >= flushBatch {
				r.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				r.flush(batch)
				batch = batch[:0]
			}
		case <-r.done:
			drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()
		drainLoop:
			for {
				select {
				case rec := <-r.buffer:
					batch = append(batch, rec)
				case <-drainCtx.Done():
					break drainLoop
				default:
					break drainLoop
				}
			}
			if len(batch) > 0 {
				r.flush(batch)
			}
			return
		}
	}
}

func (r *ClickHouseRecorder) flush(records []*InvocationRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	batch, err := r.conn.PrepareBatch(ctx, `
		INSERT INTO tool_invocations (
			id, user_id, thread_id, message_id, request_id,
			tool_name, tool_version, args_json, result_json,
			success, error_code, error_message,
			latency_ms, cached, created_at
		)
	`)
	if err != nil {
		r.logger.Error("clickhouse prepare batch failed", zap.Error(err))
		return
	}

	for _, rec := range records {
		var successUint8, cachedUint8 uint8
		if rec.Success {
			successUint8 = 1
		}
		if rec.Cached {
			cachedUint8 = 1
		}

		if err := batch.Append(
			rec.ID,
			rec.UserID,
			rec.ThreadID,
			rec.MessageID,
			rec.RequestID,
			rec.ToolName,
			rec.ToolVersion,
			rec.ArgsJSON,
			rec.ResultJSON,
			successUint8,
			rec.ErrorCode,
			rec.ErrorMessage,
			rec.LatencyMs,
			cachedUint8,
			rec.CreatedAt,
		); err != nil {
			r.logger.Error("clickhouse append record failed",
				zap.String("request_id", rec.RequestID),
				zap.Error(err),
			)
		}
	}

	if err := batch.Send(); err != nil {
		r.logger.Error("clickhouse batch send failed",
			zap.Int("batch_size", len(records)),
			zap.Error(err),
		)
	}
}

// LogRecorder is a fallback Recorder for local development.
type LogRecorder struct {
	logger *zap.Logger
}

// NewLogRecorder creates a LogRecorder that outputs records to the given logger.
func NewLogRecorder(logger *zap.Logger) *LogRecorder {
	return &LogRecorder{logger: logger}
}

func (r *LogRecorder) Record(rec *InvocationRecord) {
	r.logger.Info("tool_invocation",
		zap.String("id", rec.ID),
		zap.String("user_id", rec.UserID),
		zap.String("message_id", rec.MessageID),
		zap.String("tool_name", rec.ToolName),
		zap.String("tool_version", rec.ToolVersion),
		zap.Bool("success", rec.Success),
		zap.String("error_code", rec.ErrorCode),
		zap.Float64("latency_ms", rec.LatencyMs),
		zap.Bool("cached", rec.Cached),
	)
}

func (r *LogRecorder) Close() {}
