package analytics

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

const createTableSQL = `
CREATE TABLE IF NOT EXISTS gateway_decisions (
	correlation_id        String,
	timestamp             DateTime64(3, 'UTC'),
	status                LowCardinality(String),
	decision              LowCardinality(String),
	reason                String,
	firewall_action       LowCardinality(String),
	firewall_rule_ids     Array(String),
	semantic_level        LowCardinality(String),
	semantic_score        Float32,
	semantic_template_id  String,
	moderation_flagged    UInt8,
	moderation_categories Array(String),
	language              LowCardinality(String),
	bias_score            Float32,
	bias_level            LowCardinality(String),
	prompt_hash           String,
	prompt_length         UInt32,
	audit_chain_hash      String,
	latency_ms            Float32
) ENGINE = MergeTree
ORDER BY (timestamp, correlation_id)`

// ClickHouseWriter batch-inserts decision events in a background goroutine.
type ClickHouseWriter struct {
	conn    driver.Conn
	buffer  chan *DecisionEvent
	done    chan struct{}
	flushed chan struct{} // closed by flushLoop when it returns
	logger  *zap.Logger
}

// NewClickHouseWriter connects, creates the table if needed and starts the
// flush loop.
func NewClickHouseWriter(ctx context.Context, dsn string, logger *zap.Logger) (*ClickHouseWriter, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	// ParseDSN only enables TLS for ?secure=true; managed ClickHouse requires it.
	if opts.TLS == nil {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, err
	}
	if err := conn.Exec(ctx, createTableSQL); err != nil {
		return nil, err
	}

	w := &ClickHouseWriter{
		conn:    conn,
		buffer:  make(chan *DecisionEvent, bufferSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		logger:  logger,
	}
	go w.flushLoop()
	return w, nil
}

// Write queues an event. Drops it if the buffer is full.
func (w *ClickHouseWriter) Write(event *DecisionEvent) {
	select {
	case w.buffer <- event:
	default:
		w.logger.Warn("clickhouse buffer full, dropping event",
			zap.String("correlation_id", event.CorrelationID),
		)
	}
}

// Close drains buffered events (up to drainTimeout), flushes them and closes
// the connection. Call once.
func (w *ClickHouseWriter) Close() {
	close(w.done)
	<-w.flushed
	if err := w.conn.Close(); err != nil {
		w.logger.Warn("closing clickhouse connection", zap.Error(err))
	}
}

func (w *ClickHouseWriter) flushLoop() {
	defer close(w.flushed)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*DecisionEvent, 0, flushBatch)
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
			batch = drain(w.buffer, batch, drainTimeout)
			if len(batch) > 0 {
				w.flush(batch)
			}
			return
		}
	}
}

// drain moves whatever is buffered into batch, giving up after timeout.
func drain(buffer <-chan *DecisionEvent, batch []*DecisionEvent, timeout time.Duration) []*DecisionEvent {
	deadline := time.After(timeout)
	for {
		select {
		case event := <-buffer:
			batch = append(batch, event)
		case <-deadline:
			return batch
		default:
			return batch
		}
	}
}

func (w *ClickHouseWriter) flush(events []*DecisionEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	batch, err := w.conn.PrepareBatch(ctx, `
		INSERT INTO gateway_decisions (
			correlation_id, timestamp, status, decision, reason,
			firewall_action, firewall_rule_ids,
			semantic_level, semantic_score, semantic_template_id,
			moderation_flagged, moderation_categories,
			language, bias_score, bias_level,
			prompt_hash, prompt_length, audit_chain_hash, latency_ms
		)
	`)
	if err != nil {
		w.logger.Error("clickhouse prepare batch failed", zap.Error(err))
		return
	}

	for _, e := range events {
		var flagged uint8
		if e.ModerationFlagged {
			flagged = 1
		}
		if err := batch.Append(
			e.CorrelationID,
			e.Timestamp,
			e.Status,
			e.Decision,
			e.Reason,
			e.FirewallAction,
			nonNil(e.FirewallRuleIDs),
			e.SemanticLevel,
			e.SemanticScore,
			e.SemanticTemplateID,
			flagged,
			nonNil(e.ModerationCategories),
			e.Language,
			e.BiasScore,
			e.BiasLevel,
			e.PromptHash,
			e.PromptLength,
			e.AuditChainHash,
			e.LatencyMs,
		); err != nil {
			w.logger.Error("clickhouse append event failed",
				zap.String("correlation_id", e.CorrelationID),
				zap.Error(err),
			)
		}
	}

	if err := batch.Send(); err != nil {
		w.logger.Error("clickhouse batch send failed",
			zap.Int("batch_size", len(events)),
			zap.Error(err),
		)
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// LogWriter writes events to the structured log. Used when no ClickHouse
// DSN is configured.
type LogWriter struct {
	logger *zap.Logger
}

// NewLogWriter creates a LogWriter.
func NewLogWriter(logger *zap.Logger) *LogWriter {
	return &LogWriter{logger: logger}
}

func (w *LogWriter) Write(event *DecisionEvent) {
	w.logger.Info("gateway_decision",
		zap.String("correlation_id", event.CorrelationID),
		zap.String("status", event.Status),
		zap.String("decision", event.Decision),
		zap.String("reason", event.Reason),
		zap.String("firewall_action", event.FirewallAction),
		zap.Strings("firewall_rule_ids", event.FirewallRuleIDs),
		zap.String("semantic_level", event.SemanticLevel),
		zap.Float32("semantic_score", event.SemanticScore),
		zap.Bool("moderation_flagged", event.ModerationFlagged),
		zap.String("language", event.Language),
		zap.Float32("bias_score", event.BiasScore),
		zap.String("prompt_hash", event.PromptHash),
		zap.Float32("latency_ms", event.LatencyMs),
	)
}

func (w *LogWriter) Close() {}
