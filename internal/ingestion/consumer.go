package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/avesa-io/avesa/internal/canonical"
	"github.com/avesa-io/avesa/internal/config"
)

type (
	// Writer persists transformed canonical records. Implemented by
	// storage.CanonicalWriter.
	Writer interface {
		WriteBatch(
			ctx context.Context,
			tableName string,
			scdType canonical.SCDType,
			records []canonical.Record,
		) (int, error)
	}

	// SCDResolver answers which history policy governs a canonical table.
	// Implemented by scd.ConfigManager.
	SCDResolver interface {
		ResolveType(tableName string) (canonical.SCDType, error)
	}

	// MessageReader is the slice of kafka.Reader the consumer uses, extracted
	// so the processing loop is testable without brokers.
	MessageReader interface {
		FetchMessage(ctx context.Context) (kafka.Message, error)
		CommitMessages(ctx context.Context, msgs ...kafka.Message) error
		Close() error
	}

	// Consumer reads raw record envelopes from Kafka, transforms them into
	// canonical records, and writes them in per-table batches.
	//
	// Failure policy is skip-and-log for per-record problems (malformed
	// envelope, validation failure, no usable mapping): one poisoned message
	// must never stall a tenant's pipeline. Storage write failures abort the
	// run so messages are redelivered.
	Consumer struct {
		reader    MessageReader
		mapper    *canonical.Mapper
		writer    Writer
		scd       SCDResolver
		validator *Validator
		logger    *slog.Logger
		cfg       *Config

		// batches accumulates transformed records per canonical table between
		// flushes. pending holds the fetched messages awaiting commit; it
		// drives the flush triggers so skipped messages still commit.
		batches map[string][]canonical.Record
		pending []kafka.Message
	}

	// ConsumerOption configures optional Consumer behavior.
	ConsumerOption func(*Consumer)
)

// WithConsumerLogger overrides the default JSON logger.
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// WithMessageReader replaces the kafka.Reader, for tests.
func WithMessageReader(reader MessageReader) ConsumerOption {
	return func(c *Consumer) {
		c.reader = reader
	}
}

// NewConsumer creates a consumer over the configured Kafka topic.
func NewConsumer(
	cfg *Config,
	mapper *canonical.Mapper,
	writer Writer,
	scdResolver SCDResolver,
	opts ...ConsumerOption,
) (*Consumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	consumer := &Consumer{
		mapper:    mapper,
		writer:    writer,
		scd:       scdResolver,
		validator: NewValidator(),
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("AVESA_LOG_LEVEL", slog.LevelInfo),
		})),
		cfg:     cfg,
		batches: make(map[string][]canonical.Record),
	}

	for _, opt := range opts {
		opt(consumer)
	}

	if consumer.reader == nil {
		consumer.reader = kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			Topic:    cfg.Topic,
			GroupID:  cfg.GroupID,
			MinBytes: 1,
			MaxBytes: 10e6,
		})
	}

	return consumer, nil
}

// Run consumes until the context is canceled. Batches are flushed when they
// reach the configured size or age out on the flush interval. A final flush
// happens on shutdown so accepted records are never dropped.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("Starting raw record consumer",
		slog.String("topic", c.cfg.Topic),
		slog.String("group_id", c.cfg.GroupID),
		slog.Int("batch_size", c.cfg.BatchSize),
	)

	lastFlush := time.Now()

	for {
		fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.FlushInterval)
		msg, err := c.reader.FetchMessage(fetchCtx)

		cancel()

		switch {
		case err == nil:
			c.ingest(ctx, msg)

		case errors.Is(err, context.DeadlineExceeded):
			// Quiet topic; fall through to the age check.

		case errors.Is(err, context.Canceled) && ctx.Err() != nil:
			// The run context is gone; give the final flush its own deadline
			// so accepted records still reach storage.
			flushCtx, flushCancel := context.WithTimeout(context.Background(), c.cfg.FlushInterval)
			flushErr := c.flush(flushCtx)

			flushCancel()

			closeErr := c.reader.Close()

			return errors.Join(flushErr, closeErr)

		default:
			_ = c.reader.Close()

			return fmt.Errorf("failed to fetch message: %w", err)
		}

		// Flush triggers count fetched messages, not accepted records: a
		// stretch of only-skipped messages still has offsets to commit, and
		// pending must not grow without bound.
		if len(c.pending) >= c.cfg.BatchSize ||
			(len(c.pending) > 0 && time.Since(lastFlush) >= c.cfg.FlushInterval) {
			if err := c.flush(ctx); err != nil {
				_ = c.reader.Close()

				return err
			}

			lastFlush = time.Now()
		}
	}
}

// ingest parses, validates, and transforms one message into its table batch.
// Per-record failures are logged and the message still commits with the next
// flush so it is not redelivered forever.
func (c *Consumer) ingest(ctx context.Context, msg kafka.Message) {
	c.pending = append(c.pending, msg)

	record, err := ParseRawRecord(msg.Value)
	if err != nil {
		c.logger.Warn("Skipping malformed raw record",
			slog.String("topic", msg.Topic),
			slog.Int64("offset", msg.Offset),
			slog.String("error", err.Error()),
		)

		return
	}

	if err := c.validator.Validate(record); err != nil {
		c.logger.Warn("Skipping invalid raw record",
			slog.String("tenant_id", record.TenantID),
			slog.String("canonical_table", record.CanonicalTable),
			slog.Int64("offset", msg.Offset),
			slog.String("error", err.Error()),
		)

		return
	}

	mapping, err := c.mapper.LoadMapping(ctx, record.CanonicalTable, c.cfg.MappingBucket)
	if err != nil {
		c.logger.Warn("Skipping record with unresolvable mapping",
			slog.String("canonical_table", record.CanonicalTable),
			slog.String("error", err.Error()),
		)

		return
	}

	transformed, ok := c.mapper.Transform(record.Payload, mapping, record.CanonicalTable, record.TenantID)
	if !ok {
		return
	}

	c.batches[record.CanonicalTable] = append(c.batches[record.CanonicalTable], transformed)
}

// flush writes every non-empty table batch and commits the pending messages.
func (c *Consumer) flush(ctx context.Context) error {
	for table, records := range c.batches {
		if len(records) == 0 {
			continue
		}

		scdType, err := c.scd.ResolveType(table)
		if err != nil {
			return fmt.Errorf("failed to resolve scd type for %s: %w", table, err)
		}

		written, err := c.writer.WriteBatch(ctx, table, scdType, records)
		if err != nil {
			return fmt.Errorf("failed to write batch for %s: %w", table, err)
		}

		c.logger.Info("Flushed canonical batch",
			slog.String("table", table),
			slog.Int("rows", written),
		)
	}

	c.batches = make(map[string][]canonical.Record)

	if len(c.pending) > 0 {
		if err := c.reader.CommitMessages(ctx, c.pending...); err != nil {
			return fmt.Errorf("failed to commit offsets: %w", err)
		}

		c.pending = nil
	}

	return nil
}
