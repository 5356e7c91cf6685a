package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/avesa-io/avesa/internal/canonical"
	"github.com/avesa-io/avesa/internal/config"
)

// Sentinel errors for canonical record writes.
var (
	// ErrEmptyBatch is returned when a write is attempted with no records.
	ErrEmptyBatch = errors.New("empty record batch")

	// ErrWriteFailed is returned when a batch insert fails.
	ErrWriteFailed = errors.New("canonical record write failed")
)

// historyFields are stripped before writing to type_1 tables: overwrite-only
// tables carry no effective window.
var historyFields = []string{
	canonical.FieldEffectiveStartDate,
	canonical.FieldEffectiveEndDate,
	canonical.FieldIsCurrent,
}

type (
	// CanonicalWriter batch-inserts transformed canonical records.
	//
	// The mapper stamps every record Type-2 style; the writer is where the
	// table's SCD type takes effect. Type_1 tables get the history fields
	// stripped so storage holds only current state.
	CanonicalWriter struct {
		conn   *Connection
		logger *slog.Logger
	}

	// WriterOption configures optional CanonicalWriter behavior.
	WriterOption func(*CanonicalWriter)
)

// WithWriterLogger overrides the default JSON logger.
func WithWriterLogger(logger *slog.Logger) WriterOption {
	return func(w *CanonicalWriter) {
		w.logger = logger
	}
}

// NewCanonicalWriter creates a writer over a live connection.
func NewCanonicalWriter(conn *Connection, opts ...WriterOption) (*CanonicalWriter, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	writer := &CanonicalWriter{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("AVESA_LOG_LEVEL", slog.LevelInfo),
		})),
	}

	for _, opt := range opts {
		opt(writer)
	}

	return writer, nil
}

// WriteBatch inserts a batch of canonical records into a table in one
// transaction (clickhouse-go buffers the batch and flushes on commit).
// Returns the number of rows written.
func (w *CanonicalWriter) WriteBatch(
	ctx context.Context,
	tableName string,
	scdType canonical.SCDType,
	records []canonical.Record,
) (int, error) {
	if err := validateTableName(tableName); err != nil {
		return 0, err
	}

	if len(records) == 0 {
		return 0, ErrEmptyBatch
	}

	prepared := PrepareForWrite(records, scdType)
	columns := batchColumns(prepared)

	tx, err := w.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: begin: %w", ErrWriteFailed, err)
	}

	query := insertStatement(tableName, columns)

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		_ = tx.Rollback()

		return 0, fmt.Errorf("%w: prepare: %w", ErrWriteFailed, err)
	}

	for _, record := range prepared {
		args := make([]any, len(columns))
		for i, column := range columns {
			args[i] = record[column]
		}

		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			_ = tx.Rollback()

			return 0, fmt.Errorf("%w: append row: %w", ErrWriteFailed, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: commit: %w", ErrWriteFailed, err)
	}

	w.logger.Info("Wrote canonical record batch",
		slog.String("table", tableName),
		slog.String("scd_type", string(scdType)),
		slog.Int("rows", len(prepared)),
	)

	return len(prepared), nil
}

// PrepareForWrite applies the table's SCD policy to mapper output: type_1
// records lose their history fields, type_2 records pass through unchanged.
// Records are copied; mapper output is never mutated.
func PrepareForWrite(records []canonical.Record, scdType canonical.SCDType) []canonical.Record {
	if scdType.HistoryTracking() {
		return records
	}

	prepared := make([]canonical.Record, len(records))

	for i, record := range records {
		stripped := make(canonical.Record, len(record))

		for field, value := range record {
			stripped[field] = value
		}

		for _, field := range historyFields {
			delete(stripped, field)
		}

		prepared[i] = stripped
	}

	return prepared
}

// batchColumns returns the sorted union of field names across the batch.
// Records missing a field insert null for that column.
func batchColumns(records []canonical.Record) []string {
	seen := make(map[string]struct{})

	for _, record := range records {
		for field := range record {
			seen[field] = struct{}{}
		}
	}

	columns := make([]string, 0, len(seen))
	for field := range seen {
		columns = append(columns, field)
	}

	sort.Strings(columns)

	return columns
}

// insertStatement renders the batch INSERT for the given column set.
func insertStatement(tableName string, columns []string) string {
	placeholders := make([]string, len(columns))
	for i := range placeholders {
		placeholders[i] = "?"
	}

	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		tableName,
		strings.Join(columns, ", "),
		strings.Join(placeholders, ", "),
	)
}
