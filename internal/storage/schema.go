package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/avesa-io/avesa/internal/canonical"
	"github.com/avesa-io/avesa/internal/config"
)

// Sentinel errors for schema management operations.
var (
	// ErrTableNameInvalid is returned when a table name contains characters
	// outside the identifier allow-list. Table names reach DDL strings, so
	// they are validated, never interpolated blindly.
	ErrTableNameInvalid = errors.New("invalid table name")

	// ErrNoColumns is returned when a mapping yields no columns to create.
	ErrNoColumns = errors.New("mapping yields no columns")
)

type (
	// Column is one ClickHouse column definition.
	Column struct {
		Name string
		Type string
	}

	// DynamicSchemaManager creates and evolves canonical ClickHouse tables
	// from mapping definitions.
	//
	// Tables use ReplacingMergeTree keyed on ingestion_timestamp so that
	// re-ingested identical versions collapse on merge, with a sort key of
	// (tenant_id, natural key, last_updated). Columns follow the mapping
	// file's declaration order, then the remaining inferred fields, then the
	// standard metadata fields.
	DynamicSchemaManager struct {
		conn   *Connection
		schema *canonical.SchemaManager
		types  *canonical.TypeMapper
		logger *slog.Logger
	}

	// SchemaManagerOption configures optional DynamicSchemaManager behavior.
	SchemaManagerOption func(*DynamicSchemaManager)
)

// WithSchemaLogger overrides the default JSON logger.
func WithSchemaLogger(logger *slog.Logger) SchemaManagerOption {
	return func(m *DynamicSchemaManager) {
		m.logger = logger
	}
}

// NewDynamicSchemaManager creates a schema manager over a live connection.
func NewDynamicSchemaManager(
	conn *Connection,
	schema *canonical.SchemaManager,
	opts ...SchemaManagerOption,
) (*DynamicSchemaManager, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	manager := &DynamicSchemaManager{
		conn:   conn,
		schema: schema,
		types:  canonical.NewTypeMapper(),
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("AVESA_LOG_LEVEL", slog.LevelInfo),
		})),
	}

	for _, opt := range opts {
		opt(manager)
	}

	return manager, nil
}

// OrderedColumns derives the full column list for a canonical table:
// mapping-declared fields in file order, remaining canonical fields in sorted
// order, then the standard metadata and provenance columns. Pure; no database
// access.
func (m *DynamicSchemaManager) OrderedColumns(mapping *canonical.Mapping) []Column {
	seen := make(map[string]struct{})

	var columns []Column

	add := func(field string) {
		if _, dup := seen[field]; dup {
			return
		}

		seen[field] = struct{}{}

		columns = append(columns, Column{
			Name: field,
			Type: m.types.ClickHouseType(field, mapping),
		})
	}

	if mapping != nil {
		for _, field := range mapping.FieldOrder {
			add(field)
		}

		for _, field := range m.schema.CanonicalFields(mapping) {
			add(field)
		}
	}

	scdType := m.schema.SCDTypeOf(mapping)
	for _, field := range m.schema.StandardMetadataFields(scdType) {
		add(field)
	}

	add(canonical.FieldSourceSystem)
	add(canonical.FieldSourceTable)
	add(canonical.FieldCanonicalTable)

	return columns
}

// NaturalKeyColumn picks the business identifier column used in the sort key:
// a literal "id" column when the mapping declares one, otherwise the first
// declared column with an "_id" suffix.
func (m *DynamicSchemaManager) NaturalKeyColumn(mapping *canonical.Mapping) string {
	columns := m.OrderedColumns(mapping)

	for _, col := range columns {
		if col.Name == "id" {
			return col.Name
		}
	}

	for _, col := range columns {
		if strings.HasSuffix(col.Name, "_id") && col.Name != canonical.FieldTenantID {
			return col.Name
		}
	}

	return canonical.FieldRecordHash
}

// AlphabeticalColumns derives the same column set as OrderedColumns, sorted
// alphabetically. Legacy mode: tables created before ordered generation used
// the complete-schema order, and their DDL must stay reproducible.
func (m *DynamicSchemaManager) AlphabeticalColumns(mapping *canonical.Mapping) []Column {
	ordered := m.OrderedColumns(mapping)

	fields := make([]string, 0, len(ordered))
	for _, col := range ordered {
		fields = append(fields, col.Name)
	}

	columns := make([]Column, 0, len(fields))
	for _, field := range m.schema.CompleteSchema(fields, m.schema.SCDTypeOf(mapping)) {
		columns = append(columns, Column{
			Name: field,
			Type: m.types.ClickHouseType(field, mapping),
		})
	}

	return columns
}

// OrderedTableDDL renders the CREATE TABLE statement for a canonical table
// with business-field columns in mapping declaration order.
func (m *DynamicSchemaManager) OrderedTableDDL(tableName string, mapping *canonical.Mapping) (string, error) {
	return m.tableDDL(tableName, mapping, m.OrderedColumns(mapping))
}

// AlphabeticalTableDDL renders the legacy CREATE TABLE statement with columns
// in alphabetical order.
func (m *DynamicSchemaManager) AlphabeticalTableDDL(tableName string, mapping *canonical.Mapping) (string, error) {
	return m.tableDDL(tableName, mapping, m.AlphabeticalColumns(mapping))
}

// tableDDL renders a CREATE TABLE statement over the given column list.
//
// Sort-key columns are forced non-Nullable: ClickHouse rejects Nullable
// columns in ORDER BY, and the sort key columns are exactly the ones every
// row must carry anyway.
func (m *DynamicSchemaManager) tableDDL(
	tableName string,
	mapping *canonical.Mapping,
	columns []Column,
) (string, error) {
	if err := validateTableName(tableName); err != nil {
		return "", err
	}

	if len(columns) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNoColumns, tableName)
	}

	sortKey := m.sortKey(mapping, columns)

	inSortKey := make(map[string]struct{}, len(sortKey))
	for _, col := range sortKey {
		inSortKey[col] = struct{}{}
	}

	var b strings.Builder

	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", tableName)

	for i, col := range columns {
		colType := col.Type
		if _, keyed := inSortKey[col.Name]; keyed {
			colType = stripNullable(colType)
		}

		fmt.Fprintf(&b, "    %s %s", col.Name, colType)

		if i < len(columns)-1 {
			b.WriteString(",")
		}

		b.WriteString("\n")
	}

	fmt.Fprintf(&b, ") ENGINE = ReplacingMergeTree(%s)\n", canonical.FieldIngestionTimestamp)
	fmt.Fprintf(&b, "ORDER BY (%s)", strings.Join(sortKey, ", "))

	return b.String(), nil
}

// sortKey builds the ORDER BY column list: tenant, natural key, and the
// source update timestamp when the table has one.
func (m *DynamicSchemaManager) sortKey(mapping *canonical.Mapping, columns []Column) []string {
	key := []string{canonical.FieldTenantID, m.NaturalKeyColumn(mapping)}

	for _, col := range columns {
		if col.Name == "last_updated" {
			return append(key, "last_updated")
		}
	}

	return append(key, canonical.FieldIngestionTimestamp)
}

// CreateTableFromMapping creates the canonical table if it does not exist.
// With ordered true the columns follow mapping declaration order; otherwise
// the legacy alphabetical complete-schema order is used.
func (m *DynamicSchemaManager) CreateTableFromMapping(
	ctx context.Context,
	tableName string,
	mapping *canonical.Mapping,
	ordered bool,
) error {
	generate := m.OrderedTableDDL
	if !ordered {
		generate = m.AlphabeticalTableDDL
	}

	ddl, err := generate(tableName, mapping)
	if err != nil {
		return err
	}

	if _, err := m.conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create table %s: %w", tableName, err)
	}

	m.logger.Info("Created canonical table",
		slog.String("table", tableName),
		slog.String("scd_type", string(m.schema.SCDTypeOf(mapping))),
		slog.Bool("ordered", ordered),
	)

	return nil
}

// TableColumns returns the table's current column names in position order.
func (m *DynamicSchemaManager) TableColumns(ctx context.Context, tableName string) ([]string, error) {
	if err := validateTableName(tableName); err != nil {
		return nil, err
	}

	rows, err := m.conn.QueryContext(ctx,
		`SELECT name FROM system.columns WHERE database = currentDatabase() AND table = ? ORDER BY position`,
		tableName,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read columns for %s: %w", tableName, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var columns []string

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan column name: %w", err)
		}

		columns = append(columns, name)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate columns for %s: %w", tableName, err)
	}

	return columns, nil
}

// UpdateTableSchema evolves an existing table additively: columns the mapping
// expects but the table lacks are added with ALTER TABLE. Nothing is ever
// dropped or retyped here. Returns the added column names.
func (m *DynamicSchemaManager) UpdateTableSchema(
	ctx context.Context,
	tableName string,
	mapping *canonical.Mapping,
) ([]string, error) {
	existing, err := m.TableColumns(ctx, tableName)
	if err != nil {
		return nil, err
	}

	existingSet := make(map[string]struct{}, len(existing))
	for _, name := range existing {
		existingSet[name] = struct{}{}
	}

	var added []string

	for _, col := range m.OrderedColumns(mapping) {
		if _, ok := existingSet[col.Name]; ok {
			continue
		}

		alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s",
			tableName, col.Name, col.Type)

		if _, err := m.conn.ExecContext(ctx, alter); err != nil {
			return added, fmt.Errorf("failed to add column %s to %s: %w", col.Name, tableName, err)
		}

		added = append(added, col.Name)
	}

	if len(added) > 0 {
		m.logger.Info("Evolved canonical table schema",
			slog.String("table", tableName),
			slog.Int("columns_added", len(added)),
		)
	}

	return added, nil
}

// RecreateTableWithOrderedSchema drops and recreates the table with the full
// ordered schema. Destructive: every stored row is lost. Only the explicit
// migration CLI path calls this, never the pipeline.
func (m *DynamicSchemaManager) RecreateTableWithOrderedSchema(
	ctx context.Context,
	tableName string,
	mapping *canonical.Mapping,
) error {
	if err := validateTableName(tableName); err != nil {
		return err
	}

	if _, err := m.conn.ExecContext(ctx, "DROP TABLE IF EXISTS "+tableName); err != nil {
		return fmt.Errorf("failed to drop table %s: %w", tableName, err)
	}

	m.logger.Warn("Dropped canonical table for ordered recreate", slog.String("table", tableName))

	return m.CreateTableFromMapping(ctx, tableName, mapping, true)
}

// ValidateAlignment compares the mapping-derived column set against the
// table's actual columns.
func (m *DynamicSchemaManager) ValidateAlignment(
	ctx context.Context,
	tableName string,
	mapping *canonical.Mapping,
) (canonical.AlignmentReport, error) {
	actual, err := m.TableColumns(ctx, tableName)
	if err != nil {
		return canonical.AlignmentReport{}, err
	}

	expected := make([]string, 0)
	for _, col := range m.OrderedColumns(mapping) {
		expected = append(expected, col.Name)
	}

	return m.schema.ValidateSchemaAlignment(expected, actual), nil
}

// stripNullable unwraps Nullable(...) so a column can participate in the
// sort key.
func stripNullable(colType string) string {
	if strings.HasPrefix(colType, "Nullable(") && strings.HasSuffix(colType, ")") {
		return colType[len("Nullable(") : len(colType)-1]
	}

	return colType
}

// validateTableName restricts table names to safe identifier characters.
func validateTableName(tableName string) error {
	if tableName == "" {
		return fmt.Errorf("%w: empty", ErrTableNameInvalid)
	}

	for _, r := range tableName {
		valid := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '_'
		if !valid {
			return fmt.Errorf("%w: %q", ErrTableNameInvalid, tableName)
		}
	}

	return nil
}
