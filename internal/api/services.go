package api

import (
	"context"
	"fmt"

	"github.com/avesa-io/avesa/internal/canonical"
	"github.com/avesa-io/avesa/internal/scd"
	"github.com/avesa-io/avesa/internal/storage"
)

type (
	// DriftReport describes how a canonical table's stored schema compares
	// to its mapping-derived schema.
	DriftReport struct {
		Table     string                    `json:"table"`
		SCDType   canonical.SCDType         `json:"scd_type"`  //nolint: tagliatelle
		Alignment canonical.AlignmentReport `json:"alignment"` //nolint: tagliatelle
	}

	// SchemaService reports schema drift for canonical tables.
	SchemaService interface {
		Drift(ctx context.Context, tableName string) (*DriftReport, error)
	}

	// AuditService runs SCD integrity audits over canonical tables.
	AuditService interface {
		Audit(ctx context.Context, tableName string, repair bool) (*storage.AuditResult, error)
	}

	// PipelineService exposes the transformation pipeline's schema and
	// integrity operations to the API. It composes the canonical mapper,
	// the dynamic schema manager, and the integrity store.
	PipelineService struct {
		mapper        *canonical.Mapper
		schema        *storage.DynamicSchemaManager
		integrity     *storage.IntegrityStore
		scdConfig     *scd.ConfigManager
		mappingBucket string
	}
)

var (
	_ SchemaService = (*PipelineService)(nil)
	_ AuditService  = (*PipelineService)(nil)
)

// NewPipelineService wires the pipeline components behind the API's service
// interfaces. mappingBucket may be empty when object store mappings are not
// configured.
func NewPipelineService(
	mapper *canonical.Mapper,
	schema *storage.DynamicSchemaManager,
	integrity *storage.IntegrityStore,
	scdConfig *scd.ConfigManager,
	mappingBucket string,
) *PipelineService {
	return &PipelineService{
		mapper:        mapper,
		schema:        schema,
		integrity:     integrity,
		scdConfig:     scdConfig,
		mappingBucket: mappingBucket,
	}
}

// Drift resolves the table's mapping and compares the derived column set
// against the live ClickHouse schema.
func (s *PipelineService) Drift(ctx context.Context, tableName string) (*DriftReport, error) {
	mapping, err := s.mapper.LoadMapping(ctx, tableName, s.mappingBucket)
	if err != nil {
		return nil, fmt.Errorf("failed to load mapping for %s: %w", tableName, err)
	}

	scdType, err := s.scdConfig.ResolveType(tableName)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve scd type for %s: %w", tableName, err)
	}

	alignment, err := s.schema.ValidateAlignment(ctx, tableName, mapping)
	if err != nil {
		return nil, fmt.Errorf("failed to validate alignment for %s: %w", tableName, err)
	}

	return &DriftReport{
		Table:     tableName,
		SCDType:   scdType,
		Alignment: alignment,
	}, nil
}

// Audit runs one integrity pass over the table. The natural key column is
// derived from the table's mapping.
func (s *PipelineService) Audit(
	ctx context.Context,
	tableName string,
	repair bool,
) (*storage.AuditResult, error) {
	mapping, err := s.mapper.LoadMapping(ctx, tableName, s.mappingBucket)
	if err != nil {
		return nil, fmt.Errorf("failed to load mapping for %s: %w", tableName, err)
	}

	naturalKey := s.schema.NaturalKeyColumn(mapping)

	return s.integrity.Audit(ctx, tableName, naturalKey, repair)
}
