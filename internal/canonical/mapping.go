// Package canonical implements the canonical mapping and transformation core
// of the AVESA pipeline.
//
// Heterogeneous raw records from PSA/CRM source systems (ConnectWise,
// Salesforce, ServiceNow) are mapped into tenant-scoped canonical records
// with deterministic content hashes for change detection. The package is
// single-record, single-threaded and stateless aside from the mapping cache
// owned by each Mapper instance, so it is safe to invoke from multiple worker
// processes in parallel.
package canonical

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// SCDType identifies how historical versions of a canonical table are retained.
type SCDType string

const (
	// SCDType1 overwrites in place: only the current version of each
	// (tenant_id, natural_key) exists in storage.
	SCDType1 SCDType = "type_1"

	// SCDType2 retains full history: every version is kept, and exactly one
	// row per (tenant_id, natural_key) is current at any time.
	SCDType2 SCDType = "type_2"
)

// IsValid reports whether the SCD type is one of the two supported values.
func (t SCDType) IsValid() bool {
	return t == SCDType1 || t == SCDType2
}

// HistoryTracking reports whether the SCD type retains superseded versions.
func (t SCDType) HistoryTracking() bool {
	return t == SCDType2
}

// Standard metadata field names stamped onto every canonical record.
// The three history fields are present only on type_2 tables.
const (
	FieldTenantID           = "tenant_id"
	FieldIngestionTimestamp = "ingestion_timestamp"
	FieldRecordHash         = "record_hash"
	FieldEffectiveStartDate = "effective_start_date"
	FieldEffectiveEndDate   = "effective_end_date"
	FieldIsCurrent          = "is_current"

	FieldSourceSystem   = "source_system"
	FieldSourceTable    = "source_table"
	FieldCanonicalTable = "canonical_table"
)

// Reserved top-level keys in a canonical mapping file. Every other top-level
// key names a source service.
const (
	keySCDType    = "scd_type"
	keyFieldTypes = "field_types"
)

// Sentinel errors for mapping load and parse operations.
var (
	// ErrMappingNotFound is returned when no mapping file exists for a table.
	ErrMappingNotFound = errors.New("canonical mapping not found")

	// ErrMappingMalformed is returned when a mapping file exists but cannot be
	// parsed. A malformed mapping is never silently replaced with a default.
	ErrMappingMalformed = errors.New("canonical mapping malformed")

	// ErrInvalidSCDType is returned when a mapping declares an scd_type other
	// than type_1 or type_2.
	ErrInvalidSCDType = errors.New("invalid scd_type: must be type_1 or type_2")
)

type (
	// FieldMap maps canonical field names to source field paths. Nested source
	// paths use the "__" separator: "status__name" means record["status"]["name"].
	FieldMap map[string]string

	// Mapping is the canonical mapping definition for one canonical table.
	// Loaded once and never mutated afterwards; callers cache it.
	Mapping struct {
		// Services maps source service name -> endpoint path -> field map.
		Services map[string]map[string]FieldMap

		// FieldTypes holds explicit storage types declared in the mapping file.
		// Explicit declarations always win over inference.
		FieldTypes map[string]string

		// FieldOrder preserves the declaration order of FieldTypes in the
		// mapping file. Ordered schema generation keeps stored columns visually
		// aligned with the file for human auditability.
		FieldOrder []string

		// SCD is the declared history policy, defaulting to type_1 when the
		// file carries no scd_type key.
		SCD SCDType
	}

	// AlignmentReport is the result of comparing the field set the mapper
	// produces against the columns storage currently has. It is a diagnostic,
	// not an error: callers decide whether drift is tolerable.
	AlignmentReport struct {
		MissingFields []string `json:"missing_fields"` // expected but absent in storage
		ExtraFields   []string `json:"extra_fields"`   // present in storage but not expected
		IsAligned     bool     `json:"is_aligned"`
	}

	// SchemaManager loads canonical mapping definitions and derives the
	// complete field lists used for schema generation.
	SchemaManager struct {
		mappingDir string
	}
)

// NewSchemaManager creates a SchemaManager reading mapping files from the
// given directory. Files are named <table>.json.
func NewSchemaManager(mappingDir string) *SchemaManager {
	return &SchemaManager{mappingDir: mappingDir}
}

// LoadMapping reads the JSON mapping definition for a canonical table.
//
// Returns ErrMappingNotFound when no file exists for the table and
// ErrMappingMalformed when the file exists but cannot be parsed. No caching
// happens at this layer; callers (the Mapper) cache.
func (s *SchemaManager) LoadMapping(tableName string) (*Mapping, error) {
	path := filepath.Join(s.mappingDir, tableName+".json")

	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrMappingNotFound, tableName)
		}

		return nil, fmt.Errorf("failed to read mapping for %s: %w", tableName, err)
	}

	mapping, err := ParseMapping(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrMappingMalformed, tableName, err)
	}

	return mapping, nil
}

// ParseMapping parses the canonical mapping file format:
//
//	{
//	  "connectwise": {"company/companies": {"company_id": "id", ...}},
//	  "salesforce":  {"Account": {"company_id": "Id", ...}},
//	  "field_types": {"company_id": "String", ...},
//	  "scd_type": "type_2"
//	}
//
// Top-level keys other than the reserved scd_type and field_types are source
// service names. The declaration order of field_types is captured for ordered
// schema generation, since Go maps do not preserve JSON key order.
func ParseMapping(data []byte) (*Mapping, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, fmt.Errorf("mapping is not a JSON object: %w", err)
	}

	mapping := &Mapping{
		Services:   make(map[string]map[string]FieldMap),
		FieldTypes: make(map[string]string),
		SCD:        SCDType1,
	}

	for key, raw := range top {
		switch key {
		case keySCDType:
			var declared string
			if err := json.Unmarshal(raw, &declared); err != nil {
				return nil, fmt.Errorf("scd_type must be a string: %w", err)
			}

			scd := SCDType(declared)
			if !scd.IsValid() {
				return nil, fmt.Errorf("%w: got %q", ErrInvalidSCDType, declared)
			}

			mapping.SCD = scd

		case keyFieldTypes:
			types, order, err := parseOrderedStringMap(raw)
			if err != nil {
				return nil, fmt.Errorf("field_types: %w", err)
			}

			mapping.FieldTypes = types
			mapping.FieldOrder = order

		default:
			var endpoints map[string]FieldMap
			if err := json.Unmarshal(raw, &endpoints); err != nil {
				return nil, fmt.Errorf("service %q: endpoint mappings must be objects of field -> source path: %w", key, err)
			}

			mapping.Services[key] = endpoints
		}
	}

	return mapping, nil
}

// parseOrderedStringMap decodes a JSON object of string values while
// preserving key declaration order via a token walk.
func parseOrderedStringMap(raw json.RawMessage) (map[string]string, []string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))

	tok, err := dec.Token()
	if err != nil {
		return nil, nil, err
	}

	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, nil, errors.New("expected a JSON object")
	}

	values := make(map[string]string)

	var order []string

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}

		key, ok := keyTok.(string)
		if !ok {
			return nil, nil, fmt.Errorf("unexpected key token %v", keyTok)
		}

		var value string
		if err := dec.Decode(&value); err != nil {
			return nil, nil, fmt.Errorf("value for %q must be a string: %w", key, err)
		}

		values[key] = value
		order = append(order, key)
	}

	return values, order, nil
}

// CanonicalFields returns the sorted union of canonical field names declared
// across every service and endpoint in the mapping.
func (s *SchemaManager) CanonicalFields(m *Mapping) []string {
	seen := make(map[string]struct{})

	for _, endpoints := range m.Services {
		for _, fields := range endpoints {
			for field := range fields {
				seen[field] = struct{}{}
			}
		}
	}

	fields := make([]string, 0, len(seen))
	for field := range seen {
		fields = append(fields, field)
	}

	sort.Strings(fields)

	return fields
}

// SCDTypeOf returns the mapping's declared SCD type, defaulting to type_1.
func (s *SchemaManager) SCDTypeOf(m *Mapping) SCDType {
	if m == nil || !m.SCD.IsValid() {
		return SCDType1
	}

	return m.SCD
}

// StandardMetadataFields returns the ordered metadata fields appended to every
// canonical table. Type_2 tables carry three additional history fields; the
// order matters for downstream column-ordering consumers.
func (s *SchemaManager) StandardMetadataFields(scdType SCDType) []string {
	fields := []string{FieldTenantID, FieldIngestionTimestamp, FieldRecordHash}

	if scdType.HistoryTracking() {
		fields = append(fields, FieldEffectiveStartDate, FieldEffectiveEndDate, FieldIsCurrent)
	}

	return fields
}

// CompleteSchema returns the alphabetically sorted union of business fields
// and standard metadata fields. Used by legacy alphabetical schema generation.
func (s *SchemaManager) CompleteSchema(canonicalFields []string, scdType SCDType) []string {
	seen := make(map[string]struct{}, len(canonicalFields))
	complete := make([]string, 0, len(canonicalFields)+6)

	for _, field := range canonicalFields {
		if _, dup := seen[field]; dup {
			continue
		}

		seen[field] = struct{}{}

		complete = append(complete, field)
	}

	for _, field := range s.StandardMetadataFields(scdType) {
		if _, dup := seen[field]; dup {
			continue
		}

		seen[field] = struct{}{}

		complete = append(complete, field)
	}

	sort.Strings(complete)

	return complete
}

// ValidateSchemaAlignment compares the field set the mapper produces against
// the columns storage currently exposes. Detects silent schema drift.
func (s *SchemaManager) ValidateSchemaAlignment(expected, actual []string) AlignmentReport {
	expectedSet := make(map[string]struct{}, len(expected))
	for _, field := range expected {
		expectedSet[field] = struct{}{}
	}

	actualSet := make(map[string]struct{}, len(actual))
	for _, field := range actual {
		actualSet[field] = struct{}{}
	}

	report := AlignmentReport{
		MissingFields: []string{},
		ExtraFields:   []string{},
	}

	for _, field := range expected {
		if _, ok := actualSet[field]; !ok {
			report.MissingFields = append(report.MissingFields, field)
		}
	}

	for _, field := range actual {
		if _, ok := expectedSet[field]; !ok {
			report.ExtraFields = append(report.ExtraFields, field)
		}
	}

	sort.Strings(report.MissingFields)
	sort.Strings(report.ExtraFields)

	report.IsAligned = len(report.MissingFields) == 0 && len(report.ExtraFields) == 0

	return report
}
