package canonical

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/avesa-io/avesa/internal/config"
)

// NestedPathSeparator splits source field paths into nested lookup steps:
// "status__name" walks record["status"]["name"].
const NestedPathSeparator = "__"

// identifierFields are coerced to string during transformation. Source
// systems disagree on whether IDs are numbers or strings; storage always
// sees strings so natural keys compare reliably across systems.
var identifierFields = map[string]struct{}{
	"id":         {},
	"company_id": {},
	"contact_id": {},
	"ticket_id":  {},
	"entry_id":   {},
}

// hashExcludedFields are the SCD bookkeeping fields stripped before hashing.
// Two records with identical business content must hash identically even when
// re-ingested at a different time or promoted/demoted in is_current status.
var hashExcludedFields = map[string]struct{}{
	FieldEffectiveStartDate: {},
	FieldEffectiveEndDate:   {},
	FieldIsCurrent:          {},
	FieldRecordHash:         {},
	FieldIngestionTimestamp: {},
}

// timeLayouts are attempted in order when reading a source-supplied update
// timestamp for effective_start_date.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

type (
	// Record is one transformed canonical record: mapped business fields plus
	// tenant/source provenance and SCD bookkeeping.
	Record map[string]any

	// Mapper transforms raw source records into canonical records.
	//
	// Mapping resolution order: configured mapping directory, then working
	// directory, then the object store under mappings/canonical/, then the
	// compiled-in defaults. Parsed mappings are cached per (table, bucket)
	// with a TTL; Invalidate drops a table's entries explicitly.
	Mapper struct {
		schema   *SchemaManager
		registry *SourceRegistry
		store    ObjectStore
		cache    *mappingCache
		logger   *slog.Logger
		now      func() time.Time
	}

	// MapperOption configures optional Mapper behavior.
	MapperOption func(*Mapper)
)

// WithObjectStore sets the remote object store used as the third
// mapping-resolution tier. If not set, that tier is skipped.
func WithObjectStore(store ObjectStore) MapperOption {
	return func(m *Mapper) {
		m.store = store
	}
}

// WithCacheTTL overrides the default mapping cache TTL.
func WithCacheTTL(ttl time.Duration) MapperOption {
	return func(m *Mapper) {
		m.cache = newMappingCache(ttl, m.now)
	}
}

// WithClock injects the time source, for deterministic tests.
func WithClock(now func() time.Time) MapperOption {
	return func(m *Mapper) {
		m.now = now
		m.cache = newMappingCache(m.cache.ttl, now)
	}
}

// WithLogger overrides the default JSON logger.
func WithLogger(logger *slog.Logger) MapperOption {
	return func(m *Mapper) {
		m.logger = logger
	}
}

// NewMapper creates a Mapper over the given schema manager and source
// registry. The registry supplies source provenance via reverse lookup; pass
// an empty registry when provenance is unavailable.
func NewMapper(schema *SchemaManager, registry *SourceRegistry, opts ...MapperOption) *Mapper {
	m := &Mapper{
		schema:   schema,
		registry: registry,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("AVESA_LOG_LEVEL", slog.LevelInfo),
		})),
		now: time.Now,
	}

	m.cache = newMappingCache(defaultCacheTTL, m.now)

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// LoadMapping resolves the mapping for a canonical table, consulting in order:
//
//  1. the schema manager's configured mapping directory
//  2. <table>.json in the working directory
//  3. the object store under mappings/canonical/<table>.json (when bucket set)
//  4. the compiled-in default mapping
//
// A genuinely absent mapping falls through to the next tier; a mapping that
// exists but is malformed fails immediately and is never silently replaced.
// Results are cached per (table, bucket) until the TTL expires.
func (m *Mapper) LoadMapping(ctx context.Context, tableType, bucket string) (*Mapping, error) {
	key := cacheKey(tableType, bucket)

	if cached, ok := m.cache.get(key); ok {
		return cached, nil
	}

	mapping, err := m.loadMappingUncached(ctx, tableType, bucket)
	if err != nil {
		return nil, err
	}

	m.cache.put(key, mapping)

	return mapping, nil
}

// Invalidate drops the cached mapping for a table across all buckets.
// Call after a mapping file is redeployed.
func (m *Mapper) Invalidate(tableType string) {
	m.cache.invalidate(tableType)
}

func (m *Mapper) loadMappingUncached(ctx context.Context, tableType, bucket string) (*Mapping, error) {
	// Tier 1: configured mapping directory.
	mapping, err := m.schema.LoadMapping(tableType)
	if err == nil {
		return mapping, nil
	}

	if !errors.Is(err, ErrMappingNotFound) {
		return nil, err
	}

	// Tier 2: working directory.
	if data, readErr := os.ReadFile(tableType + ".json"); readErr == nil {
		mapping, parseErr := ParseMapping(data)
		if parseErr != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrMappingMalformed, tableType, parseErr)
		}

		return mapping, nil
	}

	// Tier 3: remote object store.
	if m.store != nil && bucket != "" {
		data, storeErr := m.store.Get(ctx, MappingKey(tableType))
		if storeErr == nil {
			mapping, parseErr := ParseMapping(data)
			if parseErr != nil {
				return nil, fmt.Errorf("%w: %s: %w", ErrMappingMalformed, tableType, parseErr)
			}

			return mapping, nil
		}

		if !errors.Is(storeErr, ErrObjectNotFound) {
			return nil, storeErr
		}
	}

	// Tier 4: compiled-in default.
	if fallback := DefaultMapping(tableType); fallback != nil {
		m.logger.Warn("no mapping file found, using compiled-in default",
			slog.String("canonical_table", tableType),
		)

		return fallback, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrMappingNotFound, tableType)
}

// SourceMapping resolves which source service/endpoint feeds a canonical
// table via the registry's reverse lookup.
func (m *Mapper) SourceMapping(canonicalTable string) (SourceRef, bool) {
	if m.registry == nil {
		return SourceRef{}, false
	}

	return m.registry.Resolve(canonicalTable)
}

// Transform maps one raw source record into one canonical record.
//
// The second return value is false only when no usable mapping exists (the
// given mapping is empty and the table has no compiled-in default). Callers
// must treat that as "skip this record and log it", never as a batch abort.
//
// Missing source fields are simply omitted; explicit nulls are never written
// for absent fields. Recognized identifier fields are coerced to string.
// SCD bookkeeping fields are always stamped Type-2 style; whether history is
// retained is the storage writer's decision based on the table's SCD type.
// The record hash is computed last, over everything except the bookkeeping
// fields.
func (m *Mapper) Transform(raw map[string]any, mapping *Mapping, canonicalTable, tenantID string) (Record, bool) {
	fields, ok := m.resolveFieldMap(mapping, canonicalTable)
	if !ok {
		m.logger.Warn("no usable mapping, skipping record",
			slog.String("canonical_table", canonicalTable),
			slog.String("tenant_id", tenantID),
		)

		return nil, false
	}

	record := make(Record, len(fields)+9)

	// Deterministic field iteration: output is reproducible across runs.
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		value := NestedValue(raw, fields[name])
		if value == nil {
			continue
		}

		if _, isID := identifierFields[name]; isID {
			value = coerceString(value)
		}

		record[name] = value
	}

	// Tenant scoping. A record without its tenant is unusable downstream, so
	// this is never skipped when a tenant context exists.
	if tenantID != "" {
		record[FieldTenantID] = tenantID
	}

	if ref, resolved := m.SourceMapping(canonicalTable); resolved {
		record[FieldSourceSystem] = ref.Service
		record[FieldSourceTable] = ref.Endpoint
	}

	record[FieldCanonicalTable] = canonicalTable

	now := m.now().UTC()

	record[FieldEffectiveStartDate] = m.effectiveStartDate(record, now)
	record[FieldEffectiveEndDate] = nil
	record[FieldIsCurrent] = true
	record[FieldIngestionTimestamp] = now

	// Hash last: every other field must already be in place.
	record[FieldRecordHash] = RecordHash(record)

	return record, true
}

// resolveFieldMap picks the field map to apply: the one declared for the
// table's resolved source service/endpoint when available, otherwise the
// first declared field map in sorted service/endpoint order. Falls back to
// the compiled-in default mapping when the given mapping is empty.
func (m *Mapper) resolveFieldMap(mapping *Mapping, canonicalTable string) (FieldMap, bool) {
	if mapping == nil || len(mapping.Services) == 0 {
		mapping = DefaultMapping(canonicalTable)
		if mapping == nil {
			return nil, false
		}
	}

	if ref, ok := m.SourceMapping(canonicalTable); ok {
		if endpoints, exists := mapping.Services[ref.Service]; exists {
			if fields, exists := endpoints[ref.Endpoint]; exists && len(fields) > 0 {
				return fields, true
			}
		}
	}

	services := make([]string, 0, len(mapping.Services))
	for service := range mapping.Services {
		services = append(services, service)
	}

	sort.Strings(services)

	for _, service := range services {
		endpoints := mapping.Services[service]

		paths := make([]string, 0, len(endpoints))
		for path := range endpoints {
			paths = append(paths, path)
		}

		sort.Strings(paths)

		for _, path := range paths {
			if fields := endpoints[path]; len(fields) > 0 {
				return fields, true
			}
		}
	}

	return nil, false
}

// effectiveStartDate prefers the record's own source-supplied update
// timestamp; processing time is the fallback.
func (m *Mapper) effectiveStartDate(record Record, now time.Time) time.Time {
	for _, field := range []string{"last_updated", "updated_date"} {
		if value, ok := record[field]; ok {
			if ts, parsed := parseTimeValue(value); parsed {
				return ts.UTC()
			}
		}
	}

	return now
}

// NestedValue walks a raw record along a "__"-separated field path.
//
// At each level an exact key match is attempted first, then a
// case-insensitive match. Any structural mismatch (non-object intermediate,
// missing key) returns nil rather than an error: per-record lookup misses
// degrade to omitted fields.
func NestedValue(record map[string]any, fieldPath string) any {
	parts := strings.Split(fieldPath, NestedPathSeparator)

	var current any = record

	for _, part := range parts {
		node, ok := current.(map[string]any)
		if !ok {
			return nil
		}

		value, found := node[part]
		if !found {
			value, found = lookupFold(node, part)
		}

		if !found {
			return nil
		}

		current = value
	}

	return current
}

// lookupFold retries a key lookup case-insensitively.
func lookupFold(node map[string]any, key string) (any, bool) {
	for candidate, value := range node {
		if strings.EqualFold(candidate, key) {
			return value, true
		}
	}

	return nil, false
}

// RecordHash computes the content hash of a canonical record: SCD bookkeeping
// fields are stripped, the remaining key/value pairs are serialized with keys
// sorted (encoding/json marshals map keys in sorted order), and the result is
// hashed with SHA-256.
//
// The hash is reproducible for identical business content regardless of when
// the record was ingested or whether it is the current version.
func RecordHash(record Record) string {
	content := make(map[string]any, len(record))

	for field, value := range record {
		if _, excluded := hashExcludedFields[field]; excluded {
			continue
		}

		content[field] = value
	}

	serialized, err := json.Marshal(content)
	if err != nil {
		// Raw values come from JSON decoding and are always marshalable; a
		// failure here means a caller handed us something exotic. Hash the
		// error text so the record is still deterministic, not silently empty.
		serialized = []byte(fmt.Sprintf("unhashable:%v", err))
	}

	hash := sha256.Sum256(serialized)

	return hex.EncodeToString(hash[:])
}

// coerceString renders identifier values as strings. Numeric IDs arrive from
// JSON as float64; formatting with -1 precision avoids "123.000000" noise.
func coerceString(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

// parseTimeValue reads a source-supplied timestamp in any accepted layout.
func parseTimeValue(value any) (time.Time, bool) {
	switch v := value.(type) {
	case time.Time:
		return v, true
	case string:
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, v); err == nil {
				return ts, true
			}
		}
	}

	return time.Time{}, false
}
