package canonical

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownBaseType is returned when a declared field type's base type is not
// in the ClickHouse primitive allow-list.
var ErrUnknownBaseType = errors.New("unknown base type")

// metadataFieldTypes are the fixed storage types of the standard metadata
// fields. These are not inferable and never overridden by pattern rules.
var metadataFieldTypes = map[string]string{
	FieldTenantID:           "String",
	FieldIngestionTimestamp: "DateTime DEFAULT now()",
	FieldRecordHash:         "String",
	FieldEffectiveStartDate: "DateTime",
	FieldEffectiveEndDate:   "Nullable(DateTime)",
	FieldIsCurrent:          "Bool DEFAULT true",
	FieldSourceSystem:       "LowCardinality(String)",
	FieldSourceTable:        "LowCardinality(String)",
	FieldCanonicalTable:     "LowCardinality(String)",
}

// exactFieldTypes resolves well-known business fields by exact name before any
// pattern rule runs.
var exactFieldTypes = map[string]string{
	"annual_revenue":      "Nullable(Float64)",
	"number_of_employees": "Nullable(UInt32)",
	"budget_hours":        "Nullable(Float64)",
	"actual_hours":        "Nullable(Float64)",
	"last_updated":        "Nullable(DateTime)",
	"closed_date":         "Nullable(DateTime)",
	"deleted_flag":        "Nullable(Bool)",
}

// suffixRules apply after the exact-name table, in declaration order.
var suffixRules = []patternRule{
	{"_id", "Nullable(String)"},
	{"_flag", "Nullable(Bool)"},
	{"_date", "Nullable(DateTime)"},
	{"_hours", "Nullable(Float64)"},
	{"_count", "Nullable(UInt32)"},
}

// substringRules apply after suffix rules, in declaration order. Phone and
// fax come before the numeric rules: those fields frequently contain
// formatting characters and must never be inferred as numeric even when the
// field name also contains "number".
var substringRules = []patternRule{
	{"phone", "Nullable(String)"},
	{"fax", "Nullable(String)"},
	{"revenue", "Nullable(Float64)"},
	{"amount", "Nullable(Float64)"},
	{"number", "Nullable(Int64)"},
}

// allowedBaseTypes is the allow-list for explicitly declared field types,
// checked after stripping a Nullable(...) wrapper and any DEFAULT clause.
var allowedBaseTypes = map[string]struct{}{
	"String":         {},
	"FixedString":    {},
	"LowCardinality": {},
	"UInt8":          {},
	"UInt16":         {},
	"UInt32":         {},
	"UInt64":         {},
	"Int8":           {},
	"Int16":          {},
	"Int32":          {},
	"Int64":          {},
	"Float32":        {},
	"Float64":        {},
	"Bool":           {},
	"Date":           {},
	"DateTime":       {},
	"DateTime64":     {},
	"UUID":           {},
	"Decimal":        {},
}

type patternRule struct {
	pattern    string
	resultType string
}

// TypeMapper resolves canonical field names to ClickHouse column types.
//
// Resolution is three-tier: an explicit declaration in the mapping file wins
// always, then the fixed types of standard metadata fields, then pattern-based
// inference (exact name, suffix, substring) with Nullable(String) as the
// final fallback.
type TypeMapper struct{}

// NewTypeMapper creates a TypeMapper.
func NewTypeMapper() *TypeMapper {
	return &TypeMapper{}
}

// ClickHouseType resolves the storage type for a canonical field.
// The mapping may be nil, in which case only tiers 2 and 3 apply.
func (t *TypeMapper) ClickHouseType(fieldName string, mapping *Mapping) string {
	// Tier 1: explicit declaration wins always.
	if mapping != nil {
		if declared, ok := mapping.FieldTypes[fieldName]; ok {
			return declared
		}
	}

	// Tier 2: fixed metadata types.
	if fixed, ok := metadataFieldTypes[fieldName]; ok {
		return fixed
	}

	// Tier 3: pattern-based inference.
	return inferType(fieldName)
}

// inferType applies exact-name, suffix, then substring rules.
func inferType(fieldName string) string {
	name := strings.ToLower(fieldName)

	if exact, ok := exactFieldTypes[name]; ok {
		return exact
	}

	for _, rule := range suffixRules {
		if strings.HasSuffix(name, rule.pattern) {
			return rule.resultType
		}
	}

	for _, rule := range substringRules {
		if strings.Contains(name, rule.pattern) {
			return rule.resultType
		}
	}

	return "Nullable(String)"
}

// ValidateFieldTypes confirms each declared type's base type is a known
// ClickHouse primitive. Returns one error per offending declaration.
func (t *TypeMapper) ValidateFieldTypes(fieldTypes map[string]string) []error {
	var errs []error

	for field, declared := range fieldTypes {
		base := BaseType(declared)
		if _, ok := allowedBaseTypes[base]; !ok {
			errs = append(errs, fmt.Errorf("%w: field %q declares %q (base %q)",
				ErrUnknownBaseType, field, declared, base))
		}
	}

	return errs
}

// BaseType strips a Nullable(...) wrapper, any trailing DEFAULT clause, and
// type parameters, leaving the bare primitive name.
//
// Examples:
//
//	BaseType("Nullable(Float64)")          // "Float64"
//	BaseType("Bool DEFAULT true")          // "Bool"
//	BaseType("DateTime64(3)")              // "DateTime64"
//	BaseType("LowCardinality(String)")     // "LowCardinality"
func BaseType(declared string) string {
	base := strings.TrimSpace(declared)

	// Strip a trailing DEFAULT clause.
	if idx := strings.Index(base, " DEFAULT "); idx != -1 {
		base = base[:idx]
	}

	// Unwrap Nullable(...).
	if strings.HasPrefix(base, "Nullable(") && strings.HasSuffix(base, ")") {
		base = base[len("Nullable(") : len(base)-1]
	}

	// Drop type parameters: DateTime64(3) -> DateTime64.
	if idx := strings.Index(base, "("); idx != -1 {
		base = base[:idx]
	}

	return strings.TrimSpace(base)
}
