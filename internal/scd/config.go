// Package scd owns the slowly-changing-dimension policy of the pipeline:
// which canonical tables keep history, and whether the history each table
// already holds is internally consistent.
//
// The detection and repair-planning half is pure: it operates on version rows
// already fetched from storage and never touches a database itself, so the
// invariants are unit-testable without infrastructure.
package scd

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/avesa-io/avesa/internal/canonical"
)

// OverrideFileName is the optional per-deployment override file read from the
// working directory.
const OverrideFileName = ".avesa.yaml"

// ErrOverrideMalformed is returned when the override file exists but cannot
// be parsed. Like mapping files, a present-but-broken override is a loud
// configuration error, never silently ignored.
var ErrOverrideMalformed = errors.New("scd override file malformed")

type (
	// overrideFile is the on-disk shape of .avesa.yaml.
	overrideFile struct {
		SCDOverrides map[string]string `yaml:"scd_overrides"`
	}

	// ConfigManager resolves the SCD type of canonical tables. Resolution
	// order: the table's mapping declaration, then the deployment override
	// file, then type_1.
	ConfigManager struct {
		schema    *canonical.SchemaManager
		overrides map[string]canonical.SCDType
	}
)

// NewConfigManager creates a ConfigManager with no overrides loaded.
func NewConfigManager(schema *canonical.SchemaManager) *ConfigManager {
	return &ConfigManager{
		schema:    schema,
		overrides: make(map[string]canonical.SCDType),
	}
}

// LoadConfigManager creates a ConfigManager and loads overrides from the
// given file path. A missing file is fine; a malformed one is not.
func LoadConfigManager(schema *canonical.SchemaManager, overridePath string) (*ConfigManager, error) {
	manager := NewConfigManager(schema)

	data, err := os.ReadFile(overridePath) //nolint:gosec // path is from trusted config source
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return manager, nil
		}

		return nil, fmt.Errorf("failed to read scd override file %s: %w", overridePath, err)
	}

	if err := manager.applyOverrides(data); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrOverrideMalformed, overridePath, err)
	}

	return manager, nil
}

func (m *ConfigManager) applyOverrides(data []byte) error {
	var file overrideFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return err
	}

	for table, declared := range file.SCDOverrides {
		scd := canonical.SCDType(declared)
		if !scd.IsValid() {
			return fmt.Errorf("%w for table %q: got %q",
				canonical.ErrInvalidSCDType, table, declared)
		}

		m.overrides[table] = scd
	}

	return nil
}

// ResolveType returns the SCD type governing a canonical table.
//
// An explicit scd_type in the mapping is authoritative. The override file
// only fills in tables whose mapping declares nothing; it cannot flip a
// declared type out from under the mapping. Tables with neither are type_1.
// A malformed mapping file propagates as an error.
func (m *ConfigManager) ResolveType(tableName string) (canonical.SCDType, error) {
	mapping, err := m.schema.LoadMapping(tableName)
	if err != nil {
		if !errors.Is(err, canonical.ErrMappingNotFound) {
			return "", err
		}

		mapping = canonical.DefaultMapping(tableName)
	}

	if mapping != nil && mapping.SCD.IsValid() {
		return mapping.SCD, nil
	}

	if override, ok := m.overrides[tableName]; ok {
		return override, nil
	}

	return m.schema.SCDTypeOf(mapping), nil
}

// HistoryTracking reports whether a table retains superseded versions.
func (m *ConfigManager) HistoryTracking(tableName string) (bool, error) {
	scdType, err := m.ResolveType(tableName)
	if err != nil {
		return false, err
	}

	return scdType.HistoryTracking(), nil
}

// FilterTablesByType returns the sorted subset of tables governed by the
// given SCD type. Used by the audit scheduler to enumerate type_2 tables.
func (m *ConfigManager) FilterTablesByType(tables []string, scdType canonical.SCDType) ([]string, error) {
	var matched []string

	for _, table := range tables {
		resolved, err := m.ResolveType(table)
		if err != nil {
			return nil, err
		}

		if resolved == scdType {
			matched = append(matched, table)
		}
	}

	sort.Strings(matched)

	return matched, nil
}
