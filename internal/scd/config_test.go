package scd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avesa-io/avesa/internal/canonical"
)

func TestResolveTypeFromMapping(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "companies.json", `{
		"connectwise": {"company/companies": {"company_id": "id"}},
		"scd_type": "type_2"
	}`)
	writeFile(t, dir, "time_entries.json", `{
		"connectwise": {"time/entries": {"entry_id": "id"}}
	}`)

	manager := NewConfigManager(canonical.NewSchemaManager(dir))

	scdType, err := manager.ResolveType("companies")
	require.NoError(t, err)
	assert.Equal(t, canonical.SCDType2, scdType)

	// No scd_type declared: type_1 is the default.
	scdType, err = manager.ResolveType("time_entries")
	require.NoError(t, err)
	assert.Equal(t, canonical.SCDType1, scdType)
}

func TestResolveTypeFallsBackToCompiledDefault(t *testing.T) {
	manager := NewConfigManager(canonical.NewSchemaManager(t.TempDir()))

	// No mapping file anywhere, but "tickets" has a compiled-in default.
	scdType, err := manager.ResolveType("tickets")
	require.NoError(t, err)
	assert.Equal(t, canonical.SCDType2, scdType)

	// Entirely unknown tables default to type_1.
	scdType, err = manager.ResolveType("unknown_table")
	require.NoError(t, err)
	assert.Equal(t, canonical.SCDType1, scdType)
}

func TestResolveTypePropagatesMalformedMapping(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "companies.json", `{"broken":`)

	manager := NewConfigManager(canonical.NewSchemaManager(dir))

	_, err := manager.ResolveType("companies")
	assert.ErrorIs(t, err, canonical.ErrMappingMalformed)
}

func TestLoadConfigManagerOverrides(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "companies.json", `{
		"connectwise": {"company/companies": {"company_id": "id"}},
		"scd_type": "type_2"
	}`)
	writeFile(t, dir, "projects.json", `{
		"connectwise": {"project/projects": {"project_id": "id"}}
	}`)

	overridePath := filepath.Join(dir, OverrideFileName)
	writeFile(t, dir, OverrideFileName,
		"scd_overrides:\n  companies: type_1\n  projects: type_2\n")

	manager, err := LoadConfigManager(canonical.NewSchemaManager(dir), overridePath)
	require.NoError(t, err)

	// An explicit mapping declaration is not overridable.
	scdType, err := manager.ResolveType("companies")
	require.NoError(t, err)
	assert.Equal(t, canonical.SCDType2, scdType)

	// The override fills in tables whose mapping declares nothing.
	scdType, err = manager.ResolveType("projects")
	require.NoError(t, err)
	assert.Equal(t, canonical.SCDType2, scdType)
}

func TestLoadConfigManagerMissingOverrideFileIsFine(t *testing.T) {
	manager, err := LoadConfigManager(
		canonical.NewSchemaManager(t.TempDir()),
		filepath.Join(t.TempDir(), OverrideFileName),
	)
	require.NoError(t, err)
	assert.NotNil(t, manager)
}

func TestLoadConfigManagerRejectsMalformedOverrides(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
	}{
		{"broken yaml", "scd_overrides: ["},
		{"invalid scd type", "scd_overrides:\n  companies: type_9\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o600))

			_, err := LoadConfigManager(canonical.NewSchemaManager(dir), path)
			assert.ErrorIs(t, err, ErrOverrideMalformed)
		})
	}
}

func TestHistoryTracking(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "companies.json", `{"scd_type": "type_2"}`)
	writeFile(t, dir, "time_entries.json", `{"scd_type": "type_1"}`)

	manager := NewConfigManager(canonical.NewSchemaManager(dir))

	tracking, err := manager.HistoryTracking("companies")
	require.NoError(t, err)
	assert.True(t, tracking)

	tracking, err = manager.HistoryTracking("time_entries")
	require.NoError(t, err)
	assert.False(t, tracking)
}

func TestFilterTablesByType(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "companies.json", `{"scd_type": "type_2"}`)
	writeFile(t, dir, "tickets.json", `{"scd_type": "type_2"}`)
	writeFile(t, dir, "time_entries.json", `{"scd_type": "type_1"}`)

	manager := NewConfigManager(canonical.NewSchemaManager(dir))

	tables := []string{"time_entries", "tickets", "companies"}

	type2, err := manager.FilterTablesByType(tables, canonical.SCDType2)
	require.NoError(t, err)
	assert.Equal(t, []string{"companies", "tickets"}, type2)

	type1, err := manager.FilterTablesByType(tables, canonical.SCDType1)
	require.NoError(t, err)
	assert.Equal(t, []string{"time_entries"}, type1)
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}
