package canonical

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const companiesMappingJSON = `{
	"connectwise": {
		"company/companies": {
			"company_id": "id",
			"company_name": "name",
			"status": "status__name",
			"phone_number": "phoneNumber",
			"annual_revenue": "annualRevenue",
			"last_updated": "_info__lastUpdated"
		}
	},
	"salesforce": {
		"Account": {
			"company_id": "Id",
			"company_name": "Name",
			"phone_number": "Phone"
		}
	},
	"field_types": {
		"company_id": "String",
		"company_name": "Nullable(String)",
		"annual_revenue": "Nullable(Float64)"
	},
	"scd_type": "type_2"
}`

func TestParseMapping(t *testing.T) {
	mapping, err := ParseMapping([]byte(companiesMappingJSON))
	require.NoError(t, err)

	assert.Equal(t, SCDType2, mapping.SCD)
	assert.Len(t, mapping.Services, 2)
	assert.Equal(t, "id", mapping.Services["connectwise"]["company/companies"]["company_id"])
	assert.Equal(t, "Id", mapping.Services["salesforce"]["Account"]["company_id"])
	assert.Equal(t, "Nullable(Float64)", mapping.FieldTypes["annual_revenue"])
}

func TestParseMappingPreservesFieldTypeOrder(t *testing.T) {
	mapping, err := ParseMapping([]byte(companiesMappingJSON))
	require.NoError(t, err)

	// Go maps do not preserve JSON key order; FieldOrder must.
	assert.Equal(t, []string{"company_id", "company_name", "annual_revenue"}, mapping.FieldOrder)
}

func TestParseMappingDefaultsToType1(t *testing.T) {
	mapping, err := ParseMapping([]byte(`{"connectwise": {"time/entries": {"entry_id": "id"}}}`))
	require.NoError(t, err)

	assert.Equal(t, SCDType1, mapping.SCD)
}

func TestParseMappingRejectsInvalidSCDType(t *testing.T) {
	_, err := ParseMapping([]byte(`{"scd_type": "type_3"}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidSCDType)
}

func TestParseMappingRejectsNonObject(t *testing.T) {
	_, err := ParseMapping([]byte(`["not", "an", "object"]`))
	assert.Error(t, err)
}

func TestParseMappingRejectsMalformedService(t *testing.T) {
	_, err := ParseMapping([]byte(`{"connectwise": "not an endpoint map"}`))
	assert.Error(t, err)
}

func TestSchemaManagerLoadMapping(t *testing.T) {
	dir := t.TempDir()
	writeMappingFile(t, dir, "companies.json", companiesMappingJSON)

	manager := NewSchemaManager(dir)

	mapping, err := manager.LoadMapping("companies")
	require.NoError(t, err)
	assert.Equal(t, SCDType2, mapping.SCD)
}

func TestSchemaManagerLoadMappingNotFound(t *testing.T) {
	manager := NewSchemaManager(t.TempDir())

	_, err := manager.LoadMapping("no_such_table")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMappingNotFound)
}

func TestSchemaManagerLoadMappingMalformed(t *testing.T) {
	dir := t.TempDir()
	writeMappingFile(t, dir, "companies.json", `{"broken":`)

	manager := NewSchemaManager(dir)

	_, err := manager.LoadMapping("companies")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMappingMalformed)
	assert.False(t, errors.Is(err, ErrMappingNotFound))
}

func TestCanonicalFields(t *testing.T) {
	mapping, err := ParseMapping([]byte(companiesMappingJSON))
	require.NoError(t, err)

	manager := NewSchemaManager("")
	fields := manager.CanonicalFields(mapping)

	// Sorted union across both services: fields declared only by ConnectWise
	// still appear, and duplicates collapse.
	assert.Equal(t, []string{
		"annual_revenue", "company_id", "company_name",
		"last_updated", "phone_number", "status",
	}, fields)
}

func TestStandardMetadataFields(t *testing.T) {
	manager := NewSchemaManager("")

	type1 := manager.StandardMetadataFields(SCDType1)
	assert.Equal(t, []string{FieldTenantID, FieldIngestionTimestamp, FieldRecordHash}, type1)

	type2 := manager.StandardMetadataFields(SCDType2)
	assert.Equal(t, []string{
		FieldTenantID, FieldIngestionTimestamp, FieldRecordHash,
		FieldEffectiveStartDate, FieldEffectiveEndDate, FieldIsCurrent,
	}, type2)
}

func TestCompleteSchema(t *testing.T) {
	manager := NewSchemaManager("")

	complete := manager.CompleteSchema([]string{"company_id", "company_name", "company_id"}, SCDType2)

	assert.Equal(t, []string{
		"company_id", "company_name",
		FieldEffectiveEndDate, FieldEffectiveStartDate,
		FieldIngestionTimestamp, FieldIsCurrent, FieldRecordHash, FieldTenantID,
	}, complete)
}

func TestValidateSchemaAlignment(t *testing.T) {
	manager := NewSchemaManager("")

	tests := []struct {
		name     string
		expected []string
		actual   []string
		want     AlignmentReport
	}{
		{
			name:     "aligned",
			expected: []string{"company_id", "tenant_id"},
			actual:   []string{"tenant_id", "company_id"},
			want:     AlignmentReport{MissingFields: []string{}, ExtraFields: []string{}, IsAligned: true},
		},
		{
			name:     "missing in storage",
			expected: []string{"company_id", "status"},
			actual:   []string{"company_id"},
			want:     AlignmentReport{MissingFields: []string{"status"}, ExtraFields: []string{}, IsAligned: false},
		},
		{
			name:     "extra in storage",
			expected: []string{"company_id"},
			actual:   []string{"company_id", "legacy_column"},
			want:     AlignmentReport{MissingFields: []string{}, ExtraFields: []string{"legacy_column"}, IsAligned: false},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := manager.ValidateSchemaAlignment(tt.expected, tt.actual)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSCDTypeOf(t *testing.T) {
	manager := NewSchemaManager("")

	assert.Equal(t, SCDType1, manager.SCDTypeOf(nil))
	assert.Equal(t, SCDType1, manager.SCDTypeOf(&Mapping{}))
	assert.Equal(t, SCDType2, manager.SCDTypeOf(&Mapping{SCD: SCDType2}))
}

func writeMappingFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}
