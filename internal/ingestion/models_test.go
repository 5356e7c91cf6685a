package ingestion

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRawRecord(t *testing.T) {
	record, err := ParseRawRecord([]byte(`{
		"tenant_id": "tenant-acme",
		"source_system": "connectwise",
		"endpoint": "company/companies",
		"canonical_table": "companies",
		"occurred_at": "2026-03-15T12:00:00Z",
		"payload": {"id": 19297, "name": "Acme"}
	}`))
	require.NoError(t, err)

	assert.Equal(t, "tenant-acme", record.TenantID)
	assert.Equal(t, "connectwise", record.SourceSystem)
	assert.Equal(t, "company/companies", record.Endpoint)
	assert.Equal(t, "companies", record.CanonicalTable)
	assert.Equal(t, time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC), record.OccurredAt)
	assert.Equal(t, "Acme", record.Payload["name"])
}

func TestParseRawRecordMalformed(t *testing.T) {
	_, err := ParseRawRecord([]byte(`{`))
	assert.Error(t, err)

	_, err = ParseRawRecord([]byte(`"not an object"`))
	assert.Error(t, err)
}
