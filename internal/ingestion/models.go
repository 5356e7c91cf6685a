// Package ingestion consumes raw source records from Kafka and drives them
// through canonical transformation into storage.
package ingestion

import (
	"encoding/json"
	"fmt"
	"time"
)

// RawRecord is the wire envelope produced by the per-service extractors. One
// Kafka message carries one raw record from one source system endpoint.
type RawRecord struct {
	//nolint:tagliatelle // snake_case is intentional for the wire format
	TenantID string `json:"tenant_id"`
	//nolint:tagliatelle // snake_case is intentional for the wire format
	SourceSystem string `json:"source_system"`
	// Endpoint is the source API path the payload came from
	// (e.g. "company/companies").
	Endpoint string `json:"endpoint"`
	//nolint:tagliatelle // snake_case is intentional for the wire format
	CanonicalTable string `json:"canonical_table"`
	//nolint:tagliatelle // snake_case is intentional for the wire format
	OccurredAt time.Time `json:"occurred_at"`
	// Payload is the untouched source record as the extractor fetched it.
	Payload map[string]any `json:"payload"`
}

// ParseRawRecord decodes one Kafka message value into a RawRecord.
func ParseRawRecord(data []byte) (*RawRecord, error) {
	var record RawRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("malformed raw record envelope: %w", err)
	}

	return &record, nil
}
