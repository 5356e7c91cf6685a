package ingestion

import (
	"errors"
	"fmt"
	"regexp"
)

// Sentinel errors for validation failures.
var (
	ErrNilRecord             = errors.New("record cannot be nil")
	ErrMissingTenantID       = errors.New("tenant_id is required")
	ErrInvalidTenantID       = errors.New("tenant_id contains invalid characters")
	ErrMissingSourceSystem   = errors.New("source_system is required")
	ErrMissingCanonicalTable = errors.New("canonical_table is required")
	ErrMissingOccurredAt     = errors.New("occurred_at is required")
	ErrEmptyPayload          = errors.New("payload is required")
)

// tenantIDPattern is pre-compiled once; tenant IDs end up in storage
// predicates and partition keys, so the character set is restricted.
var tenantIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// Validator performs semantic validation of raw record envelopes before they
// reach the transformation stage. Validation is per-record: one bad record is
// skipped and logged, never a reason to stall the consumer.
type Validator struct{}

// NewValidator creates a new Validator instance.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks a raw record envelope for the fields the pipeline cannot
// proceed without. The payload contents are not validated here; field-level
// mismatches degrade to omitted canonical fields during transformation.
func (v *Validator) Validate(record *RawRecord) error {
	if record == nil {
		return ErrNilRecord
	}

	if record.TenantID == "" {
		return ErrMissingTenantID
	}

	if !tenantIDPattern.MatchString(record.TenantID) {
		return fmt.Errorf("%w: %q", ErrInvalidTenantID, record.TenantID)
	}

	if record.SourceSystem == "" {
		return ErrMissingSourceSystem
	}

	if record.CanonicalTable == "" {
		return ErrMissingCanonicalTable
	}

	if record.OccurredAt.IsZero() {
		return ErrMissingOccurredAt
	}

	if len(record.Payload) == 0 {
		return ErrEmptyPayload
	}

	return nil
}
