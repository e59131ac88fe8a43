package model

import (
	"encoding/json"
	"time"
)

// CanonicalRecord is the persisted form of one normalized observation.
type CanonicalRecord struct {
	UploadID     string          `json:"upload_id"`
	RowID        string          `json:"row_id"`
	EntityType   string          `json:"entity_type"`
	Payload      json.RawMessage `json:"payload"`
	Confidence   float64         `json:"confidence"`
	AppliedRules []string        `json:"applied_rules"`
	Warnings     []string        `json:"warnings,omitempty"`
	NormalizedAt time.Time       `json:"normalized_at"`
}

// Key returns the key of the observation this record was derived from.
func (c CanonicalRecord) Key() ObservationKey {
	return ObservationKey{UploadID: c.UploadID, RowID: c.RowID}
}

// RowFailure records why a single observation did not produce a canonical.
type RowFailure struct {
	RowID      string `json:"row_id"`
	Field      string `json:"field,omitempty"`
	RuleID     string `json:"rule_id,omitempty"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
}
