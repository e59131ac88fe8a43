package model

import (
	"fmt"
	"time"
)

// ObservationKey uniquely identifies an observation.
type ObservationKey struct {
	UploadID string `json:"upload_id"`
	RowID    string `json:"row_id"`
}

func (k ObservationKey) String() string {
	return fmt.Sprintf("%s/%s", k.UploadID, k.RowID)
}

// Observation is a raw extracted row. Downstream stages read it and never
// write it back.
type Observation struct {
	UploadID      string         `json:"upload_id"`
	RowID         string         `json:"row_id"`
	RawFields     map[string]any `json:"raw_fields"`
	SourceID      string         `json:"source_id"`
	SourceVersion string         `json:"source_version"`
	ExtractedAt   time.Time      `json:"extracted_at"`
}

// Key returns the composite key of the observation.
func (o Observation) Key() ObservationKey {
	return ObservationKey{UploadID: o.UploadID, RowID: o.RowID}
}

// ObservationKey satisfies normalize.Input.
func (o Observation) ObservationKey() ObservationKey {
	return o.Key()
}

// Raw satisfies normalize.Input.
func (o Observation) Raw() map[string]any {
	return o.RawFields
}

// RowID formats a zero-based row index so that textual and numeric order agree.
func RowID(index int) string {
	return fmt.Sprintf("%08d", index)
}
