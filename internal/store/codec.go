package store

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/truth-pipeline/internal/model"
)

// uploadColumns is the column order every upload scan expects.
const uploadColumns = `id, status, entity_type, source_ref, filename, content_type, charset,
	priority, retry_count, created_at, updated_at, stage_started_at, next_attempt_at,
	error, needs_review, cancel_requested, claim_id,
	observation_count, canonical_count, failure_count, log_refs`

func marshalUploadError(e *model.UploadError) ([]byte, error) {
	if e == nil {
		return nil, nil
	}
	b, err := json.Marshal(e)
	return b, eris.Wrap(err, "marshal upload error")
}

func unmarshalUploadError(b []byte) (*model.UploadError, error) {
	if len(b) == 0 || string(b) == "null" {
		return nil, nil
	}
	var e model.UploadError
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, eris.Wrap(err, "unmarshal upload error")
	}
	return &e, nil
}

func marshalJSON(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	return b, eris.Wrap(err, "marshal json")
}

func unmarshalStrings(b []byte) ([]string, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, eris.Wrap(err, "unmarshal string list")
	}
	return out, nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
