package normalize

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/truth-pipeline/internal/model"
)

// Summary is what the normalize stage reports to the orchestrator.
type Summary struct {
	Canonicals int
	Failures   []model.RowFailure
	Warnings   int
}

// UploadNormalizer normalizes every observation of one upload.
type UploadNormalizer interface {
	EntityType() string
	NormalizeUpload(ctx context.Context, upload *model.Upload, obs []model.Observation) (*Summary, error)
}

// CanonicalSink persists the canonicals of an upload, replacing any from an
// earlier normalization. claimID is the claim the run holds; the sink
// rejects the write once the claim is gone.
type CanonicalSink interface {
	ReplaceCanonicals(ctx context.Context, uploadID, claimID string, records []model.CanonicalRecord) error
}

// Stage runs a Normalizer over observations and persists the results.
type Stage[C any] struct {
	normalizer *Normalizer[model.Observation, C]
	sink       CanonicalSink
}

// NewStage creates a stage. sink may be nil, in which case canonicals are
// counted but not stored.
func NewStage[C any](n *Normalizer[model.Observation, C], sink CanonicalSink) *Stage[C] {
	return &Stage[C]{normalizer: n, sink: sink}
}

// EntityType returns the entity type the stage handles.
func (s *Stage[C]) EntityType() string {
	return s.normalizer.EntityType()
}

// NormalizeUpload normalizes obs. Row failures, including canonicals that
// cannot be serialized, are reported in the summary; an error means the
// stage itself failed and nothing was persisted.
func (s *Stage[C]) NormalizeUpload(ctx context.Context, upload *model.Upload, obs []model.Observation) (*Summary, error) {
	batch, err := s.normalizer.NormalizeBatch(ctx, obs)
	if err != nil {
		return nil, eris.Wrapf(err, "normalize: upload %s", upload.ID)
	}

	now := s.normalizer.opts.now().UTC()
	results := batch.Results()
	records := make([]model.CanonicalRecord, 0, len(results))
	failures := batch.Failures()
	warnings := 0
	for _, r := range results {
		payload, err := json.Marshal(r.Canonical)
		if err != nil {
			failures = append(failures, model.RowFailure{
				RowID:   r.Key.RowID,
				Message: "canonical cannot be stored: " + err.Error(),
			})
			continue
		}
		rec := model.CanonicalRecord{
			UploadID:     upload.ID,
			RowID:        r.Key.RowID,
			EntityType:   s.normalizer.EntityType(),
			Payload:      payload,
			Confidence:   r.Confidence,
			AppliedRules: r.AppliedRules,
			NormalizedAt: now,
		}
		for _, w := range r.Warnings {
			rec.Warnings = append(rec.Warnings, w.String())
		}
		warnings += len(r.Warnings)
		records = append(records, rec)
	}

	if s.sink != nil {
		if err := s.sink.ReplaceCanonicals(ctx, upload.ID, upload.ClaimID, records); err != nil {
			return nil, eris.Wrapf(err, "normalize: store canonicals for upload %s", upload.ID)
		}
	}

	sort.SliceStable(failures, func(i, j int) bool { return failures[i].RowID < failures[j].RowID })
	return &Summary{
		Canonicals: len(records),
		Failures:   failures,
		Warnings:   warnings,
	}, nil
}

// Router dispatches uploads to the normalizer registered for their entity type.
type Router struct {
	byEntity map[string]UploadNormalizer
}

// NewRouter creates a router over stages. Duplicate entity types are rejected.
func NewRouter(stages ...UploadNormalizer) (*Router, error) {
	r := &Router{byEntity: make(map[string]UploadNormalizer, len(stages))}
	for _, s := range stages {
		if _, dup := r.byEntity[s.EntityType()]; dup {
			return nil, eris.Errorf("normalize: entity type %s registered twice", s.EntityType())
		}
		r.byEntity[s.EntityType()] = s
	}
	return r, nil
}

// EntityTypes lists the routed entity types, sorted.
func (r *Router) EntityTypes() []string {
	out := make([]string, 0, len(r.byEntity))
	for k := range r.byEntity {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// NormalizeUpload routes to the stage for upload.EntityType.
func (r *Router) NormalizeUpload(ctx context.Context, upload *model.Upload, obs []model.Observation) (*Summary, error) {
	s, ok := r.byEntity[upload.EntityType]
	if !ok {
		return nil, &UnknownEntityError{EntityType: upload.EntityType}
	}
	return s.NormalizeUpload(ctx, upload, obs)
}

// UnknownEntityError reports an upload whose entity type has no normalizer.
// Retrying cannot fix it.
type UnknownEntityError struct {
	EntityType string
}

func (e *UnknownEntityError) Error() string {
	return "normalize: no normalizer for entity type " + e.EntityType
}

// Permanent marks the error as not worth retrying.
func (e *UnknownEntityError) Permanent() bool { return true }
