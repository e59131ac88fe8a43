package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"io/fs"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/truth-pipeline/internal/db"
	"github.com/sells-group/truth-pipeline/internal/model"
)

//go:embed migrations/postgres/*.sql
var postgresMigrations embed.FS

// migrationLockID keys the advisory lock held while migrations run.
const migrationLockID = 7_341_002

// pgForeignKeyViolation is the SQLSTATE for foreign_key_violation.
const pgForeignKeyViolation = "23503"

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

// Migrate applies pending files from migrations/postgres in lexicographic
// order under an advisory lock, recording each in schema_migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	log := zap.L().With(zap.String("component", "store.migrate"))

	if _, err := s.pool.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
		return eris.Wrap(err, "postgres: acquire migration advisory lock")
	}
	defer func() {
		if _, err := s.pool.Exec(ctx, "SELECT pg_advisory_unlock($1)", migrationLockID); err != nil {
			log.Warn("postgres: failed to release migration advisory lock", zap.Error(err))
		}
	}()

	if _, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename   TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		return eris.Wrap(err, "postgres: ensure migration table")
	}

	entries, err := fs.ReadDir(postgresMigrations, "migrations/postgres")
	if err != nil {
		return eris.Wrap(err, "postgres: read migration dir")
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	applied, err := s.appliedMigrations(ctx)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		name := entry.Name()
		if applied[name] {
			continue
		}
		data, err := postgresMigrations.ReadFile("migrations/postgres/" + name)
		if err != nil {
			return eris.Wrapf(err, "postgres: read migration %s", name)
		}

		log.Info("applying migration", zap.String("file", name))
		if _, err := s.pool.Exec(ctx, string(data)); err != nil {
			return eris.Wrapf(err, "postgres: apply migration %s", name)
		}
		if _, err := s.pool.Exec(ctx,
			"INSERT INTO schema_migrations (filename, applied_at) VALUES ($1, now())", name,
		); err != nil {
			return eris.Wrapf(err, "postgres: record migration %s", name)
		}
	}
	return nil
}

func (s *PostgresStore) appliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx, "SELECT filename FROM schema_migrations")
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query applied migrations")
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, eris.Wrap(err, "postgres: scan migration row")
		}
		applied[name] = true
	}
	return applied, eris.Wrap(rows.Err(), "postgres: iterate migrations")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Uploads ---

func (s *PostgresStore) CreateUpload(ctx context.Context, in model.NewUpload, now time.Time) (*model.Upload, error) {
	now = now.UTC()
	u := &model.Upload{
		ID:          uuid.New().String(),
		Status:      model.UploadStatusQueuedForParse,
		EntityType:  in.EntityType,
		SourceRef:   in.SourceRef,
		Filename:    in.Filename,
		ContentType: in.ContentType,
		Charset:     in.Charset,
		Priority:    in.Priority,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO uploads (id, status, entity_type, source_ref, filename, content_type, charset, priority, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		u.ID, string(u.Status), u.EntityType, u.SourceRef, u.Filename, u.ContentType, u.Charset, u.Priority, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert upload")
	}
	return u, nil
}

func (s *PostgresStore) GetUpload(ctx context.Context, id string) (*model.Upload, error) {
	u, err := scanPostgresUpload(s.pool.QueryRow(ctx, `SELECT `+uploadColumns+` FROM uploads WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get upload %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get upload %s", id)
	}
	return u, nil
}

func (s *PostgresStore) ListUploads(ctx context.Context, filter UploadFilter) ([]model.Upload, error) {
	query := `SELECT ` + uploadColumns + ` FROM uploads WHERE true`
	var args []any
	argN := 1

	if filter.Status != "" {
		query += ` AND status = $` + strconv.Itoa(argN)
		args = append(args, string(filter.Status))
		argN++
	}
	if filter.NeedsReview != nil {
		query += ` AND needs_review = $` + strconv.Itoa(argN)
		args = append(args, *filter.NeedsReview)
		argN++
	}
	if !filter.UpdatedAfter.IsZero() {
		query += ` AND updated_at > $` + strconv.Itoa(argN)
		args = append(args, filter.UpdatedAfter.UTC())
		argN++
	}
	query += ` ORDER BY created_at DESC, id LIMIT $` + strconv.Itoa(argN)
	args = append(args, listLimit(filter.Limit))
	argN++
	if filter.Offset > 0 {
		query += ` OFFSET $` + strconv.Itoa(argN)
		args = append(args, filter.Offset)
	}

	return s.queryUploads(ctx, "list uploads", query, args...)
}

func (s *PostgresStore) CountByStatus(ctx context.Context) (map[model.UploadStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM uploads GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count by status")
	}
	defer rows.Close()

	out := make(map[model.UploadStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan status count")
		}
		out[model.UploadStatus(status)] = n
	}
	return out, eris.Wrap(rows.Err(), "postgres: count by status iterate")
}

func (s *PostgresStore) CountNeedsReview(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM uploads WHERE needs_review`).Scan(&n)
	return n, eris.Wrap(err, "postgres: count needs review")
}

// ClaimNext moves the best waiting upload of the stage into its running
// status. SKIP LOCKED lets concurrent workers claim different rows.
func (s *PostgresStore) ClaimNext(ctx context.Context, req ClaimRequest) (*model.Upload, error) {
	now := req.Now.UTC()
	u, err := scanPostgresUpload(s.pool.QueryRow(ctx,
		`UPDATE uploads SET status = $1, claim_id = $2, stage_started_at = $3, updated_at = $3
		 WHERE id = (
			SELECT id FROM uploads
			WHERE status = $4 AND NOT cancel_requested
			  AND (next_attempt_at IS NULL OR next_attempt_at <= $3)
			ORDER BY priority DESC, created_at ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+uploadColumns,
		string(req.Stage.RunningStatus()), req.ClaimID, now, string(req.Stage.EntryStatus()),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: claim %s", req.Stage)
	}
	return u, nil
}

func (s *PostgresStore) CompareAndSwap(ctx context.Context, swap Swap) error {
	n := swap.Next
	errJSON, err := marshalUploadError(n.Error)
	if err != nil {
		return eris.Wrap(err, "postgres: swap")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE uploads SET
			status = $1, priority = $2, retry_count = $3, updated_at = $4,
			stage_started_at = $5, next_attempt_at = $6, error = $7,
			needs_review = $8, claim_id = $9,
			observation_count = $10, canonical_count = $11, failure_count = $12, log_refs = $13,
			cancel_requested = CASE WHEN $14::boolean THEN false ELSE cancel_requested END
		 WHERE id = $15 AND status = $16 AND claim_id = $17`,
		string(n.Status), n.Priority, n.RetryCount, n.UpdatedAt.UTC(),
		utcPtr(n.StageStartedAt), utcPtr(n.NextAttemptAt), errJSON,
		n.NeedsReview, n.ClaimID,
		n.ObservationCount, n.CanonicalCount, n.FailureCount, nonNilStrings(n.LogRefs),
		swap.ClearCancel,
		n.ID, string(swap.ExpectStatus), swap.ExpectClaim,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: swap upload %s", n.ID)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrStale(ctx, n.ID)
	}
	return nil
}

func (s *PostgresStore) missOrStale(ctx context.Context, id string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM uploads WHERE id = $1)`, id).Scan(&exists); err != nil {
		return eris.Wrapf(err, "postgres: check upload %s", id)
	}
	if !exists {
		return eris.Wrapf(ErrNotFound, "postgres: upload %s", id)
	}
	return eris.Wrapf(ErrStale, "postgres: upload %s", id)
}

func (s *PostgresStore) ListRunning(ctx context.Context) ([]model.Upload, error) {
	return s.queryUploads(ctx, "list running",
		`SELECT `+uploadColumns+` FROM uploads WHERE status IN ($1, $2) ORDER BY stage_started_at`,
		string(model.UploadStatusParsing), string(model.UploadStatusNormalizing),
	)
}

func (s *PostgresStore) ListDueRetries(ctx context.Context, now time.Time) ([]model.Upload, error) {
	return s.queryUploads(ctx, "list due retries",
		`SELECT `+uploadColumns+` FROM uploads
		 WHERE status = $1 AND next_attempt_at IS NOT NULL AND next_attempt_at <= $2 AND NOT cancel_requested
		 ORDER BY priority DESC, next_attempt_at`,
		string(model.UploadStatusError), now.UTC(),
	)
}

func (s *PostgresStore) ListCancelRequested(ctx context.Context) ([]model.Upload, error) {
	return s.queryUploads(ctx, "list cancel requested",
		`SELECT `+uploadColumns+` FROM uploads
		 WHERE cancel_requested AND status IN ($1, $2, $3)
		 ORDER BY created_at`,
		string(model.UploadStatusQueuedForParse), string(model.UploadStatusParsed), string(model.UploadStatusError),
	)
}

func (s *PostgresStore) RequestCancel(ctx context.Context, id string, now time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE uploads SET cancel_requested = true, updated_at = $1 WHERE id = $2`,
		now.UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: request cancel %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: upload %s", id)
	}
	return nil
}

func (s *PostgresStore) queryUploads(ctx context.Context, op, query string, args ...any) ([]model.Upload, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: %s", op)
	}
	defer rows.Close()

	var out []model.Upload
	for rows.Next() {
		u, err := scanPostgresUpload(rows)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: %s", op)
		}
		out = append(out, *u)
	}
	return out, eris.Wrapf(rows.Err(), "postgres: %s iterate", op)
}

// --- Observations ---

var observationUpsert = db.UpsertConfig{
	Table:        "observations",
	Columns:      []string{"upload_id", "row_id", "raw_fields", "source_id", "source_version", "extracted_at"},
	ConflictKeys: []string{"upload_id", "row_id"},
}

func (s *PostgresStore) UpsertObservation(ctx context.Context, obs model.Observation) error {
	return s.UpsertObservations(ctx, []model.Observation{obs})
}

// UpsertObservations stages the batch with COPY and merges it on
// (upload_id, row_id). Within a batch the last write of a key wins.
func (s *PostgresStore) UpsertObservations(ctx context.Context, obs []model.Observation) error {
	if len(obs) == 0 {
		return nil
	}
	if err := s.checkUploadsExist(ctx, obs); err != nil {
		return err
	}

	latest := make(map[model.ObservationKey]int, len(obs))
	for i, o := range obs {
		latest[o.Key()] = i
	}
	rows := make([][]any, 0, len(latest))
	for i, o := range obs {
		if latest[o.Key()] != i {
			continue
		}
		raw, err := json.Marshal(o.RawFields)
		if err != nil {
			return eris.Wrapf(err, "postgres: marshal observation %s", o.Key())
		}
		rows = append(rows, []any{o.UploadID, o.RowID, raw, o.SourceID, o.SourceVersion, o.ExtractedAt.UTC()})
	}

	if _, err := db.BulkUpsert(ctx, s.pool, observationUpsert, rows); err != nil {
		if isForeignKeyViolation(err) {
			return &ReferentialIntegrityError{UploadID: obs[0].UploadID}
		}
		return eris.Wrap(err, "postgres: upsert observations")
	}
	return nil
}

func (s *PostgresStore) checkUploadsExist(ctx context.Context, obs []model.Observation) error {
	var ids []string
	seen := make(map[string]bool)
	for _, o := range obs {
		if !seen[o.UploadID] {
			seen[o.UploadID] = true
			ids = append(ids, o.UploadID)
		}
	}

	rows, err := s.pool.Query(ctx, `SELECT id FROM uploads WHERE id = ANY($1)`, ids)
	if err != nil {
		return eris.Wrap(err, "postgres: check uploads")
	}
	defer rows.Close()

	found := make(map[string]bool, len(ids))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return eris.Wrap(err, "postgres: scan upload id")
		}
		found[id] = true
	}
	if err := rows.Err(); err != nil {
		return eris.Wrap(err, "postgres: check uploads iterate")
	}
	for _, id := range ids {
		if !found[id] {
			return &ReferentialIntegrityError{UploadID: id}
		}
	}
	return nil
}

func (s *PostgresStore) ListObservations(ctx context.Context, uploadID string) ([]model.Observation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT upload_id, row_id, raw_fields, source_id, source_version, extracted_at
		 FROM observations WHERE upload_id = $1 ORDER BY row_id COLLATE "C"`,
		uploadID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list observations %s", uploadID)
	}
	defer rows.Close()

	var out []model.Observation
	for rows.Next() {
		var o model.Observation
		var raw []byte
		if err := rows.Scan(&o.UploadID, &o.RowID, &raw, &o.SourceID, &o.SourceVersion, &o.ExtractedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan observation")
		}
		if err := json.Unmarshal(raw, &o.RawFields); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal raw fields")
		}
		o.ExtractedAt = o.ExtractedAt.UTC()
		out = append(out, o)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list observations iterate")
}

func (s *PostgresStore) CountObservations(ctx context.Context, uploadID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM observations WHERE upload_id = $1`, uploadID).Scan(&n)
	return n, eris.Wrapf(err, "postgres: count observations %s", uploadID)
}

// --- Canonicals ---

var canonicalColumns = []string{
	"upload_id", "row_id", "entity_type", "payload", "confidence", "applied_rules", "warnings", "normalized_at",
}

// ReplaceCanonicals deletes the upload's canonical records and COPYs the new
// set in one transaction. The claim check locks the upload row, so a
// concurrent status swap waits for the canonicals to commit.
func (s *PostgresStore) ReplaceCanonicals(ctx context.Context, uploadID, claimID string, records []model.CanonicalRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin replace canonicals")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if claimID != "" {
		var one int
		err := tx.QueryRow(ctx,
			`SELECT 1 FROM uploads WHERE id = $1 AND claim_id = $2 FOR UPDATE`, uploadID, claimID,
		).Scan(&one)
		if errors.Is(err, pgx.ErrNoRows) {
			return eris.Wrapf(ErrStale, "canonicals for upload %s", uploadID)
		}
		if err != nil {
			return eris.Wrapf(err, "postgres: check claim %s", uploadID)
		}
	}

	if _, err := tx.Exec(ctx, `DELETE FROM canonicals WHERE upload_id = $1`, uploadID); err != nil {
		return eris.Wrapf(err, "postgres: clear canonicals %s", uploadID)
	}

	rows := make([][]any, len(records))
	for i, r := range records {
		rows[i] = []any{
			uploadID, r.RowID, r.EntityType, []byte(r.Payload), r.Confidence,
			nonNilStrings(r.AppliedRules), nonNilStrings(r.Warnings), r.NormalizedAt.UTC(),
		}
	}
	if _, err := db.CopyFrom(ctx, tx, "canonicals", canonicalColumns, rows); err != nil {
		if isForeignKeyViolation(err) {
			return &ReferentialIntegrityError{UploadID: uploadID}
		}
		return eris.Wrapf(err, "postgres: copy canonicals %s", uploadID)
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit canonicals")
}

func (s *PostgresStore) ListCanonicals(ctx context.Context, uploadID string) ([]model.CanonicalRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT upload_id, row_id, entity_type, payload, confidence, applied_rules, warnings, normalized_at
		 FROM canonicals WHERE upload_id = $1 ORDER BY row_id COLLATE "C"`,
		uploadID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list canonicals %s", uploadID)
	}
	defer rows.Close()

	var out []model.CanonicalRecord
	for rows.Next() {
		var r model.CanonicalRecord
		var payload []byte
		if err := rows.Scan(&r.UploadID, &r.RowID, &r.EntityType, &payload, &r.Confidence,
			&r.AppliedRules, &r.Warnings, &r.NormalizedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan canonical")
		}
		r.Payload = json.RawMessage(payload)
		r.NormalizedAt = r.NormalizedAt.UTC()
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list canonicals iterate")
}

// --- Execution log ---

func (s *PostgresStore) RecordExecution(ctx context.Context, rec model.ExecutionRecord) error {
	counts := rec.Counts
	if counts == nil {
		counts = map[string]int{}
	}
	countsJSON, err := marshalJSON(counts)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO executions (id, upload_id, stage, success, counts, duration_ms, warnings, errors, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID, rec.UploadID, string(rec.Stage), rec.Success, countsJSON, rec.DurationMs,
		nonNilStrings(rec.Warnings), nonNilStrings(rec.Errors), rec.StartedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: record execution %s", rec.ID)
}

func (s *PostgresStore) ListExecutions(ctx context.Context, uploadID string) ([]model.ExecutionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, upload_id, stage, success, counts, duration_ms, warnings, errors, started_at
		 FROM executions WHERE upload_id = $1 ORDER BY started_at, id`,
		uploadID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list executions %s", uploadID)
	}
	defer rows.Close()

	var out []model.ExecutionRecord
	for rows.Next() {
		var r model.ExecutionRecord
		var stage string
		var counts []byte
		if err := rows.Scan(&r.ID, &r.UploadID, &stage, &r.Success, &counts, &r.DurationMs,
			&r.Warnings, &r.Errors, &r.StartedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan execution")
		}
		r.Stage = model.Stage(stage)
		if err := json.Unmarshal(counts, &r.Counts); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal counts")
		}
		r.StartedAt = r.StartedAt.UTC()
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list executions iterate")
}

// helpers

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation
}

func scanPostgresUpload(row pgx.Row) (*model.Upload, error) {
	var (
		u       model.Upload
		status  string
		errJSON []byte
	)
	err := row.Scan(
		&u.ID, &status, &u.EntityType, &u.SourceRef, &u.Filename, &u.ContentType, &u.Charset,
		&u.Priority, &u.RetryCount, &u.CreatedAt, &u.UpdatedAt, &u.StageStartedAt, &u.NextAttemptAt,
		&errJSON, &u.NeedsReview, &u.CancelRequested, &u.ClaimID,
		&u.ObservationCount, &u.CanonicalCount, &u.FailureCount, &u.LogRefs,
	)
	if err != nil {
		return nil, err
	}

	u.Status = model.UploadStatus(status)
	if u.Error, err = unmarshalUploadError(errJSON); err != nil {
		return nil, err
	}
	u.CreatedAt = u.CreatedAt.UTC()
	u.UpdatedAt = u.UpdatedAt.UTC()
	u.StageStartedAt = utcPtr(u.StageStartedAt)
	u.NextAttemptAt = utcPtr(u.NextAttemptAt)
	return &u, nil
}
