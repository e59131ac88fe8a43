package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/truth-pipeline/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// sqlitePragmas are applied by the driver to every pooled connection.
var sqlitePragmas = []string{
	"_pragma=journal_mode(WAL)",
	"_pragma=busy_timeout(5000)",
	"_pragma=synchronous(NORMAL)",
	"_pragma=foreign_keys(1)",
	"_txlock=immediate",
}

// NewSQLite opens a SQLite database at the given path in WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", sqliteDSN(dsn))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	if err := db.Ping(); err != nil {
		db.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "sqlite: ping")
	}
	return &SQLiteStore{db: db}, nil
}

func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(sqlitePragmas, "&")
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS uploads (
	id                TEXT PRIMARY KEY,
	status            TEXT NOT NULL,
	entity_type       TEXT NOT NULL,
	source_ref        TEXT NOT NULL,
	filename          TEXT NOT NULL DEFAULT '',
	content_type      TEXT NOT NULL DEFAULT '',
	charset           TEXT NOT NULL DEFAULT '',
	priority          INTEGER NOT NULL DEFAULT 0,
	retry_count       INTEGER NOT NULL DEFAULT 0,
	created_at        DATETIME NOT NULL,
	updated_at        DATETIME NOT NULL,
	stage_started_at  DATETIME,
	next_attempt_at   DATETIME,
	error             TEXT,
	needs_review      BOOLEAN NOT NULL DEFAULT 0,
	cancel_requested  BOOLEAN NOT NULL DEFAULT 0,
	claim_id          TEXT NOT NULL DEFAULT '',
	observation_count INTEGER,
	canonical_count   INTEGER,
	failure_count     INTEGER,
	log_refs          TEXT NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS observations (
	upload_id      TEXT NOT NULL REFERENCES uploads(id),
	row_id         TEXT NOT NULL,
	raw_fields     TEXT NOT NULL,
	source_id      TEXT NOT NULL DEFAULT '',
	source_version TEXT NOT NULL DEFAULT '',
	extracted_at   DATETIME NOT NULL,
	PRIMARY KEY (upload_id, row_id)
);

CREATE TABLE IF NOT EXISTS canonicals (
	upload_id     TEXT NOT NULL REFERENCES uploads(id),
	row_id        TEXT NOT NULL,
	entity_type   TEXT NOT NULL,
	payload       TEXT NOT NULL,
	confidence    REAL NOT NULL,
	applied_rules TEXT NOT NULL DEFAULT '[]',
	warnings      TEXT NOT NULL DEFAULT '[]',
	normalized_at DATETIME NOT NULL,
	PRIMARY KEY (upload_id, row_id)
);

CREATE TABLE IF NOT EXISTS executions (
	id          TEXT PRIMARY KEY,
	upload_id   TEXT NOT NULL REFERENCES uploads(id),
	stage       TEXT NOT NULL,
	success     BOOLEAN NOT NULL,
	counts      TEXT NOT NULL DEFAULT '{}',
	duration_ms INTEGER NOT NULL,
	warnings    TEXT NOT NULL DEFAULT '[]',
	errors      TEXT NOT NULL DEFAULT '[]',
	started_at  DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_uploads_claim ON uploads(status, priority DESC, created_at);
CREATE INDEX IF NOT EXISTS idx_uploads_next_attempt ON uploads(next_attempt_at);
CREATE INDEX IF NOT EXISTS idx_executions_upload_id ON executions(upload_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Uploads ---

func (s *SQLiteStore) CreateUpload(ctx context.Context, in model.NewUpload, now time.Time) (*model.Upload, error) {
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

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO uploads (id, status, entity_type, source_ref, filename, content_type, charset, priority, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, string(u.Status), u.EntityType, u.SourceRef, u.Filename, u.ContentType, u.Charset, u.Priority, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert upload")
	}
	return u, nil
}

func (s *SQLiteStore) GetUpload(ctx context.Context, id string) (*model.Upload, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+uploadColumns+` FROM uploads WHERE id = ?`, id)
	u, err := scanSQLiteUpload(row)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get upload %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get upload %s", id)
	}
	return u, nil
}

func (s *SQLiteStore) ListUploads(ctx context.Context, filter UploadFilter) ([]model.Upload, error) {
	query := `SELECT ` + uploadColumns + ` FROM uploads WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.NeedsReview != nil {
		query += ` AND needs_review = ?`
		args = append(args, *filter.NeedsReview)
	}
	if !filter.UpdatedAfter.IsZero() {
		query += ` AND updated_at > ?`
		args = append(args, filter.UpdatedAfter.UTC())
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, listLimit(filter.Limit))
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	return s.queryUploads(ctx, "list uploads", query, args...)
}

func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[model.UploadStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM uploads GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count by status")
	}
	defer rows.Close() //nolint:errcheck

	out := make(map[model.UploadStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan status count")
		}
		out[model.UploadStatus(status)] = n
	}
	return out, eris.Wrap(rows.Err(), "sqlite: count by status iterate")
}

func (s *SQLiteStore) CountNeedsReview(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM uploads WHERE needs_review = 1`).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count needs review")
}

// ClaimNext moves the best waiting upload of the stage into its running
// status. The transaction begins IMMEDIATE, so two claimers can never select
// the same row.
func (s *SQLiteStore) ClaimNext(ctx context.Context, req ClaimRequest) (*model.Upload, error) {
	now := req.Now.UTC()
	entry := req.Stage.EntryStatus()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: begin claim %s", req.Stage)
	}
	defer tx.Rollback() //nolint:errcheck

	var id string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM uploads
		 WHERE status = ? AND cancel_requested = 0
		   AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		 ORDER BY priority DESC, created_at ASC, id ASC
		 LIMIT 1`,
		string(entry), now,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: select %s candidate", req.Stage)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE uploads SET status = ?, claim_id = ?, stage_started_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(req.Stage.RunningStatus()), req.ClaimID, now, now, id, string(entry),
	); err != nil {
		return nil, eris.Wrapf(err, "sqlite: claim upload %s", id)
	}

	u, err := scanSQLiteUpload(tx.QueryRowContext(ctx, `SELECT `+uploadColumns+` FROM uploads WHERE id = ?`, id))
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: read claimed upload %s", id)
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit claim")
	}
	return u, nil
}

func (s *SQLiteStore) CompareAndSwap(ctx context.Context, swap Swap) error {
	n := swap.Next
	errJSON, err := marshalUploadError(n.Error)
	if err != nil {
		return eris.Wrap(err, "sqlite: swap")
	}
	refs, err := marshalJSON(nonNilStrings(n.LogRefs))
	if err != nil {
		return eris.Wrap(err, "sqlite: swap")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE uploads SET
			status = ?, priority = ?, retry_count = ?, updated_at = ?,
			stage_started_at = ?, next_attempt_at = ?, error = ?,
			needs_review = ?, claim_id = ?,
			observation_count = ?, canonical_count = ?, failure_count = ?, log_refs = ?,
			cancel_requested = CASE WHEN ? THEN 0 ELSE cancel_requested END
		 WHERE id = ? AND status = ? AND claim_id = ?`,
		string(n.Status), n.Priority, n.RetryCount, n.UpdatedAt.UTC(),
		sqliteTime(n.StageStartedAt), sqliteTime(n.NextAttemptAt), sqliteText(errJSON),
		n.NeedsReview, n.ClaimID,
		sqliteInt(n.ObservationCount), sqliteInt(n.CanonicalCount), sqliteInt(n.FailureCount), string(refs),
		swap.ClearCancel,
		n.ID, string(swap.ExpectStatus), swap.ExpectClaim,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: swap upload %s", n.ID)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if affected == 0 {
		return s.missOrStale(ctx, n.ID)
	}
	return nil
}

func (s *SQLiteStore) missOrStale(ctx context.Context, id string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM uploads WHERE id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return eris.Wrapf(ErrNotFound, "sqlite: upload %s", id)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: check upload %s", id)
	}
	return eris.Wrapf(ErrStale, "sqlite: upload %s", id)
}

func (s *SQLiteStore) ListRunning(ctx context.Context) ([]model.Upload, error) {
	return s.queryUploads(ctx, "list running",
		`SELECT `+uploadColumns+` FROM uploads WHERE status IN (?, ?) ORDER BY stage_started_at`,
		string(model.UploadStatusParsing), string(model.UploadStatusNormalizing),
	)
}

func (s *SQLiteStore) ListDueRetries(ctx context.Context, now time.Time) ([]model.Upload, error) {
	return s.queryUploads(ctx, "list due retries",
		`SELECT `+uploadColumns+` FROM uploads
		 WHERE status = ? AND next_attempt_at IS NOT NULL AND next_attempt_at <= ? AND cancel_requested = 0
		 ORDER BY priority DESC, next_attempt_at`,
		string(model.UploadStatusError), now.UTC(),
	)
}

func (s *SQLiteStore) ListCancelRequested(ctx context.Context) ([]model.Upload, error) {
	return s.queryUploads(ctx, "list cancel requested",
		`SELECT `+uploadColumns+` FROM uploads
		 WHERE cancel_requested = 1 AND status IN (?, ?, ?)
		 ORDER BY created_at`,
		string(model.UploadStatusQueuedForParse), string(model.UploadStatusParsed), string(model.UploadStatusError),
	)
}

func (s *SQLiteStore) RequestCancel(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE uploads SET cancel_requested = 1, updated_at = ? WHERE id = ?`,
		now.UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: request cancel %s", id)
	}
	return checkRowsAffected(res, id)
}

func (s *SQLiteStore) queryUploads(ctx context.Context, op, query string, args ...any) ([]model.Upload, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: %s", op)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Upload
	for rows.Next() {
		u, err := scanSQLiteUpload(rows)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: %s", op)
		}
		out = append(out, *u)
	}
	return out, eris.Wrapf(rows.Err(), "sqlite: %s iterate", op)
}

// --- Observations ---

func (s *SQLiteStore) UpsertObservation(ctx context.Context, obs model.Observation) error {
	return s.UpsertObservations(ctx, []model.Observation{obs})
}

func (s *SQLiteStore) UpsertObservations(ctx context.Context, obs []model.Observation) error {
	if len(obs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin upsert observations")
	}
	defer tx.Rollback() //nolint:errcheck

	checked := make(map[string]bool)
	for _, o := range obs {
		if checked[o.UploadID] {
			continue
		}
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM uploads WHERE id = ?`, o.UploadID).Scan(&one)
		if err == sql.ErrNoRows {
			return &ReferentialIntegrityError{UploadID: o.UploadID}
		}
		if err != nil {
			return eris.Wrapf(err, "sqlite: check upload %s", o.UploadID)
		}
		checked[o.UploadID] = true
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO observations (upload_id, row_id, raw_fields, source_id, source_version, extracted_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (upload_id, row_id) DO UPDATE SET
			raw_fields = excluded.raw_fields,
			source_id = excluded.source_id,
			source_version = excluded.source_version,
			extracted_at = excluded.extracted_at`,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare observation upsert")
	}
	defer stmt.Close() //nolint:errcheck

	for _, o := range obs {
		raw, err := json.Marshal(o.RawFields)
		if err != nil {
			return eris.Wrapf(err, "sqlite: marshal observation %s", o.Key())
		}
		if _, err := stmt.ExecContext(ctx,
			o.UploadID, o.RowID, string(raw), o.SourceID, o.SourceVersion, o.ExtractedAt.UTC(),
		); err != nil {
			return eris.Wrapf(err, "sqlite: upsert observation %s", o.Key())
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit observations")
}

func (s *SQLiteStore) ListObservations(ctx context.Context, uploadID string) ([]model.Observation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT upload_id, row_id, raw_fields, source_id, source_version, extracted_at
		 FROM observations WHERE upload_id = ? ORDER BY row_id`,
		uploadID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list observations %s", uploadID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Observation
	for rows.Next() {
		var o model.Observation
		var raw string
		if err := rows.Scan(&o.UploadID, &o.RowID, &raw, &o.SourceID, &o.SourceVersion, &o.ExtractedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan observation")
		}
		if err := json.Unmarshal([]byte(raw), &o.RawFields); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal raw fields")
		}
		out = append(out, o)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list observations iterate")
}

func (s *SQLiteStore) CountObservations(ctx context.Context, uploadID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM observations WHERE upload_id = ?`, uploadID).Scan(&n)
	return n, eris.Wrapf(err, "sqlite: count observations %s", uploadID)
}

// --- Canonicals ---

func (s *SQLiteStore) ReplaceCanonicals(ctx context.Context, uploadID, claimID string, records []model.CanonicalRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin replace canonicals")
	}
	defer tx.Rollback() //nolint:errcheck

	if claimID != "" {
		// A no-op write takes the write lock before the claim is checked.
		res, err := tx.ExecContext(ctx,
			`UPDATE uploads SET claim_id = claim_id WHERE id = ? AND claim_id = ?`, uploadID, claimID)
		if err != nil {
			return eris.Wrapf(err, "sqlite: check claim %s", uploadID)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return eris.Wrap(err, "sqlite: rows affected")
		}
		if affected == 0 {
			return eris.Wrapf(ErrStale, "canonicals for upload %s", uploadID)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM canonicals WHERE upload_id = ?`, uploadID); err != nil {
		return eris.Wrapf(err, "sqlite: clear canonicals %s", uploadID)
	}

	for _, r := range records {
		applied, err := marshalJSON(nonNilStrings(r.AppliedRules))
		if err != nil {
			return err
		}
		warnings, err := marshalJSON(nonNilStrings(r.Warnings))
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO canonicals (upload_id, row_id, entity_type, payload, confidence, applied_rules, warnings, normalized_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			uploadID, r.RowID, r.EntityType, string(r.Payload), r.Confidence, string(applied), string(warnings), r.NormalizedAt.UTC(),
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert canonical %s/%s", uploadID, r.RowID)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit canonicals")
}

func (s *SQLiteStore) ListCanonicals(ctx context.Context, uploadID string) ([]model.CanonicalRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT upload_id, row_id, entity_type, payload, confidence, applied_rules, warnings, normalized_at
		 FROM canonicals WHERE upload_id = ? ORDER BY row_id`,
		uploadID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list canonicals %s", uploadID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.CanonicalRecord
	for rows.Next() {
		var r model.CanonicalRecord
		var payload, applied, warnings string
		if err := rows.Scan(&r.UploadID, &r.RowID, &r.EntityType, &payload, &r.Confidence, &applied, &warnings, &r.NormalizedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan canonical")
		}
		r.Payload = json.RawMessage(payload)
		if r.AppliedRules, err = unmarshalStrings([]byte(applied)); err != nil {
			return nil, err
		}
		if r.Warnings, err = unmarshalStrings([]byte(warnings)); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list canonicals iterate")
}

// --- Execution log ---

func (s *SQLiteStore) RecordExecution(ctx context.Context, rec model.ExecutionRecord) error {
	counts, err := marshalJSON(rec.Counts)
	if err != nil {
		return err
	}
	warnings, err := marshalJSON(nonNilStrings(rec.Warnings))
	if err != nil {
		return err
	}
	errs, err := marshalJSON(nonNilStrings(rec.Errors))
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (id, upload_id, stage, success, counts, duration_ms, warnings, errors, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UploadID, string(rec.Stage), rec.Success, string(counts), rec.DurationMs,
		string(warnings), string(errs), rec.StartedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: record execution %s", rec.ID)
}

func (s *SQLiteStore) ListExecutions(ctx context.Context, uploadID string) ([]model.ExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, upload_id, stage, success, counts, duration_ms, warnings, errors, started_at
		 FROM executions WHERE upload_id = ? ORDER BY started_at, id`,
		uploadID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list executions %s", uploadID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ExecutionRecord
	for rows.Next() {
		var r model.ExecutionRecord
		var stage, counts, warnings, errs string
		if err := rows.Scan(&r.ID, &r.UploadID, &stage, &r.Success, &counts, &r.DurationMs, &warnings, &errs, &r.StartedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan execution")
		}
		r.Stage = model.Stage(stage)
		if err := json.Unmarshal([]byte(counts), &r.Counts); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal counts")
		}
		if r.Warnings, err = unmarshalStrings([]byte(warnings)); err != nil {
			return nil, err
		}
		if r.Errors, err = unmarshalStrings([]byte(errs)); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list executions iterate")
}

// helpers

func checkRowsAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "upload %s", id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteUpload(row scannable) (*model.Upload, error) {
	var (
		u                     model.Upload
		status                string
		stageStarted, nextAt  sql.NullTime
		errJSON               sql.NullString
		obsN, canonN, failedN sql.NullInt64
		refs                  string
	)
	err := row.Scan(
		&u.ID, &status, &u.EntityType, &u.SourceRef, &u.Filename, &u.ContentType, &u.Charset,
		&u.Priority, &u.RetryCount, &u.CreatedAt, &u.UpdatedAt, &stageStarted, &nextAt,
		&errJSON, &u.NeedsReview, &u.CancelRequested, &u.ClaimID,
		&obsN, &canonN, &failedN, &refs,
	)
	if err != nil {
		return nil, err
	}

	u.Status = model.UploadStatus(status)
	if stageStarted.Valid {
		t := stageStarted.Time.UTC()
		u.StageStartedAt = &t
	}
	if nextAt.Valid {
		t := nextAt.Time.UTC()
		u.NextAttemptAt = &t
	}
	if errJSON.Valid {
		if u.Error, err = unmarshalUploadError([]byte(errJSON.String)); err != nil {
			return nil, err
		}
	}
	u.ObservationCount = nullIntPtr(obsN)
	u.CanonicalCount = nullIntPtr(canonN)
	u.FailureCount = nullIntPtr(failedN)
	if u.LogRefs, err = unmarshalStrings([]byte(refs)); err != nil {
		return nil, err
	}
	u.CreatedAt = u.CreatedAt.UTC()
	u.UpdatedAt = u.UpdatedAt.UTC()
	return &u, nil
}

func nullIntPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	return model.IntPtr(int(n.Int64))
}

// sqliteTime, sqliteInt and sqliteText bind optional values as NULL.
func sqliteTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func sqliteInt(n *int) any {
	if n == nil {
		return nil
	}
	return *n
}

func sqliteText(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}
