package db

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var obsUpsert = UpsertConfig{
	Table:        "observations",
	Columns:      []string{"upload_id", "row_id", "raw_fields", "extracted_at"},
	ConflictKeys: []string{"upload_id", "row_id"},
}

func TestBulkUpsert_EmptyRows(t *testing.T) {
	n, err := BulkUpsert(context.Background(), nil, obsUpsert, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestBulkUpsert_NoColumns(t *testing.T) {
	_, err := BulkUpsert(context.Background(), nil, UpsertConfig{
		Table:        "observations",
		ConflictKeys: []string{"upload_id"},
	}, [][]any{{1, "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no columns specified")
}

func TestBulkUpsert_NoConflictKeys(t *testing.T) {
	_, err := BulkUpsert(context.Background(), nil, UpsertConfig{
		Table:   "observations",
		Columns: []string{"upload_id", "row_id"},
	}, [][]any{{1, "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no conflict keys specified")
}

func TestBulkUpsert_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_observations"}, obsUpsert.Columns).WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "observations"`).WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()
	mock.ExpectRollback()

	rows := [][]any{{"u1", "00000000", []byte(`{}`), nil}, {"u1", "00000001", []byte(`{}`), nil}}
	n, err := BulkUpsert(context.Background(), mock, obsUpsert, rows)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestBulkUpsert_InsertFails(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_observations"}, obsUpsert.Columns).WillReturnResult(1)
	mock.ExpectExec(`INSERT INTO "observations"`).WillReturnError(fmt.Errorf("foreign key violation"))
	mock.ExpectRollback()

	_, err = BulkUpsert(context.Background(), mock, obsUpsert, [][]any{{"u9", "00000000", []byte(`{}`), nil}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "INSERT ON CONFLICT for observations")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertSQL(t *testing.T) {
	got := upsertSQL(obsUpsert, "_tmp")
	assert.Equal(t,
		`INSERT INTO "observations" ("upload_id", "row_id", "raw_fields", "extracted_at") SELECT "upload_id", "row_id", "raw_fields", "extracted_at" FROM "_tmp" ON CONFLICT ("upload_id", "row_id") DO UPDATE SET "raw_fields" = EXCLUDED."raw_fields", "extracted_at" = EXCLUDED."extracted_at"`,
		got)

	keysOnly := UpsertConfig{Table: "t", Columns: []string{"id"}, ConflictKeys: []string{"id"}}
	assert.Contains(t, upsertSQL(keysOnly, "_tmp"), "DO NOTHING")
}

func TestSanitizeTable(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"simple", `"simple"`},
		{"truth.observations", `"truth"."observations"`},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, sanitizeTable(tt.input))
		})
	}
}

func TestQuoteAndJoin(t *testing.T) {
	assert.Equal(t, `"upload_id", "row_id"`, quoteAndJoin([]string{"upload_id", "row_id"}))
}
