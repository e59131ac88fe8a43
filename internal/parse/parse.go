// Package parse turns uploaded artifacts into observations. Each parser reads
// a header row, maps every following row to a raw field map, and writes the
// observations to the store in batches.
package parse

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/truth-pipeline/internal/model"
	"github.com/sells-group/truth-pipeline/internal/orchestrator"
	"github.com/sells-group/truth-pipeline/internal/resilience"
)

// Format names an artifact format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatTSV  Format = "tsv"
	FormatXLSX Format = "xlsx"
)

const defaultBatchSize = 500

// Options configures the parsers.
type Options struct {
	// BatchSize is the number of observations per store write. Default 500.
	BatchSize int
	// Now stamps ExtractedAt. Default time.Now.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = defaultBatchSize
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// UnsupportedFormatError is returned for artifacts no parser handles.
type UnsupportedFormatError struct {
	Filename    string
	ContentType string
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("parse: unsupported format (filename %q, content type %q)", e.Filename, e.ContentType)
}

// Permanent marks the error as not worth retrying.
func (e *UnsupportedFormatError) Permanent() bool { return true }

// Detect picks the format of an upload from its content type, then its
// filename extension.
func Detect(u *model.Upload) (Format, bool) {
	ct := strings.ToLower(strings.TrimSpace(strings.Split(u.ContentType, ";")[0]))
	switch ct {
	case "text/csv", "application/csv":
		return FormatCSV, true
	case "text/tab-separated-values":
		return FormatTSV, true
	case "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":
		return FormatXLSX, true
	}
	switch strings.ToLower(filepath.Ext(u.Filename)) {
	case ".csv":
		return FormatCSV, true
	case ".tsv", ".tab":
		return FormatTSV, true
	case ".xlsx":
		return FormatXLSX, true
	}
	return "", false
}

// Registry dispatches an upload to the parser for its format.
type Registry struct {
	parsers map[Format]orchestrator.Parser
	log     *zap.Logger
}

// NewRegistry returns a registry with the CSV, TSV and XLSX parsers.
func NewRegistry(opts Options) *Registry {
	return &Registry{
		parsers: map[Format]orchestrator.Parser{
			FormatCSV:  &CSVParser{Options: opts},
			FormatTSV:  &CSVParser{Options: opts, Delimiter: '\t'},
			FormatXLSX: &XLSXParser{Options: opts},
		},
		log: zap.L().With(zap.String("component", "parse")),
	}
}

// Register adds or replaces the parser of a format.
func (r *Registry) Register(f Format, p orchestrator.Parser) {
	r.parsers[f] = p
}

// Parse implements orchestrator.Parser.
func (r *Registry) Parse(ctx context.Context, u *model.Upload, src io.Reader, sink orchestrator.RowSink) (orchestrator.ParseComplete, error) {
	f, ok := Detect(u)
	if !ok {
		return orchestrator.ParseComplete{}, &UnsupportedFormatError{Filename: u.Filename, ContentType: u.ContentType}
	}
	p, ok := r.parsers[f]
	if !ok {
		return orchestrator.ParseComplete{}, &UnsupportedFormatError{Filename: u.Filename, ContentType: u.ContentType}
	}
	r.log.Debug("parsing upload", zap.String("upload_id", u.ID), zap.String("format", string(f)))
	return p.Parse(ctx, u, src, sink)
}

// rowWriter builds observations from rows and flushes them in batches.
type rowWriter struct {
	upload  *model.Upload
	sink    orchestrator.RowSink
	opts    Options
	headers []string
	batch   []model.Observation
	rows    int
}

func newRowWriter(u *model.Upload, sink orchestrator.RowSink, opts Options, header []string) *rowWriter {
	return &rowWriter{
		upload:  u,
		sink:    sink,
		opts:    opts,
		headers: headerKeys(header),
		batch:   make([]model.Observation, 0, opts.BatchSize),
	}
}

// add records the data row at index. Blank rows are skipped but keep their index.
func (w *rowWriter) add(ctx context.Context, index int, cells []string) error {
	if blank(cells) {
		return nil
	}
	fields := make(map[string]any, len(w.headers))
	for i, key := range w.headers {
		if i < len(cells) {
			fields[key] = cells[i]
		} else {
			fields[key] = ""
		}
	}
	for i := len(w.headers); i < len(cells); i++ {
		if cells[i] != "" {
			fields[fmt.Sprintf("column_%d", i+1)] = cells[i]
		}
	}

	sourceID := w.upload.Filename
	if sourceID == "" {
		sourceID = w.upload.SourceRef
	}
	w.batch = append(w.batch, model.Observation{
		UploadID:      w.upload.ID,
		RowID:         model.RowID(index),
		RawFields:     fields,
		SourceID:      sourceID,
		SourceVersion: w.upload.SourceRef,
		ExtractedAt:   w.opts.Now().UTC(),
	})
	w.rows++
	if len(w.batch) >= w.opts.BatchSize {
		return w.flush(ctx)
	}
	return nil
}

func (w *rowWriter) flush(ctx context.Context) error {
	if len(w.batch) == 0 {
		return nil
	}
	if err := w.sink.UpsertObservations(ctx, w.batch); err != nil {
		return eris.Wrapf(err, "parse: write %d observations", len(w.batch))
	}
	w.batch = w.batch[:0]
	return nil
}

func (w *rowWriter) complete(ctx context.Context) (orchestrator.ParseComplete, error) {
	if err := w.flush(ctx); err != nil {
		return orchestrator.ParseComplete{}, err
	}
	return orchestrator.ParseComplete{Success: true, Count: w.rows}, nil
}

// headerKeys trims header cells and names blank or repeated ones by position.
func headerKeys(header []string) []string {
	keys := make([]string, len(header))
	seen := make(map[string]bool, len(header))
	for i, h := range header {
		key := strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		if key == "" || seen[key] {
			key = fmt.Sprintf("column_%d", i+1)
		}
		seen[key] = true
		keys[i] = key
	}
	return keys
}

func blank(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func permanent(err error, msg string) error {
	return resilience.Permanent(eris.Wrap(err, msg))
}
