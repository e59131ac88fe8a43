package parse

import (
	"context"
	"encoding/csv"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/sells-group/truth-pipeline/internal/model"
	"github.com/sells-group/truth-pipeline/internal/orchestrator"
)

// CSVParser parses delimited text. The first record is the header.
type CSVParser struct {
	Options
	Delimiter rune // default ','
}

// Parse implements orchestrator.Parser.
func (p *CSVParser) Parse(ctx context.Context, u *model.Upload, src io.Reader, sink orchestrator.RowSink) (orchestrator.ParseComplete, error) {
	opts := p.Options.withDefaults()

	r, err := decodeCharset(src, u.Charset)
	if err != nil {
		return orchestrator.ParseComplete{}, err
	}

	rowCh, errCh := streamCSV(ctx, r, p.Delimiter)

	var w *rowWriter
	index := 0
	for row := range rowCh {
		if w == nil {
			w = newRowWriter(u, sink, opts, row)
			continue
		}
		if err := w.add(ctx, index, row); err != nil {
			drain(rowCh)
			return orchestrator.ParseComplete{}, err
		}
		index++
	}
	if err := <-errCh; err != nil {
		return orchestrator.ParseComplete{}, err
	}
	if w == nil {
		return orchestrator.ParseComplete{Success: false, Message: "no header row"}, nil
	}
	return w.complete(ctx)
}

// decodeCharset wraps r in a decoder for the named charset. UTF-8 and the
// empty name pass through.
func decodeCharset(r io.Reader, charset string) (io.Reader, error) {
	name := strings.ToLower(strings.TrimSpace(charset))
	if name == "" || name == "utf-8" || name == "utf8" {
		return r, nil
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, permanent(err, "csv: unsupported charset "+charset)
	}
	return enc.NewDecoder().Reader(r), nil
}

// streamCSV reads records and sends them to a channel. Both channels are
// closed when reading completes. Malformed input is a permanent error.
func streamCSV(ctx context.Context, r io.Reader, delimiter rune) (<-chan []string, <-chan error) {
	rowCh := make(chan []string, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(rowCh)
		defer close(errCh)

		reader := csv.NewReader(r)
		if delimiter != 0 {
			reader.Comma = delimiter
		}
		reader.FieldsPerRecord = -1 // allow variable fields

		for {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "csv: context cancelled")
				return
			}

			record, err := reader.Read()
			if err == io.EOF {
				return
			}
			if err != nil {
				errCh <- permanent(err, "csv: read row")
				return
			}

			select {
			case rowCh <- record:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "csv: context cancelled")
				return
			}
		}
	}()

	return rowCh, errCh
}

func drain(ch <-chan []string) {
	go func() {
		for range ch {
		}
	}()
}
