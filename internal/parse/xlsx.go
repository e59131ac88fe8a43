package parse

import (
	"context"
	"io"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/truth-pipeline/internal/model"
	"github.com/sells-group/truth-pipeline/internal/orchestrator"
)

// maxXLSXBytes bounds the workbook read into memory.
const maxXLSXBytes = 256 << 20

// XLSXParser parses one worksheet of a workbook. The first row is the header.
type XLSXParser struct {
	Options
	SheetName string // if set, overrides the first sheet
}

// Parse implements orchestrator.Parser.
func (p *XLSXParser) Parse(ctx context.Context, u *model.Upload, src io.Reader, sink orchestrator.RowSink) (orchestrator.ParseComplete, error) {
	opts := p.Options.withDefaults()

	data, err := io.ReadAll(io.LimitReader(src, maxXLSXBytes+1))
	if err != nil {
		return orchestrator.ParseComplete{}, eris.Wrap(err, "xlsx: read artifact")
	}
	if len(data) > maxXLSXBytes {
		return orchestrator.ParseComplete{}, permanent(eris.Errorf("workbook exceeds %d bytes", maxXLSXBytes), "xlsx: read artifact")
	}

	f, err := xlsx.OpenBinary(data)
	if err != nil {
		return orchestrator.ParseComplete{}, permanent(err, "xlsx: open workbook")
	}
	sheet, err := p.sheet(f)
	if err != nil {
		return orchestrator.ParseComplete{}, err
	}

	var (
		w         *rowWriter
		headerRow int
	)
	for i, row := range sheet.Rows {
		if ctx.Err() != nil {
			return orchestrator.ParseComplete{}, eris.Wrap(ctx.Err(), "xlsx: context cancelled")
		}
		cells := rowToStrings(row)
		if w == nil {
			if blank(cells) {
				continue
			}
			w = newRowWriter(u, sink, opts, cells)
			headerRow = i
			continue
		}
		if err := w.add(ctx, i-headerRow-1, cells); err != nil {
			return orchestrator.ParseComplete{}, err
		}
	}
	if w == nil {
		return orchestrator.ParseComplete{Success: false, Message: "sheet " + sheet.Name + " has no header row"}, nil
	}
	return w.complete(ctx)
}

func (p *XLSXParser) sheet(f *xlsx.File) (*xlsx.Sheet, error) {
	if p.SheetName != "" {
		sheet, ok := f.Sheet[p.SheetName]
		if !ok {
			return nil, permanent(eris.Errorf("sheet %q not found", p.SheetName), "xlsx: select sheet")
		}
		return sheet, nil
	}
	if len(f.Sheets) == 0 {
		return nil, permanent(eris.New("workbook has no sheets"), "xlsx: select sheet")
	}
	return f.Sheets[0], nil
}

func rowToStrings(row *xlsx.Row) []string {
	if row == nil {
		return nil
	}
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		cells[j] = cell.String()
	}
	return cells
}
