package ingest

import (
	"context"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// streamXLSX parses the first sheet of a workbook. The format is not
// seekable-streamable, so the workbook is loaded and rows are replayed onto
// the channel to match the CSV path.
func streamXLSX(ctx context.Context, r io.Reader) ([]string, <-chan RowResult, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, eris.Wrap(err, "ingest: read xlsx")
	}
	f, err := xlsx.OpenBinary(raw)
	if err != nil {
		return nil, nil, eris.Wrap(err, "ingest: open xlsx")
	}
	if len(f.Sheets) == 0 {
		return nil, nil, eris.New("ingest: xlsx has no sheets")
	}
	sheet := f.Sheets[0]
	if len(sheet.Rows) == 0 {
		return nil, nil, eris.New("ingest: xlsx sheet is empty")
	}

	header := rowToStrings(sheet.Rows[0])

	rowCh := make(chan RowResult, 64)
	go func() {
		defer close(rowCh)
		for i, row := range sheet.Rows[1:] {
			if ctx.Err() != nil {
				return
			}
			res := RowResult{Position: i + 1, Cells: rowToStrings(row)}
			select {
			case rowCh <- res:
			case <-ctx.Done():
				return
			}
		}
	}()
	return header, rowCh, nil
}

func rowToStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		cells[j] = strings.TrimSpace(cell.String())
	}
	return cells
}
