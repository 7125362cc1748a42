package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"strings"

	"github.com/rotisserie/eris"
)

// streamCSV reads the header synchronously, then streams data rows. A row
// that fails to parse is emitted with its error; the reader keeps going.
func streamCSV(ctx context.Context, r io.Reader) ([]string, <-chan RowResult, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, nil, eris.Wrap(err, "ingest: read csv header")
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	rowCh := make(chan RowResult, 64)
	go func() {
		defer close(rowCh)
		pos := 0
		for {
			if ctx.Err() != nil {
				return
			}
			record, err := reader.Read()
			if err == io.EOF {
				return
			}
			pos++
			res := RowResult{Position: pos}
			if err != nil {
				res.Err = eris.Wrapf(err, "ingest: csv row %d", pos)
				// Parse errors are per-record and the reader recovers on
				// the next line; anything else is a dead input stream.
				var perr *csv.ParseError
				if !errors.As(err, &perr) {
					select {
					case rowCh <- res:
					case <-ctx.Done():
					}
					return
				}
			} else {
				for i := range record {
					record[i] = strings.TrimSpace(record[i])
				}
				res.Cells = record
			}
			select {
			case rowCh <- res:
			case <-ctx.Done():
				return
			}
		}
	}()
	return header, rowCh, nil
}
