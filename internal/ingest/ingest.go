// Package ingest parses uploaded spend files (CSV and XLSX) into rows and
// typed spend records. Parsing is streaming with per-row fault isolation: a
// malformed row is reported in its RowResult and never stops the stream.
package ingest

import (
	"context"
	"io"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// RowResult is one parsed input row or its failure. Position is 1-based and
// counts data rows after the header.
type RowResult struct {
	Position int
	Cells    []string
	Err      error
}

// Format identifies a supported source file format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// DetectFormat picks the parser from the file name and declared content type.
func DetectFormat(name, contentType string) (Format, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv", ".txt":
		return FormatCSV, nil
	case ".xlsx":
		return FormatXLSX, nil
	}
	switch contentType {
	case "text/csv", "text/plain":
		return FormatCSV, nil
	case "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":
		return FormatXLSX, nil
	}
	return "", eris.Errorf("ingest: unsupported file format for %q (%s)", name, contentType)
}

// Stream parses the reader in the given format. The first row is treated as
// the header and returned separately; data rows arrive on the channel. The
// channel closes when the input is exhausted or ctx is cancelled.
func Stream(ctx context.Context, r io.Reader, format Format) (header []string, rows <-chan RowResult, err error) {
	switch format {
	case FormatCSV:
		return streamCSV(ctx, r)
	case FormatXLSX:
		return streamXLSX(ctx, r)
	default:
		return nil, nil, eris.Errorf("ingest: unknown format %q", format)
	}
}
