// Package tabular turns raw delimited text into an ordered sequence of rows.
//
// The first non-blank line declares the column names; every following line
// becomes a Row mapping lowercased column name to trimmed cell value. Blank
// lines are skipped. The sequence is lazy, finite, and non-restartable:
// Next walks the input exactly once.
package tabular

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrMalformedInput is returned when the payload cannot be tokenized as
// delimited text (unterminated quoted field, inconsistent encoding).
var ErrMalformedInput = errors.New("malformed tabular input")

// Row is one parsed record, keyed by lowercased column name.
type Row map[string]string

// Get returns the trimmed value for a column, or "" when the column is
// absent. Lookup is case-insensitive on the column name.
func (r Row) Get(name string) string {
	return r[strings.ToLower(name)]
}

// Reader produces rows from delimited text, header-driven.
type Reader struct {
	csv    *csv.Reader
	header []string
	err    error
	opened bool
}

// NewReader wraps r for row-at-a-time reading. The input passes through BOM
// skipping and UTF-8 sanitization before tokenization. Quoting is strict:
// an unterminated quoted field fails the whole payload rather than producing
// silently mangled rows.
func NewReader(r io.Reader) *Reader {
	cr := csv.NewReader(Sanitize(r))
	cr.FieldsPerRecord = -1
	return &Reader{csv: cr}
}

// Header returns the declared column names (lowercased). It reads the header
// line on first use.
func (r *Reader) Header() ([]string, error) {
	if err := r.readHeader(); err != nil {
		return nil, err
	}
	return r.header, nil
}

// Next returns the next non-blank data row, or io.EOF when the input is
// exhausted. After any non-EOF error the reader is spent.
func (r *Reader) Next() (Row, error) {
	if err := r.readHeader(); err != nil {
		return nil, err
	}

	for {
		record, err := r.csv.Read()
		if err == io.EOF {
			return nil, io.EOF
		}
		if err != nil {
			r.err = fmt.Errorf("%w: %v", ErrMalformedInput, err)
			return nil, r.err
		}

		if isBlank(record) {
			continue
		}

		row := make(Row, len(r.header))
		for i, name := range r.header {
			if i < len(record) {
				row[name] = CleanCell(record[i])
			}
		}
		return row, nil
	}
}

// ReadAll drains the remaining rows into memory. The row count is needed
// before any progress can be reported, so callers that report totals use
// this instead of Next.
func (r *Reader) ReadAll() ([]Row, error) {
	var rows []Row
	for {
		row, err := r.Next()
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
}

// readHeader consumes lines until the header is found, once.
func (r *Reader) readHeader() error {
	if r.err != nil {
		return r.err
	}
	if r.opened {
		return nil
	}
	r.opened = true

	for {
		record, err := r.csv.Read()
		if err == io.EOF {
			r.err = fmt.Errorf("%w: missing header row", ErrMalformedInput)
			return r.err
		}
		if err != nil {
			r.err = fmt.Errorf("%w: %v", ErrMalformedInput, err)
			return r.err
		}
		if isBlank(record) {
			continue
		}

		header := make([]string, len(record))
		for i, name := range record {
			header[i] = strings.ToLower(CleanCell(name))
		}
		r.header = header
		return nil
	}
}

func isBlank(record []string) bool {
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// CleanCell removes common artifacts from a cell value:
// - Trims whitespace
// - Removes Excel formula prefix (="...")
// - Removes surrounding quotes
func CleanCell(s string) string {
	s = strings.TrimSpace(s)

	// Remove leading '='
	if strings.HasPrefix(s, "=\"") && strings.HasSuffix(s, "\"") {
		s = s[2 : len(s)-1]
	} else if strings.HasPrefix(s, "=") {
		s = s[1:]
	}

	// Remove any surrounding quotes
	s = strings.Trim(s, `"'`)

	return s
}
