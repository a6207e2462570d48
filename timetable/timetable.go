/*Package timetable compiles a column-oriented timetable into per-channel
sample vectors.

A timetable is a CSV file with a header row of channel names followed by rows
of real values, one row per sample on a shared timebase:

	MOT_switch,MOT_2pass,Probe_switch
	1,0.8,0
	1,0.8,0
	0,0,1

A Timetable is never modified once loaded.  Patch returns a new Timetable
with one column's sub-range overwritten, so the same base table can be
patched differently for different runs.
*/
package timetable

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrMalformedTable is returned when columns have unequal lengths or a cell is not a number
	ErrMalformedTable = errors.New("malformed timetable")

	// ErrHeaderMismatch is returned by Load when a required column is absent from the header
	ErrHeaderMismatch = errors.New("timetable header is missing a required column")

	// ErrColumnNotFound is returned when a lookup names a column the table does not have
	ErrColumnNotFound = errors.New("column not found")

	// ErrInvalidPatch is returned for a start index below one or a negative span
	ErrInvalidPatch = errors.New("invalid patch range")
)

// Timetable is a set of named, equal-length columns of samples
type Timetable struct {
	names []string
	cols  map[string][]float64
	n     int
}

// New builds a timetable from columns given in header order
func New(names []string, cols [][]float64) (*Timetable, error) {
	if len(names) != len(cols) {
		return nil, errors.Wrapf(ErrMalformedTable, "%d names for %d columns", len(names), len(cols))
	}
	t := &Timetable{names: make([]string, len(names)), cols: make(map[string][]float64, len(names))}
	copy(t.names, names)
	for i, name := range names {
		if _, dup := t.cols[name]; dup {
			return nil, errors.Wrapf(ErrMalformedTable, "duplicate column %q", name)
		}
		if i == 0 {
			t.n = len(cols[i])
		} else if len(cols[i]) != t.n {
			return nil, errors.Wrapf(ErrMalformedTable, "column %q has %d samples, expected %d", name, len(cols[i]), t.n)
		}
		c := make([]float64, len(cols[i]))
		copy(c, cols[i])
		t.cols[name] = c
	}
	return t, nil
}

// Load reads a CSV timetable.  Every name in required must appear in the header.
func Load(r io.Reader, required ...string) (*Timetable, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	recs, err := cr.ReadAll()
	if err != nil {
		return nil, errors.Wrap(ErrMalformedTable, err.Error())
	}
	if len(recs) == 0 {
		return nil, errors.Wrap(ErrMalformedTable, "no header row")
	}
	header := recs[0]
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}
	if err := checkRequired(header, required); err != nil {
		return nil, err
	}
	cols := make([][]float64, len(header))
	for row, rec := range recs[1:] {
		if len(rec) != len(header) {
			return nil, errors.Wrapf(ErrMalformedTable, "row %d has %d values, header has %d", row+1, len(rec), len(header))
		}
		for j, cell := range rec {
			cell = strings.TrimSpace(cell)
			if cell == "" {
				return nil, errors.Wrapf(ErrMalformedTable, "row %d column %q is empty", row+1, header[j])
			}
			v, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				return nil, errors.Wrapf(ErrMalformedTable, "row %d column %q: %v", row+1, header[j], err)
			}
			cols[j] = append(cols[j], v)
		}
	}
	return New(header, cols)
}

func checkRequired(header, required []string) error {
	have := make(map[string]bool, len(header))
	for _, h := range header {
		have[h] = true
	}
	var missing []string
	for _, r := range required {
		if !have[r] {
			missing = append(missing, r)
		}
	}
	if len(missing) > 0 {
		return errors.Wrapf(ErrHeaderMismatch, "%s", strings.Join(missing, ", "))
	}
	return nil
}

// LoadFile is Load for a file on disk
func LoadFile(path string, required ...string) (*Timetable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	t, err := Load(f, required...)
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", path)
	}
	return t, nil
}

// Columns returns the column names in header order
func (t *Timetable) Columns() []string {
	return append([]string{}, t.names...)
}

// Len is the number of samples in every column
func (t *Timetable) Len() int {
	return t.n
}

// Has reports whether the table has a column with exactly this name
func (t *Timetable) Has(column string) bool {
	_, ok := t.cols[column]
	return ok
}

// Column returns a copy of the named column
func (t *Timetable) Column(column string) ([]float64, error) {
	c, ok := t.cols[column]
	if !ok {
		return nil, errors.Wrapf(ErrColumnNotFound, "%q", column)
	}
	return append([]float64{}, c...), nil
}

// Write encodes the table as CSV in the form Load reads
func (t *Timetable) Write(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.names); err != nil {
		return err
	}
	rec := make([]string, len(t.names))
	for i := 0; i < t.n; i++ {
		for j, name := range t.names {
			rec[j] = strconv.FormatFloat(t.cols[name][i], 'g', -1, 64)
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteFile writes the table to path, replacing any existing file
func (t *Timetable) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := t.Write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
