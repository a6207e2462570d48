package timetable

import (
	"github.com/pkg/errors"
)

// Buffer is the sample vector selected for one destination channel
type Buffer struct {
	// Column is the timetable column the samples came from
	Column string

	// Instrument and Channel name the destination, empty until bound
	Instrument string
	Channel    int

	Samples []float64
}

// Bind returns a copy of b addressed to a channel of an instrument
func (b Buffer) Bind(instrument string, channel int) Buffer {
	b.Instrument = instrument
	b.Channel = channel
	return b
}

// Len is the number of samples in the buffer
func (b Buffer) Len() int {
	return len(b.Samples)
}

// IsZero reports whether every sample is exactly zero
func (b Buffer) IsZero() bool {
	for _, v := range b.Samples {
		if v != 0 {
			return false
		}
	}
	return true
}

// Bounds returns the smallest and largest sample
func (b Buffer) Bounds() (lo, hi float64) {
	if len(b.Samples) == 0 {
		return 0, 0
	}
	lo, hi = b.Samples[0], b.Samples[0]
	for _, v := range b.Samples[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

// Select looks up a column by exact name.  A miss is ErrColumnNotFound,
// never an empty buffer.
func Select(t *Timetable, column string) (Buffer, error) {
	samples, err := t.Column(column)
	if err != nil {
		return Buffer{}, err
	}
	return Buffer{Column: column, Samples: samples}, nil
}

// Override describes a patch of part of one column
type Override struct {
	Column string  `json:"column" yaml:"Column"`
	Start  int     `json:"start" yaml:"Start"` // 1-based
	Span   int     `json:"span" yaml:"Span"`
	Value  float64 `json:"value" yaml:"Value"`
}

// Apply is Patch(t, o.Column, o.Start, o.Span, o.Value)
func (o Override) Apply(t *Timetable) (*Timetable, error) {
	return Patch(t, o.Column, o.Start, o.Span, o.Value)
}

// Patch returns a new timetable in which samples [start, start+span) of column,
// counted from one, are set to value.  The range is clamped to the column
// length; a range that starts past the end changes nothing.  Applying the
// same patch twice gives the same table as applying it once.
func Patch(t *Timetable, column string, start, span int, value float64) (*Timetable, error) {
	src, ok := t.cols[column]
	if !ok {
		return nil, errors.Wrapf(ErrColumnNotFound, "%q", column)
	}
	if start < 1 || span < 0 {
		return nil, errors.Wrapf(ErrInvalidPatch, "start %d span %d", start, span)
	}
	lo := start - 1
	hi := lo + span
	if hi > len(src) {
		hi = len(src)
	}
	dst := append([]float64{}, src...)
	for i := lo; i < hi; i++ {
		dst[i] = value
	}
	out := &Timetable{names: t.names, cols: make(map[string][]float64, len(t.cols)), n: t.n}
	for name, c := range t.cols {
		out.cols[name] = c
	}
	out.cols[column] = dst
	return out, nil
}

// PatchAll applies overrides in order
func PatchAll(t *Timetable, overrides []Override) (*Timetable, error) {
	var err error
	for _, o := range overrides {
		t, err = o.Apply(t)
		if err != nil {
			return nil, err
		}
	}
	return t, nil
}
