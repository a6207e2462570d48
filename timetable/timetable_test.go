package timetable

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	. "github.com/smartystreets/goconvey/convey"
)

const sample = `MOT_switch,MOT_2pass,Probe_switch
1,0.8,0
1,0.8,0
1,0.8,0
0,0,1
0,0,1
`

func TestLoad(t *testing.T) {
	Convey("Given a well formed timetable", t, func() {
		tt, err := Load(strings.NewReader(sample), "MOT_switch", "Probe_switch")
		So(err, ShouldBeNil)

		Convey("columns keep header order and share one length", func() {
			So(tt.Columns(), ShouldResemble, []string{"MOT_switch", "MOT_2pass", "Probe_switch"})
			So(tt.Len(), ShouldEqual, 5)
		})

		Convey("a required column that is absent is a header mismatch", func() {
			_, err := Load(strings.NewReader(sample), "Rep_switch")
			So(errors.Is(err, ErrHeaderMismatch), ShouldBeTrue)
		})

		Convey("writing and reloading gives the same samples", func() {
			var buf bytes.Buffer
			So(tt.Write(&buf), ShouldBeNil)
			again, err := Load(&buf)
			So(err, ShouldBeNil)
			col, _ := again.Column("MOT_2pass")
			So(col, ShouldResemble, []float64{0.8, 0.8, 0.8, 0, 0})
		})
	})

	Convey("Given malformed input", t, func() {
		Convey("a short row is rejected", func() {
			_, err := Load(strings.NewReader("a,b\n1,2\n3\n"))
			So(errors.Is(err, ErrMalformedTable), ShouldBeTrue)
		})
		Convey("an empty cell is rejected", func() {
			_, err := Load(strings.NewReader("a,b\n1,2\n3,\n"))
			So(errors.Is(err, ErrMalformedTable), ShouldBeTrue)
		})
		Convey("a non numeric cell is rejected", func() {
			_, err := Load(strings.NewReader("a,b\n1,x\n"))
			So(errors.Is(err, ErrMalformedTable), ShouldBeTrue)
		})
		Convey("duplicate column names are rejected", func() {
			_, err := Load(strings.NewReader("a,a\n1,2\n"))
			So(errors.Is(err, ErrMalformedTable), ShouldBeTrue)
		})
		Convey("an empty source is rejected", func() {
			_, err := Load(strings.NewReader(""))
			So(errors.Is(err, ErrMalformedTable), ShouldBeTrue)
		})
		Convey("columns of unequal length are rejected by New", func() {
			_, err := New([]string{"a", "b"}, [][]float64{{1, 2}, {1}})
			So(errors.Is(err, ErrMalformedTable), ShouldBeTrue)
		})
	})
}

func TestSelect(t *testing.T) {
	Convey("Given a timetable", t, func() {
		tt, err := Load(strings.NewReader(sample))
		So(err, ShouldBeNil)

		Convey("an exact name selects its column", func() {
			buf, err := Select(tt, "Probe_switch")
			So(err, ShouldBeNil)
			So(buf.Column, ShouldEqual, "Probe_switch")
			So(buf.Samples, ShouldResemble, []float64{0, 0, 0, 1, 1})
			bound := buf.Bind("Gen-C", 2)
			So(bound.Instrument, ShouldEqual, "Gen-C")
			So(bound.Channel, ShouldEqual, 2)
		})

		Convey("a near miss is not found rather than empty", func() {
			_, err := Select(tt, "probe_switch")
			So(errors.Is(err, ErrColumnNotFound), ShouldBeTrue)
			_, err = Select(tt, "Probe")
			So(errors.Is(err, ErrColumnNotFound), ShouldBeTrue)
		})

		Convey("mutating a selected buffer leaves the table alone", func() {
			buf, _ := Select(tt, "MOT_switch")
			buf.Samples[0] = 42
			col, _ := tt.Column("MOT_switch")
			So(col[0], ShouldEqual, 1)
		})
	})
}

func TestPatch(t *testing.T) {
	Convey("Given a timetable", t, func() {
		tt, err := Load(strings.NewReader(sample))
		So(err, ShouldBeNil)

		Convey("a patch sets a 1-based range and leaves the source untouched", func() {
			p, err := Patch(tt, "MOT_2pass", 2, 2, 0.111)
			So(err, ShouldBeNil)
			col, _ := p.Column("MOT_2pass")
			So(col, ShouldResemble, []float64{0.8, 0.111, 0.111, 0, 0})
			orig, _ := tt.Column("MOT_2pass")
			So(orig, ShouldResemble, []float64{0.8, 0.8, 0.8, 0, 0})
			other, _ := p.Column("MOT_switch")
			So(other, ShouldResemble, []float64{1, 1, 1, 0, 0})
		})

		Convey("patching twice equals patching once", func() {
			once, err := Patch(tt, "Probe_switch", 1, 3, 0.5)
			So(err, ShouldBeNil)
			twice, err := Patch(once, "Probe_switch", 1, 3, 0.5)
			So(err, ShouldBeNil)
			a, _ := once.Column("Probe_switch")
			b, _ := twice.Column("Probe_switch")
			So(b, ShouldResemble, a)
		})

		Convey("a range past the end is clamped", func() {
			p, err := Patch(tt, "MOT_switch", 4, 100, 0.25)
			So(err, ShouldBeNil)
			col, _ := p.Column("MOT_switch")
			So(col, ShouldResemble, []float64{1, 1, 1, 0.25, 0.25})
			So(p.Len(), ShouldEqual, 5)

			p, err = Patch(tt, "MOT_switch", 9, 3, 0.25)
			So(err, ShouldBeNil)
			col, _ = p.Column("MOT_switch")
			So(col, ShouldResemble, []float64{1, 1, 1, 0, 0})
		})

		Convey("an unknown column or bad range is rejected", func() {
			_, err := Patch(tt, "nope", 1, 1, 0)
			So(errors.Is(err, ErrColumnNotFound), ShouldBeTrue)
			_, err = Patch(tt, "MOT_switch", 0, 1, 0)
			So(errors.Is(err, ErrInvalidPatch), ShouldBeTrue)
			_, err = Patch(tt, "MOT_switch", 1, -1, 0)
			So(errors.Is(err, ErrInvalidPatch), ShouldBeTrue)
		})

		Convey("overrides apply in order", func() {
			p, err := PatchAll(tt, []Override{
				{Column: "MOT_switch", Start: 1, Span: 5, Value: 0},
				{Column: "MOT_switch", Start: 2, Span: 1, Value: 1},
			})
			So(err, ShouldBeNil)
			col, _ := p.Column("MOT_switch")
			So(col, ShouldResemble, []float64{0, 1, 0, 0, 0})
		})
	})
}

func TestBuffer(t *testing.T) {
	Convey("zero detection is exact", t, func() {
		So(Buffer{Samples: []float64{0, 0, 0}}.IsZero(), ShouldBeTrue)
		So(Buffer{Samples: []float64{0, 1e-300, 0}}.IsZero(), ShouldBeFalse)
		lo, hi := Buffer{Samples: []float64{0.2, -0.1, 0.9}}.Bounds()
		So(lo, ShouldEqual, -0.1)
		So(hi, ShouldEqual, 0.9)
	})
}

func TestFileRoundTrip(t *testing.T) {
	Convey("a table written to disk loads back", t, func() {
		tt, err := Load(strings.NewReader(sample))
		So(err, ShouldBeNil)
		path := filepath.Join(t.TempDir(), "Sequence.csv")
		So(tt.WriteFile(path), ShouldBeNil)
		again, err := LoadFile(path, "MOT_switch")
		So(err, ShouldBeNil)
		So(again.Columns(), ShouldResemble, tt.Columns())
		So(again.Len(), ShouldEqual, tt.Len())
	})
}
