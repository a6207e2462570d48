// Package imgrec contains an image recorder used to automatically save drained frames to disk.
package imgrec

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/quantumlab/labseq/camera"
)

var log = logrus.WithField("pkg", "imgrec")

// ErrEmptyFrame is returned when a frame has no pixels or mismatched dimensions
var ErrEmptyFrame = errors.New("frame has no pixel data")

// Recorder writes frames as FITS files in yyyy-mm-dd subfolders of Root,
// named <Prefix><camera>_<repetition>_<frame>.fits
type Recorder struct {
	mu sync.Mutex

	// Root is the root path
	Root string

	// Prefix is the prefix for the filenames
	Prefix string

	// Enabled is a flag that allows consumers to turn recording off without removing the recorder
	Enabled bool

	// now is time.Now, swapped in tests
	now func() time.Time
}

// New returns an enabled recorder rooted at root
func New(root, prefix string) *Recorder {
	return &Recorder{Root: root, Prefix: prefix, Enabled: true}
}

func (r *Recorder) clock() time.Time {
	if r.now != nil {
		return r.now()
	}
	return time.Now()
}

// folder is Root/yyyy-mm-dd for the current day
func (r *Recorder) folder() string {
	y, m, d := r.clock().Date()
	return filepath.Join(r.Root, fmt.Sprintf("%04d-%02d-%02d", y, m, d))
}

// Path returns where a frame would be written today
func (r *Recorder) Path(cam string, rep, frame int) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.path(cam, rep, frame)
}

func (r *Recorder) path(cam string, rep, frame int) string {
	fn := fmt.Sprintf("%s%s_%03d_%04d.fits", r.Prefix, cam, rep, frame)
	return filepath.Join(r.folder(), fn)
}

// IsEnabled reports the Enabled flag
func (r *Recorder) IsEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Enabled
}

// SetEnabled sets the Enabled flag
func (r *Recorder) SetEnabled(b bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Enabled = b
}

// GetRoot returns the root folder
func (r *Recorder) GetRoot() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Root
}

// SetRoot changes the root folder and makes sure today's folder exists beneath it
func (r *Recorder) SetRoot(root string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Root = root
	return os.MkdirAll(r.folder(), 0777)
}

// GetPrefix returns the filename prefix
func (r *Recorder) GetPrefix() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Prefix
}

// SetPrefix changes the filename prefix
func (r *Recorder) SetPrefix(p string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Prefix = p
}

// Record writes f as a FITS file and returns its path.  Extra header cards
// follow the ones describing the frame.
func (r *Recorder) Record(f camera.Frame, rep int, cards ...fitsio.Card) (string, error) {
	r.mu.Lock()
	fn := r.path(f.Camera, rep, f.Index)
	r.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(fn), 0777); err != nil {
		return "", err
	}
	fid, err := os.Create(fn)
	if err != nil {
		return "", err
	}
	defer fid.Close()

	meta := append([]fitsio.Card{
		{Name: "CAMERA", Value: f.Camera, Comment: "camera identity"},
		{Name: "REPEAT", Value: rep, Comment: "repetition of the run"},
		{Name: "FRAME", Value: f.Index, Comment: "index in the capture sequence"},
		{Name: "HWTIME", Value: int64(f.Timestamp), Comment: "hardware timestamp, ns"},
	}, cards...)
	if err := WriteFrame(fid, f, meta); err != nil {
		return "", errors.Wrapf(err, "write %s", fn)
	}
	log.WithFields(logrus.Fields{"camera": f.Camera, "frame": f.Index, "file": fn}).Debug("frame recorded")
	return fn, nil
}

// WriteFrame streams a single 16-bit frame to w as a FITS file
func WriteFrame(w io.Writer, f camera.Frame, metadata []fitsio.Card) error {
	if len(f.Pix) == 0 || len(f.Pix) != f.Width*f.Height {
		return errors.Wrapf(ErrEmptyFrame, "%s frame %d", f.Camera, f.Index)
	}
	metadata = append(metadata, fitsio.Card{Name: "BZERO", Value: 32768}, fitsio.Card{Name: "BSCALE", Value: 1.0})
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()
	im := fitsio.NewImage(16, []int{f.Width, f.Height})
	defer im.Close()
	if err := im.Header().Append(metadata...); err != nil {
		return err
	}

	ints := make([]int16, len(f.Pix))
	for i, v := range f.Pix {
		ints[i] = int16(v - 32768)
	}
	if err := im.Write(ints); err != nil {
		return err
	}
	return fits.Write(im)
}
