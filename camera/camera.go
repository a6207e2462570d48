/*Package camera describes the acquisition handle the capture coordinator
drives, and the frames it yields.

An Acquirer is armed for a fixed number of frames and stops by itself once it
has captured them.  Frames are then pulled one at a time, in capture order,
with RetrieveNext.
*/
package camera

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrFrameTimeout is returned by RetrieveNext when no frame arrives in time
	ErrFrameTimeout = errors.New("frame timeout")

	// ErrFrameCorrupt is returned by RetrieveNext when a frame arrived but the grab failed
	ErrFrameCorrupt = errors.New("frame corrupt")

	// ErrNotArmed is returned by RetrieveNext when the camera has not been armed
	ErrNotArmed = errors.New("camera not armed")

	// ErrExhausted is returned by RetrieveNext after every planned frame was retrieved
	ErrExhausted = errors.New("all frames retrieved")
)

// TriggerMode selects how frames are started
type TriggerMode int

const (
	// Burst captures every frame on a single edge of the trigger line
	Burst TriggerMode = iota
	// FrameTrigger captures one frame per edge of the trigger line
	FrameTrigger
	// FreeRun captures continuously as soon as the camera is armed
	FreeRun
)

func (m TriggerMode) String() string {
	switch m {
	case Burst:
		return "Burst"
	case FrameTrigger:
		return "FrameTrigger"
	case FreeRun:
		return "FreeRun"
	default:
		return "Unknown"
	}
}

// ParseTriggerMode reads a mode name, case insensitive
func ParseTriggerMode(s string) (TriggerMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "burst", "":
		return Burst, nil
	case "frame", "frametrigger":
		return FrameTrigger, nil
	case "freerun", "free-run", "continuous":
		return FreeRun, nil
	}
	return Burst, errors.Errorf("unknown trigger mode %q", s)
}

// Settings are the hardware trigger options applied when a camera is armed
type Settings struct {
	Mode TriggerMode

	// Line is the input the trigger arrives on, e.g. Line3
	Line string

	// FallingEdge selects the falling rather than rising edge
	FallingEdge bool

	// Delay between the trigger edge and the start of exposure
	Delay time.Duration

	// Exposure time per frame
	Exposure time.Duration
}

// Frame is one captured image
type Frame struct {
	Camera string
	Index  int // position in the capture sequence, from zero

	Width, Height int

	// Pix is row-major, len(Pix) == Width*Height
	Pix []uint16

	// Timestamp is the camera's hardware timestamp in nanoseconds
	Timestamp uint64
}

// Max returns the brightest pixel value
func (f Frame) Max() uint16 {
	var m uint16
	for _, v := range f.Pix {
		if v > m {
			m = v
		}
	}
	return m
}

// Since returns the hardware time elapsed since prev was captured
func (f Frame) Since(prev Frame) time.Duration {
	if f.Timestamp < prev.Timestamp {
		return 0
	}
	return time.Duration(f.Timestamp - prev.Timestamp)
}

// Acquirer is a camera that can be armed for a bounded capture and drained
type Acquirer interface {
	// Name identifies the camera
	Name() string

	// Arm prepares the camera to capture exactly frames images with the
	// given settings.  When Arm returns the camera is waiting for its trigger.
	Arm(frames int, s Settings) error

	// RetrieveNext returns the next frame in capture order.  A frame that is
	// not delivered within timeout yields ErrFrameTimeout; a failed grab
	// yields ErrFrameCorrupt.  Either way the frame's slot is consumed.
	RetrieveNext(timeout time.Duration) (Frame, error)

	// Stop ends the acquisition and releases buffers
	Stop() error
}
