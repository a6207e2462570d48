package camera

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Mock is a synthetic camera.  Each frame is a gradient whose brightness
// follows the frame index, and individual frames can be made to time out or
// arrive corrupt.
type Mock struct {
	sync.Mutex

	name          string
	Width, Height int

	// ArmDelay is slept inside Arm
	ArmDelay time.Duration

	// ArmErr is returned by Arm when not nil
	ArmErr error

	// FrameDelay is slept inside RetrieveNext before each frame
	FrameDelay time.Duration

	failures map[int]error

	armed     bool
	planned   int
	next      int
	settings  Settings
	start     time.Time
	arms      int
	retrieves int
	stops     int
}

// NewMock creates a mock camera producing w x h frames
func NewMock(name string, w, h int) *Mock {
	return &Mock{name: name, Width: w, Height: h, failures: map[int]error{}}
}

// Name returns the mock's identity
func (m *Mock) Name() string {
	return m.name
}

// FailFrame makes retrieval of frame index fail with err,
// usually ErrFrameTimeout or ErrFrameCorrupt
func (m *Mock) FailFrame(index int, err error) {
	m.Lock()
	defer m.Unlock()
	m.failures[index] = err
}

// Arm readies the mock for frames images
func (m *Mock) Arm(frames int, s Settings) error {
	if m.ArmDelay > 0 {
		time.Sleep(m.ArmDelay)
	}
	m.Lock()
	defer m.Unlock()
	m.arms++
	if m.ArmErr != nil {
		return m.ArmErr
	}
	if frames < 0 {
		return errors.Errorf("%s: negative frame count %d", m.name, frames)
	}
	m.armed = true
	m.planned = frames
	m.next = 0
	m.settings = s
	m.start = time.Now()
	return nil
}

// RetrieveNext returns the next synthetic frame
func (m *Mock) RetrieveNext(timeout time.Duration) (Frame, error) {
	m.Lock()
	m.retrieves++
	if !m.armed {
		m.Unlock()
		return Frame{}, ErrNotArmed
	}
	if m.next >= m.planned {
		m.Unlock()
		return Frame{}, ErrExhausted
	}
	idx := m.next
	m.next++
	ferr := m.failures[idx]
	delay := m.FrameDelay
	m.Unlock()

	if delay > 0 {
		if delay > timeout {
			time.Sleep(timeout)
			return Frame{Camera: m.name, Index: idx}, errors.Wrapf(ErrFrameTimeout, "%s frame %d", m.name, idx)
		}
		time.Sleep(delay)
	}
	if ferr != nil {
		return Frame{Camera: m.name, Index: idx}, errors.Wrapf(ferr, "%s frame %d", m.name, idx)
	}
	f := Frame{
		Camera:    m.name,
		Index:     idx,
		Width:     m.Width,
		Height:    m.Height,
		Pix:       make([]uint16, m.Width*m.Height),
		Timestamp: uint64(time.Since(m.start).Nanoseconds()),
	}
	for i := range f.Pix {
		f.Pix[i] = uint16((i + idx*64) % 4096)
	}
	return f, nil
}

// Stop disarms the mock
func (m *Mock) Stop() error {
	m.Lock()
	defer m.Unlock()
	m.stops++
	m.armed = false
	return nil
}

// Counts reports how many times Arm, RetrieveNext and Stop were called
func (m *Mock) Counts() (arms, retrieves, stops int) {
	m.Lock()
	defer m.Unlock()
	return m.arms, m.retrieves, m.stops
}

// Armed reports whether the mock is armed
func (m *Mock) Armed() bool {
	m.Lock()
	defer m.Unlock()
	return m.armed
}

// LastSettings returns the settings passed to the latest Arm
func (m *Mock) LastSettings() Settings {
	m.Lock()
	defer m.Unlock()
	return m.settings
}
