package comm

import (
	"bytes"
	"io"
	"time"
)

// deadliner is implemented by connections which support I/O deadlines
type deadliner interface {
	SetDeadline(time.Time) error
}

// Terminator wraps an io.ReadWriter, appending a terminator to every write
// and reading until the terminator is seen
type Terminator struct {
	rw     io.ReadWriter
	rx, tx byte
}

// NewTerminator returns a Terminator wrapping rw
func NewTerminator(rw io.ReadWriter, rx, tx byte) *Terminator {
	return &Terminator{rw: rw, rx: rx, tx: tx}
}

// Write writes p followed by the tx terminator, unless p already ends with it.
// The returned count excludes the terminator.
func (t *Terminator) Write(p []byte) (int, error) {
	if len(p) > 0 && p[len(p)-1] == t.tx {
		return t.rw.Write(p)
	}
	buf := make([]byte, len(p)+1)
	copy(buf, p)
	buf[len(p)] = t.tx
	n, err := t.rw.Write(buf)
	if n > len(p) {
		n = len(p)
	}
	return n, err
}

// Read fills p until the rx terminator is read.  If p fills first,
// ErrTerminatorNotFound is returned with the partial read.
func (t *Terminator) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		m, err := t.rw.Read(p[n:])
		n += m
		if m > 0 && bytes.IndexByte(p[n-m:n], t.rx) >= 0 {
			return n, nil
		}
		if err != nil {
			return n, err
		}
	}
	return n, ErrTerminatorNotFound
}

// SetDeadline forwards to the wrapped connection when it supports deadlines
func (t *Terminator) SetDeadline(d time.Time) error {
	if dl, ok := t.rw.(deadliner); ok {
		return dl.SetDeadline(d)
	}
	return nil
}

// Timeout wraps an io.ReadWriter and pushes the deadline forward by a fixed
// duration before every read and write
type Timeout struct {
	rw      io.ReadWriter
	dl      deadliner
	timeout time.Duration
}

// NewTimeout returns a Timeout wrapping rw.  Connections that do not support
// deadlines (serial ports carry their own read timeout) pass through unchanged.
func NewTimeout(rw io.ReadWriter, timeout time.Duration) (io.ReadWriter, error) {
	dl, ok := rw.(deadliner)
	if !ok {
		return rw, nil
	}
	if err := dl.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	return &Timeout{rw: rw, dl: dl, timeout: timeout}, nil
}

func (t *Timeout) Read(p []byte) (int, error) {
	if err := t.dl.SetDeadline(time.Now().Add(t.timeout)); err != nil {
		return 0, err
	}
	return t.rw.Read(p)
}

func (t *Timeout) Write(p []byte) (int, error) {
	if err := t.dl.SetDeadline(time.Now().Add(t.timeout)); err != nil {
		return 0, err
	}
	return t.rw.Write(p)
}
