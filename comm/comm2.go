package comm

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// CreationFunc is a function which returns a new "connection" to something
// a closure should be used to encapsulate the variables and functions needed
type CreationFunc func() (io.ReadWriteCloser, error)

// ErrPoolClosed is returned by Get after the pool has been closed
var ErrPoolClosed = errors.New("pool is closed")

// Pool is a communication pool which holds one or more connections to a device
// that will be closed if they are not in use, and re-opened as needed.
// it is concurrent safe.  Pools must be created with NewPool.
type Pool struct {
	maker   CreationFunc
	timeout time.Duration // idle time after the last Put before freeing connections

	sem chan struct{} // one token per leased connection, cap == max size

	mu      sync.Mutex
	idle    []io.ReadWriteCloser
	onLease int
	timer   *time.Timer
	closed  bool
}

// NewPool creates a pool holding at most maxSize connections made by maker.
// a timeout <= 0 keeps idle connections open until Close.
func NewPool(maxSize int, timeout time.Duration, maker CreationFunc) *Pool {
	if maxSize < 1 {
		maxSize = 1
	}
	return &Pool{
		maker:   maker,
		timeout: timeout,
		sem:     make(chan struct{}, maxSize),
	}
}

// Get retrieves a communicator from the pool, blocking until one is
// available if all are in use.  It is guaranteed that there is no contention
// for the ReadWriter.
//
// When done with the communicator, return it with Put(), or discard it with
// Destroy() if it has become no good (e.g., all calls error).
//
// If the error from Get is not nil, you must not return it to the pool.
func (p *Pool) Get() (io.ReadWriter, error) {
	p.sem <- struct{}{}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		<-p.sem
		return nil, ErrPoolClosed
	}
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	if n := len(p.idle); n > 0 {
		c := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.onLease++
		return c, nil
	}
	c, err := p.maker()
	if err != nil {
		<-p.sem
		return nil, err
	}
	p.onLease++
	return c, nil
}

// Put restores a communicator to the pool.  It may be reused, or will be
// automatically freed after all connections are returned and the timeout
// has elapsed.
func (p *Pool) Put(rw io.ReadWriter) {
	rwc := rw.(io.ReadWriteCloser)
	p.mu.Lock()
	p.onLease--
	if p.closed {
		rwc.Close()
	} else {
		p.idle = append(p.idle, rwc)
		if p.onLease == 0 && p.timeout > 0 {
			p.timer = time.AfterFunc(p.timeout, p.reclaim)
		}
	}
	p.mu.Unlock()
	<-p.sem
}

// Destroy immediately frees a communicator from the pool.  This should be used
// instead of Put if the communicator has gone bad.
func (p *Pool) Destroy(rw io.ReadWriter) {
	rwc := rw.(io.ReadWriteCloser)
	rwc.Close()
	p.mu.Lock()
	p.onLease--
	p.mu.Unlock()
	<-p.sem
}

// ReturnWithError returns rw to the pool if err is nil or an error reported
// by the device, and destroys it if err came from the transport
func (p *Pool) ReturnWithError(rw io.ReadWriter, err error) {
	if IsTransportError(err) {
		p.Destroy(rw)
		return
	}
	p.Put(rw)
}

// Size returns the number of connections in the pool, or given out from it
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle) + p.onLease
}

// Active returns the number of connections owned by the pool that are currently
// given out
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onLease
}

// Close frees every idle connection and makes future calls to Get fail.
// connections on lease are closed when they are returned.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	var first error
	for _, c := range p.idle {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	p.idle = nil
	return first
}

func (p *Pool) reclaim() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.onLease > 0 {
		return
	}
	for _, c := range p.idle {
		c.Close()
	}
	p.idle = nil
	p.timer = nil
}

// IsTransportError reports whether err means the connection itself is no
// longer usable
func IsTransportError(err error) bool {
	if err == nil {
		return false
	}
	cause := errors.Cause(err)
	if cause == io.EOF || cause == io.ErrUnexpectedEOF || cause == ErrTerminatorNotFound {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}
