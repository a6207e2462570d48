package registry

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quantumlab/labseq/comm"
	"github.com/quantumlab/labseq/scpi"
)

// Conn is a command channel to one instrument
type Conn interface {
	// Write sends one or more commands that produce no reply
	Write(cmds ...string) error

	// Query sends a command and returns the reply with terminators stripped
	Query(cmd string) (string, error)

	io.Closer
}

// Dialer opens a Conn to an identity
type Dialer func(Identity) (Conn, error)

// scpiConn adapts an SCPI client and its pool to Conn
type scpiConn struct {
	*scpi.SCPI
}

func (c scpiConn) Close() error {
	return c.Pool.Close()
}

// SCPIDialer returns a Dialer producing SCPI clients with the given round trip
// timeout.  Each session holds a single pooled connection; it is opened
// eagerly so an unreachable instrument fails Open rather than the first write.
func SCPIDialer(timeout time.Duration) Dialer {
	return func(id Identity) (Conn, error) {
		pool := comm.NewPool(1, 0, func() (io.ReadWriteCloser, error) {
			return comm.Dial(id.Addr, 3*time.Second)
		})
		rw, err := pool.Get()
		if err != nil {
			return nil, err
		}
		pool.Put(rw)
		return scpiConn{&scpi.SCPI{Pool: pool, Timeout: timeout}}, nil
	}
}

// Session is one open connection to one instrument
type Session struct {
	id    Identity
	model string
	conn  Conn

	writes uint64

	mu     sync.RWMutex
	closed bool
}

func newSession(id Identity, conn Conn) *Session {
	return &Session{id: id, conn: conn}
}

// Identity returns the identity the session was opened for
func (s *Session) Identity() Identity {
	return s.id
}

// Name is shorthand for Identity().Name
func (s *Session) Name() string {
	return s.id.Name
}

// Model is the instrument's *IDN? reply, or empty if it did not answer
func (s *Session) Model() string {
	return s.model
}

// Writes is the number of commands sent over the session
func (s *Session) Writes() uint64 {
	return atomic.LoadUint64(&s.writes)
}

// Open reports whether the session has not been closed
func (s *Session) Open() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.closed
}

// Write sends commands to the instrument
func (s *Session) Write(cmds ...string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrNotOpen
	}
	atomic.AddUint64(&s.writes, uint64(len(cmds)))
	return s.conn.Write(cmds...)
}

// Query sends a command and returns the instrument's reply
func (s *Session) Query(cmd string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", ErrNotOpen
	}
	atomic.AddUint64(&s.writes, 1)
	return s.conn.Query(cmd)
}

func (s *Session) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrNotOpen
	}
	s.closed = true
	return s.conn.Close()
}
