/*Package registry tracks which instrument sessions are open.

A Registry is built from a fixed table of identities (a stable name bound to
a resource address) and owns the sessions opened against them.  There is no
package-level registry; callers construct one and pass it to whatever needs
to talk to instruments.

	reg := registry.New(map[string]string{
		"Gen-A": "USB0::0x0957::0x2807::MY58000111::INSTR",
		"Gen-B": "TCPIP0::10.0.0.12::5025::SOCKET",
	}, registry.SCPIDialer(scpi.DefaultTimeout))
	sess, err := reg.Open("Gen-A")
	...
	defer reg.CloseAll()
*/
package registry

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("pkg", "registry")

var (
	// ErrAlreadyOpen is returned by Open when the identity already has a session
	ErrAlreadyOpen = errors.New("session already open")

	// ErrNotOpen is returned when a closed or never-opened session is used or closed
	ErrNotOpen = errors.New("session not open")

	// ErrUnknownIdentity is returned for names the registry was not built with
	ErrUnknownIdentity = errors.New("unknown instrument identity")
)

// Identity binds a stable instrument name to its physical address
type Identity struct {
	Name string `json:"name" yaml:"Name"`
	Addr string `json:"addr" yaml:"Addr"`
}

// Registry is the set of known identities and their open sessions.
// it is concurrent safe.
type Registry struct {
	dial Dialer

	mu         sync.Mutex
	identities map[string]Identity
	open       map[string]*Session
	order      []string // open names, in the order they were opened
}

// New creates a registry over the name => address table
func New(addrs map[string]string, dial Dialer) *Registry {
	ids := make(map[string]Identity, len(addrs))
	for name, addr := range addrs {
		ids[name] = Identity{Name: name, Addr: addr}
	}
	return &Registry{
		dial:       dial,
		identities: ids,
		open:       make(map[string]*Session),
	}
}

// Identities returns every known identity, sorted by name
func (r *Registry) Identities() []Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Identity, 0, len(r.identities))
	for _, id := range r.identities {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Open establishes a session to the named instrument.  A second Open of an
// identity that is open, or being opened, fails with ErrAlreadyOpen; it does
// not wait for the first.
func (r *Registry) Open(name string) (*Session, error) {
	r.mu.Lock()
	id, ok := r.identities[name]
	if !ok {
		r.mu.Unlock()
		return nil, errors.Wrapf(ErrUnknownIdentity, "%q", name)
	}
	if _, ok := r.open[name]; ok {
		r.mu.Unlock()
		return nil, errors.Wrapf(ErrAlreadyOpen, "%q", name)
	}
	// reserve the name while dialing so a concurrent Open is rejected
	r.open[name] = nil
	r.mu.Unlock()

	conn, err := r.dial(id)
	if err != nil {
		r.mu.Lock()
		delete(r.open, name)
		r.mu.Unlock()
		return nil, errors.Wrapf(err, "open %s at %s", name, id.Addr)
	}
	sess := newSession(id, conn)
	if idn, err := conn.Query("*IDN?"); err == nil {
		sess.model = idn
	} else {
		log.WithField("instrument", name).Warn("identification query failed: ", err)
	}

	r.mu.Lock()
	r.open[name] = sess
	r.order = append(r.order, name)
	r.mu.Unlock()
	log.WithFields(logrus.Fields{"instrument": name, "addr": id.Addr, "model": sess.model}).Info("session opened")
	return sess, nil
}

// Get returns the open session for name
func (r *Registry) Get(name string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess := r.open[name]
	if sess == nil {
		return nil, errors.Wrapf(ErrNotOpen, "%q", name)
	}
	return sess, nil
}

// Close ends the session for name and removes it from the open set
func (r *Registry) Close(name string) error {
	r.mu.Lock()
	sess := r.open[name]
	if sess == nil {
		r.mu.Unlock()
		return errors.Wrapf(ErrNotOpen, "%q", name)
	}
	delete(r.open, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
	err := sess.close()
	log.WithFields(logrus.Fields{"instrument": name, "writes": sess.Writes()}).Info("session closed")
	return err
}

// CloseAll closes every open session, newest first, and returns the first error
func (r *Registry) CloseAll() error {
	var first error
	for _, name := range r.reverseOpen() {
		if err := r.Close(name); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (r *Registry) reverseOpen() []string {
	open := r.ListOpen()
	for i, j := 0, len(open)-1; i < j; i, j = i+1, j-1 {
		open[i], open[j] = open[j], open[i]
	}
	return open
}

// ListOpen returns the names of open sessions in the order they were opened
func (r *Registry) ListOpen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.order...)
}

// Count returns the number of open sessions
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}
