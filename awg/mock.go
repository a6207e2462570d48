package awg

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/quantumlab/labseq/registry"
)

// MockInstrument is a stand-in generator that records every command and
// answers the queries a Session makes
type MockInstrument struct {
	sync.Mutex

	name     string
	cmds     []string
	outputs  map[string]bool
	errQueue []string
	busy     int
	failOn   map[string]error
	errOn    map[string]string
	closed   bool
}

// NewMock creates a mock generator with the given identity
func NewMock(name string) *MockInstrument {
	return &MockInstrument{name: name, outputs: map[string]bool{}, failOn: map[string]error{}, errOn: map[string]string{}}
}

// Name returns the mock's identity
func (m *MockInstrument) Name() string {
	return m.name
}

// Write records cmds, tracking output state
func (m *MockInstrument) Write(cmds ...string) error {
	m.Lock()
	defer m.Unlock()
	for _, c := range cmds {
		if err := m.failure(c); err != nil {
			return err
		}
		m.cmds = append(m.cmds, c)
		if c == cmdClearStatus {
			m.errQueue = nil
		}
		for prefix, e := range m.errOn {
			if strings.HasPrefix(c, prefix) {
				m.errQueue = append(m.errQueue, e)
			}
		}
		if strings.HasPrefix(c, "OUTP") && !strings.Contains(c, ":") {
			// OUTPn ON|OFF
			f := strings.Fields(c)
			if len(f) == 2 {
				m.outputs[f[0]] = f[1] == "ON"
			}
		}
		if c == cmdSyncOn || c == cmdSyncOff {
			m.outputs["OUTP:SYNC"] = c == cmdSyncOn
		}
	}
	return nil
}

// Query records cmd and answers it
func (m *MockInstrument) Query(cmd string) (string, error) {
	m.Lock()
	defer m.Unlock()
	if err := m.failure(cmd); err != nil {
		return "", err
	}
	m.cmds = append(m.cmds, cmd)
	switch {
	case cmd == "*IDN?":
		return "Keysight Technologies,33522B,MOCK-" + m.name + ",4.00-1.19", nil
	case cmd == cmdOPC:
		if m.busy > 0 {
			m.busy--
			return "0", nil
		}
		return "1", nil
	case cmd == cmdError || strings.EqualFold(cmd, "SYSTem:ERRor?"):
		if len(m.errQueue) > 0 {
			e := m.errQueue[0]
			m.errQueue = m.errQueue[1:]
			return e, nil
		}
		return `+0,"No error"`, nil
	case strings.HasPrefix(cmd, "OUTP") && strings.HasSuffix(cmd, "?"):
		if m.outputs[strings.TrimSuffix(cmd, "?")] {
			return "1", nil
		}
		return "0", nil
	}
	return "", nil
}

func (m *MockInstrument) failure(cmd string) error {
	for prefix, err := range m.failOn {
		if strings.HasPrefix(cmd, prefix) {
			return err
		}
	}
	return nil
}

// Close marks the mock closed
func (m *MockInstrument) Close() error {
	m.Lock()
	defer m.Unlock()
	m.closed = true
	return nil
}

// Commands returns every command and query received, in order
func (m *MockInstrument) Commands() []string {
	m.Lock()
	defer m.Unlock()
	return append([]string{}, m.cmds...)
}

// Count returns how many commands began with prefix
func (m *MockInstrument) Count(prefix string) int {
	m.Lock()
	defer m.Unlock()
	n := 0
	for _, c := range m.cmds {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// Output reports whether the mock believes OUTPn is on
func (m *MockInstrument) Output(ch int) bool {
	m.Lock()
	defer m.Unlock()
	return m.outputs[fmt.Sprintf("OUTP%d", ch)]
}

// QueueError makes the next SYST:ERR? return code and msg
func (m *MockInstrument) QueueError(code int, msg string) {
	m.Lock()
	defer m.Unlock()
	m.errQueue = append(m.errQueue, fmt.Sprintf("%+d,%q", code, msg))
}

// ErrorOn makes every command beginning with prefix push code and msg onto
// the error queue, as an instrument does when it refuses a command
func (m *MockInstrument) ErrorOn(prefix string, code int, msg string) {
	m.Lock()
	defer m.Unlock()
	m.errOn[prefix] = fmt.Sprintf("%+d,%q", code, msg)
}

// SetBusy makes the next n *OPC? queries report pending operations
func (m *MockInstrument) SetBusy(n int) {
	m.Lock()
	defer m.Unlock()
	m.busy = n
}

// FailOn makes any command beginning with prefix return err
func (m *MockInstrument) FailOn(prefix string, err error) {
	m.Lock()
	defer m.Unlock()
	m.failOn[prefix] = err
}

// Closed reports whether Close was called
func (m *MockInstrument) Closed() bool {
	m.Lock()
	defer m.Unlock()
	return m.closed
}

// MockDialer returns a registry dialer that opens a MockInstrument for every
// identity.  Every mock it creates is kept in mocks when it is not nil.
func MockDialer(mocks map[string]*MockInstrument) registry.Dialer {
	var mu sync.Mutex
	return func(id registry.Identity) (registry.Conn, error) {
		if id.Name == "" {
			return nil, errors.New("mock dialer needs a name")
		}
		m := NewMock(id.Name)
		if mocks != nil {
			mu.Lock()
			mocks[id.Name] = m
			mu.Unlock()
		}
		return m, nil
	}
}
