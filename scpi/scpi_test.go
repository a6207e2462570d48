package scpi

import (
	"bufio"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantumlab/labseq/comm"
)

// fakeInstrument answers queries from a fixed table and logs every line it receives
type fakeInstrument struct {
	mu      sync.Mutex
	lines   []string
	answers map[string]string
}

func (f *fakeInstrument) serve(t *testing.T) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go f.handle(conn)
		}
	}()
	return ln.Addr().String()
}

func (f *fakeInstrument) handle(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		f.mu.Lock()
		f.lines = append(f.lines, line)
		ans, ok := f.answers[line]
		f.mu.Unlock()
		if ok {
			io.WriteString(conn, ans+"\n")
		}
	}
}

func (f *fakeInstrument) received() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}

func newClient(addr string) *SCPI {
	pool := comm.NewPool(1, time.Second, func() (io.ReadWriteCloser, error) {
		return comm.Dial(addr, time.Second)
	})
	return &SCPI{Pool: pool, Timeout: time.Second}
}

func TestWriteAndQuery(t *testing.T) {
	f := &fakeInstrument{answers: map[string]string{
		"*IDN?":         "Agilent Technologies,33522B,MY58000111,4.00",
		"SOUR1:VOLT?":   "+5.00000000000000E+00",
		"OUTP1?":        "1",
		"SYSTem:ERRor?": `+0,"No error"`,
	}}
	s := newClient(f.serve(t))

	require.NoError(t, s.Write("SOUR1:VOLT 5"))
	idn, err := s.Query("*IDN?")
	require.NoError(t, err)
	assert.Equal(t, "Agilent Technologies,33522B,MY58000111,4.00", idn)

	v, err := s.ReadFloat("SOUR1:VOLT?")
	require.NoError(t, err)
	assert.Equal(t, 5.0, v)

	on, err := s.ReadBool("OUTP1?")
	require.NoError(t, err)
	assert.True(t, on)

	assert.NoError(t, s.PopError())
	assert.Equal(t, []string{"SOUR1:VOLT 5", "*IDN?", "SOUR1:VOLT?", "OUTP1?", "SYSTem:ERRor?"}, f.received())
}

func TestPopErrorReportsDeviceError(t *testing.T) {
	f := &fakeInstrument{answers: map[string]string{
		"SYSTem:ERRor?": `-222,"Data out of range"`,
	}}
	s := newClient(f.serve(t))
	err := s.PopError()
	require.Error(t, err)
	derr, ok := err.(DeviceError)
	require.True(t, ok)
	assert.Equal(t, -222, derr.Code)
	assert.Equal(t, "Data out of range", derr.Msg)
}

func TestQueryTimesOut(t *testing.T) {
	f := &fakeInstrument{answers: map[string]string{}}
	s := newClient(f.serve(t))
	s.Timeout = 50 * time.Millisecond
	_, err := s.Query("NOANSWER?")
	require.Error(t, err)
	assert.True(t, comm.IsTransportError(err))
	assert.Equal(t, 0, s.Pool.Size())
}

func TestParseDeviceError(t *testing.T) {
	assert.NoError(t, ParseError(`+0,"No error"`))
	assert.Equal(t, DeviceError{Code: -113, Msg: "Undefined header"}, ParseError(`-113,"Undefined header"`))
	assert.Equal(t, DeviceError{Code: -1, Msg: "garbage"}, ParseError("garbage"))
}
