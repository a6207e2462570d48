// Package scpi provides primitives for working with devices that
// have SCPI interfaces
package scpi

import (
	"bytes"
	"context"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/quantumlab/labseq/comm"
)

// DefaultTimeout bounds a single command round trip
const DefaultTimeout = 10 * time.Second

const readBufSize = 4096

var log = logrus.WithField("pkg", "scpi")

// ErrEmptyResponse is returned when a query yields no data
var ErrEmptyResponse = errors.New("empty response")

// DeviceError is an entry popped from the instrument's error queue
type DeviceError struct {
	Code int
	Msg  string
}

func (e DeviceError) Error() string {
	return strconv.Itoa(e.Code) + "," + e.Msg
}

// ParseError decodes a SYST:ERR? reply such as
// -222,"Data out of range".  A zero code is not an error.
func ParseError(s string) error {
	s = strings.TrimSpace(s)
	pieces := strings.SplitN(s, ",", 2)
	code, err := strconv.Atoi(strings.TrimPrefix(pieces[0], "+"))
	if err != nil {
		return DeviceError{Code: -1, Msg: s}
	}
	if code == 0 {
		return nil
	}
	msg := ""
	if len(pieces) > 1 {
		msg = strings.Trim(pieces[1], `"`)
	}
	return DeviceError{Code: code, Msg: msg}
}

// SCPI is a type for encapsulating SCPI communication
type SCPI struct {
	Pool *comm.Pool

	// Handshaking indicates if the communication shall use handshaking,
	// where an error query is sent with every message
	// to ensure the device accepted the input
	Handshaking bool

	// Timeout bounds each round trip, DefaultTimeout if zero
	Timeout time.Duration

	// Limiter paces commands when not nil
	Limiter *rate.Limiter
}

func (s *SCPI) timeout() time.Duration {
	if s.Timeout <= 0 {
		return DefaultTimeout
	}
	return s.Timeout
}

func (s *SCPI) wrap(conn io.ReadWriter) (io.ReadWriter, error) {
	if s.Limiter != nil {
		if err := s.Limiter.Wait(context.Background()); err != nil {
			return nil, err
		}
	}
	return comm.NewTimeout(comm.NewTerminator(conn, '\n', '\n'), s.timeout())
}

func (s *SCPI) frame(cmds []string) string {
	if s.Handshaking {
		cmds = append([]string{"*CLS;"}, cmds...)
		cmds = append(cmds, ";:SYSTem:ERRor?")
	}
	return strings.Join(cmds, " ")
}

// Write sends a command to the device.  if s.Handshaking == true,
// it also requests an error response and checks that it is OK
// it is assumed this is used for set operations and not get.
func (s *SCPI) Write(cmds ...string) error {
	conn, err := s.Pool.Get()
	if err != nil {
		return err
	}
	defer func() { s.Pool.ReturnWithError(conn, err) }()
	wrap, err := s.wrap(conn)
	if err != nil {
		return err
	}
	str := s.frame(cmds)
	log.Debug("> ", str)
	_, err = io.WriteString(wrap, str)
	if err != nil {
		return err
	}
	if s.Handshaking {
		buf := make([]byte, readBufSize)
		var n int
		n, err = wrap.Read(buf)
		if err != nil {
			return err
		}
		return ParseError(string(buf[:n]))
	}
	return nil
}

// WriteRead is write, but with a read call after.  It is assumed that "get"
// calls use this underlying mechanism
func (s *SCPI) WriteRead(cmds ...string) ([]byte, error) {
	var resp []byte
	conn, err := s.Pool.Get()
	if err != nil {
		return resp, err
	}
	defer func() { s.Pool.ReturnWithError(conn, err) }()
	wrap, err := s.wrap(conn)
	if err != nil {
		return resp, err
	}
	str := s.frame(cmds)
	log.Debug("> ", str)
	_, err = io.WriteString(wrap, str)
	if err != nil {
		return resp, err
	}
	buf := make([]byte, readBufSize)
	n, err := wrap.Read(buf)
	if err != nil {
		return resp, err
	}
	resp = bytes.TrimRight(buf[:n], "\r\n")
	log.Debug("< ", string(resp))
	if s.Handshaking {
		pieces := bytes.Split(resp, []byte{';'})
		if derr := ParseError(string(pieces[len(pieces)-1])); derr != nil {
			return resp, derr
		}
		return bytes.Join(pieces[:len(pieces)-1], []byte{}), nil
	}
	return resp, nil
}

// ReadString sends a command to the device, the reads the response
// and returns it as a decoded ASCII or UTF-8 string
func (s *SCPI) ReadString(cmds ...string) (string, error) {
	resp, err := s.WriteRead(cmds...)
	if err != nil {
		return "", err
	}
	if len(resp) == 0 {
		return "", ErrEmptyResponse
	}
	return string(resp), nil
}

// Query is ReadString for a single command
func (s *SCPI) Query(cmd string) (string, error) {
	return s.ReadString(cmd)
}

// ReadFloat sends a command to the device, then reads the
// response and parses it as a floating point value
func (s *SCPI) ReadFloat(cmds ...string) (float64, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(strings.TrimSpace(resp), 64)
}

// ReadBool sends a command to the device, then reads the
// response and parses it as a boolean
func (s *SCPI) ReadBool(cmds ...string) (bool, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return false, err
	}
	return strconv.ParseBool(strings.TrimSpace(resp))
}

// ReadInt sends a command to the device, then reads the
// response and parses it as an integer
func (s *SCPI) ReadInt(cmds ...string) (int, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimPrefix(strings.TrimSpace(resp), "+"))
}

// Raw sends a command and returns a response if it was a query,
// else a blank string
func (s *SCPI) Raw(str string) (string, error) {
	if strings.Contains(str, "?") {
		return s.ReadString(str)
	}
	return "", s.Write(str)
}

// PopError gets a single error from the queue on the device
func (s *SCPI) PopError() error {
	str, err := s.ReadString("SYSTem:ERRor?")
	if err != nil {
		return err
	}
	return ParseError(str)
}

// AllErrors returns all errors from the device as a list.  A transport
// failure ends the list and is included as its last element.
func (s *SCPI) AllErrors() []error {
	var errs []error
	for i := 0; i < 32; i++ {
		err := s.PopError()
		if err == nil {
			break
		}
		errs = append(errs, err)
		if _, ok := err.(DeviceError); !ok {
			break
		}
	}
	return errs
}

// AllErrorsString is equivalent to AllErrors, but joining by newline
// if there were no errors, the error return value is nil, otherwise
// it is the first error in the list and has no particular meaning
func (s *SCPI) AllErrorsString() (string, error) {
	errs := s.AllErrors()
	if len(errs) == 0 {
		return "", nil
	}
	strs := make([]string, len(errs))
	for i := 0; i < len(errs); i++ {
		strs[i] = errs[i].Error()
	}
	return strings.Join(strs, "\n"), errs[0]
}
