/*Package comm provides the transports used to talk to lab hardware.

Instruments are addressed with VISA-style resource strings, and Dial turns one
of those strings into an io.ReadWriteCloser:

	TCPIP0::192.168.100.12::5025::SOCKET   raw SCPI socket
	TCPIP0::192.168.100.12::INSTR          raw SCPI socket on port 5025
	192.168.100.12:5025                    plain host:port
	ASRL/dev/ttyUSB0::INSTR                serial port, 9600 8N1
	USB0::0x0957::0x2807::MY58000111::INSTR USBTMC device

Connections are usually not held directly.  A Pool wraps a Dial closure and
hands out connections on demand, closing them after they have sat idle.

	pool := comm.NewPool(1, time.Minute, func() (io.ReadWriteCloser, error) {
		return comm.Dial(addr, 3*time.Second)
	})
*/
package comm

import (
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/tarm/serial"

	"github.com/quantumlab/labseq/usbtmc"
)

var log = logrus.WithField("pkg", "comm")

var (
	// ErrNotConnected is generated when a connection is nil and Send or Recv is called.
	ErrNotConnected = errors.New("conn is nil, not connected to remote")

	// ErrTerminatorNotFound is generated when the termination byte is not found in a response
	ErrTerminatorNotFound = errors.New("termination byte not found")

	// ErrBadAddress is generated when a resource string cannot be parsed
	ErrBadAddress = errors.New("malformed resource address")

	// ErrConnectionTimeout is generated when Dial exhausts its retry budget
	ErrConnectionTimeout = errors.New("connection timeout")
)

// DefaultSCPIPort is the raw socket port used by LXI instruments
const DefaultSCPIPort = 5025

// Interface is the physical bus a resource is reached over
type Interface int

const (
	// TCP is a raw TCP socket
	TCP Interface = iota
	// Serial is an RS-232 port
	Serial
	// USB is a USBTMC device
	USB
)

func (i Interface) String() string {
	switch i {
	case TCP:
		return "tcp"
	case Serial:
		return "serial"
	case USB:
		return "usb"
	default:
		return "unknown"
	}
}

// Resource is a parsed resource string
type Resource struct {
	Interface Interface

	// Addr is host:port for TCP and the device path for serial
	Addr string

	// Baud is only used for serial
	Baud int

	// VID, PID and SerialNumber identify a USB device
	VID, PID     uint16
	SerialNumber string
}

// ParseAddress decodes a VISA-style resource string
func ParseAddress(addr string) (Resource, error) {
	var r Resource
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return r, ErrBadAddress
	}
	if !strings.Contains(addr, "::") {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return r, errors.Wrapf(ErrBadAddress, "%s", addr)
		}
		r.Interface = TCP
		r.Addr = addr
		return r, nil
	}
	pieces := strings.Split(addr, "::")
	head := strings.ToUpper(pieces[0])
	switch {
	case strings.HasPrefix(head, "TCPIP"):
		if len(pieces) < 2 {
			return r, errors.Wrapf(ErrBadAddress, "%s", addr)
		}
		r.Interface = TCP
		port := strconv.Itoa(DefaultSCPIPort)
		if len(pieces) >= 4 && strings.EqualFold(pieces[len(pieces)-1], "SOCKET") {
			port = pieces[2]
		}
		r.Addr = net.JoinHostPort(pieces[1], port)
		return r, nil
	case strings.HasPrefix(head, "ASRL"):
		r.Interface = Serial
		r.Baud = 9600
		dev := pieces[0][len("ASRL"):]
		if dev == "" {
			return r, errors.Wrapf(ErrBadAddress, "%s", addr)
		}
		if _, err := strconv.Atoi(dev); err == nil {
			dev = "COM" + dev
		}
		r.Addr = dev
		return r, nil
	case strings.HasPrefix(head, "USB"):
		if len(pieces) < 4 {
			return r, errors.Wrapf(ErrBadAddress, "%s", addr)
		}
		vid, err := strconv.ParseUint(pieces[1], 0, 16)
		if err != nil {
			return r, errors.Wrapf(ErrBadAddress, "vendor id %q", pieces[1])
		}
		pid, err := strconv.ParseUint(pieces[2], 0, 16)
		if err != nil {
			return r, errors.Wrapf(ErrBadAddress, "product id %q", pieces[2])
		}
		r.Interface = USB
		r.VID = uint16(vid)
		r.PID = uint16(pid)
		r.SerialNumber = pieces[3]
		return r, nil
	}
	return r, errors.Wrapf(ErrBadAddress, "%s", addr)
}

// Dial opens a connection to the resource at addr.  The connection attempt is
// retried with an exponential backoff for up to three seconds; a refused
// connection or a malformed address is not retried.
func Dial(addr string, timeout time.Duration) (io.ReadWriteCloser, error) {
	res, err := ParseAddress(addr)
	if err != nil {
		return nil, err
	}
	var conn io.ReadWriteCloser
	wasTimeout := false
	op := func() error {
		c, err := open(res, timeout)
		if err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "refused") {
				return backoff.Permanent(err)
			}
			log.WithField("addr", addr).Debug("connection attempt failed, retrying: ", err)
			wasTimeout = true
			return err
		}
		wasTimeout = false
		conn = c
		return nil
	}
	err = backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock})
	if err == nil {
		log.WithFields(logrus.Fields{"addr": addr, "bus": res.Interface}).Debug("connected")
		return conn, nil
	}
	if wasTimeout {
		return nil, errors.Wrapf(ErrConnectionTimeout, "%s: %v", addr, err)
	}
	return nil, errors.Wrapf(err, "dial %s", addr)
}

func open(res Resource, timeout time.Duration) (io.ReadWriteCloser, error) {
	switch res.Interface {
	case Serial:
		return serial.OpenPort(&serial.Config{
			Name:        res.Addr,
			Baud:        res.Baud,
			ReadTimeout: timeout})
	case USB:
		return usbtmc.Open(res.VID, res.PID, res.SerialNumber)
	default:
		return TCPSetup(res.Addr, timeout)
	}
}

// TCPSetup opens a new TCP connection with a timeout on connect
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", addr, timeout)
}
