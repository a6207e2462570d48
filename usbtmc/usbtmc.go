/*Package usbtmc implements datagram encoding and decoding for USB Test and
Measurement Class devices, and exposes a USBTMC instrument as an
io.ReadWriteCloser so it can sit behind the same SCPI client as a socket.

To send a message:
1.  Allocate a send buffer
2.  Write the header to it
3.  Write your data to it
4.  Ensure that the total transmission size is a multiple of 4 bytes before flushing

To receive a message:
1.  Create a read header and send it on the Out endpoint
2.  Read from the In endpoint, repeating until the end of message bit is set

These are implemented as Write() and Read() on the Device type.
*/
package usbtmc

import (
	"encoding/binary"
	"sync"

	"github.com/google/gousb"
	"github.com/pkg/errors"
)

const (
	// reserved is the byte to insert in reserved header fields
	reserved = 0x00

	headerSize = 12

	msgOut       = 0x01 // DEV_DEP_MSG_OUT
	msgInRequest = 0x02 // REQUEST_DEV_DEP_MSG_IN

	// readChunk is the transfer size requested per bulk-in message
	readChunk = 4096
)

var (
	// ErrShortHeader is returned when a bulk-in transfer is too small to hold a header
	ErrShortHeader = errors.New("bulk-in transfer shorter than header")

	// ErrTagMismatch is returned when a response does not echo the request bTag
	ErrTagMismatch = errors.New("bulk-in bTag does not match request")

	// ErrNoDevice is returned when no attached device matches the requested identity
	ErrNoDevice = errors.New("no matching USB device")
)

// BTagger can generate atomic bTags
type BTagger interface {
	nextbTag() byte
}

// bTagGen is a concurrent-safe bTag generator
type bTagGen struct {
	sync.Mutex

	value byte
	min   byte
}

func newBTagGen() *bTagGen {
	return &bTagGen{value: 0, min: 1}
}

func (b *bTagGen) nextbTag() byte {
	b.Lock()
	defer b.Unlock()
	b.value++
	if b.value < b.min {
		b.value = b.min
	}
	return b.value
}

// invbTag computes the bitwise inversion of a btag, per USBTMC standard table 1 offset 2
func invbTag(b byte) byte {
	return b ^ 0xff
}

// encBulkOutHeader creates the header defined in USBTMC standard, Table 3
func encBulkOutHeader(tag byte, datalen int) [headerSize]byte {
	out := [headerSize]byte{}
	/* data map by offset:
	0 MsgID
	1 bTag, 1 <= x <= 255, incrementing with each message
	2 bTagInverse
	3 Reserved (0x00)
	4-7 transferSize, LSB first, exclusive of header and alignment
	8 bitmap, bit 0 EOM
	9-11 reserved
	*/
	out[0] = msgOut
	out[1] = tag
	out[2] = invbTag(tag)
	out[3] = reserved
	binary.LittleEndian.PutUint32(out[4:8], uint32(datalen))
	out[8] = 0x01 // end of message
	return out
}

// encBulkInHeader creates the header defined in USBTMC standard, Table 4.
// if terminator is nil, puts 0x00 in the header and sets the bit to use it to false
func encBulkInHeader(tag byte, bufsize int, terminator *byte) [headerSize]byte {
	out := [headerSize]byte{}
	out[0] = msgInRequest
	out[1] = tag
	out[2] = invbTag(tag)
	out[3] = reserved
	binary.LittleEndian.PutUint32(out[4:8], uint32(bufsize))
	if terminator != nil {
		out[8] = 0x02
		out[9] = *terminator
	}
	return out
}

// bulkInHeader is the decoded header of a DEV_DEP_MSG_IN transfer
type bulkInHeader struct {
	tag          byte
	transferSize int
	eom          bool
}

func decBulkInHeader(b []byte) (bulkInHeader, error) {
	var h bulkInHeader
	if len(b) < headerSize {
		return h, ErrShortHeader
	}
	h.tag = b[1]
	h.transferSize = int(binary.LittleEndian.Uint32(b[4:8]))
	h.eom = b[8]&0x01 != 0
	return h, nil
}

// padded returns b extended with zeros to a multiple of four bytes
func padded(b []byte) []byte {
	const alignment = 4
	if residual := len(b) % alignment; residual > 0 {
		b = append(b, make([]byte, alignment-residual)...)
	}
	return b
}

// Device hides the details of USB and exposes an io.ReadWriteCloser
type Device struct {
	tagger BTagger
	ctx    *gousb.Context
	device *gousb.Device
	iface  *gousb.Interface
	in     *gousb.InEndpoint
	out    *gousb.OutEndpoint
	done   func()

	// pending holds message bytes that did not fit in the caller's buffer
	pending []byte
}

// Open opens the first device with the given vendor and product ID.  If serial
// is not empty, the device's serial number must also match.
func Open(vid, pid uint16, serial string) (*Device, error) {
	d := &Device{tagger: newBTagGen(), ctx: gousb.NewContext()}
	devs, err := d.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == gousb.ID(vid) && desc.Product == gousb.ID(pid)
	})
	for _, dev := range devs {
		if d.device != nil {
			dev.Close()
			continue
		}
		if serial != "" {
			sn, snErr := dev.SerialNumber()
			if snErr != nil || sn != serial {
				dev.Close()
				continue
			}
		}
		d.device = dev
	}
	if d.device == nil {
		d.ctx.Close()
		if err != nil {
			return nil, errors.Wrapf(err, "open %04x:%04x", vid, pid)
		}
		return nil, errors.Wrapf(ErrNoDevice, "%04x:%04x serial %q", vid, pid, serial)
	}
	if err = d.device.SetAutoDetach(true); err != nil {
		d.Close()
		return nil, err
	}
	d.iface, d.done, err = d.device.DefaultInterface()
	if err != nil {
		d.Close()
		return nil, err
	}
	inNum, outNum := 2, 2
	for _, ep := range d.iface.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		if ep.Direction == gousb.EndpointDirectionIn {
			inNum = ep.Number
		} else {
			outNum = ep.Number
		}
	}
	if d.in, err = d.iface.InEndpoint(inNum); err != nil {
		d.Close()
		return nil, err
	}
	if d.out, err = d.iface.OutEndpoint(outNum); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

// Write sends b as a single DEV_DEP_MSG_OUT message
func (d *Device) Write(b []byte) (int, error) {
	hdr := encBulkOutHeader(d.tagger.nextbTag(), len(b))
	msg := padded(append(hdr[:], b...))
	_, err := d.out.Write(msg)
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

// Read reads one message, requesting further transfers until the device
// signals the end of the message.  Bytes beyond len(p) are kept for the next
// call.
func (d *Device) Read(p []byte) (int, error) {
	if len(d.pending) == 0 {
		msg, err := d.readMessage()
		if err != nil {
			return 0, err
		}
		d.pending = msg
	}
	n := copy(p, d.pending)
	d.pending = d.pending[n:]
	return n, nil
}

func (d *Device) readMessage() ([]byte, error) {
	var msg []byte
	term := byte('\n')
	buf := make([]byte, readChunk+headerSize+3)
	for {
		tag := d.tagger.nextbTag()
		req := encBulkInHeader(tag, readChunk, &term)
		if _, err := d.out.Write(req[:]); err != nil {
			return msg, err
		}
		n, err := d.in.Read(buf)
		if err != nil {
			return msg, err
		}
		hdr, err := decBulkInHeader(buf[:n])
		if err != nil {
			return msg, err
		}
		if hdr.tag != tag {
			return msg, ErrTagMismatch
		}
		end := headerSize + hdr.transferSize
		if end > n {
			end = n
		}
		msg = append(msg, buf[headerSize:end]...)
		if hdr.eom {
			return msg, nil
		}
	}
}

// Close releases the interface, device, and USB context
func (d *Device) Close() error {
	if d.done != nil {
		d.done()
	}
	var err error
	if d.device != nil {
		err = d.device.Close()
	}
	if d.ctx != nil {
		d.ctx.Close()
	}
	return err
}
