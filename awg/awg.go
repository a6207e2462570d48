/*Package awg drives arbitrary waveform generators as trigger participants.

A Session wraps one instrument and owns its channels.  Each Channel walks the
same cycle:

	Idle -> Loaded -> Armed -> Fired -> (ClearVolatile) -> Idle

UploadWaveform clears the channel's volatile memory and writes a timetable
buffer into it, ArmBurst configures a single-cycle triggered burst and turns
the output on, and Fire (Master only) issues the bus trigger.  A Slave's
channels are armed on the external trigger line and are marked Fired when the
trigger manager reports that the Master has driven it.
*/
package awg

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/snksoft/crc"

	"github.com/quantumlab/labseq/scpi"
	"github.com/quantumlab/labseq/timetable"
	"github.com/quantumlab/labseq/trigger"
)

var log = logrus.WithField("pkg", "awg")

var (
	// ErrUploadRejected is returned when a waveform is empty, too long, has
	// samples outside [0, 1], or is refused by the instrument
	ErrUploadRejected = errors.New("waveform upload rejected")

	// ErrConfigurationRejected is returned when a burst or DC configuration
	// falls outside the safe envelope
	ErrConfigurationRejected = errors.New("configuration rejected")

	// ErrNotMaster is returned when a Slave is asked to issue the trigger
	ErrNotMaster = errors.New("only the master can fire")

	// ErrNotArmed is returned when Fire finds no armed channel
	ErrNotArmed = errors.New("channel not armed")

	// ErrBadState is returned for an operation the channel's state does not allow
	ErrBadState = errors.New("operation not allowed in channel state")

	// ErrNoSuchChannel is returned for a channel number the instrument does not have
	ErrNoSuchChannel = errors.New("no such channel")

	// ErrBusy is returned when the instrument has not finished pending operations
	ErrBusy = errors.New("instrument has pending operations")
)

// DefaultChannels is the channel count of a two-channel generator
const DefaultChannels = 2

// State is a channel's position in its cycle
type State int

const (
	// Idle channels have no waveform resident
	Idle State = iota
	// Loaded channels hold a selected waveform
	Loaded
	// Armed channels are in burst mode with the output on, waiting for a trigger
	Armed
	// Fired channels have been triggered
	Fired
)

func (s State) String() string {
	switch s {
	case Idle:
		return trigger.Idle
	case Loaded:
		return trigger.Loaded
	case Armed:
		return trigger.Armed
	case Fired:
		return trigger.Fired
	default:
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
}

// Instrument is the command channel to a generator
type Instrument interface {
	Name() string
	Write(cmds ...string) error
	Query(cmd string) (string, error)
}

// Session is one generator taking part in a run
type Session struct {
	inst Instrument
	role trigger.Role

	mu        sync.Mutex // serializes instrument I/O and guards channel state
	channels  []*Channel
	observers []trigger.Observer
	table     *crc.Table
}

// NewSession wraps inst with a fixed trigger role and n channels numbered from one
func NewSession(inst Instrument, role trigger.Role, n int, observers ...trigger.Observer) *Session {
	if n < 1 {
		n = DefaultChannels
	}
	s := &Session{
		inst:      inst,
		role:      role,
		observers: observers,
		table:     crc.NewTable(crc.XMODEM),
	}
	for i := 1; i <= n; i++ {
		s.channels = append(s.channels, &Channel{num: i, s: s})
	}
	return s
}

// Name is the instrument's identity
func (s *Session) Name() string {
	return s.inst.Name()
}

// Role is the session's place in the trigger topology
func (s *Session) Role() trigger.Role {
	return s.role
}

// AddObserver registers o for channel state transitions
func (s *Session) AddObserver(o trigger.Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

// Channel returns channel n, counted from one
func (s *Session) Channel(n int) (*Channel, error) {
	if n < 1 || n > len(s.channels) {
		return nil, errors.Wrapf(ErrNoSuchChannel, "%s channel %d", s.Name(), n)
	}
	return s.channels[n-1], nil
}

// Channels returns every channel in order
func (s *Session) Channels() []*Channel {
	return append([]*Channel{}, s.channels...)
}

// Initialize puts the instrument in a known state for its role: trigger
// output enabled on the Master and disabled on Slaves, outputs and sync
// off, and the instrument's own voltage limits disabled
func (s *Session) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmds := []string{TriggerOutput(s.role == trigger.Master)}
	for _, c := range s.channels {
		cmds = append(cmds, OutputCommands{c.num}.State(false))
	}
	cmds = append(cmds, cmdSyncOff)
	for _, c := range s.channels {
		cmds = append(cmds, RailCommands{c.num}.LimitsOff())
	}
	if err := s.write(cmds...); err != nil {
		return err
	}
	for _, c := range s.channels {
		if c.state == Armed || c.state == Fired {
			c.setState(Loaded)
		}
	}
	log.WithFields(logrus.Fields{"instrument": s.Name(), "role": s.role}).Info("initialized")
	return nil
}

func (s *Session) write(cmds ...string) error {
	for _, c := range cmds {
		if err := s.inst.Write(c); err != nil {
			return errors.Wrapf(err, "%s: %s", s.Name(), abbreviate(c))
		}
	}
	return nil
}

func (s *Session) query(cmd string) (string, error) {
	resp, err := s.inst.Query(cmd)
	if err != nil {
		return "", errors.Wrapf(err, "%s: %s", s.Name(), cmd)
	}
	return strings.TrimSpace(resp), nil
}

// idle reports whether the instrument has finished every pending operation
func (s *Session) idle() (bool, error) {
	resp, err := s.query(cmdOPC)
	if err != nil {
		return false, err
	}
	return strings.TrimPrefix(resp, "+") == "1", nil
}

// Ready reports whether at least one channel is armed, no loaded channel is
// left unarmed, and the instrument has no pending operations
func (s *Session) Ready(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	armed := 0
	for _, c := range s.channels {
		switch c.state {
		case Loaded:
			return false, nil
		case Armed:
			armed++
		}
	}
	if armed == 0 {
		return false, nil
	}
	return s.idle()
}

// Fire issues the bus trigger.  Every armed channel is fired together.
func (s *Session) Fire() error {
	if s.role != trigger.Master {
		return errors.Wrapf(ErrNotMaster, "%s is a %s", s.Name(), s.role)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fire()
}

func (s *Session) fire() error {
	armed := 0
	for _, c := range s.channels {
		if c.state == Armed {
			armed++
		}
	}
	if armed == 0 {
		return errors.Wrapf(ErrNotArmed, "%s has no armed channel", s.Name())
	}
	if err := s.write(cmdWait); err != nil {
		return err
	}
	done, err := s.idle()
	if err != nil {
		return err
	}
	if !done {
		return errors.Wrapf(ErrBusy, "%s", s.Name())
	}
	if err := s.write(cmdTrigger, cmdWait); err != nil {
		return err
	}
	s.markFired()
	return nil
}

func (s *Session) markFired() {
	for _, c := range s.channels {
		if c.state == Armed {
			c.setState(Fired)
		}
	}
}

// Triggered marks every armed channel Fired.  It is called on Slaves once the
// Master has driven the trigger line and sends nothing to the instrument.
func (s *Session) Triggered() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markFired()
}

// Rearm returns fired channels to Armed.  Triggered bursts re-arm themselves
// in hardware once the waveform has played out, so this polls until the
// instrument reports that it is idle.  ErrBusy is returned if it is still
// busy after timeout; a zero timeout checks once.
func (s *Session) Rearm(ctx context.Context, timeout time.Duration) error {
	var b backoff.BackOff = &backoff.ExponentialBackOff{
		InitialInterval:     5 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         100 * time.Millisecond,
		MaxElapsedTime:      timeout,
		Clock:               backoff.SystemClock}
	if timeout <= 0 {
		b = &backoff.StopBackOff{}
	}
	op := func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		done, err := s.idle()
		if err != nil {
			return backoff.Permanent(err)
		}
		if !done {
			return errors.Wrapf(ErrBusy, "%s", s.Name())
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return errors.Wrapf(cerr, "rearm %s", s.Name())
		}
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.channels {
		if c.state == Fired {
			c.setState(Armed)
		}
	}
	return nil
}

// Abort stops any triggered action and turns the outputs off.  Armed and
// fired channels keep their waveform and fall back to Loaded.
func (s *Session) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmds := []string{cmdAbort}
	for _, c := range s.channels {
		cmds = append(cmds, OutputCommands{c.num}.State(false))
	}
	if err := s.write(cmds...); err != nil {
		return err
	}
	s.disarm()
	return nil
}

func (s *Session) disarm() {
	for _, c := range s.channels {
		if c.state == Armed || c.state == Fired {
			c.setState(Loaded)
		}
	}
}

// Reset restores factory defaults.  Volatile memory is not cleared.
func (s *Session) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.write(cmdReset, cmdWait); err != nil {
		return err
	}
	s.disarm()
	return nil
}

// Clear clears the status registers and error queue
func (s *Session) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(cmdClearStatus, cmdWait)
}

// Errors drains the instrument's error queue
func (s *Session) Errors() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errors()
}

func (s *Session) errors() []error {
	var errs []error
	for i := 0; i < 32; i++ {
		resp, err := s.query(cmdError)
		if err != nil {
			return append(errs, err)
		}
		derr := scpi.ParseError(resp)
		if derr == nil {
			break
		}
		errs = append(errs, derr)
	}
	return errs
}

// ApplyDC drives channel ch to a static level.  The channel must not be
// armed; a resident waveform stays in memory.
func (s *Session) ApplyDC(ch int, volts, load float64) error {
	c, err := s.Channel(ch)
	if err != nil {
		return err
	}
	if err := validLoad(load); err != nil {
		return err
	}
	if lim := MaxAmplitude(load); volts > lim || volts < -lim {
		return errors.Wrapf(ErrConfigurationRejected, "%g V exceeds ±%.4g V into %s Ω", volts, lim, FormatLoad(load))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.state == Armed || c.state == Fired {
		return errors.Wrapf(ErrBadState, "%s is %s", c.Name(), c.state)
	}
	return s.write(OutputCommands{ch}.Load(load), DataCommands{ch}.DC(volts))
}

// OutputOff turns channel ch's output off.  An armed channel falls back to Loaded.
func (s *Session) OutputOff(ch int) error {
	c, err := s.Channel(ch)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.write(OutputCommands{ch}.State(false)); err != nil {
		return err
	}
	if c.state == Armed || c.state == Fired {
		c.setState(Loaded)
	}
	return nil
}

// SetSync routes the sync output to channel ch, changing level at sample
// point of its waveform
func (s *Session) SetSync(ch, point int, inverted bool) error {
	c, err := s.Channel(ch)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.state == Idle {
		return errors.Wrapf(ErrBadState, "%s has no waveform", c.Name())
	}
	if point < 0 || point >= c.points {
		return errors.Wrapf(ErrConfigurationRejected, "marker point %d outside waveform of %d points", point, c.points)
	}
	o := OutputCommands{ch}
	return s.write(o.SyncCarrier(), o.SyncPolarity(inverted), DataCommands{ch}.MarkerPoint(point), cmdSyncOn)
}

// Shutdown turns the sync and every output off
func (s *Session) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmds := []string{cmdSyncOff}
	for _, c := range s.channels {
		cmds = append(cmds, OutputCommands{c.num}.State(false))
	}
	if err := s.write(cmds...); err != nil {
		return err
	}
	s.disarm()
	return nil
}

// Channel is one output of a generator
type Channel struct {
	num int
	s   *Session

	// guarded by s.mu
	state    State
	wave     string
	column   string
	points   int
	checksum uint16
	config   BurstConfig
}

// Number is the channel's index on its instrument, counted from one
func (c *Channel) Number() int {
	return c.num
}

// Name identifies the channel as instrument/number
func (c *Channel) Name() string {
	return c.s.Name() + "/" + strconv.Itoa(c.num)
}

// State is the channel's current state
func (c *Channel) State() State {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return c.state
}

// Waveform is the name of the resident waveform and the timetable column it came from
func (c *Channel) Waveform() (name, column string) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return c.wave, c.column
}

// Points is the length of the resident waveform, zero when Idle
func (c *Channel) Points() int {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return c.points
}

// Checksum is the CRC-16/XMODEM of the last uploaded sample data
func (c *Channel) Checksum() uint16 {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return c.checksum
}

// Config is the burst configuration the channel was last armed with
func (c *Channel) Config() BurstConfig {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return c.config
}

func (c *Channel) setState(st State) {
	if c.state == st {
		return
	}
	c.state = st
	log.WithFields(logrus.Fields{"channel": c.Name(), "state": st}).Debug("transition")
	trigger.Notify(c.s.observers, trigger.Event{Source: c.Name(), State: st.String()})
}

// UploadWaveform clears the channel's volatile memory, writes buf into it,
// and selects it as the active arbitrary waveform.  A buffer that is empty,
// too long or has a sample outside [0, 1] is rejected before anything is sent.
func (c *Channel) UploadWaveform(buf timetable.Buffer) error {
	if err := validateSamples(buf.Samples); err != nil {
		return errors.Wrapf(err, "%s column %q", c.Name(), buf.Column)
	}
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if c.state != Idle && c.state != Loaded {
		return errors.Wrapf(ErrBadState, "%s is %s", c.Name(), c.state)
	}
	name := waveName(buf.Column, c.num)
	d := DataCommands{c.num}
	upload := d.Upload(name, buf.Samples)

	if err := c.s.write(cmdClearStatus, d.ClearVolatile(), cmdWait); err != nil {
		return err
	}
	c.wave, c.column, c.points = "", "", 0
	c.setState(Idle)
	if err := c.s.write(upload, cmdWait, d.Select(name)); err != nil {
		return err
	}
	if errs := c.s.errors(); len(errs) > 0 {
		return errors.Wrapf(ErrUploadRejected, "%s: %v", c.Name(), errs[0])
	}
	crcv := c.s.table.UpdateCrc(c.s.table.InitCrc(), []byte(upload))
	c.wave, c.column, c.points = name, buf.Column, len(buf.Samples)
	c.checksum = c.s.table.CRC16(crcv)
	c.setState(Loaded)
	log.WithFields(logrus.Fields{
		"channel": c.Name(), "wave": name, "points": c.points,
		"crc": strconv.FormatUint(uint64(c.checksum), 16)}).Info("waveform uploaded")
	return nil
}

// ArmBurst configures a single-cycle burst of the loaded waveform, triggered
// from the bus on the Master or the external line on a Slave, and turns the
// output on.  Rails outside the safe envelope are rejected, never clamped.
func (c *Channel) ArmBurst(cfg BurstConfig) error {
	if err := cfg.Validate(); err != nil {
		return errors.Wrapf(err, "%s", c.Name())
	}
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if c.state != Loaded {
		return errors.Wrapf(ErrBadState, "%s is %s", c.Name(), c.state)
	}
	o, d, r, b := OutputCommands{c.num}, DataCommands{c.num}, RailCommands{c.num}, BurstCommands{c.num}
	err := c.s.write(
		o.Load(cfg.Load),
		d.Arb(),
		d.Select(c.wave),
		d.FilterOff(),
		d.SampleRate(cfg.SampleRate),
		r.High(cfg.High),
		r.Low(cfg.Low),
		cmdWait,
		b.Triggered(),
		b.Cycles(1),
		TriggerCommands{c.num}.Source(c.s.role),
		b.State(true),
		o.State(true),
		cmdWait,
	)
	if err != nil {
		return err
	}
	c.config = cfg
	c.setState(Armed)
	log.WithFields(logrus.Fields{
		"channel": c.Name(), "srat": cfg.SampleRate, "high": cfg.High,
		"low": cfg.Low, "load": FormatLoad(cfg.Load), "role": c.s.role}).Info("burst armed")
	return nil
}

// Fire issues the bus trigger from this channel's instrument.  Only an armed
// channel of the Master may fire; the instrument's other armed channels fire
// with it.
func (c *Channel) Fire() error {
	if c.s.role != trigger.Master {
		return errors.Wrapf(ErrNotMaster, "%s is a %s", c.Name(), c.s.role)
	}
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if c.state != Armed {
		return errors.Wrapf(ErrNotArmed, "%s is %s", c.Name(), c.state)
	}
	return c.s.fire()
}

// ClearVolatile erases the channel's volatile memory and returns it to Idle.
// An armed channel is still driving its output and must be aborted first.
func (c *Channel) ClearVolatile() error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if c.state == Armed {
		return errors.Wrapf(ErrBadState, "%s is %s", c.Name(), c.state)
	}
	if err := c.s.write(DataCommands{c.num}.ClearVolatile(), cmdWait); err != nil {
		return err
	}
	c.wave, c.column, c.points, c.checksum = "", "", 0, 0
	c.setState(Idle)
	return nil
}

// abbreviate shortens waveform uploads for error messages
func abbreviate(cmd string) string {
	const max = 64
	if len(cmd) <= max {
		return cmd
	}
	return cmd[:max] + "..."
}
