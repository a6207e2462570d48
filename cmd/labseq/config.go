package main

import (
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/quantumlab/labseq/awg"
	"github.com/quantumlab/labseq/camera"
	"github.com/quantumlab/labseq/capture"
	"github.com/quantumlab/labseq/imgrec"
	"github.com/quantumlab/labseq/registry"
	"github.com/quantumlab/labseq/sequence"
	"github.com/quantumlab/labseq/timetable"
	"github.com/quantumlab/labseq/trigger"
)

// InstrumentSetup is one generator on the trigger bus
type InstrumentSetup struct {
	// Addr is the VISA style resource string, e.g. TCPIP0::192.168.100.20::INSTR
	Addr string `yaml:"Addr"`

	// Role is Master or Slave (Captain and Gunner are accepted too)
	Role string `yaml:"Role"`

	// Channels is the number of outputs, two if zero
	Channels int `yaml:"Channels"`
}

// ChannelSetup wires one timetable column to one generator channel
type ChannelSetup struct {
	Instrument string `yaml:"Instrument"`
	Channel    int    `yaml:"Channel"`
	Column     string `yaml:"Column"`

	// Load is the output termination in ohms, or INF
	Load string `yaml:"Load"`

	// High and Low are the rails in volts that samples of 1 and 0 map to
	High float64 `yaml:"High"`
	Low  float64 `yaml:"Low"`

	// SampleRate overrides the global sample rate when not zero
	SampleRate float64 `yaml:"SampleRate"`
}

// CameraSetup is one camera in the capture plan
type CameraSetup struct {
	// Type selects the driver; only "mock" is built in
	Type string `yaml:"Type"`

	Frames      int     `yaml:"Frames"`
	Mode        string  `yaml:"Mode"`
	Line        string  `yaml:"Line"`
	FallingEdge bool    `yaml:"FallingEdge"`
	Delay       float64 `yaml:"Delay"`    // seconds
	Exposure    float64 `yaml:"Exposure"` // seconds
	Serial      string  `yaml:"Serial"`
	Width       int     `yaml:"Width"`
	Height      int     `yaml:"Height"`
}

// RecorderSetup configures where drained frames are written
type RecorderSetup struct {
	Root    string `yaml:"Root"`
	Prefix  string `yaml:"Prefix"`
	Enabled bool   `yaml:"Enabled"`
}

// Config is everything the labseq commands need.  Times are in seconds.
type Config struct {
	// Addr is the address to listen at
	Addr string `yaml:"Addr"`

	// Mock replaces every instrument and camera with a simulation
	Mock bool `yaml:"Mock"`

	LogLevel string `yaml:"LogLevel"`

	// Timetable is the path to the timetable CSV
	Timetable string `yaml:"Timetable"`

	SampleRate   float64 `yaml:"SampleRate"`
	Settle       float64 `yaml:"Settle"`
	ArmTimeout   float64 `yaml:"ArmTimeout"`
	PollInterval float64 `yaml:"PollInterval"`
	FrameTimeout float64 `yaml:"FrameTimeout"`
	IOTimeout    float64 `yaml:"IOTimeout"`
	Repetitions  int     `yaml:"Repetitions"`

	Instruments map[string]InstrumentSetup `yaml:"Instruments"`
	Channels    map[string]ChannelSetup    `yaml:"Channels"`
	Cameras     map[string]CameraSetup     `yaml:"Cameras"`
	Patches     []timetable.Override       `yaml:"Patches"`
	SafeLevels  map[string]float64         `yaml:"SafeLevels"`
	Recorder    RecorderSetup              `yaml:"Recorder"`
}

func defaultConfig() Config {
	return Config{
		Addr:         ":8000",
		LogLevel:     "info",
		Timetable:    "timetable.csv",
		SampleRate:   1e6,
		Settle:       0.5,
		ArmTimeout:   5,
		PollInterval: 0.01,
		FrameTimeout: 2,
		IOTimeout:    10,
		Repetitions:  1,
		Instruments:  map[string]InstrumentSetup{},
		Channels:     map[string]ChannelSetup{},
		Cameras:      map[string]CameraSetup{},
		Patches:      []timetable.Override{},
		SafeLevels:   map[string]float64{},
		Recorder:     RecorderSetup{Root: "frames", Prefix: ""},
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// buildRegistry makes the registry of every configured instrument.  Under
// Mock each instrument is a MockInstrument, kept in mocks when it is not nil.
func buildRegistry(c Config, mocks map[string]*awg.MockInstrument) *registry.Registry {
	addrs := make(map[string]string, len(c.Instruments))
	for name, inst := range c.Instruments {
		addrs[name] = inst.Addr
	}
	dial := registry.SCPIDialer(seconds(c.IOTimeout))
	if c.Mock {
		dial = awg.MockDialer(mocks)
	}
	return registry.New(addrs, dial)
}

// openSessions opens and initializes every instrument.  On failure the
// sessions already opened are closed.
func openSessions(c Config, reg *registry.Registry) ([]*awg.Session, error) {
	var out []*awg.Session
	for _, name := range sortedKeys(c.Instruments) {
		inst := c.Instruments[name]
		role, err := trigger.ParseRole(inst.Role)
		if err != nil {
			reg.CloseAll()
			return nil, errors.Wrapf(err, "instrument %s", name)
		}
		s, err := reg.Open(name)
		if err != nil {
			reg.CloseAll()
			return nil, err
		}
		as := awg.NewSession(s, role, inst.Channels)
		if err := as.Initialize(); err != nil {
			reg.CloseAll()
			return nil, errors.Wrapf(err, "initialize %s", name)
		}
		out = append(out, as)
	}
	return out, nil
}

// closeSessions turns every output off and closes the registry
func closeSessions(sessions []*awg.Session, reg *registry.Registry) {
	for _, s := range sessions {
		if err := s.Shutdown(); err != nil {
			log.WithField("instrument", s.Name()).WithError(err).Warn("shutdown")
		}
	}
	if err := reg.CloseAll(); err != nil {
		log.WithError(err).Warn("close sessions")
	}
}

// buildPlan loads the timetable and assembles the run plan
func buildPlan(c Config) (sequence.Plan, error) {
	plan := sequence.Plan{
		Patches:      c.Patches,
		Settle:       seconds(c.Settle),
		ArmTimeout:   seconds(c.ArmTimeout),
		PollInterval: seconds(c.PollInterval),
		FrameTimeout: seconds(c.FrameTimeout),
		Repetitions:  c.Repetitions,
		SafeLevels:   c.SafeLevels,
	}
	var required []string
	for _, key := range sortedKeys(c.Channels) {
		ch := c.Channels[key]
		load, err := awg.ParseLoad(ch.Load)
		if err != nil {
			return plan, errors.Wrapf(err, "channel %s", key)
		}
		srat := ch.SampleRate
		if srat == 0 {
			srat = c.SampleRate
		}
		w := sequence.Wiring{
			Instrument: ch.Instrument,
			Channel:    ch.Channel,
			Column:     ch.Column,
			Burst:      awg.BurstConfig{SampleRate: srat, High: ch.High, Low: ch.Low, Load: load},
		}
		plan.Channels = append(plan.Channels, w)
		required = append(required, ch.Column)
	}
	if len(plan.SafeLevels) > 0 {
		// SafeLevels may name a channel by its config key or as instrument/number
		levels := make(map[string]float64, len(plan.SafeLevels))
		for key, v := range plan.SafeLevels {
			if ch, ok := c.Channels[key]; ok {
				key = sequence.Wiring{Instrument: ch.Instrument, Channel: ch.Channel}.Key()
			}
			levels[key] = v
		}
		plan.SafeLevels = levels
	}

	tt, err := timetable.LoadFile(c.Timetable, required...)
	if err != nil {
		return plan, err
	}
	plan.Timetable = tt

	for _, name := range sortedKeys(c.Cameras) {
		cs := c.Cameras[name]
		mode, err := camera.ParseTriggerMode(cs.Mode)
		if err != nil {
			return plan, errors.Wrapf(err, "camera %s", name)
		}
		acq, err := newCamera(c, name, cs)
		if err != nil {
			return plan, err
		}
		plan.Cameras = append(plan.Cameras, capture.Entry{
			Camera: acq,
			Frames: cs.Frames,
			Settings: camera.Settings{
				Mode:        mode,
				Line:        cs.Line,
				FallingEdge: cs.FallingEdge,
				Delay:       seconds(cs.Delay),
				Exposure:    seconds(cs.Exposure),
			},
		})
	}
	return plan, nil
}

func newCamera(c Config, name string, cs CameraSetup) (camera.Acquirer, error) {
	if c.Mock || cs.Type == "" || cs.Type == "mock" {
		w, h := cs.Width, cs.Height
		if w == 0 || h == 0 {
			w, h = 64, 64
		}
		return camera.NewMock(name, w, h), nil
	}
	return nil, errors.Errorf("camera %s: type %q is not supported by this build", name, cs.Type)
}

// buildRecorder returns the frame recorder; Recorder.Enabled gates writing
func buildRecorder(c Config) *imgrec.Recorder {
	r := imgrec.New(c.Recorder.Root, c.Recorder.Prefix)
	r.Enabled = c.Recorder.Enabled
	return r
}
