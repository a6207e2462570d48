/*Package sequence runs experiments: one timetable, a set of generator
channels, a set of cameras, and a single hardware trigger per repetition.

A run compiles the timetable into one buffer per wired channel, uploads and
arms every channel, arms the cameras, and asks the trigger manager to fire
once every participant reports armed.  After the settle time the cameras are
drained.  Anything that fails before the trigger aborts the run, turns the
outputs off and drives the wired channels to their safe levels.
*/
package sequence

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/quantumlab/labseq/awg"
	"github.com/quantumlab/labseq/camera"
	"github.com/quantumlab/labseq/capture"
	"github.com/quantumlab/labseq/timetable"
	"github.com/quantumlab/labseq/trigger"
)

var log = logrus.WithField("pkg", "sequence")

var (
	// ErrNoTimetable is returned for a plan without a timetable
	ErrNoTimetable = errors.New("plan has no timetable")

	// ErrNoChannels is returned for a plan that wires no generator channel
	ErrNoChannels = errors.New("plan wires no channel")

	// ErrUnknownInstrument is returned when a plan wires a channel of an instrument the runner does not hold
	ErrUnknownInstrument = errors.New("unknown instrument")

	// ErrDuplicateChannel is returned when two wirings drive the same channel
	ErrDuplicateChannel = errors.New("channel wired twice")
)

// Defaults for zero plan durations
const (
	DefaultArmTimeout   = 5 * time.Second
	DefaultFrameTimeout = 2 * time.Second
)

// Wiring binds one timetable column to one generator channel
type Wiring struct {
	Instrument string
	Channel    int
	Column     string
	Burst      awg.BurstConfig
}

// Key is the channel's name, instrument/number
func (w Wiring) Key() string {
	return w.Instrument + "/" + strconv.Itoa(w.Channel)
}

// Plan is everything one run needs
type Plan struct {
	Timetable *timetable.Timetable
	Patches   []timetable.Override
	Channels  []Wiring
	Cameras   []capture.Entry

	// Settle is waited between the trigger and draining the cameras
	Settle time.Duration

	// ArmTimeout bounds the readiness gate
	ArmTimeout time.Duration

	// PollInterval is the readiness gate's polling period
	PollInterval time.Duration

	// FrameTimeout bounds each frame retrieval
	FrameTimeout time.Duration

	// Repetitions is the number of triggers, at least one
	Repetitions int

	// SafeLevels are DC levels, by channel key, applied when a run aborts
	SafeLevels map[string]float64
}

// Sink receives every frame that was drained
type Sink interface {
	IsEnabled() bool
	Record(f camera.Frame, rep int, cards ...fitsio.Card) (string, error)
}

// Runner owns the generator sessions and executes plans one at a time
type Runner struct {
	runMu sync.Mutex

	mu        sync.Mutex // guards last
	sessions  map[string]*awg.Session
	sink      Sink
	metrics   *Metrics
	observers []trigger.Observer
	last      *Report
}

// Option configures a Runner
type Option func(*Runner)

// WithSink records drained frames to s
func WithSink(s Sink) Option {
	return func(r *Runner) { r.sink = s }
}

// WithMetrics updates m after every run
func WithMetrics(m *Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithObserver adds an observer of trigger, channel and camera transitions
func WithObserver(o trigger.Observer) Option {
	return func(r *Runner) { r.observers = append(r.observers, o) }
}

// NewRunner returns a runner over sessions, keyed by instrument name
func NewRunner(sessions []*awg.Session, opts ...Option) *Runner {
	r := &Runner{sessions: make(map[string]*awg.Session, len(sessions))}
	for _, s := range sessions {
		r.sessions[s.Name()] = s
	}
	for _, o := range opts {
		o(r)
	}
	for _, s := range sessions {
		for _, o := range r.observers {
			s.AddObserver(o)
		}
	}
	return r
}

// Instruments returns the names of the runner's sessions, sorted
func (r *Runner) Instruments() []string {
	out := make([]string, 0, len(r.sessions))
	for name := range r.sessions {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Last returns the report of the most recent run, nil before the first
func (r *Runner) Last() *Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// run carries the state of one Run call
type run struct {
	*Runner
	plan     Plan
	report   *Report
	log      *logrus.Entry
	insts    []*awg.Session
	channels []*awg.Channel
}

// Run executes plan and returns its report.  Runs are serialized.
func (r *Runner) Run(ctx context.Context, plan Plan) *Report {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	id := uuid.New().String()
	x := &run{
		Runner: r,
		plan:   plan,
		report: &Report{RunID: id, Started: time.Now()},
		log:    log.WithField("run", id),
	}
	x.log.Info("run started")
	if err := x.execute(ctx); err != nil {
		x.report.abort(err)
		x.safe()
		x.log.WithFields(logrus.Fields{"repetitions": len(x.report.Repetitions)}).WithError(err).Error("run aborted")
	}
	x.report.settle()
	x.report.Finished = time.Now()
	x.record()
	r.metrics.observe(x.report)
	r.mu.Lock()
	r.last = x.report
	r.mu.Unlock()
	x.log.WithFields(logrus.Fields{"status": x.report.Status, "lost": x.report.Lost()}).Info("run finished")
	return x.report
}

func (x *run) execute(ctx context.Context) error {
	p := &x.plan
	if p.Timetable == nil {
		return ErrNoTimetable
	}
	if len(p.Channels) == 0 {
		return ErrNoChannels
	}
	if p.Repetitions < 1 {
		p.Repetitions = 1
	}
	if p.ArmTimeout <= 0 {
		p.ArmTimeout = DefaultArmTimeout
	}
	if p.FrameTimeout <= 0 {
		p.FrameTimeout = DefaultFrameTimeout
	}
	if err := x.resolve(); err != nil {
		return err
	}

	// the topology is checked before anything is armed
	parts := make([]trigger.Participant, len(x.insts))
	for i, s := range x.insts {
		parts[i] = s
	}
	if _, err := trigger.New(parts); err != nil {
		return err
	}
	coord, err := capture.New(p.Cameras, x.observers...)
	if err != nil {
		return err
	}

	tt, err := timetable.PatchAll(p.Timetable, p.Patches)
	if err != nil {
		return err
	}
	if err := x.load(ctx, tt); err != nil {
		return err
	}

	for rep := 0; rep < p.Repetitions; rep++ {
		if rep > 0 {
			for _, s := range x.insts {
				if err := s.Rearm(ctx, p.ArmTimeout); err != nil {
					return errors.Wrapf(err, "repetition %d", rep)
				}
			}
		}
		if err := coord.ArmAll(ctx); err != nil {
			return errors.Wrapf(err, "repetition %d", rep)
		}
		mgr, err := trigger.New(append(parts, coord.Participants()...),
			trigger.WithPollInterval(p.PollInterval), x.withObservers())
		if err != nil {
			coord.Disarm()
			return err
		}
		if err := mgr.Fire(ctx, p.ArmTimeout); err != nil {
			coord.Disarm()
			return errors.Wrapf(err, "repetition %d", rep)
		}
		firedAt := time.Now()
		x.wait(ctx, p.Settle)
		cams := coord.DrainAll(ctx, p.FrameTimeout)
		x.report.Repetitions = append(x.report.Repetitions, Repetition{
			Index:   rep,
			FiredAt: firedAt,
			Cameras: cams,
			Files:   x.store(cams, rep),
		})
	}
	return nil
}

func (x *run) withObservers() trigger.Option {
	return trigger.WithObserver(trigger.ObserverFunc(func(e trigger.Event) {
		trigger.Notify(x.observers, e)
	}))
}

// resolve finds the session and channel of every wiring
func (x *run) resolve() error {
	seen := map[string]bool{}
	inRun := map[string]bool{}
	for _, w := range x.plan.Channels {
		s, ok := x.Runner.sessions[w.Instrument]
		if !ok {
			return errors.Wrapf(ErrUnknownInstrument, "%s", w.Instrument)
		}
		if seen[w.Key()] {
			return errors.Wrapf(ErrDuplicateChannel, "%s", w.Key())
		}
		seen[w.Key()] = true
		ch, err := s.Channel(w.Channel)
		if err != nil {
			return err
		}
		x.channels = append(x.channels, ch)
		if !inRun[w.Instrument] {
			inRun[w.Instrument] = true
			x.insts = append(x.insts, s)
		}
	}
	return nil
}

// load uploads and arms every wired channel.  Channels left loaded or armed
// by an earlier plan that this one does not wire are cleared, so they cannot
// hold the readiness gate closed.
func (x *run) load(ctx context.Context, tt *timetable.Timetable) error {
	wired := make(map[*awg.Channel]bool, len(x.channels))
	for _, c := range x.channels {
		wired[c] = true
	}
	for _, s := range x.insts {
		for _, c := range s.Channels() {
			if st := c.State(); st == awg.Armed || st == awg.Fired {
				if err := s.Abort(); err != nil {
					return err
				}
				break
			}
		}
		for _, c := range s.Channels() {
			if wired[c] || c.State() == awg.Idle {
				continue
			}
			x.log.WithField("channel", c.Name()).Info("clearing channel not wired by this plan")
			if err := c.ClearVolatile(); err != nil {
				return err
			}
		}
	}
	for i, w := range x.plan.Channels {
		if err := ctx.Err(); err != nil {
			return err
		}
		buf, err := timetable.Select(tt, w.Column)
		if err != nil {
			return errors.Wrapf(err, "%s", w.Key())
		}
		buf = buf.Bind(w.Instrument, w.Channel)
		ch := x.channels[i]
		if err := ch.UploadWaveform(buf); err != nil {
			return err
		}
		if err := ch.ArmBurst(w.Burst); err != nil {
			return err
		}
	}
	return nil
}

// wait sleeps for d or until ctx is done
func (x *run) wait(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		x.log.Warn("settle interrupted, draining what has been captured")
	}
}

// store hands drained frames to the sink
func (x *run) store(cams []capture.CameraRecord, rep int) []string {
	if x.sink == nil || !x.sink.IsEnabled() {
		return nil
	}
	var files []string
	id := fitsio.Card{Name: "RUNID", Value: x.report.RunID}
	for _, c := range cams {
		for _, f := range c.Frames {
			fn, err := x.sink.Record(f, rep, id)
			if err != nil {
				x.log.WithFields(logrus.Fields{"camera": c.Camera, "frame": f.Index}).WithError(err).Error("record frame")
				continue
			}
			files = append(files, fn)
		}
	}
	return files
}

// safe stops every instrument in the run and applies the safe levels
func (x *run) safe() {
	for _, s := range x.insts {
		if err := s.Abort(); err != nil {
			x.log.WithField("instrument", s.Name()).WithError(err).Error("abort")
		}
	}
	for _, w := range x.plan.Channels {
		v, ok := x.plan.SafeLevels[w.Key()]
		if !ok {
			continue
		}
		s, ok := x.Runner.sessions[w.Instrument]
		if !ok {
			continue
		}
		if err := s.ApplyDC(w.Channel, v, w.Burst.Load); err != nil {
			x.log.WithField("channel", w.Key()).WithError(err).Error("safe level")
		}
	}
}

// record fills the channel section of the report
func (x *run) record() {
	for _, c := range x.channels {
		wave, col := c.Waveform()
		cfg := c.Config()
		x.report.Channels = append(x.report.Channels, ChannelRecord{
			Channel:  c.Name(),
			Column:   col,
			Wave:     wave,
			Points:   c.Points(),
			Checksum: c.Checksum(),
			High:     cfg.High,
			Low:      cfg.Low,
			State:    c.State().String(),
		})
	}
}
