/*Package capture stages camera acquisition around a hardware trigger.

A Coordinator is built from a capture plan, one Entry per camera.  ArmAll arms
every camera with a non-zero frame quota concurrently and joins before
returning, so the trigger manager can gate on the cameras through
Participants.  After the trigger, DrainAll pulls each camera's frames in
capture order.  A frame that times out or arrives corrupt is recorded against
its index and draining continues with the next one.
*/
package capture

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/quantumlab/labseq/camera"
	"github.com/quantumlab/labseq/trigger"
	"github.com/quantumlab/labseq/util"
)

var log = logrus.WithField("pkg", "capture")

var (
	// ErrDuplicateCamera is returned by New when two entries share a camera name
	ErrDuplicateCamera = errors.New("camera appears twice in capture plan")

	// ErrNegativeFrames is returned by New for an entry with a negative quota
	ErrNegativeFrames = errors.New("negative frame count")

	// ErrNotIdle is returned by ArmAll when a camera is still armed or draining
	ErrNotIdle = errors.New("camera not idle")
)

// Entry is one camera's line in the capture plan
type Entry struct {
	Camera   camera.Acquirer
	Frames   int
	Settings camera.Settings
}

// FrameRecord is the outcome of retrieving one frame index
type FrameRecord struct {
	Index int  `json:"index"`
	OK    bool `json:"ok"`

	// Err is the retrieval failure, nil when OK
	Err   error  `json:"-"`
	Error string `json:"error,omitempty"`

	Timestamp uint64 `json:"timestamp,omitempty"`
	Max       uint16 `json:"max,omitempty"`

	// SinceLast is the hardware time since the previous good frame
	SinceLast time.Duration `json:"sinceLast,omitempty"`
}

// CameraRecord is everything drained from one camera
type CameraRecord struct {
	Camera  string         `json:"camera"`
	Planned int            `json:"planned"`
	Frames  []camera.Frame `json:"-"`
	Records []FrameRecord  `json:"records"`
}

// Lost is the number of planned frames that were not retrieved
func (r CameraRecord) Lost() int {
	n := 0
	for _, rec := range r.Records {
		if !rec.OK {
			n++
		}
	}
	return n
}

// LostIndices lists the indices of the frames that were not retrieved
func (r CameraRecord) LostIndices() []int {
	var out []int
	for _, rec := range r.Records {
		if !rec.OK {
			out = append(out, rec.Index)
		}
	}
	return out
}

// Coordinator arms and drains the cameras of one capture plan
type Coordinator struct {
	mu        sync.Mutex
	entries   []Entry
	states    map[string]string
	armed     map[string]bool
	observers []trigger.Observer
}

// New validates plan and returns a coordinator with every camera Idle
func New(plan []Entry, observers ...trigger.Observer) (*Coordinator, error) {
	c := &Coordinator{
		states:    make(map[string]string, len(plan)),
		armed:     make(map[string]bool, len(plan)),
		observers: observers,
	}
	for _, e := range plan {
		name := e.Camera.Name()
		if _, dup := c.states[name]; dup {
			return nil, errors.Wrapf(ErrDuplicateCamera, "%s", name)
		}
		if e.Frames < 0 {
			return nil, errors.Wrapf(ErrNegativeFrames, "%s: %d", name, e.Frames)
		}
		c.states[name] = trigger.Idle
		c.entries = append(c.entries, e)
	}
	return c, nil
}

// AddObserver registers o for camera state transitions
func (c *Coordinator) AddObserver(o trigger.Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, o)
}

func (c *Coordinator) setState(name, state string) {
	c.mu.Lock()
	c.states[name] = state
	obs := c.observers
	c.mu.Unlock()
	trigger.Notify(obs, trigger.Event{Source: name, State: state})
}

// State returns the state of the named camera, empty if it is not in the plan
func (c *Coordinator) State(name string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.states[name]
}

// ArmedSet returns the names of the cameras currently armed, sorted
func (c *Coordinator) ArmedSet() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.armed))
	for name := range c.armed {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ArmAll arms every camera with a non-zero quota.  The Arm calls run
// concurrently and all of them finish before ArmAll returns.  If any camera
// fails to arm, the ones that did are stopped and returned to Idle, and the
// combined error is returned.
func (c *Coordinator) ArmAll(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var todo []Entry
	for _, e := range c.entries {
		name := e.Camera.Name()
		if st := c.State(name); st != trigger.Idle {
			return errors.Wrapf(ErrNotIdle, "%s is %s", name, st)
		}
		if e.Frames == 0 {
			log.WithField("camera", name).Debug("zero frames planned, not arming")
			continue
		}
		todo = append(todo, e)
	}

	var (
		wg    sync.WaitGroup
		ec    util.ErrorCollection
		mu    sync.Mutex
		armed []Entry
	)
	wg.Add(len(todo))
	for _, e := range todo {
		go func(e Entry) {
			defer wg.Done()
			name := e.Camera.Name()
			if err := e.Camera.Arm(e.Frames, e.Settings); err != nil {
				ec.Add(errors.Wrapf(err, "arm %s", name))
				return
			}
			mu.Lock()
			armed = append(armed, e)
			mu.Unlock()
		}(e)
	}
	wg.Wait()

	err := ec.GetErrIfAny()
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		for _, e := range armed {
			if serr := e.Camera.Stop(); serr != nil {
				log.WithField("camera", e.Camera.Name()).WithError(serr).Warn("stop after failed arm")
			}
		}
		return err
	}

	for _, e := range armed {
		name := e.Camera.Name()
		c.mu.Lock()
		c.armed[name] = true
		c.mu.Unlock()
		c.setState(name, trigger.Armed)
		log.WithFields(logrus.Fields{"camera": name, "frames": e.Frames, "mode": e.Settings.Mode}).Info("armed")
	}
	return nil
}

// Disarm stops every armed camera without draining it
func (c *Coordinator) Disarm() {
	for _, e := range c.entries {
		name := e.Camera.Name()
		c.mu.Lock()
		was := c.armed[name]
		delete(c.armed, name)
		c.mu.Unlock()
		if !was {
			continue
		}
		if err := e.Camera.Stop(); err != nil {
			log.WithField("camera", name).WithError(err).Warn("stop")
		}
		c.setState(name, trigger.Idle)
	}
}

// Participants returns a Slave trigger participant for each armed camera
func (c *Coordinator) Participants() []trigger.Participant {
	var out []trigger.Participant
	for _, name := range c.ArmedSet() {
		out = append(out, participant{c: c, name: name})
	}
	return out
}

type participant struct {
	c    *Coordinator
	name string
}

func (p participant) Name() string       { return p.name }
func (p participant) Role() trigger.Role { return trigger.Slave }

func (p participant) Ready(ctx context.Context) (bool, error) {
	return p.c.State(p.name) == trigger.Armed, nil
}

func (p participant) Triggered() {
	p.c.mu.Lock()
	obs := p.c.observers
	p.c.mu.Unlock()
	trigger.Notify(obs, trigger.Event{Source: p.name, State: trigger.Fired})
}

// DrainAll retrieves the frames of every armed camera, each camera in its own
// goroutine.  Records are returned in plan order, including cameras that
// planned zero frames.  Once ctx is done no further frame is requested and
// the remaining indices are recorded as failed.
func (c *Coordinator) DrainAll(ctx context.Context, perFrame time.Duration) []CameraRecord {
	out := make([]CameraRecord, len(c.entries))
	var wg sync.WaitGroup
	for i, e := range c.entries {
		name := e.Camera.Name()
		out[i] = CameraRecord{Camera: name, Planned: e.Frames}
		c.mu.Lock()
		armed := c.armed[name]
		c.mu.Unlock()
		if !armed {
			continue
		}
		wg.Add(1)
		go func(i int, e Entry) {
			defer wg.Done()
			out[i] = c.drain(ctx, e, perFrame)
		}(i, e)
	}
	wg.Wait()
	return out
}

func (c *Coordinator) drain(ctx context.Context, e Entry, perFrame time.Duration) CameraRecord {
	name := e.Camera.Name()
	l := log.WithField("camera", name)
	c.setState(name, trigger.Draining)
	rec := CameraRecord{Camera: name, Planned: e.Frames, Records: make([]FrameRecord, 0, e.Frames)}

	var (
		prev camera.Frame
		have bool
	)
	for idx := 0; idx < e.Frames; idx++ {
		if err := ctx.Err(); err != nil {
			err = errors.Wrap(err, "drain cancelled")
			for ; idx < e.Frames; idx++ {
				rec.Records = append(rec.Records, FrameRecord{Index: idx, Err: err, Error: err.Error()})
			}
			l.WithError(err).Warn("drain stopped early")
			break
		}
		f, err := e.Camera.RetrieveNext(perFrame)
		if err != nil {
			rec.Records = append(rec.Records, FrameRecord{Index: idx, Err: err, Error: err.Error()})
			l.WithField("frame", idx).WithError(err).Warn("frame lost")
			continue
		}
		fr := FrameRecord{Index: idx, OK: true, Timestamp: f.Timestamp, Max: f.Max()}
		if have {
			fr.SinceLast = f.Since(prev)
		}
		l.WithFields(logrus.Fields{
			"frame": idx,
			"max":   fr.Max,
			"us":    fr.SinceLast.Microseconds(),
		}).Debug("frame")
		rec.Frames = append(rec.Frames, f)
		rec.Records = append(rec.Records, fr)
		prev, have = f, true
	}

	if err := e.Camera.Stop(); err != nil {
		l.WithError(err).Warn("stop")
	}
	c.mu.Lock()
	delete(c.armed, name)
	c.mu.Unlock()
	c.setState(name, trigger.Idle)
	fields := logrus.Fields{"planned": e.Frames, "lost": rec.Lost()}
	if rec.Lost() > 0 {
		fields["missing"] = util.IntSliceToCSV(rec.LostIndices())
	}
	l.WithFields(fields).Info("drained")
	return rec
}
