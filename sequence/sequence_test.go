package sequence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantumlab/labseq/awg"
	"github.com/quantumlab/labseq/camera"
	"github.com/quantumlab/labseq/capture"
	"github.com/quantumlab/labseq/timetable"
	"github.com/quantumlab/labseq/trigger"
)

type bench struct {
	a, b   *awg.MockInstrument
	cam0   *camera.Mock
	cam1   *camera.Mock
	tl     *trigger.Timeline
	runner *Runner
	plan   Plan
}

type sink struct {
	mu     sync.Mutex
	frames []camera.Frame
	reps   []int
	runIDs []interface{}
}

func (s *sink) IsEnabled() bool { return true }

func (s *sink) Record(f camera.Frame, rep int, cards ...fitsio.Card) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
	s.reps = append(s.reps, rep)
	for _, c := range cards {
		if c.Name == "RUNID" {
			s.runIDs = append(s.runIDs, c.Value)
		}
	}
	return f.Camera, nil
}

func newBench(t *testing.T, opts ...Option) *bench {
	tt, err := timetable.New([]string{"Gate", "Probe"}, [][]float64{
		{0, 0, 0, 1, 1, 0},
		{0, 0.5, 1, 1, 0.5, 0},
	})
	require.NoError(t, err)
	b := &bench{
		a:    awg.NewMock("Gen-A"),
		b:    awg.NewMock("Gen-B"),
		cam0: camera.NewMock("cam0", 4, 4),
		cam1: camera.NewMock("cam1", 4, 4),
		tl:   &trigger.Timeline{},
	}
	sa := awg.NewSession(b.a, trigger.Master, 2)
	sb := awg.NewSession(b.b, trigger.Slave, 2)
	b.runner = NewRunner([]*awg.Session{sa, sb}, append(opts, WithObserver(b.tl))...)
	b.plan = Plan{
		Timetable: tt,
		Channels: []Wiring{
			{Instrument: "Gen-A", Channel: 1, Column: "Gate", Burst: awg.BurstConfig{SampleRate: 100, High: 5, Low: 0, Load: 50}},
			{Instrument: "Gen-B", Channel: 2, Column: "Probe", Burst: awg.BurstConfig{SampleRate: 100, High: 2, Low: -1, Load: 50}},
		},
		Cameras: []capture.Entry{
			{Camera: b.cam0, Frames: 3},
			{Camera: b.cam1, Frames: 0},
		},
		PollInterval: time.Millisecond,
		ArmTimeout:   time.Second,
		FrameTimeout: time.Second,
		SafeLevels:   map[string]float64{"Gen-A/1": 0, "Gen-B/2": 0.5},
	}
	return b
}

func TestRunSucceeds(t *testing.T) {
	b := newBench(t)
	rep := b.runner.Run(context.Background(), b.plan)
	require.NoError(t, rep.Err())
	assert.Equal(t, Succeeded, rep.Status)
	assert.NotEmpty(t, rep.RunID)
	assert.Same(t, rep, b.runner.Last())

	assert.Equal(t, []string{trigger.Loaded, trigger.Armed, trigger.Fired}, b.tl.States("Gen-A/1"))
	assert.Equal(t, []string{trigger.Loaded, trigger.Armed, trigger.Fired}, b.tl.States("Gen-B/2"))
	assert.Greater(t, b.tl.FirstIndex(trigger.Fired), b.tl.LastIndex(trigger.Armed))
	assert.Equal(t, 1, b.a.Count("*TRG"))
	assert.Zero(t, b.b.Count("*TRG"))
	assert.Equal(t, 1, b.b.Count("TRIG2:SOUR EXT"))

	require.Len(t, rep.Repetitions, 1)
	cams := rep.Repetitions[0].Cameras
	require.Len(t, cams, 2)
	assert.Len(t, cams[0].Frames, 3)
	_, retrieves, _ := b.cam1.Counts()
	assert.Zero(t, retrieves)

	require.Len(t, rep.Channels, 2)
	assert.Equal(t, "Gen-A/1", rep.Channels[0].Channel)
	assert.Equal(t, "Gate", rep.Channels[0].Column)
	assert.Equal(t, 6, rep.Channels[0].Points)
	assert.NotZero(t, rep.Channels[0].Checksum)
	assert.Equal(t, trigger.Fired, rep.Channels[1].State)
}

func TestTwoMastersAbortBeforeUpload(t *testing.T) {
	b := newBench(t)
	sa := awg.NewSession(b.a, trigger.Master, 2)
	sb := awg.NewSession(b.b, trigger.Master, 2)
	r := NewRunner([]*awg.Session{sa, sb})
	rep := r.Run(context.Background(), b.plan)
	assert.Equal(t, AbortedBeforeTrigger, rep.Status)
	assert.True(t, errors.Is(rep.Err(), trigger.ErrMultipleMasters))
	assert.Zero(t, b.a.Count("SOUR1:DATA:ARB"))
	assert.Zero(t, b.a.Count("*TRG"))
	arms, _, _ := b.cam0.Counts()
	assert.Zero(t, arms)
}

func TestUnsafeRailAbortsAndAppliesSafeLevels(t *testing.T) {
	b := newBench(t)
	b.plan.Channels[1].Burst.High = 6
	rep := b.runner.Run(context.Background(), b.plan)
	assert.Equal(t, AbortedBeforeTrigger, rep.Status)
	assert.True(t, errors.Is(rep.Err(), awg.ErrConfigurationRejected))
	assert.Zero(t, b.a.Count("*TRG"))
	assert.False(t, b.a.Output(1))
	assert.Equal(t, 1, b.a.Count("SOUR1:APPL:DC DEF, DEF, 0"))
	assert.Equal(t, 1, b.b.Count("SOUR2:APPL:DC DEF, DEF, 0.5"))
	assert.Empty(t, rep.Repetitions)
}

func TestCameraArmFailureAborts(t *testing.T) {
	b := newBench(t)
	boom := errors.New("camera offline")
	b.cam0.ArmErr = boom
	rep := b.runner.Run(context.Background(), b.plan)
	assert.Equal(t, AbortedBeforeTrigger, rep.Status)
	assert.True(t, errors.Is(rep.Err(), boom))
	assert.Zero(t, b.a.Count("*TRG"))
	assert.Equal(t, -1, b.tl.FirstIndex(trigger.Fired))
}

func TestArmTimeoutIssuesNoTrigger(t *testing.T) {
	b := newBench(t)
	b.b.SetBusy(1 << 20)
	b.plan.ArmTimeout = 30 * time.Millisecond
	rep := b.runner.Run(context.Background(), b.plan)
	assert.Equal(t, AbortedBeforeTrigger, rep.Status)
	assert.True(t, errors.Is(rep.Err(), trigger.ErrArmTimeout))
	assert.Zero(t, b.a.Count("*TRG"))
	assert.False(t, b.cam0.Armed())
}

func TestMissingColumnAborts(t *testing.T) {
	b := newBench(t)
	b.plan.Channels[0].Column = "gate"
	rep := b.runner.Run(context.Background(), b.plan)
	assert.True(t, errors.Is(rep.Err(), timetable.ErrColumnNotFound))
	assert.Zero(t, b.a.Count("*TRG"))
}

func TestFrameLossIsReported(t *testing.T) {
	b := newBench(t)
	b.cam0.FailFrame(1, camera.ErrFrameTimeout)
	rep := b.runner.Run(context.Background(), b.plan)
	assert.Equal(t, CompletedWithFrameLosses, rep.Status)
	assert.NoError(t, rep.Err())
	assert.Equal(t, 1, rep.Lost())
	recs := rep.Repetitions[0].Cameras[0].Records
	assert.True(t, recs[0].OK)
	assert.False(t, recs[1].OK)
	assert.True(t, recs[2].OK)
}

func TestRepetitionsAndPatches(t *testing.T) {
	s := &sink{}
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)
	b := newBench(t, WithSink(s), WithMetrics(m))
	b.plan.Repetitions = 3
	b.plan.Patches = []timetable.Override{{Column: "Gate", Start: 1, Span: 2, Value: 1}}

	rep := b.runner.Run(context.Background(), b.plan)
	require.NoError(t, rep.Err())
	assert.Equal(t, Succeeded, rep.Status)
	assert.Len(t, rep.Repetitions, 3)
	assert.Equal(t, 3, b.a.Count("*TRG"))
	arms, _, _ := b.cam0.Counts()
	assert.Equal(t, 3, arms)

	assert.Len(t, s.frames, 9)
	assert.Equal(t, []int{0, 0, 0, 1, 1, 1, 2, 2, 2}, s.reps)
	assert.Equal(t, rep.RunID, s.runIDs[0])
	assert.Len(t, rep.Repetitions[2].Files, 3)
	assert.Equal(t, 1, b.a.Count("SOUR1:DATA:ARB Gate, 1, 1, 0, 1, 1, 0"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("Succeeded")))
	assert.Equal(t, 9.0, testutil.ToFloat64(m.frames.WithLabelValues("cam0", "captured")))
	assert.Zero(t, testutil.ToFloat64(m.frames.WithLabelValues("cam0", "lost")))
}

func TestSecondRunReloads(t *testing.T) {
	b := newBench(t)
	require.Equal(t, Succeeded, b.runner.Run(context.Background(), b.plan).Status)
	rep := b.runner.Run(context.Background(), b.plan)
	assert.Equal(t, Succeeded, rep.Status)
	assert.Equal(t, 2, b.a.Count("*TRG"))
	assert.Equal(t, 1, b.a.Count("ABORt"))
}

func TestNarrowerPlanClearsUnwiredChannels(t *testing.T) {
	b := newBench(t)
	wide := b.plan
	wide.Channels = []Wiring{
		{Instrument: "Gen-A", Channel: 1, Column: "Gate", Burst: awg.BurstConfig{SampleRate: 100, High: 5, Low: 0, Load: 50}},
		{Instrument: "Gen-A", Channel: 2, Column: "Probe", Burst: awg.BurstConfig{SampleRate: 100, High: 2, Low: -1, Load: 50}},
	}
	require.Equal(t, Succeeded, b.runner.Run(context.Background(), wide).Status)

	narrow := b.plan
	narrow.Channels = wide.Channels[:1]
	narrow.ArmTimeout = 200 * time.Millisecond
	rep := b.runner.Run(context.Background(), narrow)
	require.NoError(t, rep.Err())
	assert.Equal(t, Succeeded, rep.Status)
	assert.Equal(t, 2, b.a.Count("*TRG"))

	ch2, err := b.runner.sessions["Gen-A"].Channel(2)
	require.NoError(t, err)
	assert.Equal(t, awg.Idle, ch2.State())
	assert.Equal(t, 2, b.a.Count("SOUR2:DATA:VOL:CLE"))
	assert.False(t, b.a.Output(2))
	require.Len(t, rep.Channels, 1)
}

// busyWhileDraining makes the master generator report pending operations
// once the first camera of the run starts draining
func busyWhileDraining(b **bench, n int) Option {
	var once sync.Once
	return WithObserver(trigger.ObserverFunc(func(e trigger.Event) {
		if e.State == trigger.Draining {
			once.Do(func() { (*b).a.SetBusy(n) })
		}
	}))
}

func TestRepetitionWaitsForBusyGenerator(t *testing.T) {
	var b *bench
	b = newBench(t, busyWhileDraining(&b, 3))
	b.plan.Repetitions = 2

	rep := b.runner.Run(context.Background(), b.plan)
	require.NoError(t, rep.Err())
	assert.Equal(t, Succeeded, rep.Status)
	assert.Len(t, rep.Repetitions, 2)
	assert.Equal(t, 2, b.a.Count("*TRG"))
}

func TestFailureAfterTriggerKeepsDrainedRepetition(t *testing.T) {
	var b *bench
	b = newBench(t, busyWhileDraining(&b, 1<<20))
	b.plan.Repetitions = 2
	b.plan.ArmTimeout = 50 * time.Millisecond

	rep := b.runner.Run(context.Background(), b.plan)
	assert.Equal(t, CompletedWithFrameLosses, rep.Status)
	assert.True(t, errors.Is(rep.Err(), awg.ErrBusy), "%v", rep.Err())
	assert.NotEmpty(t, rep.Error)
	require.Len(t, rep.Repetitions, 1)
	assert.Len(t, rep.Repetitions[0].Cameras[0].Frames, 3)
	assert.Equal(t, 1, b.a.Count("*TRG"))
	assert.Equal(t, 1, b.a.Count("SOUR1:APPL:DC DEF, DEF, 0"))
}

func TestStatusText(t *testing.T) {
	b, err := CompletedWithFrameLosses.MarshalText()
	require.NoError(t, err)
	var s Status
	require.NoError(t, s.UnmarshalText(b))
	assert.Equal(t, CompletedWithFrameLosses, s)
	assert.Error(t, s.UnmarshalText([]byte("meh")))
}
