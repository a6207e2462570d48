package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/knadh/koanf"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantumlab/labseq/awg"
	"github.com/quantumlab/labseq/sequence"
	"github.com/quantumlab/labseq/timetable"
)

const table = `Gate,Probe
0,0
0,0.5
0,1
1,1
1,0.5
0,0
`

func mockConfig(t *testing.T) Config {
	dir := t.TempDir()
	fn := filepath.Join(dir, "timetable.csv")
	require.NoError(t, os.WriteFile(fn, []byte(table), 0644))
	c := defaultConfig()
	c.Mock = true
	c.Timetable = fn
	c.SampleRate = 100
	c.Settle = 0
	c.Instruments = map[string]InstrumentSetup{
		"Gen-A": {Addr: "TCPIP0::10.0.0.2::INSTR", Role: "Captain"},
		"Gen-B": {Addr: "TCPIP0::10.0.0.3::INSTR", Role: "Gunner"},
	}
	c.Channels = map[string]ChannelSetup{
		"gate":  {Instrument: "Gen-A", Channel: 1, Column: "Gate", Load: "50", High: 5, Low: 0},
		"probe": {Instrument: "Gen-B", Channel: 2, Column: "Probe", Load: "INF", High: 8, Low: -2},
	}
	c.Cameras = map[string]CameraSetup{
		"cam0": {Frames: 3, Mode: "burst", Width: 8, Height: 8},
		"cam1": {Frames: 0, Mode: "frame"},
	}
	c.SafeLevels = map[string]float64{"gate": 0, "Gen-B/2": 0}
	c.Recorder = RecorderSetup{Root: filepath.Join(dir, "frames"), Prefix: "t_", Enabled: true}
	return c
}

func TestRunOnceWithMocks(t *testing.T) {
	c := mockConfig(t)
	mocks := map[string]*awg.MockInstrument{}
	rep, err := runOnce(context.Background(), c, mocks, nil)
	require.NoError(t, err)
	require.NoError(t, rep.Err())
	assert.Equal(t, sequence.Succeeded, rep.Status)
	require.Len(t, rep.Repetitions, 1)
	assert.Len(t, rep.Repetitions[0].Files, 3)
	for _, fn := range rep.Repetitions[0].Files {
		_, err := os.Stat(fn)
		assert.NoError(t, err)
	}

	require.Contains(t, mocks, "Gen-A")
	assert.Equal(t, 1, mocks["Gen-A"].Count("*TRG"))
	assert.Equal(t, 1, mocks["Gen-A"].Count("OUTP:TRIG ON"))
	assert.Equal(t, 1, mocks["Gen-B"].Count("OUTP:TRIG OFF"))
	assert.True(t, mocks["Gen-A"].Closed())
	assert.True(t, mocks["Gen-B"].Closed())

	var buf bytes.Buffer
	printReport(&buf, rep)
	assert.Contains(t, buf.String(), "Succeeded")
	assert.Contains(t, buf.String(), "cam0")
}

func TestSafeLevelsOnAbort(t *testing.T) {
	c := mockConfig(t)
	ch := c.Channels["probe"]
	ch.High = 11
	c.Channels["probe"] = ch
	mocks := map[string]*awg.MockInstrument{}
	rep, err := runOnce(context.Background(), c, mocks, nil)
	require.NoError(t, err)
	assert.Equal(t, sequence.AbortedBeforeTrigger, rep.Status)
	assert.True(t, errors.Is(rep.Err(), awg.ErrConfigurationRejected))
	assert.Equal(t, 1, mocks["Gen-A"].Count("SOUR1:APPL:DC DEF, DEF, 0"))
	assert.Equal(t, 1, mocks["Gen-B"].Count("SOUR2:APPL:DC DEF, DEF, 0"))
	assert.Zero(t, mocks["Gen-A"].Count("*TRG"))

	var buf bytes.Buffer
	printReport(&buf, rep)
	assert.Contains(t, buf.String(), "AbortedBeforeTrigger")
}

func TestBuildPlanErrors(t *testing.T) {
	c := mockConfig(t)
	ch := c.Channels["gate"]
	ch.Load = "fifty"
	c.Channels["gate"] = ch
	_, err := buildPlan(c)
	assert.Error(t, err)

	c = mockConfig(t)
	ch = c.Channels["gate"]
	ch.Column = "Shutter"
	c.Channels["gate"] = ch
	_, err = buildPlan(c)
	assert.True(t, errors.Is(err, timetable.ErrHeaderMismatch))

	c = mockConfig(t)
	c.Cameras["cam0"] = CameraSetup{Frames: 1, Mode: "sometimes"}
	_, err = buildPlan(c)
	assert.Error(t, err)

	c = mockConfig(t)
	c.Mock = false
	c.Cameras["cam0"] = CameraSetup{Type: "andor", Frames: 1}
	_, err = buildPlan(c)
	assert.Error(t, err)
}

func TestBadRoleClosesRegistry(t *testing.T) {
	c := mockConfig(t)
	c.Instruments["Gen-C"] = InstrumentSetup{Addr: "TCPIP0::10.0.0.4::INSTR", Role: "admiral"}
	reg := buildRegistry(c, nil)
	_, err := openSessions(c, reg)
	assert.Error(t, err)
	assert.Zero(t, reg.Count())
}

func TestMux(t *testing.T) {
	c := mockConfig(t)
	plan, err := buildPlan(c)
	require.NoError(t, err)
	reg := buildRegistry(c, nil)
	sessions, err := openSessions(c, reg)
	require.NoError(t, err)
	defer closeSessions(sessions, reg)
	mux, err := BuildMux(c, plan, reg, sessions)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/endpoints", nil))
	assert.Contains(t, w.Body.String(), "POST /run")
	assert.Contains(t, w.Body.String(), "GET /autowrite/root")

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/run", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"Succeeded"`)

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `labseq_runs_total{status="Succeeded"} 1`)
}

func TestConfigFile(t *testing.T) {
	dir := t.TempDir()
	fn := filepath.Join(dir, "labseq.yml")
	require.NoError(t, os.WriteFile(fn, []byte(`
Mock: true
Settle: 0.25
Instruments:
  Gen-A:
    Addr: TCPIP0::10.0.0.2::INSTR
    Role: Master
`), 0644))
	old := ConfigFileName
	ConfigFileName = fn
	k = koanf.New(".")
	defer func() { ConfigFileName = old; k = koanf.New(".") }()

	require.NoError(t, setupconfig())
	c, err := loadConfig()
	require.NoError(t, err)
	assert.True(t, c.Mock)
	assert.Equal(t, 0.25, c.Settle)
	assert.Equal(t, ":8000", c.Addr)
	assert.Equal(t, "Master", c.Instruments["Gen-A"].Role)
	assert.Equal(t, 1, c.Repetitions)
}
