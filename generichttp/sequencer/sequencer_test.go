package sequencer

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantumlab/labseq/awg"
	"github.com/quantumlab/labseq/camera"
	"github.com/quantumlab/labseq/capture"
	"github.com/quantumlab/labseq/registry"
	"github.com/quantumlab/labseq/sequence"
	"github.com/quantumlab/labseq/server/middleware/locker"
	"github.com/quantumlab/labseq/timetable"
	"github.com/quantumlab/labseq/trigger"
)

func setup(t *testing.T) (http.Handler, *locker.Locker, *HTTPWrapper) {
	reg := registry.New(map[string]string{
		"Gen-A": "TCPIP0::10.0.0.2::INSTR",
		"Gen-B": "TCPIP0::10.0.0.3::INSTR",
	}, awg.MockDialer(nil))
	a, err := reg.Open("Gen-A")
	require.NoError(t, err)
	b, err := reg.Open("Gen-B")
	require.NoError(t, err)
	runner := sequence.NewRunner([]*awg.Session{
		awg.NewSession(a, trigger.Master, 2),
		awg.NewSession(b, trigger.Slave, 2),
	})
	tt, err := timetable.New([]string{"Gate"}, [][]float64{{0, 0, 0, 1, 1, 0}})
	require.NoError(t, err)
	plan := sequence.Plan{
		Timetable: tt,
		Channels: []sequence.Wiring{
			{Instrument: "Gen-A", Channel: 1, Column: "Gate", Burst: awg.BurstConfig{SampleRate: 100, High: 5, Low: 0, Load: 50}},
			{Instrument: "Gen-B", Channel: 1, Column: "Gate", Burst: awg.BurstConfig{SampleRate: 100, High: 5, Low: 0, Load: 50}},
		},
		Cameras:      []capture.Entry{{Camera: camera.NewMock("cam0", 2, 2), Frames: 2}},
		PollInterval: time.Millisecond,
	}
	l := locker.New()
	h := NewHTTPWrapper(runner, reg, plan, l)
	locker.Inject(h, l)
	r := chi.NewRouter()
	r.Use(l.Check)
	h.RT().Bind(r)
	return r, l, h
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, path, strings.NewReader(body)))
	return w
}

func TestRunOverHTTP(t *testing.T) {
	r, l, _ := setup(t)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/run/last", "").Code)

	w := do(r, http.MethodPost, "/run", "")
	require.Equal(t, http.StatusOK, w.Code)
	var rep struct {
		RunID  string `json:"runId"`
		Status string `json:"status"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&rep))
	assert.Equal(t, "Succeeded", rep.Status)
	assert.False(t, l.Locked())

	w = do(r, http.MethodGet, "/run/last", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), rep.RunID)

	l.Lock()
	assert.Equal(t, http.StatusLocked, do(r, http.MethodPost, "/run", "").Code)
	assert.Equal(t, http.StatusLocked, do(r, http.MethodPost, "/timetable/patch", `{"column": "Gate", "start": 1, "span": 1, "value": 1}`).Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/registry", "").Code)
}

func TestRegistryListing(t *testing.T) {
	r, _, _ := setup(t)
	var infos []SessionInfo
	require.NoError(t, json.NewDecoder(do(r, http.MethodGet, "/registry", "").Body).Decode(&infos))
	require.Len(t, infos, 2)
	assert.Equal(t, "Gen-A", infos[0].Name)
	assert.Equal(t, "TCPIP0::10.0.0.3::INSTR", infos[1].Addr)
	assert.Contains(t, infos[0].Model, "33522B")
}

func TestPatchAndSettings(t *testing.T) {
	r, _, h := setup(t)
	w := do(r, http.MethodPost, "/timetable/patch", `{"column": "Gate", "start": 1, "span": 2, "value": 1}`)
	require.Equal(t, http.StatusOK, w.Code)
	col, err := h.Plan().Timetable.Column("Gate")
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 1, 0, 1, 1, 0}, col)

	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodPost, "/timetable/patch", `{"column": "Nope", "start": 1, "span": 2, "value": 1}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodPost, "/timetable/patch", `{"column": "Gate", "start": 0, "span": 2, "value": 1}`).Code)

	var cols Columns
	require.NoError(t, json.NewDecoder(do(r, http.MethodGet, "/timetable/columns", "").Body).Decode(&cols))
	assert.Equal(t, Columns{Columns: []string{"Gate"}, Len: 6}, cols)

	assert.Equal(t, http.StatusOK, do(r, http.MethodPost, "/settle", `{"f64": 0.5}`).Code)
	assert.Equal(t, 500*time.Millisecond, h.Plan().Settle)
	assert.Equal(t, http.StatusInternalServerError, do(r, http.MethodPost, "/repetitions", `{"int": 0}`).Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodPost, "/repetitions", `{"int": 4}`).Code)
	assert.JSONEq(t, `{"int": 4}`, do(r, http.MethodGet, "/repetitions", "").Body.String())
}
