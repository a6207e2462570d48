// Package sequencer exposes a sequence.Runner over HTTP
package sequencer

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/quantumlab/labseq/generichttp"
	"github.com/quantumlab/labseq/registry"
	"github.com/quantumlab/labseq/sequence"
	"github.com/quantumlab/labseq/server"
	"github.com/quantumlab/labseq/server/middleware/locker"
	"github.com/quantumlab/labseq/timetable"
)

// SessionInfo describes one open instrument session
type SessionInfo struct {
	Name   string `json:"name"`
	Addr   string `json:"addr"`
	Model  string `json:"model"`
	Writes uint64 `json:"writes"`
}

// Columns describes the loaded timetable
type Columns struct {
	Columns []string `json:"columns"`
	Len     int      `json:"len"`
}

// HTTPWrapper holds a runner, the registry its sessions came from, and the
// plan that POST /run executes
type HTTPWrapper struct {
	runner *sequence.Runner
	reg    *registry.Registry
	lock   *locker.Locker

	mu   sync.Mutex
	plan sequence.Plan

	// RouteTable maps method/path pairs to http handlers
	RouteTable server.RouteTable
}

// NewHTTPWrapper returns a new HTTP wrapper with the route table pre-configured.
// The run holds lock while it executes.
func NewHTTPWrapper(runner *sequence.Runner, reg *registry.Registry, plan sequence.Plan, lock *locker.Locker) *HTTPWrapper {
	w := &HTTPWrapper{runner: runner, reg: reg, plan: plan, lock: lock}
	w.RouteTable = server.RouteTable{
		{Method: http.MethodPost, Path: "/run"}:              w.Run,
		{Method: http.MethodGet, Path: "/run/last"}:          w.Last,
		{Method: http.MethodGet, Path: "/registry"}:          w.Registry,
		{Method: http.MethodGet, Path: "/timetable/columns"}: w.Columns,
		{Method: http.MethodPost, Path: "/timetable/patch"}:  w.Patch,
		{Method: http.MethodGet, Path: "/settle"}:            generichttp.GetFloat(w.getSettle),
		{Method: http.MethodPost, Path: "/settle"}:           generichttp.SetFloat(w.setSettle),
		{Method: http.MethodGet, Path: "/repetitions"}:       generichttp.GetInt(w.getRepetitions),
		{Method: http.MethodPost, Path: "/repetitions"}:      generichttp.SetInt(w.setRepetitions),
	}
	return w
}

// RT satisfies server.HTTPer
func (h *HTTPWrapper) RT() server.RouteTable {
	return h.RouteTable
}

// Plan returns a copy of the plan POST /run executes
func (h *HTTPWrapper) Plan() sequence.Plan {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.plan
}

// Run executes the plan and replies with its report.  A run already in
// progress, or a held lock, gets 423.
func (h *HTTPWrapper) Run(w http.ResponseWriter, r *http.Request) {
	if !h.lock.TryLock() {
		http.Error(w, "a run is in progress or the sequencer is locked", http.StatusLocked)
		return
	}
	defer h.lock.Unlock()
	rep := h.runner.Run(r.Context(), h.Plan())
	server.ReplyJSON(w, rep)
}

// Last replies with the most recent report
func (h *HTTPWrapper) Last(w http.ResponseWriter, r *http.Request) {
	rep := h.runner.Last()
	if rep == nil {
		http.Error(w, "no run yet", http.StatusNotFound)
		return
	}
	server.ReplyJSON(w, rep)
}

// Registry replies with the open instrument sessions in the order they were opened
func (h *HTTPWrapper) Registry(w http.ResponseWriter, r *http.Request) {
	out := []SessionInfo{}
	for _, name := range h.reg.ListOpen() {
		s, err := h.reg.Get(name)
		if err != nil {
			continue
		}
		out = append(out, SessionInfo{Name: name, Addr: s.Identity().Addr, Model: s.Model(), Writes: s.Writes()})
	}
	server.ReplyJSON(w, out)
}

// Columns replies with the timetable's column names and length
func (h *HTTPWrapper) Columns(w http.ResponseWriter, r *http.Request) {
	tt := h.Plan().Timetable
	if tt == nil {
		http.Error(w, "no timetable loaded", http.StatusNotFound)
		return
	}
	server.ReplyJSON(w, Columns{Columns: tt.Columns(), Len: tt.Len()})
}

// Patch applies a timetable.Override from the request body to the plan's timetable
func (h *HTTPWrapper) Patch(w http.ResponseWriter, r *http.Request) {
	o := timetable.Override{}
	err := json.NewDecoder(r.Body).Decode(&o)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.plan.Timetable == nil {
		http.Error(w, "no timetable loaded", http.StatusNotFound)
		return
	}
	tt, err := o.Apply(h.plan.Timetable)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, timetable.ErrColumnNotFound) || errors.Is(err, timetable.ErrInvalidPatch) {
			code = http.StatusBadRequest
		}
		http.Error(w, err.Error(), code)
		return
	}
	h.plan.Timetable = tt
	w.WriteHeader(http.StatusOK)
}

func (h *HTTPWrapper) getSettle() (float64, error) {
	return h.Plan().Settle.Seconds(), nil
}

func (h *HTTPWrapper) setSettle(s float64) error {
	if s < 0 {
		return errors.Errorf("settle time %g s is negative", s)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.plan.Settle = time.Duration(s * float64(time.Second))
	return nil
}

func (h *HTTPWrapper) getRepetitions() (int, error) {
	return h.Plan().Repetitions, nil
}

func (h *HTTPWrapper) setRepetitions(n int) error {
	if n < 1 {
		return errors.Errorf("repetitions must be at least one, got %d", n)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.plan.Repetitions = n
	return nil
}
