package main

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/quantumlab/labseq/awg"
	"github.com/quantumlab/labseq/generichttp/sequencer"
	"github.com/quantumlab/labseq/imgrec"
	"github.com/quantumlab/labseq/registry"
	"github.com/quantumlab/labseq/sequence"
	"github.com/quantumlab/labseq/server/middleware/locker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "hold the instruments open and accept runs over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadConfig()
		if err != nil {
			return err
		}
		plan, err := buildPlan(c)
		if err != nil {
			return err
		}
		reg := buildRegistry(c, nil)
		sessions, err := openSessions(c, reg)
		if err != nil {
			return err
		}
		defer closeSessions(sessions, reg)
		mux, err := BuildMux(c, plan, reg, sessions)
		if err != nil {
			return err
		}
		log.Info("now listening for requests at ", c.Addr)
		return http.ListenAndServe(c.Addr, mux)
	},
}

// BuildMux assembles the HTTP interface: the sequencer and recorder routes
// behind a lock, /metrics, and /endpoints which lists every route as JSON
func BuildMux(c Config, plan sequence.Plan, reg *registry.Registry, sessions []*awg.Session) (chi.Router, error) {
	promReg := prometheus.NewRegistry()
	metrics, err := sequence.NewMetrics(promReg)
	if err != nil {
		return nil, err
	}
	rec := buildRecorder(c)
	runner := sequence.NewRunner(sessions, sequence.WithSink(rec), sequence.WithMetrics(metrics))

	lock := locker.New()
	httper := sequencer.NewHTTPWrapper(runner, reg, plan, lock)
	imgrec.NewHTTPWrapper(rec).Inject(httper)
	locker.Inject(httper, lock)

	root := chi.NewRouter()
	root.Use(middleware.Logger)
	root.Group(func(r chi.Router) {
		r.Use(lock.Check)
		httper.RT().Bind(r)
	})

	root.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	endpoints := append(httper.RT().Endpoints(), "GET /metrics", "GET /endpoints")
	root.Get("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		err := json.NewEncoder(w).Encode(endpoints)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	return root, nil
}
