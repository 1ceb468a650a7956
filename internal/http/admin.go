// Package httpadmin exposes operator endpoints for triggering a digest
// cycle or an inbox drain by hand.
package httpadmin

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/you/mediamail/internal/digest"
)

// Runner runs one digest cycle and delivers it.
type Runner interface {
	RunCycle(ctx context.Context) (digest.Digest, error)
}

// Drainer processes every pending reply email once.
type Drainer interface {
	DrainInbox(ctx context.Context) (int, error)
}

type Server struct {
	run   Runner
	drain Drainer

	registry *prometheus.Registry
	runs     *prometheus.CounterVec
	lastHits prometheus.Gauge
	drained  prometheus.Counter
}

// New accepts nil for either surface; its route is then not registered.
func New(run Runner, drain Drainer) *Server {
	s := &Server{
		run:      run,
		drain:    drain,
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mediamail",
			Name:      "admin_cycles_total",
			Help:      "Digest cycles triggered through the admin API, by result",
		}, []string{"result"}),
		lastHits: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mediamail",
			Name:      "admin_last_cycle_hits",
			Help:      "Hits in the most recent admin-triggered digest",
		}),
		drained: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mediamail",
			Name:      "admin_inbox_processed_total",
			Help:      "Reply emails processed through the admin API",
		}),
	}
	s.registry.MustRegister(s.runs, s.lastHits, s.drained)
	return s
}

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /admin/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("GET /admin/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	if s.run != nil {
		mux.HandleFunc("POST /admin/cycle/run", func(w http.ResponseWriter, r *http.Request) {
			d, err := s.run.RunCycle(r.Context())
			switch {
			case err == nil:
				s.runs.WithLabelValues("ok").Inc()
			case len(d.Sections) == 0:
				s.runs.WithLabelValues("failed").Inc()
			default:
				s.runs.WithLabelValues("partial").Inc()
			}
			if err != nil && len(d.Sections) == 0 {
				http.Error(w, "cycle failed: "+err.Error(), http.StatusInternalServerError)
				return
			}
			s.lastHits.Set(float64(d.HitCount()))
			resp := map[string]any{"ok": err == nil, "sections": len(d.Sections), "hits": d.HitCount()}
			if err != nil {
				resp["error"] = err.Error()
			}
			writeJSON(w, resp)
		})
	}
	if s.drain != nil {
		mux.HandleFunc("POST /admin/inbox/drain", func(w http.ResponseWriter, r *http.Request) {
			n, err := s.drain.DrainInbox(r.Context())
			if err != nil {
				http.Error(w, "drain failed: "+err.Error(), http.StatusInternalServerError)
				return
			}
			s.drained.Add(float64(n))
			writeJSON(w, map[string]any{"ok": true, "processed": n})
		})
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}
