// Package diag serves the node diagnostics HTTP API.
package diag

import (
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/acousea/buoynode/internal/httputil"
	"github.com/acousea/buoynode/internal/metrics"
	"github.com/acousea/buoynode/pkg/packet"
	"github.com/acousea/buoynode/pkg/port"
	"github.com/acousea/buoynode/pkg/runner"
)

// RequestTimeout bounds every diagnostics request.
const RequestTimeout = 10 * time.Second

// PortState is the state of one registered port as of the last cycle.
type PortState struct {
	Type      string `json:"type"`
	Available bool   `json:"available"`
}

// Source provides the node state served by the API. Implementations must be
// safe for concurrent use.
type Source interface {
	Session() string
	Uptime() time.Duration
	Snapshot() runner.Snapshot
	PortStates() []PortState
	NodeConfiguration() packet.NodeConfiguration
}

// Status is the body of GET /status.
type Status struct {
	Version string          `json:"version"`
	Session string          `json:"session"`
	Uptime  string          `json:"uptime"`
	Runner  runner.Snapshot `json:"runner"`
}

// API serves diagnostics of a single node.
type API struct {
	src      Source
	version  string
	gatherer prometheus.Gatherer
	metrics  metrics.Recorder
}

// New constructs an API. A nil gatherer disables /metrics.
func New(src Source, version string, gatherer prometheus.Gatherer, m metrics.Recorder) *API {
	if m == nil {
		m = metrics.NewDummy()
	}
	return &API{src: src, version: version, gatherer: gatherer, metrics: m}
}

// ServeHTTP implements http.Handler
func (a *API) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r := chi.NewRouter()
	r.Use(middleware.Timeout(RequestTimeout))
	r.Use(func(next http.Handler) http.Handler { return metrics.Handler(a.metrics, next) })
	r.Get("/status", a.getStatus())
	r.Get("/config", a.getConfig())
	r.Get("/ports", a.getPorts())
	r.Get("/ports/{port}", a.getPort())
	if a.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	}
	r.ServeHTTP(w, req)
}

func (a *API) getStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, r, http.StatusOK, Status{
			Version: a.version,
			Session: a.src.Session(),
			Uptime:  a.src.Uptime().Truncate(time.Second).String(),
			Runner:  a.src.Snapshot(),
		})
	}
}

func (a *API) getConfig() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, r, http.StatusOK, a.src.NodeConfiguration())
	}
}

func (a *API) getPorts() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, r, http.StatusOK, a.src.PortStates())
	}
}

func (a *API) getPort() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := port.ParseType(chi.URLParam(r, "port"))
		if err != nil {
			httputil.WriteJSON(w, r, http.StatusBadRequest, err)
			return
		}
		for _, s := range a.src.PortStates() {
			if s.Type == t.String() {
				httputil.WriteJSON(w, r, http.StatusOK, s)
				return
			}
		}
		httputil.WriteJSON(w, r, http.StatusNotFound, errors.Errorf("port %s is not registered", t))
	}
}
