package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder records node metrics. Port arguments are port names.
type Recorder interface {
	PacketReceived(port string)
	PacketDropped(port, reason string)
	PacketSent(port string, ok bool)
	ReportSent(port string, ok bool)
	Cycle(d time.Duration)
	Request(resTime time.Duration, hasErr bool)
}

type dummy struct{}

// NewDummy constructs a new dummy metrics recorder.
func NewDummy() Recorder {
	return &dummy{}
}

func (m *dummy) PacketReceived(string) {}
func (m *dummy) PacketDropped(string, string) {}
func (m *dummy) PacketSent(string, bool) {}
func (m *dummy) ReportSent(string, bool) {}
func (m *dummy) Cycle(time.Duration) {}
func (m *dummy) Request(time.Duration, bool) {}

type prom struct {
	received *prometheus.CounterVec
	dropped  *prometheus.CounterVec
	sent     *prometheus.CounterVec
	reports  *prometheus.CounterVec
	cycles   prometheus.Summary
	reqCount prometheus.Counter
	errCount prometheus.Counter
	resTime  prometheus.Summary
}

// NewPrometheus constructs a new Prometheus metrics recorder registering its
// collectors with reg.
func NewPrometheus(namespace string, reg prometheus.Registerer) Recorder {
	f := promauto.With(reg)
	return &prom{
		received: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_received_total",
			Help:      "Packets addressed to this node, per port",
		}, []string{"port"}),
		dropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_dropped_total",
			Help:      "Packets discarded without processing, per port and reason",
		}, []string{"port", "reason"}),
		sent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_sent_total",
			Help:      "Send attempts, per port and outcome",
		}, []string{"port", "result"}),
		reports: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_sent_total",
			Help:      "Scheduled status reports, per port and outcome",
		}, []string{"port", "result"}),
		cycles: f.NewSummary(prometheus.SummaryOpts{
			Namespace: namespace,
			Name:      "cycle_seconds",
			Help:      "Duration of operation cycles",
		}),
		reqCount: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "diag_request_total",
			Help:      "The total number of processed requests",
		}),
		errCount: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "diag_errors_total",
			Help:      "The total number of 500 responses",
		}),
		resTime: f.NewSummary(prometheus.SummaryOpts{
			Namespace: namespace,
			Name:      "diag_response_time",
			Help:      "Response times",
		}),
	}
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}

func (m *prom) PacketReceived(port string) {
	m.received.WithLabelValues(port).Inc()
}

func (m *prom) PacketDropped(port, reason string) {
	m.dropped.WithLabelValues(port, reason).Inc()
}

func (m *prom) PacketSent(port string, ok bool) {
	m.sent.WithLabelValues(port, result(ok)).Inc()
}

func (m *prom) ReportSent(port string, ok bool) {
	m.reports.WithLabelValues(port, result(ok)).Inc()
}

func (m *prom) Cycle(d time.Duration) {
	m.cycles.Observe(d.Seconds())
}

func (m *prom) Request(resTime time.Duration, hasErr bool) {
	m.reqCount.Inc()
	m.resTime.Observe(resTime.Seconds())
	if hasErr {
		m.errCount.Inc()
	}
}

// Handler provides metrics middleware.
func Handler(m Recorder, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if m == nil {
			next.ServeHTTP(w, req)
			return
		}

		wrapW := &wrapResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		startTime := time.Now()
		next.ServeHTTP(wrapW, req)
		m.Request(time.Since(startTime), wrapW.statusCode == http.StatusInternalServerError)
	})
}

type wrapResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *wrapResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
