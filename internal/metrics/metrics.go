// Package metrics exposes Prometheus counters for the polling loops.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Tick results.
const (
	TickSkipped   = "skipped"
	TickUnchanged = "unchanged"
	TickPublished = "published"
	TickError     = "error"
)

// Publish kinds.
const (
	PublishSet   = "set"
	PublishClear = "clear"
	PublishError = "error"
)

// Recorder receives loop events.
type Recorder interface {
	Tick(service, result string)
	Publish(service, kind string)
	Authorization(service string, ok bool)
	TickDuration(service string, d time.Duration)
	// Handler serves the metrics endpoint; nil when metrics are off.
	Handler() http.Handler
}

// Prometheus is a Recorder backed by its own registry.
type Prometheus struct {
	reg            *prometheus.Registry
	ticks          *prometheus.CounterVec
	publishes      *prometheus.CounterVec
	authorizations *prometheus.CounterVec
	tickDuration   *prometheus.HistogramVec
}

// New registers the gamecord collectors, plus the Go runtime and process
// collectors, on a fresh registry.
func New() *Prometheus {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Prometheus{
		reg: reg,
		ticks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gamecord_ticks_total",
			Help: "Polling ticks by service and outcome",
		}, []string{"service", "result"}),
		publishes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gamecord_publishes_total",
			Help: "Presence publishes by service and kind",
		}, []string{"service", "kind"}),
		authorizations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gamecord_authorizations_total",
			Help: "Authorization attempts by service and result",
		}, []string{"service", "result"}),
		tickDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gamecord_tick_duration_seconds",
			Help:    "Wall time of a polling tick",
			Buckets: prometheus.DefBuckets,
		}, []string{"service"}),
	}
}

func (p *Prometheus) Tick(service, result string) {
	p.ticks.WithLabelValues(service, result).Inc()
}

func (p *Prometheus) Publish(service, kind string) {
	p.publishes.WithLabelValues(service, kind).Inc()
}

func (p *Prometheus) Authorization(service string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	p.authorizations.WithLabelValues(service, result).Inc()
}

func (p *Prometheus) TickDuration(service string, d time.Duration) {
	p.tickDuration.WithLabelValues(service).Observe(d.Seconds())
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{Registry: p.reg})
}

// Registry returns the underlying registry.
func (p *Prometheus) Registry() *prometheus.Registry { return p.reg }

// Noop discards everything.
type Noop struct{}

func (Noop) Tick(string, string)                {}
func (Noop) Publish(string, string)             {}
func (Noop) Authorization(string, bool)         {}
func (Noop) TickDuration(string, time.Duration) {}
func (Noop) Handler() http.Handler              { return nil }

// NewRecorder returns a Prometheus recorder, or Noop when disabled.
func NewRecorder(enabled bool) Recorder {
	if !enabled {
		return Noop{}
	}
	return New()
}
