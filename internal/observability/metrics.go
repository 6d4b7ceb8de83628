// File: internal/observability/metrics.go
package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors describing automation outcomes. A CLI process
// is short lived, so the registry is flushed to a node_exporter textfile at
// exit instead of being scraped.
type Metrics struct {
	registry        *prometheus.Registry
	logins          *prometheus.CounterVec
	publishes       *prometheus.CounterVec
	imagesPlaced    prometheus.Counter
	imagesSkipped   prometheus.Counter
	linksCarded     prometheus.Counter
	linksSkipped    prometheus.Counter
	stageDuration   *prometheus.HistogramVec
	locatorFallback *prometheus.CounterVec
}

// NewMetrics builds a Metrics instance on its own registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quill",
			Name:      "login_attempts_total",
			Help:      "Login attempts by terminal status.",
		}, []string{"status"}),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quill",
			Name:      "publish_attempts_total",
			Help:      "Publish attempts by result status.",
		}, []string{"mode", "status"}),
		imagesPlaced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quill",
			Subsystem: "inject",
			Name:      "images_placed_total",
			Help:      "Image markers replaced with a pasted image.",
		}),
		imagesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quill",
			Subsystem: "inject",
			Name:      "images_skipped_total",
			Help:      "Image markers left in place because they could not be resolved.",
		}),
		linksCarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quill",
			Subsystem: "inject",
			Name:      "links_carded_total",
			Help:      "Links converted into preview cards.",
		}),
		linksSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quill",
			Subsystem: "inject",
			Name:      "links_skipped_total",
			Help:      "Links left as plain text.",
		}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "quill",
			Name:      "stage_duration_seconds",
			Help:      "Time spent in each automation stage.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 45, 90},
		}, []string{"stage"}),
		locatorFallback: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quill",
			Name:      "locator_misses_total",
			Help:      "Elements not found after every locator strategy was tried.",
		}, []string{"element"}),
	}
	reg.MustRegister(m.logins, m.publishes, m.imagesPlaced, m.imagesSkipped,
		m.linksCarded, m.linksSkipped, m.stageDuration, m.locatorFallback)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) ObserveLogin(status string) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(status).Inc()
}

func (m *Metrics) ObservePublish(mode, status string) {
	if m == nil {
		return
	}
	m.publishes.WithLabelValues(mode, status).Inc()
}

// ObserveInjection records the counts of one content injection run.
func (m *Metrics) ObserveInjection(placed, skipped, carded, linkSkipped int) {
	if m == nil {
		return
	}
	m.imagesPlaced.Add(float64(placed))
	m.imagesSkipped.Add(float64(skipped))
	m.linksCarded.Add(float64(carded))
	m.linksSkipped.Add(float64(linkSkipped))
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) ObserveLocatorMiss(element string) {
	if m == nil {
		return
	}
	m.locatorFallback.WithLabelValues(element).Inc()
}

// WriteTextfile writes the registry in the text exposition format.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}
