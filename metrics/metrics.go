// Package metrics exposes transfer engine statistics as Prometheus
// collectors on a dedicated registry.
package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	defaultNamespace = "lanxfer"
	subsystemEngine  = "engine"
)

// Collector groups the engine's collectors. A nil *Collector is valid and
// records nothing, so components can be used without metrics.
type Collector struct {
	registry *prometheus.Registry

	activeSessions *prometheus.GaugeVec
	sessions       *prometheus.CounterVec
	handshakes     *prometheus.CounterVec
	channels       prometheus.Gauge
	bytes          *prometheus.CounterVec
	chunks         *prometheus.CounterVec
	retransmits    prometheus.Counter
	resumedChunks  prometheus.Counter
	rejects        *prometheus.CounterVec
	malformed      prometheus.Counter
	sessionSeconds *prometheus.HistogramVec
}

// New creates a collector registered on a fresh registry.
func New(namespace string) *Collector {
	if strings.TrimSpace(namespace) == "" {
		namespace = defaultNamespace
	}
	counterOpts := func(name, help string) prometheus.CounterOpts {
		return prometheus.CounterOpts{Namespace: namespace, Subsystem: subsystemEngine, Name: name, Help: help}
	}
	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(counterOpts(name, help), labels)
	}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(counterOpts(name, help))
	}

	c := &Collector{
		registry: prometheus.NewRegistry(),
		activeSessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystemEngine,
			Name: "active_sessions", Help: "Sessions currently admitted, by direction.",
		}, []string{"direction"}),
		channels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystemEngine,
			Name: "open_channels", Help: "Established secure channels.",
		}),
		sessions:      counterVec("sessions_total", "Finished sessions by direction and result.", "direction", "result"),
		handshakes:    counterVec("handshakes_total", "Channel handshakes by role and result.", "role", "result"),
		bytes:         counterVec("payload_bytes_total", "Chunk payload bytes by direction.", "direction"),
		chunks:        counterVec("chunks_total", "Chunks by direction.", "direction"),
		retransmits:   counter("retransmits_total", "Chunks sent again after a nack or ack timeout."),
		resumedChunks: counter("resumed_chunks_total", "Chunks skipped because a checkpoint already held them."),
		rejects:       counterVec("manifest_rejects_total", "Manifest rejections by reason.", "reason"),
		malformed:     counter("malformed_frames_total", "Frames dropped as malformed, replayed or forged."),
		sessionSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystemEngine,
			Name:    "session_duration_seconds",
			Help:    "Wall time of finished sessions.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"direction"}),
	}

	c.registry.MustRegister(
		c.activeSessions, c.channels, c.sessions, c.handshakes, c.bytes, c.chunks,
		c.retransmits, c.resumedChunks, c.rejects, c.malformed, c.sessionSeconds,
	)
	return c
}

// Registry returns the prometheus registry managed by this collector.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// SessionStarted records an admitted session.
func (c *Collector) SessionStarted(direction string) {
	if c == nil {
		return
	}
	c.activeSessions.WithLabelValues(direction).Inc()
}

// SessionFinished records a session leaving the active set.
func (c *Collector) SessionFinished(direction, result string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.activeSessions.WithLabelValues(direction).Dec()
	c.sessions.WithLabelValues(direction, result).Inc()
	c.sessionSeconds.WithLabelValues(direction).Observe(elapsed.Seconds())
}

// Handshake records a handshake outcome.
func (c *Collector) Handshake(role string, err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "failed"
	}
	c.handshakes.WithLabelValues(role, result).Inc()
}

// ChannelOpened records an established channel.
func (c *Collector) ChannelOpened() {
	if c != nil {
		c.channels.Inc()
	}
}

// ChannelClosed records a closed channel and its dropped frames.
func (c *Collector) ChannelClosed(malformed int) {
	if c == nil {
		return
	}
	c.channels.Dec()
	c.malformed.Add(float64(malformed))
}

// Chunk records one chunk payload moved in direction.
func (c *Collector) Chunk(direction string, n int) {
	if c == nil || n < 0 {
		return
	}
	c.chunks.WithLabelValues(direction).Inc()
	c.bytes.WithLabelValues(direction).Add(float64(n))
}

// Retransmit records a chunk sent again.
func (c *Collector) Retransmit() {
	if c != nil {
		c.retransmits.Inc()
	}
}

// Resumed records chunks skipped thanks to a checkpoint.
func (c *Collector) Resumed(n int) {
	if c != nil && n > 0 {
		c.resumedChunks.Add(float64(n))
	}
}

// Reject records a manifest rejection.
func (c *Collector) Reject(reason string) {
	if c != nil {
		c.rejects.WithLabelValues(reason).Inc()
	}
}
