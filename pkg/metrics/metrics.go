// Package metrics exposes Prometheus collectors for the protocol server
// and an optional HTTP endpoint serving them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors bundles every counter and gauge the server records. A nil
// *Collectors is valid and turns all recording into no-ops, so callers
// never need to guard.
type Collectors struct {
	registry *prometheus.Registry

	activeSessions  prometheus.Gauge
	framesIn        *prometheus.CounterVec
	framesOut       *prometheus.CounterVec
	objectChanges   prometheus.Counter
	droppedSessions prometheus.Counter
	controlCommands *prometheus.CounterVec
}

// New creates the collector set on a fresh registry.
func New() *Collectors {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return &Collectors{
		registry: reg,
		activeSessions: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "kazad_active_sessions",
			Help: "Number of protocol sessions currently connected",
		}),
		framesIn: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "kazad_frames_received_total",
			Help: "Frames received from clients by frame kind",
		}, []string{"kind"}),
		framesOut: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "kazad_frames_sent_total",
			Help: "Frames sent to clients by frame kind",
		}, []string{"kind"}),
		objectChanges: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "kazad_object_changes_total",
			Help: "Object value changes fanned out to subscribers",
		}),
		droppedSessions: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "kazad_dropped_sessions_total",
			Help: "Sessions dropped because their outbound queue overflowed",
		}),
		controlCommands: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "kazad_control_commands_total",
			Help: "Commands handled on the control port by verb",
		}, []string{"verb"}),
	}
}

// Registry returns the underlying Prometheus registry.
func (c *Collectors) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// SessionOpened records a new protocol session.
func (c *Collectors) SessionOpened() {
	if c != nil {
		c.activeSessions.Inc()
	}
}

// SessionClosed records a finished protocol session.
func (c *Collectors) SessionClosed() {
	if c != nil {
		c.activeSessions.Dec()
	}
}

// FrameReceived counts an inbound frame.
func (c *Collectors) FrameReceived(kind string) {
	if c != nil {
		c.framesIn.WithLabelValues(kind).Inc()
	}
}

// FrameSent counts an outbound frame.
func (c *Collectors) FrameSent(kind string) {
	if c != nil {
		c.framesOut.WithLabelValues(kind).Inc()
	}
}

// ObjectChanged counts one object change fan-out.
func (c *Collectors) ObjectChanged() {
	if c != nil {
		c.objectChanges.Inc()
	}
}

// SessionDropped counts a connection dropped on queue overflow.
func (c *Collectors) SessionDropped() {
	if c != nil {
		c.droppedSessions.Inc()
	}
}

// ControlCommand counts one handled control-port command.
func (c *Collectors) ControlCommand(verb string) {
	if c != nil {
		c.controlCommands.WithLabelValues(verb).Inc()
	}
}
