// Package metrics exposes Prometheus collectors for svclink engines,
// dispatch loops and transports.
//
// A nil *Collector is valid and records nothing, so components can take
// one optionally.
package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "svclink"

// Collector holds every svclink metric.
type Collector struct {
	mu         sync.Mutex
	registerer prometheus.Registerer
	registered bool

	eventsTotal     *prometheus.CounterVec
	outcomesTotal   *prometheus.CounterVec
	undelivered     *prometheus.CounterVec
	busyTotal       *prometheus.CounterVec
	listeners       *prometheus.GaugeVec
	handlerDuration *prometheus.HistogramVec
	queueDepth      *prometheus.GaugeVec
	framesTotal     *prometheus.CounterVec
	frameBytes      *prometheus.CounterVec
	links           prometheus.Gauge
}

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newGaugeVec(subsystem, name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// New creates a collector that registers on registerer.
// A nil registerer means prometheus.DefaultRegisterer.
func New(registerer prometheus.Registerer) *Collector {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Collector{
		registerer:    registerer,
		eventsTotal:   newCounterVec("engine", "events_total", "Protocol events handled, by role, direction and kind.", []string{"service", "role", "direction", "kind"}),
		outcomesTotal: newCounterVec("engine", "outcomes_total", "Outcomes carried on responses, by role.", []string{"service", "role", "outcome"}),
		undelivered:   newCounterVec("transport", "undelivered_total", "Events converted to MESSAGE_UNDELIVERED.", []string{"reason"}),
		busyTotal:     newCounterVec("provider", "busy_total", "Requests rejected because the same caller had one in flight.", []string{"service"}),
		listeners:     newGaugeVec("provider", "listeners", "Registered listener entries.", []string{"service"}),
		handlerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "provider",
				Name:      "handler_duration_seconds",
				Help:      "Time spent in request handlers.",
				Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
			},
			[]string{"service"},
		),
		queueDepth:  newGaugeVec("dispatch", "queue_depth", "Events waiting in a dispatch loop.", []string{"loop"}),
		framesTotal: newCounterVec("transport", "frames_total", "Frames read or written.", []string{"direction"}),
		frameBytes:  newCounterVec("transport", "frame_bytes_total", "Frame payload bytes read or written.", []string{"direction"}),
		links: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "links",
			Help:      "Open remote links.",
		}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (c *Collector) Register() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		c.eventsTotal,
		c.outcomesTotal,
		c.undelivered,
		c.busyTotal,
		c.listeners,
		c.handlerDuration,
		c.queueDepth,
		c.framesTotal,
		c.frameBytes,
		c.links,
	}
	for _, col := range collectors {
		if err := c.registerer.Register(col); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}

	c.registered = true
	return nil
}

// Event counts one protocol event handled by an engine.
func (c *Collector) Event(service, role, direction, kind string) {
	if c == nil {
		return
	}
	c.eventsTotal.WithLabelValues(service, role, direction, kind).Inc()
}

// Outcome counts one outcome seen by an engine.
func (c *Collector) Outcome(service, role, outcome string) {
	if c == nil {
		return
	}
	c.outcomesTotal.WithLabelValues(service, role, outcome).Inc()
}

// Undelivered counts one synthesized undelivered reply.
func (c *Collector) Undelivered(reason string) {
	if c == nil {
		return
	}
	c.undelivered.WithLabelValues(reason).Inc()
}

// Busy counts one request rejected as busy.
func (c *Collector) Busy(service string) {
	if c == nil {
		return
	}
	c.busyTotal.WithLabelValues(service).Inc()
}

// SetListeners records the number of listener entries of a provider.
func (c *Collector) SetListeners(service string, n int) {
	if c == nil {
		return
	}
	c.listeners.WithLabelValues(service).Set(float64(n))
}

// ObserveHandler records the duration of one request handler call.
func (c *Collector) ObserveHandler(service string, d time.Duration) {
	if c == nil {
		return
	}
	c.handlerDuration.WithLabelValues(service).Observe(d.Seconds())
}

// SetQueueDepth records the queue length of a dispatch loop.
func (c *Collector) SetQueueDepth(loop string, n int) {
	if c == nil {
		return
	}
	c.queueDepth.WithLabelValues(loop).Set(float64(n))
}

// Frame counts one frame of size bytes.
func (c *Collector) Frame(direction string, size int) {
	if c == nil {
		return
	}
	c.framesTotal.WithLabelValues(direction).Inc()
	c.frameBytes.WithLabelValues(direction).Add(float64(size))
}

// LinkUp records a new remote link.
func (c *Collector) LinkUp() {
	if c == nil {
		return
	}
	c.links.Inc()
}

// LinkDown records a closed remote link.
func (c *Collector) LinkDown() {
	if c == nil {
		return
	}
	c.links.Dec()
}
