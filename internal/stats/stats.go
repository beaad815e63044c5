package stats

import (
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "campusrt"

// Metric names used across the service.
const (
	ActiveConnections     = "active_connections"
	OnlineUsers           = "online_users"
	EventsReceived        = "events_received_total"
	EventsMalformed       = "events_malformed_total"
	EventsDispatched      = "events_dispatched_total"
	FramesQueued          = "frames_queued_total"
	FramesDropped         = "frames_dropped_total"
	GapsQueued            = "gaps_queued_total"
	ConnectionsEvicted    = "connections_evicted_total"
	ListenerReconnects    = "listener_reconnects_total"
	TypingIndicatorsSet   = "typing_indicators_set_total"
	PresenceNotifications = "presence_notifications_total"
)

type StatsProvider interface {
	Incr(name string)
	Decr(name string)
	Add(name string, delta float64)
	RegisterMetric(name string)
}

// StatsUpdater keeps one Prometheus collector per registered name. Names
// ending in _total become counters, everything else a gauge.
type StatsUpdater struct {
	registry *prometheus.Registry
	mu       sync.RWMutex
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
}

func NewStatsUpdater(reg *prometheus.Registry) *StatsUpdater {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &StatsUpdater{
		registry: reg,
		counters: make(map[string]prometheus.Counter),
		gauges:   make(map[string]prometheus.Gauge),
	}
}

// RegisterDefaults registers every metric the service reports.
func (su *StatsUpdater) RegisterDefaults() {
	for _, name := range []string{
		ActiveConnections, OnlineUsers, EventsReceived, EventsMalformed, EventsDispatched,
		FramesQueued, FramesDropped, GapsQueued, ConnectionsEvicted, ListenerReconnects,
		TypingIndicatorsSet, PresenceNotifications,
	} {
		su.RegisterMetric(name)
	}
}

func isCounter(name string) bool {
	return strings.HasSuffix(name, "_total")
}

// RegisterMetric is idempotent.
func (su *StatsUpdater) RegisterMetric(name string) {
	su.mu.Lock()
	defer su.mu.Unlock()

	if _, ok := su.counters[name]; ok {
		return
	}
	if _, ok := su.gauges[name]; ok {
		return
	}

	if isCounter(name) {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      "campusrt " + name,
		})
		su.registry.MustRegister(c)
		su.counters[name] = c
		return
	}

	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      "campusrt " + name,
	})
	su.registry.MustRegister(g)
	su.gauges[name] = g
}

func (su *StatsUpdater) Incr(name string) {
	su.Add(name, 1)
}

// Decr is a no-op for counters.
func (su *StatsUpdater) Decr(name string) {
	su.Add(name, -1)
}

func (su *StatsUpdater) Add(name string, delta float64) {
	su.mu.RLock()
	defer su.mu.RUnlock()

	if c, ok := su.counters[name]; ok {
		if delta > 0 {
			c.Add(delta)
		}
		return
	}
	if g, ok := su.gauges[name]; ok {
		g.Add(delta)
		return
	}

	panic("metric not found: " + name)
}

// Handler serves the registry in the Prometheus exposition format.
func (su *StatsUpdater) Handler() http.Handler {
	return promhttp.HandlerFor(su.registry, promhttp.HandlerOpts{})
}
