package api

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/gray-logic-bridgehost/internal/childbridge"
)

const metricsNamespace = "bridgehost"

// statuses lists every Status so each bridge exports one series per value.
var statuses = []childbridge.Status{
	childbridge.StatusPending,
	childbridge.StatusOnline,
	childbridge.StatusDown,
}

// collector reads the host's current state on every scrape.
type collector struct {
	host BridgeHost
	hub  *Hub

	status          *prometheus.Desc
	restarts        *prometheus.Desc
	manuallyStopped *prometheus.Desc
	leases          *prometheus.Desc
	rejected        *prometheus.Desc
	wsClients       *prometheus.Desc
}

func newCollector(host BridgeHost, hub *Hub) *collector {
	return &collector{
		host: host,
		hub:  hub,
		status: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "child_bridge", "status"),
			"Current status of a child bridge, 1 for the active status.",
			[]string{"username", "name", "plugin", "status"}, nil,
		),
		restarts: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "child_bridge", "restart_count"),
			"Crash restarts since the bridge was last started by hand.",
			[]string{"username", "name", "plugin"}, nil,
		),
		manuallyStopped: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "child_bridge", "manually_stopped"),
			"1 when the bridge was stopped and will not restart on its own.",
			[]string{"username", "name", "plugin"}, nil,
		),
		leases: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "ports", "leases"),
			"Ports currently granted to workers.",
			nil, nil,
		),
		rejected: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "child_bridge", "rejected"),
			"Bridge blocks that could not be loaded.",
			nil, nil,
		),
		wsClients: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "websocket", "clients"),
			"Connected WebSocket clients.",
			nil, nil,
		),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.status
	ch <- c.restarts
	ch <- c.manuallyStopped
	ch <- c.leases
	ch <- c.rejected
	ch <- c.wsClients
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	for _, info := range c.host.Infos() {
		for _, st := range statuses {
			v := 0.0
			if info.Status == st {
				v = 1
			}
			ch <- prometheus.MustNewConstMetric(c.status, prometheus.GaugeValue, v,
				info.Username, info.Name, info.Plugin, string(st))
		}
		ch <- prometheus.MustNewConstMetric(c.restarts, prometheus.GaugeValue,
			float64(info.RestartCount), info.Username, info.Name, info.Plugin)

		stopped := 0.0
		if info.ManuallyStopped {
			stopped = 1
		}
		ch <- prometheus.MustNewConstMetric(c.manuallyStopped, prometheus.GaugeValue,
			stopped, info.Username, info.Name, info.Plugin)
	}

	ch <- prometheus.MustNewConstMetric(c.leases, prometheus.GaugeValue, float64(len(c.host.Leases())))
	ch <- prometheus.MustNewConstMetric(c.rejected, prometheus.GaugeValue, float64(len(c.host.Rejected())))
	ch <- prometheus.MustNewConstMetric(c.wsClients, prometheus.GaugeValue, float64(c.hub.ClientCount()))
}

// Metrics counts status transitions. It is a childbridge.Listener and must
// be attached to the host's listeners to count anything.
type Metrics struct {
	transitions *prometheus.CounterVec
	spawns      *prometheus.CounterVec

	mu   sync.Mutex
	last map[string]childbridge.Metadata
}

// NewMetrics creates unregistered transition counters.
func NewMetrics() *Metrics {
	return &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "child_bridge",
			Name:      "status_transitions_total",
			Help:      "Status changes of child bridges, by the status entered.",
		}, []string{"username", "status"}),
		spawns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "child_bridge",
			Name:      "worker_spawns_total",
			Help:      "Worker processes started for a child bridge.",
		}, []string{"username"}),
		last: make(map[string]childbridge.Metadata),
	}
}

func (m *Metrics) register(reg prometheus.Registerer) error {
	if err := reg.Register(m.transitions); err != nil {
		return err
	}
	return reg.Register(m.spawns)
}

// BridgeStatusChanged counts a snapshot when its status or worker differs
// from the previous one for the same bridge.
func (m *Metrics) BridgeStatusChanged(md childbridge.Metadata) error {
	m.mu.Lock()
	prev, seen := m.last[md.Username]
	m.last[md.Username] = md
	m.mu.Unlock()

	if !seen || prev.Status != md.Status {
		m.transitions.WithLabelValues(md.Username, string(md.Status)).Inc()
	}
	if md.PID != 0 && (!seen || prev.PID != md.PID) {
		m.spawns.WithLabelValues(md.Username).Inc()
	}
	return nil
}
