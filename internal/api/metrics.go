package api

import (
	"net/http"
	"runtime"
	"time"
)

// SystemMetrics is the response of GET /api/v1/system.
type SystemMetrics struct {
	Timestamp     string          `json:"timestamp"`
	Version       string          `json:"version"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	Runtime       RuntimeMetrics  `json:"runtime"`
	WebSocket     WSMetrics       `json:"websocket"`
	MQTT          *BackendMetrics `json:"mqtt,omitempty"`
	InfluxDB      *BackendMetrics `json:"influxdb,omitempty"`
	Bridges       BridgeMetrics   `json:"bridges"`
	Database      DatabaseMetrics `json:"database"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int `json:"connected_clients"`
}

// BackendMetrics describes an optional backend connection.
type BackendMetrics struct {
	Connected bool `json:"connected"`
}

// BridgeMetrics summarises the child bridges.
type BridgeMetrics struct {
	Total           int            `json:"total"`
	ByStatus        map[string]int `json:"by_status"`
	ManuallyStopped int            `json:"manually_stopped"`
	Rejected        int            `json:"rejected"`
	PortLeases      int            `json:"port_leases"`
}

// DatabaseMetrics contains database connection pool statistics.
type DatabaseMetrics struct {
	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	Idle            int   `json:"idle"`
	WaitCount       int64 `json:"wait_count"`
}

// handleSystem returns host runtime and bridge statistics.
func (s *Server) handleSystem(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		WebSocket: WSMetrics{
			ConnectedClients: s.hub.ClientCount(),
		},
	}

	if s.mqtt != nil {
		metrics.MQTT = &BackendMetrics{Connected: s.mqtt.IsConnected()}
	}
	if s.influx != nil {
		metrics.InfluxDB = &BackendMetrics{Connected: s.influx.IsConnected()}
	}

	infos := s.host.Infos()
	metrics.Bridges = BridgeMetrics{
		Total:      len(infos),
		ByStatus:   make(map[string]int),
		Rejected:   len(s.host.Rejected()),
		PortLeases: len(s.host.Leases()),
	}
	for _, info := range infos {
		metrics.Bridges.ByStatus[string(info.Status)]++
		if info.ManuallyStopped {
			metrics.Bridges.ManuallyStopped++
		}
	}

	if s.db != nil {
		dbStats := s.db.Stats()
		metrics.Database = DatabaseMetrics{
			OpenConnections: dbStats.OpenConnections,
			InUse:           dbStats.InUse,
			Idle:            dbStats.Idle,
			WaitCount:       dbStats.WaitCount,
		}
	}

	writeJSON(w, http.StatusOK, metrics)
}
