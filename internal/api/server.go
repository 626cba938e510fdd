package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/gray-logic-bridgehost/internal/history"
	"github.com/nerrad567/gray-logic-bridgehost/internal/host"
	"github.com/nerrad567/gray-logic-bridgehost/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-bridgehost/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-bridgehost/internal/ports"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// BridgeHost is the part of *host.Host the API uses.
type BridgeHost interface {
	Infos() []host.Info
	Info(username string) (host.Info, bool)
	Leases() []ports.Lease
	Rejected() []host.Rejection
	StartBridge(username string) error
	StopBridge(username string) error
	RestartBridge(username string) error
}

// ConnectionChecker reports whether an optional backend is connected.
type ConnectionChecker interface {
	IsConnected() bool
}

// DBStatter exposes connection pool statistics.
type DBStatter interface {
	Stats() sql.DBStats
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger
	Host     BridgeHost

	// Optional.
	History  history.Repository
	Hub      *Hub
	Metrics  *Metrics
	MQTT     ConnectionChecker
	InfluxDB ConnectionChecker
	DB       DBStatter

	Version string
}

// Server is the management API: REST routes, the WebSocket stream and the
// Prometheus endpoint.
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	secCfg    config.SecurityConfig
	logger    *logging.Logger
	host      BridgeHost
	history   history.Repository
	hub       *Hub
	ownHub    bool
	metrics   *Metrics
	registry  *prometheus.Registry
	mqtt      ConnectionChecker
	influx    ConnectionChecker
	db        DBStatter
	version   string
	startTime time.Time

	server *http.Server
	cancel context.CancelFunc
}

// New creates a new API server. Nothing listens until Start.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Host == nil {
		return nil, fmt.Errorf("bridge host is required")
	}

	s := &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		secCfg:    deps.Security,
		logger:    deps.Logger,
		host:      deps.Host,
		history:   deps.History,
		hub:       deps.Hub,
		metrics:   deps.Metrics,
		mqtt:      deps.MQTT,
		influx:    deps.InfluxDB,
		db:        deps.DB,
		version:   deps.Version,
		startTime: time.Now(),
	}

	if s.wsCfg.PingInterval <= 0 {
		s.wsCfg.PingInterval = 30
	}
	if s.wsCfg.PongTimeout <= 0 {
		s.wsCfg.PongTimeout = 10
	}
	if s.wsCfg.MaxMessageSize <= 0 {
		s.wsCfg.MaxMessageSize = 8192
	}

	if s.hub == nil {
		s.hub = NewHub(s.wsCfg, s.logger)
		s.ownHub = true
	}
	if s.metrics == nil {
		s.metrics = NewMetrics()
	}

	s.registry = prometheus.NewRegistry()
	if err := s.registry.Register(newCollector(s.host, s.hub)); err != nil {
		return nil, fmt.Errorf("registering bridge collector: %w", err)
	}
	if err := s.metrics.register(s.registry); err != nil {
		return nil, fmt.Errorf("registering metrics: %w", err)
	}

	return s, nil
}

// Handler returns the router. Start serves the same handler.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start binds the listen address and serves in the background until Close.
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	if s.ownHub {
		go s.hub.Run(srvCtx)
	}

	s.server = &http.Server{
		Addr:              net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port)),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		s.cancel()
		return fmt.Errorf("listening on %s: %w", s.server.Addr, err)
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", ln.Addr().String(),
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ServeTLS(ln, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", ln.Addr().String())
			err = s.server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}
