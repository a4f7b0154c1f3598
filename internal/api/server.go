package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/hame-relay-core/internal/device"
	"github.com/nerrad567/hame-relay-core/internal/infrastructure/config"
	"github.com/nerrad567/hame-relay-core/internal/infrastructure/logging"
)

// gracefulShutdownTimeout bounds Close.
const gracefulShutdownTimeout = 10 * time.Second

// ConnectionChecker reports broker connectivity. *mqtt.Client satisfies it.
type ConnectionChecker interface {
	IsConnected() bool
}

// AvailabilityChecker reports whether a device answered its last request.
// *relay.Relay satisfies it.
type AvailabilityChecker interface {
	Online(dev device.Device) bool
}

// DBStatter exposes connection pool statistics. *database.DB satisfies it.
type DBStatter interface {
	Stats() sql.DBStats
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config  config.APIConfig
	WS      config.WebSocketConfig
	Metrics config.MetricsConfig
	Logger  *logging.Logger
	Router  *device.Router

	// Optional components. Endpoints that need a missing one answer 503.
	History      device.StateHistoryRepository
	MQTT         ConnectionChecker
	Availability AvailabilityChecker
	Gatherer     prometheus.Gatherer
	DB           DBStatter

	// Hub, when set, is used instead of a server-owned hub so the relay can
	// broadcast into it before the server starts.
	Hub *Hub

	Version string
}

// Server exposes router state, history and live events over HTTP.
type Server struct {
	cfg          config.APIConfig
	wsCfg        config.WebSocketConfig
	metricsCfg   config.MetricsConfig
	logger       *logging.Logger
	router       *device.Router
	history      device.StateHistoryRepository
	mqtt         ConnectionChecker
	availability AvailabilityChecker
	gatherer     prometheus.Gatherer
	db           DBStatter
	version      string
	startTime    time.Time

	server      *http.Server
	hub         *Hub
	externalHub bool
	cancel      context.CancelFunc
}

// New validates deps. Nothing listens until Start.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Router == nil {
		return nil, fmt.Errorf("device router is required")
	}

	s := &Server{
		cfg:          deps.Config,
		wsCfg:        deps.WS,
		metricsCfg:   deps.Metrics,
		logger:       deps.Logger,
		router:       deps.Router,
		history:      deps.History,
		mqtt:         deps.MQTT,
		availability: deps.Availability,
		gatherer:     deps.Gatherer,
		db:           deps.DB,
		version:      deps.Version,
		startTime:    time.Now(),
	}

	if deps.Hub != nil {
		s.hub = deps.Hub
		s.externalHub = true
	} else {
		s.hub = NewHub(s.wsCfg, s.logger)
	}

	return s, nil
}

// Hub returns the WebSocket hub events are broadcast through.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start binds the listen address and serves in the background. A bind
// failure (port in use) is returned rather than logged.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	var hubCtx context.Context
	hubCtx, s.cancel = context.WithCancel(ctx)
	if !s.externalHub {
		go s.hub.Run(hubCtx)
	}

	read := time.Duration(s.cfg.Timeouts.Read) * time.Second
	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       read,
		ReadHeaderTimeout: read,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	s.logger.Info("API server listening", "address", ln.Addr().String())
	go func() {
		if err := s.server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server stopped", "error", err)
		}
	}()
	return nil
}

// Close stops accepting connections and waits up to
// gracefulShutdownTimeout for in-flight requests.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	s.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck reports whether the server has been started.
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
