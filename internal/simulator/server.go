// Package simulator serves a synthetic dump1090 feed for local runs.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"

	"procodus.dev/flight-collector/pkg/generator"
	"procodus.dev/flight-collector/pkg/metrics"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultStepInterval is how often the fleet moves.
const DefaultStepInterval = time.Second

// ServerConfig holds the configuration for the simulator server.
type ServerConfig struct {
	// Logger is the structured logger
	Logger *slog.Logger
	// Addr is the listen address, e.g. ":8080"
	Addr string
	// StepInterval is the time between fleet movements
	StepInterval time.Duration
	// Fleet configures the synthetic aircraft
	Fleet generator.Config
	// Metrics and HTTPMetrics are optional
	Metrics     *metrics.SimulatorMetrics
	HTTPMetrics *metrics.HTTPMetrics
}

// Server moves a synthetic fleet and serves it as data.json.
type Server struct {
	logger     *slog.Logger
	config     *ServerConfig
	fleet      *generator.Fleet
	httpServer *http.Server
	listener   net.Listener
	wg         sync.WaitGroup
	metrics    *metrics.SimulatorMetrics
}

var (
	errLoggerRequired  = errors.New("logger is required")
	errAddrRequired    = errors.New("listen address is required")
	errInvalidInterval = errors.New("step interval cannot be negative")
)

// NewServer creates a new simulator server with the given configuration.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errLoggerRequired
	}

	if cfg.Addr == "" {
		return nil, errAddrRequired
	}

	if cfg.StepInterval < 0 {
		return nil, errInvalidInterval
	}

	fleet, err := generator.NewFleet(&cfg.Fleet)
	if err != nil {
		return nil, fmt.Errorf("failed to create fleet: %w", err)
	}

	s := &Server{
		logger:  cfg.Logger,
		config:  cfg,
		fleet:   fleet,
		metrics: cfg.Metrics,
	}
	if s.config.StepInterval == 0 {
		s.config.StepInterval = DefaultStepInterval
	}
	if s.metrics != nil {
		s.metrics.FleetSize.Set(float64(fleet.Len()))
	}

	s.httpServer = &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	return s, nil
}

// Routes returns the simulator's HTTP routes. The feed is served under both
// paths dump1090 builds use.
func (s *Server) Routes() http.Handler {
	feed := http.HandlerFunc(s.handleSnapshot)

	mux := http.NewServeMux()
	mux.Handle("GET /data.json", s.config.HTTPMetrics.Instrument("/data.json", feed))
	mux.Handle("GET /dump1090/data.json", s.config.HTTPMetrics.Instrument("/dump1090/data.json", feed))
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	body, err := json.Marshal(s.fleet.Snapshot())
	if err != nil {
		s.logger.Error("failed to encode snapshot", "error", err)
		http.Error(w, "failed to encode snapshot", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)

	if s.metrics != nil {
		s.metrics.SnapshotsServed.Inc()
	}
}

// Addr returns the bound address once Run is listening, else the configured one.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Addr
}

// Listen binds the listen address. Run calls it when it has not been called.
func (s *Server) Listen() error {
	if s.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	s.listener = ln
	return nil
}

// Run moves the fleet and serves the feed until a shutdown signal arrives or
// ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	if err := s.Listen(); err != nil {
		return err
	}

	s.wg.Add(1)
	go s.runFleet(ctx)

	serveErr := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	s.logger.Info("simulator started",
		"address", s.Addr(),
		"fleet_size", s.fleet.Len(),
		"step_interval", s.config.StepInterval,
	)

	var runErr error
	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context canceled, shutting down")
	case err := <-serveErr:
		if err != nil {
			runErr = fmt.Errorf("feed server error: %w", err)
		}
	}

	cancel()
	s.wg.Wait()

	if err := s.Shutdown(); err != nil && runErr == nil {
		runErr = err
	}

	s.logger.Info("simulator stopped")
	return runErr
}

// runFleet advances the fleet on every tick.
func (s *Server) runFleet(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.StepInterval)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.fleet.Step(now.Sub(last))
			last = now
			if s.metrics != nil {
				s.metrics.StepsTotal.Inc()
			}
		}
	}
}

// Shutdown stops the HTTP server and releases the listener.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown feed server: %w", err)
	}
	// Serve closes the listener itself; this covers Listen without Run.
	if s.listener != nil {
		_ = s.listener.Close()
	}
	return nil
}
