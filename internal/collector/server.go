package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"gorm.io/gorm"

	"procodus.dev/flight-collector/pkg/adsbdb"
	"procodus.dev/flight-collector/pkg/cache"
	"procodus.dev/flight-collector/pkg/dump1090"
	"procodus.dev/flight-collector/pkg/metrics"
	"procodus.dev/flight-collector/pkg/mq"
)

// Cache backends.
const (
	CacheBackendMemory = "memory"
	CacheBackendPebble = "pebble"
)

// ServerConfig holds the configuration for the Server.
type ServerConfig struct {
	Logger *slog.Logger

	// Feed and registry endpoints
	FeedURL        string
	AircraftURL    string
	CallsignURL    string
	RequestTimeout time.Duration

	// Scheduling
	Interval        time.Duration
	Workers         int
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	MaxFetchRetries int

	// Enrichment cache
	CacheBackend     string
	CachePath        string
	CacheTTL         time.Duration
	CacheNegativeTTL time.Duration

	// Database configuration
	DB DBConfig

	// RabbitMQ configuration; publishing is disabled when RabbitMQURL is empty.
	RabbitMQURL string
	QueueName   string

	// MetricsPort serves /metrics and /health when > 0.
	MetricsPort int

	// Metrics, MQMetrics and HTTPMetrics are optional.
	Metrics     *metrics.CollectorMetrics
	MQMetrics   *metrics.MQMetrics
	HTTPMetrics *metrics.HTTPMetrics
}

// Server wires the collector pipeline to its database, cache, queue and
// metrics endpoint.
type Server struct {
	logger       *slog.Logger
	config       *ServerConfig
	db           *gorm.DB
	store        cache.Store
	mqClient     *mq.Client
	httpServer   *http.Server
	orchestrator *Orchestrator
	shutdownOnce sync.Once
	shutdownErr  error
}

// NewServer creates a new Server instance.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.FeedURL == "" {
		return nil, errors.New("feed URL cannot be empty")
	}

	if cfg.Workers < 0 {
		return nil, errors.New("workers cannot be negative")
	}

	switch strings.ToLower(cfg.CacheBackend) {
	case "", CacheBackendMemory:
	case CacheBackendPebble:
		if cfg.CachePath == "" {
			return nil, errors.New("cache path cannot be empty for the pebble backend")
		}
	default:
		return nil, fmt.Errorf("unsupported cache backend %q", cfg.CacheBackend)
	}

	switch strings.ToLower(cfg.DB.Driver) {
	case "", DriverPostgres:
		if cfg.DB.Host == "" {
			return nil, errors.New("database host cannot be empty")
		}
		if cfg.DB.Port <= 0 {
			return nil, errors.New("database port must be positive")
		}
		if cfg.DB.User == "" {
			return nil, errors.New("database user cannot be empty")
		}
		if cfg.DB.DBName == "" {
			return nil, errors.New("database name cannot be empty")
		}
	case DriverSQLite:
		if cfg.DB.Path == "" {
			return nil, errors.New("sqlite path cannot be empty")
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.DB.Driver)
	}

	if cfg.RabbitMQURL != "" && cfg.QueueName == "" {
		return nil, errors.New("queue name cannot be empty when rabbitmq URL is set")
	}

	return &Server{
		logger: cfg.Logger,
		config: cfg,
	}, nil
}

// Run starts the collector and blocks until a shutdown signal arrives or ctx
// is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting collector server")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	if err := s.setup(); err != nil {
		if shutdownErr := s.Shutdown(); shutdownErr != nil {
			s.logger.Error("cleanup after failed start", "error", shutdownErr)
		}
		return err
	}

	httpErr := make(chan error, 1)
	if s.httpServer != nil {
		s.logger.Info("starting metrics server", "address", s.httpServer.Addr)
		go func() {
			if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				httpErr <- fmt.Errorf("metrics server error: %w", err)
			}
			close(httpErr)
		}()
	}

	runDone := make(chan error, 1)
	go func() {
		runDone <- s.orchestrator.Run(ctx)
	}()

	s.logger.Info("collector server started successfully")

	var runErr error
	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context canceled")
	case err := <-httpErr:
		if err != nil {
			s.logger.Error("metrics server error", "error", err)
			runErr = err
		}
	case err := <-runDone:
		// Run only returns on cancellation.
		runDone <- err
	}

	cancel()
	if err := <-runDone; err != nil && runErr == nil {
		runErr = err
	}

	if err := s.Shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// setup builds the pipeline from the configuration.
func (s *Server) setup() error {
	cfg := s.config

	dbCfg := cfg.DB
	dbCfg.Logger = s.logger
	db, err := NewDB(&dbCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	s.db = db
	s.logger.Info("database initialized successfully")

	store, err := s.openStore()
	if err != nil {
		return fmt.Errorf("failed to initialize cache store: %w", err)
	}
	s.store = store

	aircraftCache, err := cache.New(&cache.Config{
		Logger:      s.logger.With(slog.String("cache", "aircraft")),
		Store:       store,
		Namespace:   "aircraft:",
		TTL:         cfg.CacheTTL,
		NegativeTTL: cfg.CacheNegativeTTL,
		Metrics:     cfg.Metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize aircraft cache: %w", err)
	}

	callsignCache, err := cache.New(&cache.Config{
		Logger:      s.logger.With(slog.String("cache", "callsign")),
		Store:       store,
		Namespace:   "callsign:",
		TTL:         cfg.CacheTTL,
		NegativeTTL: cfg.CacheNegativeTTL,
		Metrics:     cfg.Metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize callsign cache: %w", err)
	}

	lookup, err := adsbdb.NewClient(&adsbdb.ClientConfig{
		Logger:      s.logger.With(slog.String("component", "adsbdb")),
		AircraftURL: cfg.AircraftURL,
		CallsignURL: cfg.CallsignURL,
		Timeout:     cfg.RequestTimeout,
		Metrics:     cfg.Metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize lookup client: %w", err)
	}

	enricher, err := NewEnricher(&EnricherConfig{
		Logger:        s.logger,
		Lookup:        lookup,
		AircraftCache: aircraftCache,
		CallsignCache: callsignCache,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize enricher: %w", err)
	}

	fetcher, err := dump1090.NewFetcher(&dump1090.FetcherConfig{
		Logger:  s.logger.With(slog.String("component", "dump1090")),
		URL:     cfg.FeedURL,
		Timeout: cfg.RequestTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize fetcher: %w", err)
	}

	resolver, err := NewResolver(&ResolverConfig{
		Logger:  s.logger,
		DB:      db,
		Metrics: cfg.Metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize resolver: %w", err)
	}

	writer, err := NewFactWriter(&FactWriterConfig{
		Logger:  s.logger,
		DB:      db,
		Metrics: cfg.Metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize fact writer: %w", err)
	}

	orchCfg := &OrchestratorConfig{
		Logger:          s.logger.With(slog.String("component", "orchestrator")),
		Fetcher:         fetcher,
		Enricher:        enricher,
		Resolver:        resolver,
		Writer:          writer,
		Metrics:         cfg.Metrics,
		Workers:         cfg.Workers,
		Interval:        cfg.Interval,
		BackoffBase:     cfg.BackoffBase,
		BackoffMax:      cfg.BackoffMax,
		MaxFetchRetries: cfg.MaxFetchRetries,
	}

	if cfg.RabbitMQURL != "" {
		s.mqClient = mq.New(&mq.Config{
			QueueName: cfg.QueueName,
			URL:       cfg.RabbitMQURL,
			Logger:    s.logger.With(slog.String("component", "mq-client")),
			Metrics:   cfg.MQMetrics,
		})

		publisher, err := NewFactPublisher(&FactPublisherConfig{
			Logger:  s.logger.With(slog.String("component", "publisher")),
			Client:  s.mqClient,
			Metrics: cfg.Metrics,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize publisher: %w", err)
		}
		orchCfg.Publisher = publisher
		s.logger.Info("publishing flight facts", "queue", cfg.QueueName)
	}

	orchestrator, err := NewOrchestrator(orchCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize orchestrator: %w", err)
	}
	s.orchestrator = orchestrator

	if cfg.MetricsPort > 0 {
		s.httpServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
			Handler:           s.setupRoutes(),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
		}
	}

	return nil
}

func (s *Server) openStore() (cache.Store, error) {
	if strings.ToLower(s.config.CacheBackend) == CacheBackendPebble {
		s.logger.Info("opening persistent cache", "path", s.config.CachePath)
		store, err := cache.OpenPebbleStore(&cache.PebbleStoreConfig{Path: s.config.CachePath})
		if err != nil {
			return nil, err
		}
		removed, err := store.Sweep()
		if err != nil {
			s.logger.Warn("failed to sweep persistent cache", "error", err)
		} else if removed > 0 {
			s.logger.Info("swept expired cache entries", "removed", removed)
		}
		return store, nil
	}

	sweep := s.config.CacheTTL
	if sweep <= 0 {
		sweep = cache.DefaultTTL
	}
	return cache.NewMemoryStore(&cache.MemoryStoreConfig{SweepInterval: sweep}), nil
}

// setupRoutes configures the HTTP routes.
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.Handler())
	mux.Handle("GET /health", s.config.HTTPMetrics.Instrument("/health", http.HandlerFunc(s.handleHealth)))
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		sqlDB, err := s.db.DB()
		if err == nil {
			err = sqlDB.PingContext(r.Context())
		}
		if err != nil {
			s.logger.Warn("health check failed", "error", err)
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Shutdown releases the server's resources. It is safe to call more than once.
func (s *Server) Shutdown() error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdown()
	})
	return s.shutdownErr
}

func (s *Server) shutdown() error {
	s.logger.Info("shutting down collector server")

	var errs []error

	if s.httpServer != nil {
		s.logger.Info("stopping metrics server")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Error("failed to shutdown metrics server", "error", err)
			errs = append(errs, fmt.Errorf("metrics server shutdown error: %w", err))
		}
	}

	if s.mqClient != nil {
		s.logger.Info("closing MQ client")
		if err := s.mqClient.Close(); err != nil {
			s.logger.Warn("failed to close MQ client", "error", err)
		}
	}

	if s.store != nil {
		s.logger.Info("closing cache store")
		if err := s.store.Close(); err != nil {
			s.logger.Error("failed to close cache store", "error", err)
			errs = append(errs, fmt.Errorf("cache store close error: %w", err))
		}
	}

	if s.db != nil {
		if err := CloseDB(s.db, s.logger); err != nil {
			s.logger.Error("failed to close database", "error", err)
			errs = append(errs, fmt.Errorf("database close error: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		s.logger.Error("collector server shutdown completed with errors", "error", err)
		return err
	}

	s.logger.Info("collector server shutdown completed successfully")
	return nil
}
