package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/flight-collector/internal/collector"
	"procodus.dev/flight-collector/pkg/adsbdb"
	"procodus.dev/flight-collector/pkg/cache"
	"procodus.dev/flight-collector/pkg/logger"
	"procodus.dev/flight-collector/pkg/metrics"
)

const metricsNamespace = "flight_collector"

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Run the flight collector",
	Long: `Run the flight collector that:
- Polls the dump1090 data.json feed on a fixed interval
- Enriches flights from the adsbdb aircraft and callsign registries
- Upserts aircraft, airlines and airports and appends one fact per observation
- Optionally publishes every fact to RabbitMQ
- Serves Prometheus metrics and a health check`,
	RunE: runCollect,
}

func init() {
	rootCmd.AddCommand(collectCmd)

	// Feed and registry flags
	collectCmd.Flags().String("feed-url", "http://dump1090:8080/dump1090/data.json", "dump1090 data.json URL")
	collectCmd.Flags().String("aircraft-url", adsbdb.DefaultAircraftURL, "adsbdb aircraft endpoint template (%s is the hex id)")
	collectCmd.Flags().String("callsign-url", adsbdb.DefaultCallsignURL, "adsbdb callsign endpoint template (%s is the callsign)")
	collectCmd.Flags().Duration("request-timeout", 10*time.Second, "Timeout for feed and registry requests")

	// Scheduling flags
	collectCmd.Flags().Duration("interval", collector.DefaultInterval, "Interval between polling cycles")
	collectCmd.Flags().Int("workers", collector.DefaultWorkers, "Observations processed concurrently per cycle")
	collectCmd.Flags().Duration("backoff-base", collector.DefaultBackoffBase, "Delay after the first failed fetch")
	collectCmd.Flags().Duration("backoff-max", collector.DefaultBackoffMax, "Upper bound for the fetch backoff")
	collectCmd.Flags().Int("backoff-retries", collector.DefaultMaxFetchRetries, "Consecutive fetch failures before the backoff resets")

	// Cache flags
	collectCmd.Flags().String("cache-backend", collector.CacheBackendMemory, "Enrichment cache backend (memory, pebble)")
	collectCmd.Flags().String("cache-path", "./cache", "Pebble cache directory")
	collectCmd.Flags().Duration("cache-ttl", cache.DefaultTTL, "Time-to-live of cached registry answers")
	collectCmd.Flags().Duration("cache-negative-ttl", 0, "Time-to-live of cached unknown answers (0 uses cache-ttl)")

	// Database flags
	collectCmd.Flags().String("db-driver", collector.DriverPostgres, "Database driver (postgres, sqlite)")
	collectCmd.Flags().String("db-host", "localhost", "PostgreSQL host")
	collectCmd.Flags().Int("db-port", 5432, "PostgreSQL port")
	collectCmd.Flags().String("db-user", "postgres", "PostgreSQL user")
	collectCmd.Flags().String("db-password", "", "PostgreSQL password")
	collectCmd.Flags().String("db-name", "flights", "PostgreSQL database name")
	collectCmd.Flags().String("db-sslmode", "disable", "PostgreSQL SSL mode")
	collectCmd.Flags().String("db-path", "./flights.db", "SQLite database file")

	// Publishing and metrics flags
	collectCmd.Flags().String("rabbitmq-url", "", "RabbitMQ URL; publishing is disabled when empty")
	collectCmd.Flags().String("queue-name", "flight-facts", "RabbitMQ queue name for flight facts")
	collectCmd.Flags().Int("metrics-port", 9100, "Port for /metrics and /health (0 disables)")

	// Bind flags to viper
	_ = viper.BindPFlag("collector.feed_url", collectCmd.Flags().Lookup("feed-url"))
	_ = viper.BindPFlag("collector.aircraft_url", collectCmd.Flags().Lookup("aircraft-url"))
	_ = viper.BindPFlag("collector.callsign_url", collectCmd.Flags().Lookup("callsign-url"))
	_ = viper.BindPFlag("collector.request_timeout", collectCmd.Flags().Lookup("request-timeout"))
	_ = viper.BindPFlag("collector.interval", collectCmd.Flags().Lookup("interval"))
	_ = viper.BindPFlag("collector.workers", collectCmd.Flags().Lookup("workers"))
	_ = viper.BindPFlag("collector.backoff.base", collectCmd.Flags().Lookup("backoff-base"))
	_ = viper.BindPFlag("collector.backoff.max", collectCmd.Flags().Lookup("backoff-max"))
	_ = viper.BindPFlag("collector.backoff.retries", collectCmd.Flags().Lookup("backoff-retries"))
	_ = viper.BindPFlag("collector.cache.backend", collectCmd.Flags().Lookup("cache-backend"))
	_ = viper.BindPFlag("collector.cache.path", collectCmd.Flags().Lookup("cache-path"))
	_ = viper.BindPFlag("collector.cache.ttl", collectCmd.Flags().Lookup("cache-ttl"))
	_ = viper.BindPFlag("collector.cache.negative_ttl", collectCmd.Flags().Lookup("cache-negative-ttl"))
	_ = viper.BindPFlag("collector.db.driver", collectCmd.Flags().Lookup("db-driver"))
	_ = viper.BindPFlag("collector.db.host", collectCmd.Flags().Lookup("db-host"))
	_ = viper.BindPFlag("collector.db.port", collectCmd.Flags().Lookup("db-port"))
	_ = viper.BindPFlag("collector.db.user", collectCmd.Flags().Lookup("db-user"))
	_ = viper.BindPFlag("collector.db.password", collectCmd.Flags().Lookup("db-password"))
	_ = viper.BindPFlag("collector.db.name", collectCmd.Flags().Lookup("db-name"))
	_ = viper.BindPFlag("collector.db.sslmode", collectCmd.Flags().Lookup("db-sslmode"))
	_ = viper.BindPFlag("collector.db.path", collectCmd.Flags().Lookup("db-path"))
	_ = viper.BindPFlag("collector.rabbitmq.url", collectCmd.Flags().Lookup("rabbitmq-url"))
	_ = viper.BindPFlag("collector.rabbitmq.queue_name", collectCmd.Flags().Lookup("queue-name"))
	_ = viper.BindPFlag("collector.metrics.port", collectCmd.Flags().Lookup("metrics-port"))
}

func runCollect(_ *cobra.Command, _ []string) error {
	log := logger.WithComponent(GetLogger(), "collector")
	log.Info("starting collector service")

	config := &collector.ServerConfig{
		Logger:           log,
		FeedURL:          viper.GetString("collector.feed_url"),
		AircraftURL:      viper.GetString("collector.aircraft_url"),
		CallsignURL:      viper.GetString("collector.callsign_url"),
		RequestTimeout:   viper.GetDuration("collector.request_timeout"),
		Interval:         viper.GetDuration("collector.interval"),
		Workers:          viper.GetInt("collector.workers"),
		BackoffBase:      viper.GetDuration("collector.backoff.base"),
		BackoffMax:       viper.GetDuration("collector.backoff.max"),
		MaxFetchRetries:  viper.GetInt("collector.backoff.retries"),
		CacheBackend:     viper.GetString("collector.cache.backend"),
		CachePath:        viper.GetString("collector.cache.path"),
		CacheTTL:         viper.GetDuration("collector.cache.ttl"),
		CacheNegativeTTL: viper.GetDuration("collector.cache.negative_ttl"),
		DB: collector.DBConfig{
			Driver:   viper.GetString("collector.db.driver"),
			Host:     viper.GetString("collector.db.host"),
			Port:     viper.GetInt("collector.db.port"),
			User:     viper.GetString("collector.db.user"),
			Password: viper.GetString("collector.db.password"),
			DBName:   viper.GetString("collector.db.name"),
			SSLMode:  viper.GetString("collector.db.sslmode"),
			Path:     viper.GetString("collector.db.path"),
		},
		RabbitMQURL: viper.GetString("collector.rabbitmq.url"),
		QueueName:   viper.GetString("collector.rabbitmq.queue_name"),
		MetricsPort: viper.GetInt("collector.metrics.port"),
		Metrics:     metrics.NewCollectorMetrics(metricsNamespace),
		MQMetrics:   metrics.NewMQMetrics(metricsNamespace),
		HTTPMetrics: metrics.NewHTTPMetrics(metricsNamespace),
	}

	server, err := collector.NewServer(config)
	if err != nil {
		log.Error("failed to create collector server", "error", err)
		return err
	}

	log.Info("collector server configuration",
		"feed_url", config.FeedURL,
		"interval", config.Interval,
		"workers", config.Workers,
		"cache_backend", config.CacheBackend,
		"db_driver", config.DB.Driver,
		"publishing", config.RabbitMQURL != "",
		"metrics_port", config.MetricsPort,
	)

	if err := server.Run(context.Background()); err != nil {
		log.Error("collector server error", "error", err)
		return err
	}

	log.Info("collector server stopped")
	return nil
}
