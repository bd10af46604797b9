package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/flight-collector/internal/simulator"
	"procodus.dev/flight-collector/pkg/generator"
	"procodus.dev/flight-collector/pkg/logger"
	"procodus.dev/flight-collector/pkg/metrics"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Serve a synthetic dump1090 feed",
	Long: `Serve a synthetic dump1090 feed that:
- Moves a fleet of fake aircraft around a coverage area
- Serves the fleet at /data.json and /dump1090/data.json
- Leaves some callsigns blank like a receiver that has not decoded them yet`,
	RunE: runSimulate,
}

func init() {
	rootCmd.AddCommand(simulateCmd)

	simulateCmd.Flags().String("addr", ":8080", "Listen address")
	simulateCmd.Flags().Duration("step-interval", simulator.DefaultStepInterval, "Interval between fleet movements")
	simulateCmd.Flags().Int("fleet-size", generator.DefaultFleetSize, "Number of simulated aircraft")
	simulateCmd.Flags().Uint64("seed", 0, "Random seed (0 picks one)")
	simulateCmd.Flags().Float64("center-lat", generator.DefaultCenterLat, "Latitude of the coverage center")
	simulateCmd.Flags().Float64("center-lon", generator.DefaultCenterLon, "Longitude of the coverage center")
	simulateCmd.Flags().Float64("radius", generator.DefaultRadiusDeg, "Coverage radius in degrees")
	simulateCmd.Flags().Float64("no-callsign-ratio", 0.1, "Share of flights without a decoded callsign")

	_ = viper.BindPFlag("simulator.addr", simulateCmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("simulator.step_interval", simulateCmd.Flags().Lookup("step-interval"))
	_ = viper.BindPFlag("simulator.fleet.size", simulateCmd.Flags().Lookup("fleet-size"))
	_ = viper.BindPFlag("simulator.fleet.seed", simulateCmd.Flags().Lookup("seed"))
	_ = viper.BindPFlag("simulator.fleet.center_lat", simulateCmd.Flags().Lookup("center-lat"))
	_ = viper.BindPFlag("simulator.fleet.center_lon", simulateCmd.Flags().Lookup("center-lon"))
	_ = viper.BindPFlag("simulator.fleet.radius", simulateCmd.Flags().Lookup("radius"))
	_ = viper.BindPFlag("simulator.fleet.no_callsign_ratio", simulateCmd.Flags().Lookup("no-callsign-ratio"))
}

func runSimulate(_ *cobra.Command, _ []string) error {
	log := logger.WithContext(
		logger.WithComponent(GetLogger(), "simulator"),
		slog.Uint64("seed", viper.GetUint64("simulator.fleet.seed")),
	)
	log.Info("starting simulator service")

	config := &simulator.ServerConfig{
		Logger:       log,
		Addr:         viper.GetString("simulator.addr"),
		StepInterval: viper.GetDuration("simulator.step_interval"),
		Fleet: generator.Config{
			Seed:            viper.GetUint64("simulator.fleet.seed"),
			FleetSize:       viper.GetInt("simulator.fleet.size"),
			CenterLat:       viper.GetFloat64("simulator.fleet.center_lat"),
			CenterLon:       viper.GetFloat64("simulator.fleet.center_lon"),
			RadiusDeg:       viper.GetFloat64("simulator.fleet.radius"),
			NoCallsignRatio: viper.GetFloat64("simulator.fleet.no_callsign_ratio"),
		},
		Metrics:     metrics.NewSimulatorMetrics(metricsNamespace),
		HTTPMetrics: metrics.NewHTTPMetrics(metricsNamespace),
	}

	server, err := simulator.NewServer(config)
	if err != nil {
		log.Error("failed to create simulator server", "error", err)
		return err
	}

	start := time.Now()
	if err := server.Run(context.Background()); err != nil {
		log.Error("simulator server error", "error", err)
		return err
	}

	log.Info("simulator server stopped", "uptime", time.Since(start).Round(time.Second))
	return nil
}
