package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"procodus.dev/flight-collector/pkg/dump1090"
	"procodus.dev/flight-collector/pkg/metrics"
)

// FactWriterConfig holds the configuration for the FactWriter.
type FactWriterConfig struct {
	Logger *slog.Logger
	DB     *gorm.DB
	// Metrics is optional.
	Metrics *metrics.CollectorMetrics
}

// FactWriter appends FlightData rows.
type FactWriter struct {
	logger  *slog.Logger
	db      *gorm.DB
	metrics *metrics.CollectorMetrics
}

// NewFactWriter creates a new FactWriter instance.
func NewFactWriter(cfg *FactWriterConfig) (*FactWriter, error) {
	if cfg == nil {
		return nil, errors.New("fact writer config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.DB == nil {
		return nil, errors.New("database cannot be nil")
	}

	return &FactWriter{
		logger:  cfg.Logger,
		db:      cfg.DB,
		metrics: cfg.Metrics,
	}, nil
}

// WriteFact inserts one FlightData row for obs. References to entities that
// were not resolved are stored as NULL.
func (w *FactWriter) WriteFact(ctx context.Context, obs dump1090.Observation, resolved Resolved, capturedAt time.Time) (*FlightData, error) {
	fact := &FlightData{
		Timestamp:        capturedAt.UTC(),
		FlightCallsign:   obs.Callsign(),
		SquawkCode:       int(obs.Squawk),
		Latitude:         obs.Lat,
		Longitude:        obs.Lon,
		ValidPosition:    obs.ValidPosition(),
		Altitude:         obs.Altitude,
		VerticalRate:     obs.VerticalRate,
		Track:            obs.Track,
		ValidTrack:       obs.ValidTrack(),
		Speed:            obs.Speed,
		MessagesReceived: obs.Messages,
		Seen:             obs.Seen,
	}
	if resolved.Aircraft != nil {
		fact.AircraftID = &resolved.Aircraft.ID
	}
	if resolved.Airline != nil {
		fact.AirlineID = &resolved.Airline.ID
	}
	if resolved.Origin != nil {
		fact.OriginAirportID = &resolved.Origin.ID
	}
	if resolved.Destination != nil {
		fact.DestinationAirportID = &resolved.Destination.ID
	}

	// Associations are referenced by id only; Omit keeps gorm from upserting them.
	err := observeDB(w.metrics, "insert", "flight_data", func() error {
		return w.db.WithContext(ctx).Omit(clause.Associations).Create(fact).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create flight data: %w", err)
	}

	fact.Aircraft = resolved.Aircraft
	fact.Airline = resolved.Airline
	fact.OriginAirport = resolved.Origin
	fact.DestinationAirport = resolved.Destination

	w.logger.Debug("flight fact written",
		"id", fact.ID,
		"hex", obs.HexID(),
		"callsign", fact.FlightCallsign,
	)
	return fact, nil
}
