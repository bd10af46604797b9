package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"procodus.dev/flight-collector/pkg/adsbdb"
	"procodus.dev/flight-collector/pkg/metrics"
)

// DefaultResolveAttempts bounds the upsert retry loop for one entity.
const DefaultResolveAttempts = 5

// Aircraft key prefixes. The two key spaces never collide.
const (
	registrationKeyPrefix = "registration:"
	hexKeyPrefix          = "hex:"
)

// ErrResolutionConflict is returned when an entity could not be upserted
// and read back within the attempt budget.
var ErrResolutionConflict = errors.New("entity resolution did not converge")

var aircraftUpdateColumns = []string{
	"hex_id",
	"registration",
	"type",
	"icao_type",
	"manufacturer",
	"mode_s",
	"registered_owner_country_iso_name",
	"registered_owner_country_name",
	"registered_owner_operator_flag_code",
	"registered_owner",
	"url_photo",
	"url_photo_thumbnail",
	"updated_at",
}

// Resolved holds the canonical entities for one observation. Any of them may
// be nil when the lookups produced nothing usable.
type Resolved struct {
	Aircraft    *Aircraft
	Airline     *Airline
	Origin      *Airport
	Destination *Airport
}

// ResolverConfig holds the configuration for the Resolver.
type ResolverConfig struct {
	Logger *slog.Logger
	DB     *gorm.DB
	// MaxAttempts defaults to DefaultResolveAttempts.
	MaxAttempts int
	// Metrics is optional.
	Metrics *metrics.CollectorMetrics
}

// Resolver maps enrichment payloads onto deduplicated reference rows.
// Concurrent calls for the same key converge on one row through the
// database's unique indexes.
type Resolver struct {
	logger      *slog.Logger
	db          *gorm.DB
	maxAttempts int
	metrics     *metrics.CollectorMetrics
}

// NewResolver creates a new Resolver instance.
func NewResolver(cfg *ResolverConfig) (*Resolver, error) {
	if cfg == nil {
		return nil, errors.New("resolver config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.DB == nil {
		return nil, errors.New("database cannot be nil")
	}

	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultResolveAttempts
	}

	return &Resolver{
		logger:      cfg.Logger,
		db:          cfg.DB,
		maxAttempts: attempts,
		metrics:     cfg.Metrics,
	}, nil
}

// Resolve upserts the aircraft, airline and airports described by the two
// payloads and returns their canonical rows.
func (r *Resolver) Resolve(
	ctx context.Context,
	hexID string,
	aircraftPayload adsbdb.AircraftPayload,
	callsignPayload adsbdb.CallsignPayload,
) (Resolved, error) {
	var (
		resolved Resolved
		err      error
	)

	resolved.Aircraft, err = r.ResolveAircraft(ctx, hexID, aircraftPayload.Detail())
	if err != nil {
		return Resolved{}, fmt.Errorf("failed to resolve aircraft: %w", err)
	}

	airline, origin, destination := callsignPayload.Route()

	resolved.Airline, err = r.ResolveAirline(ctx, airline)
	if err != nil {
		return Resolved{}, fmt.Errorf("failed to resolve airline: %w", err)
	}

	resolved.Origin, err = r.ResolveAirport(ctx, origin)
	if err != nil {
		return Resolved{}, fmt.Errorf("failed to resolve origin airport: %w", err)
	}

	resolved.Destination, err = r.ResolveAirport(ctx, destination)
	if err != nil {
		return Resolved{}, fmt.Errorf("failed to resolve destination airport: %w", err)
	}

	return resolved, nil
}

// AircraftKey returns the natural key for an aircraft, or "" when neither
// identifier is present.
func AircraftKey(hexID, registration string) string {
	if reg := strings.TrimSpace(registration); reg != "" {
		return registrationKeyPrefix + reg
	}
	if hex := strings.TrimSpace(hexID); hex != "" {
		return hexKeyPrefix + hex
	}
	return ""
}

// ResolveAircraft upserts an aircraft. Descriptive attributes are
// last-write-wins. A zero detail, or one with no usable key, yields nil.
func (r *Resolver) ResolveAircraft(ctx context.Context, hexID string, detail adsbdb.AircraftDetail) (*Aircraft, error) {
	if detail.IsZero() {
		return nil, nil
	}

	hexID = strings.TrimSpace(hexID)
	key := AircraftKey(hexID, detail.Registration)
	if key == "" {
		return nil, nil
	}

	registration := strings.TrimSpace(detail.Registration)
	row := Aircraft{
		AircraftKey:                     key,
		HexID:                           hexID,
		Registration:                    registration,
		Type:                            detail.Type,
		ICAOType:                        detail.ICAOType,
		Manufacturer:                    detail.Manufacturer,
		ModeS:                           detail.ModeS,
		RegisteredOwnerCountryISOName:   detail.RegisteredOwnerCountryISOName,
		RegisteredOwnerCountryName:      detail.RegisteredOwnerCountryName,
		RegisteredOwnerOperatorFlagCode: detail.RegisteredOwnerOperatorFlagCode,
		RegisteredOwner:                 detail.RegisteredOwner,
		URLPhoto:                        detail.URLPhoto,
		URLPhotoThumbnail:               detail.URLPhotoThumbnail,
	}

	return withRetry(ctx, r, "aircraft", func(tx *gorm.DB) (*Aircraft, error) {
		insert := row
		err := r.timed("upsert", "aircraft", func() error {
			return tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "aircraft_key"}},
				DoUpdates: clause.AssignmentColumns(aircraftUpdateColumns),
			}).Create(&insert).Error
		})
		if err != nil {
			return nil, err
		}

		var canonical Aircraft
		if err := tx.Where("aircraft_key = ?", key).Take(&canonical).Error; err != nil {
			return nil, err
		}
		return &canonical, nil
	})
}

// ResolveAirline returns the airline for the (icao, iata) pair, creating it
// on first sight. Existing rows are never updated. A zero airline yields nil.
func (r *Resolver) ResolveAirline(ctx context.Context, airline adsbdb.Airline) (*Airline, error) {
	if airline.IsZero() {
		return nil, nil
	}

	icao := strings.TrimSpace(airline.ICAO)
	iata := strings.TrimSpace(airline.IATA)
	row := Airline{
		ICAO:       icao,
		IATA:       iata,
		Name:       airline.Name,
		Country:    airline.Country,
		CountryISO: airline.CountryISO,
		Callsign:   strings.TrimSpace(airline.Callsign),
	}

	return withRetry(ctx, r, "airline", func(tx *gorm.DB) (*Airline, error) {
		insert := row
		err := r.timed("insert", "airlines", func() error {
			return tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "icao"}, {Name: "iata"}},
				DoNothing: true,
			}).Create(&insert).Error
		})
		if err != nil {
			return nil, err
		}

		var canonical Airline
		if err := tx.Where("icao = ? AND iata = ?", icao, iata).Take(&canonical).Error; err != nil {
			return nil, err
		}
		return &canonical, nil
	})
}

// ResolveAirport returns the airport sharing a non-empty IATA or ICAO code
// with the given one, creating it on first sight. Existing rows are never
// updated. An airport without codes yields nil.
func (r *Resolver) ResolveAirport(ctx context.Context, airport adsbdb.Airport) (*Airport, error) {
	if !airport.HasCode() {
		return nil, nil
	}

	iata := strings.TrimSpace(airport.IATACode)
	icao := strings.TrimSpace(airport.ICAOCode)
	row := Airport{
		IATACode:       iata,
		ICAOCode:       icao,
		Name:           airport.Name,
		CountryISOName: airport.CountryISOName,
		CountryName:    airport.CountryName,
		Municipality:   airport.Municipality,
		Latitude:       airport.Latitude,
		Longitude:      airport.Longitude,
		Elevation:      airport.Elevation,
	}

	return withRetry(ctx, r, "airport", func(tx *gorm.DB) (*Airport, error) {
		insert := row
		err := r.timed("insert", "airports", func() error {
			return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&insert).Error
		})
		if err != nil {
			return nil, err
		}

		query := tx.Model(&Airport{})
		switch {
		case iata != "" && icao != "":
			query = query.Where("iata_code = ? OR icao_code = ?", iata, icao)
		case iata != "":
			query = query.Where("iata_code = ?", iata)
		default:
			query = query.Where("icao_code = ?", icao)
		}

		var canonical Airport
		if err := query.First(&canonical).Error; err != nil {
			return nil, err
		}
		return &canonical, nil
	})
}

// withRetry runs attempt until it returns a row. Unique violations and a
// missing row after the insert are retried; other errors are returned as is.
func withRetry[T any](ctx context.Context, r *Resolver, entity string, attempt func(tx *gorm.DB) (*T, error)) (*T, error) {
	var lastErr error
	for i := 1; i <= r.maxAttempts; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		row, err := attempt(r.db.WithContext(ctx))
		if err == nil {
			return row, nil
		}
		if !errors.Is(err, gorm.ErrDuplicatedKey) && !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}

		lastErr = err
		if r.metrics != nil {
			r.metrics.ResolutionRetries.WithLabelValues(entity).Inc()
		}
		r.logger.Debug("retrying entity resolution",
			"entity", entity,
			"attempt", i,
			"error", err,
		)
	}

	r.logger.Warn("entity resolution exhausted retries",
		"entity", entity,
		"attempts", r.maxAttempts,
		"error", lastErr,
	)
	return nil, fmt.Errorf("%s after %d attempts: %w", entity, r.maxAttempts, errors.Join(ErrResolutionConflict, lastErr))
}

// timed runs op and records its outcome and duration.
func (r *Resolver) timed(operation, table string, op func() error) error {
	return observeDB(r.metrics, operation, table, op)
}

func observeDB(m *metrics.CollectorMetrics, operation, table string, op func() error) error {
	start := time.Now()
	err := op()
	if m == nil {
		return err
	}

	status := "success"
	if err != nil {
		status = "error"
	}
	m.DBOperationsTotal.WithLabelValues(operation, table, status).Inc()
	m.DBOperationDuration.WithLabelValues(operation, table).Observe(time.Since(start).Seconds())
	return err
}
