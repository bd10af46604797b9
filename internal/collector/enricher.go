package collector

import (
	"context"
	"errors"
	"log/slog"

	"procodus.dev/flight-collector/pkg/adsbdb"
	"procodus.dev/flight-collector/pkg/cache"
	"procodus.dev/flight-collector/pkg/dump1090"
)

// Enrichment is the registry data gathered for one observation.
type Enrichment struct {
	Aircraft adsbdb.AircraftPayload
	Callsign adsbdb.CallsignPayload
}

// EnricherConfig holds the configuration for the Enricher.
type EnricherConfig struct {
	Logger *slog.Logger
	Lookup adsbdb.Lookuper
	// AircraftCache and CallsignCache are optional; without them every
	// observation goes to the registry.
	AircraftCache *cache.Cache
	CallsignCache *cache.Cache
}

// Enricher looks up an observation's aircraft and route through the caches.
type Enricher struct {
	logger        *slog.Logger
	lookup        adsbdb.Lookuper
	aircraftCache *cache.Cache
	callsignCache *cache.Cache
}

// NewEnricher creates a new Enricher instance.
func NewEnricher(cfg *EnricherConfig) (*Enricher, error) {
	if cfg == nil {
		return nil, errors.New("enricher config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Lookup == nil {
		return nil, errors.New("lookup client cannot be nil")
	}

	return &Enricher{
		logger:        cfg.Logger,
		lookup:        cfg.Lookup,
		aircraftCache: cfg.AircraftCache,
		callsignCache: cfg.CallsignCache,
	}, nil
}

// Enrich returns the aircraft and callsign payloads for obs. A missing
// identifier skips its lookup and leaves the payload empty.
func (e *Enricher) Enrich(ctx context.Context, obs dump1090.Observation) Enrichment {
	var out Enrichment

	if hex := obs.HexID(); hex != "" {
		if e.aircraftCache != nil {
			out.Aircraft = cache.GetOrFetch(ctx, e.aircraftCache, hex, e.lookup.LookupAircraft)
		} else {
			out.Aircraft = e.lookup.LookupAircraft(ctx, hex)
		}
	}

	if callsign := obs.Callsign(); callsign != "" {
		if e.callsignCache != nil {
			out.Callsign = cache.GetOrFetch(ctx, e.callsignCache, callsign, e.lookup.LookupCallsign)
		} else {
			out.Callsign = e.lookup.LookupCallsign(ctx, callsign)
		}
	}

	return out
}
