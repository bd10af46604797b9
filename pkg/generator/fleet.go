// Package generator produces synthetic dump1090 traffic for local runs.
package generator

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/brianvoe/gofakeit/v7"

	"procodus.dev/flight-collector/pkg/dump1090"
)

// Fleet defaults.
const (
	DefaultFleetSize = 25
	DefaultCenterLat = 37.6189
	DefaultCenterLon = -122.375
	DefaultRadiusDeg = 2.0
)

// Operators whose callsign prefixes are handed out to synthetic flights.
var operators = []string{"UAL", "AAL", "DAL", "SWA", "ASA", "BAW", "DLH", "AFR", "KLM", "JBU"}

// Config holds the configuration for a Fleet.
type Config struct {
	// Seed makes the fleet reproducible; zero picks a random seed.
	Seed      uint64
	FleetSize int
	CenterLat float64
	CenterLon float64
	// RadiusDeg is the coverage radius; flights leaving it are replaced.
	RadiusDeg float64
	// NoCallsignRatio is the share of flights whose callsign has not been
	// decoded yet.
	NoCallsignRatio float64
}

// Flight is the mutable state of one synthetic aircraft.
type Flight struct {
	Hex          string  `fake:"skip"`
	Callsign     string  `fake:"skip"`
	Squawk       int     `fake:"skip"`
	Lat          float64 `fake:"skip"`
	Lon          float64 `fake:"skip"`
	Altitude     int     `fake:"{number:2000,39000}"`
	Speed        int     `fake:"{number:140,520}"`
	Track        int     `fake:"{number:0,359}"`
	VerticalRate int     `fake:"{number:0,4000}"`
	Messages     int     `fake:"{number:1,50}"`
	ValidPos     bool    `fake:"skip"`
	Seen         int     `fake:"skip"`
}

// Fleet is a set of flights moving inside a circular coverage area. It is
// safe for concurrent use.
type Fleet struct {
	mu      sync.Mutex
	faker   *gofakeit.Faker
	cfg     Config
	flights []*Flight
}

// NewFleet creates a fleet of cfg.FleetSize flights.
func NewFleet(cfg *Config) (*Fleet, error) {
	if cfg == nil {
		return nil, errors.New("fleet config cannot be nil")
	}

	c := *cfg
	if c.FleetSize < 0 {
		return nil, errors.New("fleet size cannot be negative")
	}
	if c.FleetSize == 0 {
		c.FleetSize = DefaultFleetSize
	}
	if c.CenterLat == 0 && c.CenterLon == 0 {
		c.CenterLat, c.CenterLon = DefaultCenterLat, DefaultCenterLon
	}
	if c.RadiusDeg <= 0 {
		c.RadiusDeg = DefaultRadiusDeg
	}
	if c.NoCallsignRatio < 0 || c.NoCallsignRatio > 1 {
		return nil, fmt.Errorf("no-callsign ratio %v is outside [0, 1]", c.NoCallsignRatio)
	}

	f := &Fleet{
		faker:   gofakeit.New(c.Seed),
		cfg:     c,
		flights: make([]*Flight, 0, c.FleetSize),
	}
	for range c.FleetSize {
		f.flights = append(f.flights, f.spawn())
	}
	return f, nil
}

func (f *Fleet) spawn() *Flight {
	var fl Flight
	// Struct only fails for unsupported field types.
	_ = f.faker.Struct(&fl)

	fl.Hex = fmt.Sprintf("%06x", f.faker.Number(0x100000, 0xffffff))
	if f.faker.Float64Range(0, 1) >= f.cfg.NoCallsignRatio {
		fl.Callsign = fmt.Sprintf("%s%d", f.faker.RandomString(operators), f.faker.Number(1, 9999))
	}
	fl.Squawk = f.squawk()
	fl.VerticalRate -= 2000

	// Uniform point inside the coverage circle.
	r := f.cfg.RadiusDeg * math.Sqrt(f.faker.Float64Range(0, 1))
	theta := f.faker.Float64Range(0, 2*math.Pi)
	fl.Lat = f.cfg.CenterLat + r*math.Cos(theta)
	fl.Lon = f.cfg.CenterLon + r*math.Sin(theta)
	fl.ValidPos = f.faker.Float64Range(0, 1) > 0.05
	return &fl
}

// squawk returns four octal digits as the feed prints them.
func (f *Fleet) squawk() int {
	code := 0
	for range 4 {
		code = code*10 + f.faker.Number(0, 7)
	}
	return code
}

// Step advances every flight by elapsed along its track. Flights that leave
// the coverage area are replaced by new ones.
func (f *Fleet) Step(elapsed time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	hours := elapsed.Hours()
	for i, fl := range f.flights {
		nm := float64(fl.Speed) * hours
		rad := float64(fl.Track) * math.Pi / 180
		fl.Lat += math.Cos(rad) * nm / 60
		fl.Lon += math.Sin(rad) * nm / (60 * math.Cos(fl.Lat*math.Pi/180))

		fl.Altitude = max(0, fl.Altitude+int(float64(fl.VerticalRate)*elapsed.Minutes()))
		fl.Messages += f.faker.Number(1, 20)
		fl.Seen = f.faker.Number(0, 5)

		if math.Hypot(fl.Lat-f.cfg.CenterLat, fl.Lon-f.cfg.CenterLon) > f.cfg.RadiusDeg {
			f.flights[i] = f.spawn()
		}
	}
}

// Snapshot returns the fleet as feed observations.
func (f *Fleet) Snapshot() []dump1090.Observation {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]dump1090.Observation, 0, len(f.flights))
	for _, fl := range f.flights {
		obs := dump1090.Observation{
			Hex:          fl.Hex,
			Flight:       fmt.Sprintf("%-8s", fl.Callsign),
			Squawk:       dump1090.Squawk(fl.Squawk),
			Lat:          math.Round(fl.Lat*1e6) / 1e6,
			Lon:          math.Round(fl.Lon*1e6) / 1e6,
			ValidTrk:     1,
			Altitude:     fl.Altitude,
			VerticalRate: fl.VerticalRate,
			Track:        fl.Track,
			Speed:        fl.Speed,
			Messages:     fl.Messages,
			Seen:         fl.Seen,
		}
		if fl.ValidPos {
			obs.ValidPos = 1
		}
		out = append(out, obs)
	}
	return out
}

// Len returns the number of flights.
func (f *Fleet) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.flights)
}
