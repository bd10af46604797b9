package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"procodus.dev/flight-collector/pkg/adsbdb"
	"procodus.dev/flight-collector/pkg/dump1090"
	"procodus.dev/flight-collector/pkg/metrics"
)

// Orchestrator defaults.
const (
	DefaultInterval        = 10 * time.Second
	DefaultWorkers         = 4
	DefaultBackoffBase     = 30 * time.Second
	DefaultBackoffMax      = 300 * time.Second
	DefaultMaxFetchRetries = 3
)

// ErrObservationPanic wraps a panic recovered while processing one observation.
var ErrObservationPanic = errors.New("panic while processing observation")

// SnapshotFetcher returns the current batch of observations.
type SnapshotFetcher interface {
	FetchSnapshot(ctx context.Context) ([]dump1090.Observation, error)
}

// ObservationEnricher gathers registry data for one observation.
type ObservationEnricher interface {
	Enrich(ctx context.Context, obs dump1090.Observation) Enrichment
}

// EntityResolver maps enrichment payloads onto canonical entities.
type EntityResolver interface {
	Resolve(ctx context.Context, hexID string, aircraft adsbdb.AircraftPayload, callsign adsbdb.CallsignPayload) (Resolved, error)
}

// FactStore persists one fact per observation.
type FactStore interface {
	WriteFact(ctx context.Context, obs dump1090.Observation, resolved Resolved, capturedAt time.Time) (*FlightData, error)
}

// FactSink receives every stored fact.
type FactSink interface {
	PublishFact(ctx context.Context, fact *FlightData)
}

// Outcome is the result of processing one observation.
type Outcome struct {
	Err      error
	Fact     *FlightData
	HexID    string
	Callsign string
	Index    int
}

// CycleReport summarizes one fetch-and-process cycle.
type CycleReport struct {
	CapturedAt time.Time
	Outcomes   []Outcome
	Duration   time.Duration
}

// Succeeded returns the number of observations that produced a fact.
func (r *CycleReport) Succeeded() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Err == nil {
			n++
		}
	}
	return n
}

// Failed returns the number of observations that did not produce a fact.
func (r *CycleReport) Failed() int {
	return len(r.Outcomes) - r.Succeeded()
}

// Backoff computes the delay between cycles.
type Backoff struct {
	Interval   time.Duration
	Base       time.Duration
	Max        time.Duration
	MaxRetries int
}

// Next returns the delay before the next cycle and the updated count of
// consecutive fetch failures. Failure n sleeps min(Base*2^(n-1), Max) while
// n <= MaxRetries; the failure after that sleeps Interval and resets the count.
func (b Backoff) Next(failures int, fetchFailed bool) (time.Duration, int) {
	if !fetchFailed {
		return b.Interval, 0
	}

	failures++
	if failures > b.MaxRetries {
		return b.Interval, 0
	}

	delay := b.Base
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= b.Max {
			break
		}
	}
	if delay > b.Max {
		delay = b.Max
	}
	return delay, failures
}

// OrchestratorConfig holds the configuration for the Orchestrator.
type OrchestratorConfig struct {
	Logger   *slog.Logger
	Fetcher  SnapshotFetcher
	Enricher ObservationEnricher
	Resolver EntityResolver
	Writer   FactStore
	// Publisher is optional.
	Publisher FactSink
	// Metrics is optional.
	Metrics *metrics.CollectorMetrics
	// Now and Sleep override the clock; used by tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error

	Workers         int
	Interval        time.Duration
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	MaxFetchRetries int
}

// Orchestrator runs the fetch, process and sleep loop.
type Orchestrator struct {
	logger    *slog.Logger
	fetcher   SnapshotFetcher
	enricher  ObservationEnricher
	resolver  EntityResolver
	writer    FactStore
	publisher FactSink
	metrics   *metrics.CollectorMetrics
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
	backoff   Backoff
	workers   int
}

// NewOrchestrator creates a new Orchestrator instance.
func NewOrchestrator(cfg *OrchestratorConfig) (*Orchestrator, error) {
	if cfg == nil {
		return nil, errors.New("orchestrator config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Fetcher == nil {
		return nil, errors.New("fetcher cannot be nil")
	}

	if cfg.Enricher == nil {
		return nil, errors.New("enricher cannot be nil")
	}

	if cfg.Resolver == nil {
		return nil, errors.New("resolver cannot be nil")
	}

	if cfg.Writer == nil {
		return nil, errors.New("writer cannot be nil")
	}

	o := &Orchestrator{
		logger:    cfg.Logger,
		fetcher:   cfg.Fetcher,
		enricher:  cfg.Enricher,
		resolver:  cfg.Resolver,
		writer:    cfg.Writer,
		publisher: cfg.Publisher,
		metrics:   cfg.Metrics,
		now:       cfg.Now,
		sleep:     cfg.Sleep,
		workers:   cfg.Workers,
		backoff: Backoff{
			Interval:   cfg.Interval,
			Base:       cfg.BackoffBase,
			Max:        cfg.BackoffMax,
			MaxRetries: cfg.MaxFetchRetries,
		},
	}

	if o.now == nil {
		o.now = time.Now
	}
	if o.sleep == nil {
		o.sleep = sleepContext
	}
	if o.workers <= 0 {
		o.workers = DefaultWorkers
	}
	if o.backoff.Interval <= 0 {
		o.backoff.Interval = DefaultInterval
	}
	if o.backoff.Base <= 0 {
		o.backoff.Base = DefaultBackoffBase
	}
	if o.backoff.Max <= 0 {
		o.backoff.Max = DefaultBackoffMax
	}
	if o.backoff.Max < o.backoff.Base {
		return nil, fmt.Errorf("backoff max %s is below backoff base %s", o.backoff.Max, o.backoff.Base)
	}
	if o.backoff.MaxRetries < 0 {
		return nil, errors.New("max fetch retries cannot be negative")
	}
	if cfg.MaxFetchRetries == 0 {
		o.backoff.MaxRetries = DefaultMaxFetchRetries
	}

	return o, nil
}

// Run loops until ctx is cancelled, then returns nil. Fetch failures back
// off exponentially; item failures never affect the schedule.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("collector started",
		"interval", o.backoff.Interval,
		"workers", o.workers,
	)

	failures := 0
	for cycle := uint64(1); ; cycle++ {
		if ctx.Err() != nil {
			break
		}

		_, err := o.RunCycle(ctx)
		if err != nil && ctx.Err() != nil {
			break
		}

		var delay time.Duration
		delay, failures = o.backoff.Next(failures, err != nil)
		if err != nil {
			o.logger.Warn("snapshot fetch failed",
				"cycle", cycle,
				"consecutive_failures", failures,
				"retry_in", delay,
				"error", err,
			)
		}

		if o.metrics != nil {
			o.metrics.ConsecutiveFetchFailures.Set(float64(failures))
			o.metrics.NextCycleDelay.Set(delay.Seconds())
		}

		if err := o.sleep(ctx, delay); err != nil {
			break
		}
	}

	o.logger.Info("collector stopped")
	return nil
}

// RunCycle fetches one snapshot and processes every observation in it on a
// bounded pool of workers. It returns the fetch error, if any, without
// processing. Per-observation failures are reported in the Outcomes.
func (o *Orchestrator) RunCycle(ctx context.Context) (*CycleReport, error) {
	start := o.now()

	observations, err := o.fetcher.FetchSnapshot(ctx)
	if err != nil {
		o.countCycle("fetch_error", start)
		return nil, err
	}

	report := &CycleReport{
		CapturedAt: start.UTC(),
		Outcomes:   make([]Outcome, len(observations)),
	}

	var g errgroup.Group
	g.SetLimit(o.workers)
	for i, obs := range observations {
		g.Go(func() error {
			report.Outcomes[i] = o.process(ctx, i, obs, report.CapturedAt)
			return nil
		})
	}
	_ = g.Wait()

	report.Duration = o.now().Sub(start)
	o.countCycle("success", start)

	succeeded := report.Succeeded()
	o.logger.Info("cycle completed",
		"observations", humanize.Comma(int64(len(observations))),
		"succeeded", humanize.Comma(int64(succeeded)),
		"failed", humanize.Comma(int64(len(observations)-succeeded)),
		"duration", report.Duration,
	)
	return report, nil
}

// process runs one observation through enrichment, resolution and the
// writer. A panic is recovered into the outcome.
func (o *Orchestrator) process(ctx context.Context, index int, obs dump1090.Observation, capturedAt time.Time) (out Outcome) {
	out = Outcome{
		Index:    index,
		HexID:    obs.HexID(),
		Callsign: obs.Callsign(),
	}

	defer func() {
		if r := recover(); r != nil {
			out.Fact = nil
			out.Err = fmt.Errorf("%w: %v", ErrObservationPanic, r)
		}
		o.countObservation(out)
	}()

	if err := ctx.Err(); err != nil {
		out.Err = err
		return out
	}

	enrichment := o.enricher.Enrich(ctx, obs)

	resolved, err := o.resolver.Resolve(ctx, out.HexID, enrichment.Aircraft, enrichment.Callsign)
	if err != nil {
		out.Err = err
		return out
	}

	fact, err := o.writer.WriteFact(ctx, obs, resolved, capturedAt)
	if err != nil {
		out.Err = err
		return out
	}
	out.Fact = fact

	if o.publisher != nil {
		o.publisher.PublishFact(ctx, fact)
	}
	return out
}

func (o *Orchestrator) countObservation(out Outcome) {
	status := "success"
	switch {
	case out.Err == nil:
	case errors.Is(out.Err, context.Canceled), errors.Is(out.Err, context.DeadlineExceeded):
		status = "skipped"
	default:
		status = "error"
		o.logger.Error("failed to process observation",
			"index", out.Index,
			"hex", out.HexID,
			"callsign", out.Callsign,
			"error", out.Err,
		)
	}

	if o.metrics != nil {
		o.metrics.ObservationsTotal.WithLabelValues(status).Inc()
	}
}

func (o *Orchestrator) countCycle(status string, start time.Time) {
	if o.metrics == nil {
		return
	}
	o.metrics.CyclesTotal.WithLabelValues(status).Inc()
	o.metrics.CycleDuration.Observe(o.now().Sub(start).Seconds())
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
