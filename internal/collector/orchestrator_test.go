package collector_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"gorm.io/gorm"

	"procodus.dev/flight-collector/internal/collector"
	"procodus.dev/flight-collector/pkg/adsbdb"
	"procodus.dev/flight-collector/pkg/dump1090"
	"procodus.dev/flight-collector/pkg/metrics"
	"procodus.dev/flight-collector/pkg/mq/mock"
)

type enrichFunc func(ctx context.Context, obs dump1090.Observation) collector.Enrichment

func (f enrichFunc) Enrich(ctx context.Context, obs dump1090.Observation) collector.Enrichment {
	return f(ctx, obs)
}

type resolveFunc func(ctx context.Context, hexID string, a adsbdb.AircraftPayload, c adsbdb.CallsignPayload) (collector.Resolved, error)

func (f resolveFunc) Resolve(ctx context.Context, hexID string, a adsbdb.AircraftPayload, c adsbdb.CallsignPayload) (collector.Resolved, error) {
	return f(ctx, hexID, a, c)
}

// memoryWriter keeps facts in a slice.
type memoryWriter struct {
	mu    sync.Mutex
	facts []*collector.FlightData
}

func (w *memoryWriter) WriteFact(_ context.Context, obs dump1090.Observation, _ collector.Resolved, capturedAt time.Time) (*collector.FlightData, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fact := &collector.FlightData{
		ID:             uint(len(w.facts) + 1),
		Timestamp:      capturedAt,
		FlightCallsign: obs.Callsign(),
	}
	w.facts = append(w.facts, fact)
	return fact, nil
}

func (w *memoryWriter) written() []*collector.FlightData {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*collector.FlightData(nil), w.facts...)
}

var noopEnricher = enrichFunc(func(context.Context, dump1090.Observation) collector.Enrichment {
	return collector.Enrichment{}
})

var noopResolver = resolveFunc(func(context.Context, string, adsbdb.AircraftPayload, adsbdb.CallsignPayload) (collector.Resolved, error) {
	return collector.Resolved{}, nil
})

func threeObservations() []dump1090.Observation {
	return []dump1090.Observation{
		{Hex: "aaaaaa", Flight: "AAA1"},
		{Hex: "bbbbbb", Flight: "BBB2"},
		{Hex: "cccccc", Flight: "CCC3"},
	}
}

var _ = Describe("Backoff", func() {
	backoff := collector.Backoff{
		Interval:   10 * time.Second,
		Base:       30 * time.Second,
		Max:        300 * time.Second,
		MaxRetries: 3,
	}

	It("should double on consecutive fetch failures and reset after the retry budget", func() {
		failures := 0
		var delays []time.Duration
		for i := 0; i < 5; i++ {
			var d time.Duration
			d, failures = backoff.Next(failures, true)
			delays = append(delays, d)
		}

		Expect(delays).To(Equal([]time.Duration{
			30 * time.Second,
			60 * time.Second,
			120 * time.Second,
			10 * time.Second,
			30 * time.Second,
		}))
		Expect(failures).To(Equal(1))
	})

	It("should reset the count after a successful fetch", func() {
		d, failures := backoff.Next(2, false)
		Expect(d).To(Equal(10 * time.Second))
		Expect(failures).To(BeZero())

		d, failures = backoff.Next(failures, true)
		Expect(d).To(Equal(30 * time.Second))
		Expect(failures).To(Equal(1))
	})

	DescribeTable("should cap the delay at Max",
		func(failures int, expected time.Duration) {
			b := collector.Backoff{Interval: time.Second, Base: 30 * time.Second, Max: 100 * time.Second, MaxRetries: 10}
			d, _ := b.Next(failures, true)
			Expect(d).To(Equal(expected))
		},
		Entry("first failure", 0, 30*time.Second),
		Entry("second failure", 1, 60*time.Second),
		Entry("third failure", 2, 100*time.Second),
		Entry("tenth failure", 9, 100*time.Second),
	)

	It("should never sleep more than Interval with a zero retry budget", func() {
		b := backoff
		b.MaxRetries = 0
		d, failures := b.Next(0, true)
		Expect(d).To(Equal(b.Interval))
		Expect(failures).To(BeZero())
	})
})

var _ = Describe("Orchestrator", func() {
	var (
		ctx     context.Context
		fetcher *fakeFetcher
		writer  *memoryWriter
		m       *metrics.CollectorMetrics
		now     time.Time
	)

	baseConfig := func() *collector.OrchestratorConfig {
		return &collector.OrchestratorConfig{
			Logger:   testLogger(),
			Fetcher:  fetcher,
			Enricher: noopEnricher,
			Resolver: noopResolver,
			Writer:   writer,
			Metrics:  m,
			Now:      func() time.Time { return now },
			Workers:  2,
		}
	}

	newOrchestrator := func(cfg *collector.OrchestratorConfig) *collector.Orchestrator {
		o, err := collector.NewOrchestrator(cfg)
		Expect(err).NotTo(HaveOccurred())
		return o
	}

	BeforeEach(func() {
		ctx = context.Background()
		fetcher = &fakeFetcher{observations: threeObservations()}
		writer = &memoryWriter{}
		m = metrics.NewCollectorMetricsWith(prometheus.NewRegistry(), "test")
		now = time.Date(2024, 5, 1, 14, 0, 0, 0, time.FixedZone("CEST", 2*60*60))
	})

	Describe("NewOrchestrator", func() {
		It("should return error when config is nil", func() {
			o, err := collector.NewOrchestrator(nil)
			Expect(err).To(HaveOccurred())
			Expect(o).To(BeNil())
		})

		DescribeTable("should reject incomplete configuration",
			func(mutate func(cfg *collector.OrchestratorConfig), msg string) {
				cfg := baseConfig()
				mutate(cfg)
				o, err := collector.NewOrchestrator(cfg)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring(msg))
				Expect(o).To(BeNil())
			},
			Entry("nil logger", func(cfg *collector.OrchestratorConfig) { cfg.Logger = nil }, "logger"),
			Entry("nil fetcher", func(cfg *collector.OrchestratorConfig) { cfg.Fetcher = nil }, "fetcher"),
			Entry("nil enricher", func(cfg *collector.OrchestratorConfig) { cfg.Enricher = nil }, "enricher"),
			Entry("nil resolver", func(cfg *collector.OrchestratorConfig) { cfg.Resolver = nil }, "resolver"),
			Entry("nil writer", func(cfg *collector.OrchestratorConfig) { cfg.Writer = nil }, "writer"),
			Entry("max below base", func(cfg *collector.OrchestratorConfig) {
				cfg.BackoffBase = time.Minute
				cfg.BackoffMax = time.Second
			}, "backoff max"),
			Entry("negative retries", func(cfg *collector.OrchestratorConfig) { cfg.MaxFetchRetries = -1 }, "negative"),
		)

		It("should accept a config without a publisher or metrics", func() {
			cfg := baseConfig()
			cfg.Metrics = nil
			Expect(newOrchestrator(cfg)).NotTo(BeNil())
		})
	})

	Describe("RunCycle", func() {
		It("should process every observation under one capture time", func() {
			report, err := newOrchestrator(baseConfig()).RunCycle(ctx)
			Expect(err).NotTo(HaveOccurred())

			Expect(report.Outcomes).To(HaveLen(3))
			Expect(report.Succeeded()).To(Equal(3))
			Expect(report.Failed()).To(BeZero())
			Expect(report.CapturedAt.Location()).To(Equal(time.UTC))
			Expect(report.CapturedAt.Equal(now)).To(BeTrue())

			for i, out := range report.Outcomes {
				Expect(out.Index).To(Equal(i))
				Expect(out.Fact).NotTo(BeNil())
				Expect(out.Fact.Timestamp).To(Equal(report.CapturedAt))
			}
			Expect(report.Outcomes[1].HexID).To(Equal("bbbbbb"))
			Expect(report.Outcomes[1].Callsign).To(Equal("BBB2"))
			Expect(testutil.ToFloat64(m.ObservationsTotal.WithLabelValues("success"))).To(Equal(3.0))
			Expect(testutil.ToFloat64(m.CyclesTotal.WithLabelValues("success"))).To(Equal(1.0))
		})

		It("should return the fetch error without processing", func() {
			fetcher.err = errBoom
			enriched := atomic.Int32{}
			cfg := baseConfig()
			cfg.Enricher = enrichFunc(func(context.Context, dump1090.Observation) collector.Enrichment {
				enriched.Add(1)
				return collector.Enrichment{}
			})

			report, err := newOrchestrator(cfg).RunCycle(ctx)
			Expect(err).To(MatchError(errBoom))
			Expect(report).To(BeNil())
			Expect(enriched.Load()).To(BeZero())
			Expect(writer.written()).To(BeEmpty())
			Expect(testutil.ToFloat64(m.CyclesTotal.WithLabelValues("fetch_error"))).To(Equal(1.0))
		})

		It("should handle an empty snapshot", func() {
			fetcher.observations = []dump1090.Observation{}

			report, err := newOrchestrator(baseConfig()).RunCycle(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Outcomes).To(BeEmpty())
		})

		It("should isolate a failing observation from the rest of the batch", func() {
			cfg := baseConfig()
			cfg.Resolver = resolveFunc(func(_ context.Context, hexID string, _ adsbdb.AircraftPayload, _ adsbdb.CallsignPayload) (collector.Resolved, error) {
				if hexID == "bbbbbb" {
					return collector.Resolved{}, errBoom
				}
				return collector.Resolved{}, nil
			})

			report, err := newOrchestrator(cfg).RunCycle(ctx)
			Expect(err).NotTo(HaveOccurred())

			Expect(report.Succeeded()).To(Equal(2))
			Expect(report.Outcomes[1].Err).To(MatchError(errBoom))
			Expect(report.Outcomes[1].Fact).To(BeNil())
			Expect(writer.written()).To(HaveLen(2))
			Expect(testutil.ToFloat64(m.ObservationsTotal.WithLabelValues("error"))).To(Equal(1.0))
		})

		It("should recover a panicking observation", func() {
			cfg := baseConfig()
			cfg.Enricher = enrichFunc(func(_ context.Context, obs dump1090.Observation) collector.Enrichment {
				if obs.HexID() == "aaaaaa" {
					panic("nil map")
				}
				return collector.Enrichment{}
			})

			report, err := newOrchestrator(cfg).RunCycle(ctx)
			Expect(err).NotTo(HaveOccurred())

			Expect(errors.Is(report.Outcomes[0].Err, collector.ErrObservationPanic)).To(BeTrue())
			Expect(report.Outcomes[0].Err.Error()).To(ContainSubstring("nil map"))
			Expect(report.Succeeded()).To(Equal(2))
		})

		It("should skip observations once the context is cancelled", func() {
			cancelled, cancel := context.WithCancel(ctx)
			cancel()

			report, err := newOrchestrator(baseConfig()).RunCycle(cancelled)
			Expect(err).NotTo(HaveOccurred())

			Expect(report.Succeeded()).To(BeZero())
			for _, out := range report.Outcomes {
				Expect(out.Err).To(MatchError(context.Canceled))
			}
			Expect(writer.written()).To(BeEmpty())
			Expect(testutil.ToFloat64(m.ObservationsTotal.WithLabelValues("skipped"))).To(Equal(3.0))
		})

		It("should never run more observations at once than there are workers", func() {
			var inFlight, peak atomic.Int32
			observations := make([]dump1090.Observation, 12)
			for i := range observations {
				observations[i] = dump1090.Observation{Hex: "abc123"}
			}
			fetcher.observations = observations

			cfg := baseConfig()
			cfg.Workers = 3
			cfg.Enricher = enrichFunc(func(context.Context, dump1090.Observation) collector.Enrichment {
				n := inFlight.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				inFlight.Add(-1)
				return collector.Enrichment{}
			})

			report, err := newOrchestrator(cfg).RunCycle(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Succeeded()).To(Equal(12))
			Expect(peak.Load()).To(BeNumerically(">=", 1))
			Expect(peak.Load()).To(BeNumerically("<=", 3))
		})

		It("should publish every written fact", func() {
			client := mock.NewMockClient()
			publisher, err := collector.NewFactPublisher(&collector.FactPublisherConfig{Logger: testLogger(), Client: client})
			Expect(err).NotTo(HaveOccurred())

			cfg := baseConfig()
			cfg.Publisher = publisher

			_, err = newOrchestrator(cfg).RunCycle(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(client.Pushed()).To(HaveLen(3))
		})

		It("should keep facts whose publish fails", func() {
			client := mock.NewMockClient()
			client.PushError = errBoom
			publisher, err := collector.NewFactPublisher(&collector.FactPublisherConfig{Logger: testLogger(), Client: client})
			Expect(err).NotTo(HaveOccurred())

			cfg := baseConfig()
			cfg.Publisher = publisher

			report, err := newOrchestrator(cfg).RunCycle(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Succeeded()).To(Equal(3))
			Expect(writer.written()).To(HaveLen(3))
		})
	})

	Describe("Run", func() {
		It("should back off on fetch failures and stop on cancellation", func() {
			fetcher.err = errBoom
			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()

			var delays []time.Duration
			cfg := baseConfig()
			cfg.Interval = 10 * time.Second
			cfg.BackoffBase = 30 * time.Second
			cfg.BackoffMax = 300 * time.Second
			cfg.MaxFetchRetries = 3
			cfg.Sleep = func(_ context.Context, d time.Duration) error {
				delays = append(delays, d)
				if len(delays) == 5 {
					cancel()
					return context.Canceled
				}
				return nil
			}

			Expect(newOrchestrator(cfg).Run(runCtx)).To(Succeed())
			Expect(delays).To(Equal([]time.Duration{
				30 * time.Second,
				60 * time.Second,
				120 * time.Second,
				10 * time.Second,
				30 * time.Second,
			}))
			Expect(fetcher.calls).To(Equal(5))
			Expect(testutil.ToFloat64(m.ConsecutiveFetchFailures)).To(Equal(1.0))
		})

		It("should sleep the interval after successful cycles", func() {
			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()

			var delays []time.Duration
			cfg := baseConfig()
			cfg.Interval = 7 * time.Second
			cfg.Sleep = func(_ context.Context, d time.Duration) error {
				delays = append(delays, d)
				if len(delays) == 2 {
					cancel()
					return context.Canceled
				}
				return nil
			}

			Expect(newOrchestrator(cfg).Run(runCtx)).To(Succeed())
			Expect(delays).To(Equal([]time.Duration{7 * time.Second, 7 * time.Second}))
			Expect(writer.written()).To(HaveLen(6))
			Expect(testutil.ToFloat64(m.NextCycleDelay)).To(Equal(7.0))
		})

		It("should return immediately for a cancelled context", func() {
			cancelled, cancel := context.WithCancel(ctx)
			cancel()

			Expect(newOrchestrator(baseConfig()).Run(cancelled)).To(Succeed())
			Expect(fetcher.calls).To(BeZero())
		})

		It("should stop during a real sleep", func() {
			runCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
			defer cancel()

			cfg := baseConfig()
			cfg.Interval = time.Hour

			done := make(chan error, 1)
			go func() { done <- newOrchestrator(cfg).Run(runCtx) }()
			Eventually(done, "2s").Should(Receive(BeNil()))
		})
	})

	Describe("end to end", func() {
		var db *gorm.DB

		BeforeEach(func() {
			db = newTestDB()
		})

		pipeline := func(lookup *fakeLookup, publisher collector.FactSink) *collector.Orchestrator {
			enricher, err := collector.NewEnricher(&collector.EnricherConfig{Logger: testLogger(), Lookup: lookup})
			Expect(err).NotTo(HaveOccurred())
			resolver, err := collector.NewResolver(&collector.ResolverConfig{Logger: testLogger(), DB: db})
			Expect(err).NotTo(HaveOccurred())
			factWriter, err := collector.NewFactWriter(&collector.FactWriterConfig{Logger: testLogger(), DB: db})
			Expect(err).NotTo(HaveOccurred())

			cfg := baseConfig()
			cfg.Enricher = enricher
			cfg.Resolver = resolver
			cfg.Writer = factWriter
			cfg.Publisher = publisher
			return newOrchestrator(cfg)
		}

		It("should store the example flight with all references", func() {
			lookup := newFakeLookup()
			lookup.aircraft["a1b2c3"] = aircraftPayload(exampleAircraftBody)
			lookup.callsigns["UAL1012"] = callsignPayload(exampleCallsignBody)
			fetcher.observations = []dump1090.Observation{exampleObservation()}
			client := mock.NewMockClient()
			publisher, err := collector.NewFactPublisher(&collector.FactPublisherConfig{Logger: testLogger(), Client: client})
			Expect(err).NotTo(HaveOccurred())

			report, err := pipeline(lookup, publisher).RunCycle(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Succeeded()).To(Equal(1))

			var facts []collector.FlightData
			Expect(db.Preload("Aircraft").Preload("Airline").
				Preload("OriginAirport").Preload("DestinationAirport").
				Find(&facts).Error).To(Succeed())
			Expect(facts).To(HaveLen(1))

			fact := facts[0]
			Expect(fact.FlightCallsign).To(Equal("UAL1012"))
			Expect(fact.SquawkCode).To(Equal(1170))
			Expect(fact.Aircraft.Registration).To(Equal("N98765"))
			Expect(fact.Aircraft.Manufacturer).To(Equal("Boeing"))
			Expect(fact.Airline.Name).To(Equal("United Airlines"))
			Expect(fact.OriginAirport.Name).To(Equal("San Francisco Intl"))
			Expect(fact.DestinationAirport.Name).To(Equal("Los Angeles Intl"))
			Expect(client.Pushed()).To(HaveLen(1))
		})

		It("should store a fact for an observation without identifiers", func() {
			lookup := newFakeLookup()
			fetcher.observations = []dump1090.Observation{{Lat: 51.47, Lon: -0.45, ValidPos: 1}}

			report, err := pipeline(lookup, nil).RunCycle(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Succeeded()).To(Equal(1))

			aircraftCalls, callsignCalls := lookup.calls()
			Expect(aircraftCalls).To(BeEmpty())
			Expect(callsignCalls).To(BeEmpty())

			var fact collector.FlightData
			Expect(db.First(&fact).Error).To(Succeed())
			Expect(fact.AircraftID).To(BeNil())
			Expect(fact.AirlineID).To(BeNil())
			Expect(fact.ValidPosition).To(BeTrue())
		})

		It("should share reference rows across a batch", func() {
			lookup := newFakeLookup()
			lookup.aircraft["a1b2c3"] = aircraftPayload(exampleAircraftBody)
			lookup.callsigns["UAL1012"] = callsignPayload(exampleCallsignBody)
			fetcher.observations = []dump1090.Observation{exampleObservation(), exampleObservation(), exampleObservation()}

			report, err := pipeline(lookup, nil).RunCycle(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Succeeded()).To(Equal(3))

			var aircraft, facts int64
			Expect(db.Model(&collector.Aircraft{}).Count(&aircraft).Error).To(Succeed())
			Expect(db.Model(&collector.FlightData{}).Count(&facts).Error).To(Succeed())
			Expect(aircraft).To(Equal(int64(1)))
			Expect(facts).To(Equal(int64(3)))
		})
	})
})
