package collector

import (
	"context"
	"encoding/json"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/flight-collector/internal/collector"
	"procodus.dev/flight-collector/pkg/adsbdb"
)

var _ = Describe("Resolver on PostgreSQL", func() {
	var (
		ctx      context.Context
		resolver *collector.Resolver
		aircraft adsbdb.AircraftPayload
		route    adsbdb.CallsignPayload
	)

	count := func(model any) int64 {
		var n int64
		Expect(db.Model(model).Count(&n).Error).To(Succeed())
		return n
	}

	BeforeEach(func() {
		ctx = context.Background()
		truncate()

		var err error
		resolver, err = collector.NewResolver(&collector.ResolverConfig{Logger: testLogger, DB: db})
		Expect(err).NotTo(HaveOccurred())

		Expect(json.Unmarshal([]byte(registryAircraft), &aircraft)).To(Succeed())
		Expect(json.Unmarshal([]byte(registryRoute), &route)).To(Succeed())
	})

	It("should converge concurrent resolutions on one row per key", func() {
		const workers = 32

		var wg sync.WaitGroup
		results := make([]collector.Resolved, workers)
		errs := make([]error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer GinkgoRecover()
				defer wg.Done()
				results[i], errs[i] = resolver.Resolve(ctx, "a1b2c3", aircraft, route)
			}(i)
		}
		wg.Wait()

		for i := range errs {
			Expect(errs[i]).NotTo(HaveOccurred())
			Expect(results[i].Aircraft.ID).To(Equal(results[0].Aircraft.ID))
			Expect(results[i].Airline.ID).To(Equal(results[0].Airline.ID))
			Expect(results[i].Origin.ID).To(Equal(results[0].Origin.ID))
			Expect(results[i].Destination.ID).To(Equal(results[0].Destination.ID))
		}

		Expect(count(&collector.Aircraft{})).To(Equal(int64(1)))
		Expect(count(&collector.Airline{})).To(Equal(int64(1)))
		Expect(count(&collector.Airport{})).To(Equal(int64(2)))
	})

	It("should match airports on either code", func() {
		first, err := resolver.ResolveAirport(ctx, adsbdb.Airport{IATACode: "SFO", ICAOCode: "KSFO"})
		Expect(err).NotTo(HaveOccurred())

		byICAO, err := resolver.ResolveAirport(ctx, adsbdb.Airport{ICAOCode: "KSFO"})
		Expect(err).NotTo(HaveOccurred())
		noIATA, err := resolver.ResolveAirport(ctx, adsbdb.Airport{ICAOCode: "EGLL"})
		Expect(err).NotTo(HaveOccurred())
		otherNoIATA, err := resolver.ResolveAirport(ctx, adsbdb.Airport{ICAOCode: "EGKK"})
		Expect(err).NotTo(HaveOccurred())

		Expect(byICAO.ID).To(Equal(first.ID))
		Expect(noIATA.ID).NotTo(Equal(otherNoIATA.ID))
		Expect(count(&collector.Airport{})).To(Equal(int64(3)))
	})

	It("should update aircraft attributes on conflict", func() {
		_, err := resolver.ResolveAircraft(ctx, "a1b2c3", adsbdb.AircraftDetail{Registration: "N98765", Type: "B737"})
		Expect(err).NotTo(HaveOccurred())
		updated, err := resolver.ResolveAircraft(ctx, "a1b2c3", adsbdb.AircraftDetail{Registration: "N98765", Type: "B738"})
		Expect(err).NotTo(HaveOccurred())

		Expect(updated.Type).To(Equal("B738"))
		Expect(count(&collector.Aircraft{})).To(Equal(int64(1)))
	})
})
