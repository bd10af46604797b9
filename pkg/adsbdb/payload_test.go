package adsbdb_test

import (
	"encoding/json"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/flight-collector/pkg/adsbdb"
)

var _ = Describe("Payloads", func() {
	Describe("AircraftPayload", func() {
		DescribeTable("classification",
			func(body string, empty, unknown bool) {
				var p adsbdb.AircraftPayload
				Expect(json.Unmarshal([]byte(body), &p)).To(Succeed())
				Expect(p.IsEmpty()).To(Equal(empty))
				Expect(p.IsUnknown()).To(Equal(unknown))
			},
			Entry("aircraft object", `{"response":{"aircraft":{"registration":"N1"}}}`, false, false),
			Entry("unknown sentinel", `{"response":"unknown aircraft"}`, false, true),
			Entry("null response", `{"response":null}`, true, false),
			Entry("missing response", `{}`, true, false),
			Entry("response without aircraft", `{"response":{}}`, true, false),
			Entry("numeric response", `{"response":42}`, true, false),
		)

		It("should survive an encode and decode round trip with the sentinel intact", func() {
			in := adsbdb.AircraftPayload{Response: &adsbdb.AircraftResponse{Sentinel: adsbdb.UnknownAircraft}}
			raw, err := json.Marshal(in)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(raw)).To(Equal(`{"response":"unknown aircraft"}`))

			var out adsbdb.AircraftPayload
			Expect(json.Unmarshal(raw, &out)).To(Succeed())
			Expect(out.IsUnknown()).To(BeTrue())
		})
	})

	Describe("CallsignPayload", func() {
		It("should return zero values for a route without airline or airports", func() {
			var p adsbdb.CallsignPayload
			Expect(json.Unmarshal([]byte(`{"response":{"flightroute":{"callsign":"X"}}}`), &p)).To(Succeed())

			Expect(p.IsEmpty()).To(BeFalse())
			airline, origin, destination := p.Route()
			Expect(airline.IsZero()).To(BeTrue())
			Expect(origin).To(Equal(adsbdb.Airport{}))
			Expect(destination).To(Equal(adsbdb.Airport{}))
		})

		It("should detect airport codes ignoring whitespace", func() {
			Expect(adsbdb.Airport{IATACode: "  "}.HasCode()).To(BeFalse())
			Expect(adsbdb.Airport{ICAOCode: "KSFO"}.HasCode()).To(BeTrue())
		})
	})
})
