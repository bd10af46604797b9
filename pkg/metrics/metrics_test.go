package metrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"procodus.dev/flight-collector/pkg/metrics"
)

var _ = Describe("Metrics", func() {
	var reg *prometheus.Registry

	BeforeEach(func() {
		reg = prometheus.NewRegistry()
	})

	DescribeTable("should register every collector once per registry",
		func(register func(prometheus.Registerer)) {
			Expect(func() { register(reg) }).NotTo(Panic())
			Expect(func() { register(reg) }).To(Panic())
		},
		Entry("collector", func(r prometheus.Registerer) { metrics.NewCollectorMetricsWith(r, "test") }),
		Entry("mq", func(r prometheus.Registerer) { metrics.NewMQMetricsWith(r, "test") }),
		Entry("http", func(r prometheus.Registerer) { metrics.NewHTTPMetricsWith(r, "test") }),
		Entry("simulator", func(r prometheus.Registerer) { metrics.NewSimulatorMetricsWith(r, "test") }),
	)

	It("should namespace collector metric names", func() {
		m := metrics.NewCollectorMetricsWith(reg, "flight_collector")
		m.CyclesTotal.WithLabelValues("success").Inc()

		Expect(testutil.GatherAndCount(reg, "flight_collector_cycle_total")).To(Equal(1))
	})

	Describe("HTTPMetrics.Instrument", func() {
		It("should count requests by status code", func() {
			m := metrics.NewHTTPMetricsWith(reg, "test")
			handler := m.Instrument("/data.json", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Query().Get("fail") != "" {
					w.WriteHeader(http.StatusServiceUnavailable)
					return
				}
				_, _ = w.Write([]byte("[]"))
			}))

			for _, target := range []string{"/data.json", "/data.json", "/data.json?fail=1"} {
				handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, target, nil))
			}

			Expect(testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "/data.json", "200"))).To(Equal(2.0))
			Expect(testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "/data.json", "503"))).To(Equal(1.0))
			Expect(testutil.ToFloat64(m.RequestsInFlight.WithLabelValues("GET", "/data.json"))).To(BeZero())
		})

		It("should pass through with nil metrics", func() {
			var m *metrics.HTTPMetrics
			inner := http.NewServeMux()
			Expect(m.Instrument("/x", inner)).To(BeIdenticalTo(inner))
		})
	})

	Describe("Handler", func() {
		It("should expose the global registry", func() {
			rec := httptest.NewRecorder()
			metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

			Expect(rec.Code).To(Equal(http.StatusOK))
			body, err := io.ReadAll(rec.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(strings.Contains(string(body), "go_goroutines")).To(BeTrue())
		})
	})
})
