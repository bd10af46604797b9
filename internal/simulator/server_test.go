package simulator_test

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"procodus.dev/flight-collector/internal/simulator"
	"procodus.dev/flight-collector/pkg/dump1090"
	"procodus.dev/flight-collector/pkg/generator"
	"procodus.dev/flight-collector/pkg/metrics"
)

var _ = Describe("Simulator Server", func() {
	var logger *slog.Logger

	BeforeEach(func() {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
	})

	fetch := func(url string) ([]dump1090.Observation, error) {
		fetcher, err := dump1090.NewFetcher(&dump1090.FetcherConfig{Logger: logger, URL: url, Timeout: 2 * time.Second})
		Expect(err).NotTo(HaveOccurred())
		return fetcher.FetchSnapshot(context.Background())
	}

	Describe("NewServer", func() {
		It("should return error when config is nil", func() {
			server, err := simulator.NewServer(nil)
			Expect(err).To(HaveOccurred())
			Expect(server).To(BeNil())
		})

		DescribeTable("should reject invalid configuration",
			func(cfg simulator.ServerConfig, msg string) {
				if cfg.Logger == nil && msg != "logger" {
					cfg.Logger = logger
				}
				server, err := simulator.NewServer(&cfg)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring(msg))
				Expect(server).To(BeNil())
			},
			Entry("missing logger", simulator.ServerConfig{Addr: ":0"}, "logger"),
			Entry("missing address", simulator.ServerConfig{}, "address"),
			Entry("negative interval", simulator.ServerConfig{Addr: ":0", StepInterval: -time.Second}, "interval"),
			Entry("invalid fleet", simulator.ServerConfig{Addr: ":0", Fleet: generator.Config{FleetSize: -1}}, "fleet"),
		)
	})

	Describe("Routes", func() {
		var (
			server  *simulator.Server
			sm      *metrics.SimulatorMetrics
			hm      *metrics.HTTPMetrics
			backend *httptest.Server
		)

		BeforeEach(func() {
			reg := prometheus.NewRegistry()
			sm = metrics.NewSimulatorMetricsWith(reg, "test")
			hm = metrics.NewHTTPMetricsWith(reg, "test")

			var err error
			server, err = simulator.NewServer(&simulator.ServerConfig{
				Logger:      logger,
				Addr:        ":0",
				Fleet:       generator.Config{Seed: 9, FleetSize: 12},
				Metrics:     sm,
				HTTPMetrics: hm,
			})
			Expect(err).NotTo(HaveOccurred())

			backend = httptest.NewServer(server.Routes())
			DeferCleanup(backend.Close)
		})

		DescribeTable("should serve a snapshot the fetcher can read",
			func(path string) {
				observations, err := fetch(backend.URL + path)
				Expect(err).NotTo(HaveOccurred())
				Expect(observations).To(HaveLen(12))
				Expect(observations[0].HexID()).NotTo(BeEmpty())
				Expect(testutil.ToFloat64(hm.RequestsTotal.WithLabelValues("GET", path, "200"))).To(Equal(1.0))
			},
			Entry("root path", "/data.json"),
			Entry("dump1090 path", "/dump1090/data.json"),
		)

		It("should count served snapshots", func() {
			_, err := fetch(backend.URL + "/data.json")
			Expect(err).NotTo(HaveOccurred())
			_, err = fetch(backend.URL + "/data.json")
			Expect(err).NotTo(HaveOccurred())

			Expect(testutil.ToFloat64(sm.SnapshotsServed)).To(Equal(2.0))
			Expect(testutil.ToFloat64(sm.FleetSize)).To(Equal(12.0))
		})

		It("should reject other methods", func() {
			resp, err := http.Post(backend.URL+"/data.json", "application/json", nil)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusMethodNotAllowed))
		})
	})

	Describe("Run", func() {
		It("should serve and move the fleet until cancelled", func() {
			sm := metrics.NewSimulatorMetricsWith(prometheus.NewRegistry(), "test")
			server, err := simulator.NewServer(&simulator.ServerConfig{
				Logger:       logger,
				Addr:         "127.0.0.1:0",
				StepInterval: 10 * time.Millisecond,
				Fleet:        generator.Config{Seed: 1, FleetSize: 3},
				Metrics:      sm,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(server.Listen()).To(Succeed())

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- server.Run(ctx) }()

			Eventually(func() error {
				_, err := fetch("http://" + server.Addr() + "/data.json")
				return err
			}, "2s").Should(Succeed())
			Eventually(func() float64 { return testutil.ToFloat64(sm.StepsTotal) }, "2s").Should(BeNumerically(">=", 2))

			cancel()
			Eventually(done, "5s").Should(Receive(BeNil()))
		})

		It("should fail when the address is taken", func() {
			first, err := simulator.NewServer(&simulator.ServerConfig{Logger: logger, Addr: "127.0.0.1:0"})
			Expect(err).NotTo(HaveOccurred())
			Expect(first.Listen()).To(Succeed())
			DeferCleanup(first.Shutdown)

			second, err := simulator.NewServer(&simulator.ServerConfig{Logger: logger, Addr: first.Addr()})
			Expect(err).NotTo(HaveOccurred())
			Expect(second.Run(context.Background())).To(MatchError(ContainSubstring("failed to listen")))
		})
	})
})
