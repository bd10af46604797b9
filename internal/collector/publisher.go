package collector

import (
	"context"
	"errors"
	"log/slog"
	"time"

	jsoniter "github.com/json-iterator/go"

	"procodus.dev/flight-collector/pkg/metrics"
	"procodus.dev/flight-collector/pkg/mq"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultPublishTimeout bounds the wait for a broker confirmation.
const DefaultPublishTimeout = 5 * time.Second

// FactPublisherConfig holds the configuration for the FactPublisher.
type FactPublisherConfig struct {
	Logger  *slog.Logger
	Client  mq.ClientInterface
	Timeout time.Duration
	// Metrics is optional.
	Metrics *metrics.CollectorMetrics
}

// FactPublisher forwards written facts to a message queue as JSON. Publishing
// is best-effort: the fact is already stored when it is called.
type FactPublisher struct {
	logger  *slog.Logger
	client  mq.ClientInterface
	timeout time.Duration
	metrics *metrics.CollectorMetrics
}

// NewFactPublisher creates a new FactPublisher instance.
func NewFactPublisher(cfg *FactPublisherConfig) (*FactPublisher, error) {
	if cfg == nil {
		return nil, errors.New("publisher config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Client == nil {
		return nil, errors.New("mq client cannot be nil")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultPublishTimeout
	}

	return &FactPublisher{
		logger:  cfg.Logger,
		client:  cfg.Client,
		timeout: timeout,
		metrics: cfg.Metrics,
	}, nil
}

// PublishFact sends fact to the queue. Failures are logged and counted.
func (p *FactPublisher) PublishFact(ctx context.Context, fact *FlightData) {
	if fact == nil {
		return
	}

	body, err := json.Marshal(fact)
	if err != nil {
		p.logger.Error("failed to encode flight fact", "id", fact.ID, "error", err)
		p.count("encode_error")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.client.Push(ctx, body); err != nil {
		p.logger.Warn("failed to publish flight fact",
			"id", fact.ID,
			"callsign", fact.FlightCallsign,
			"error", err,
		)
		p.count("error")
		return
	}
	p.count("success")
}

func (p *FactPublisher) count(status string) {
	if p.metrics != nil {
		p.metrics.FactsPublished.WithLabelValues(status).Inc()
	}
}
