// Package adsbdb provides a client for the adsbdb aircraft and callsign
// registries.
//
// Lookups never return errors to the caller: a failed request degrades to an
// empty payload so that one flight's enrichment cannot abort a batch. The
// registry's "unknown aircraft" / "unknown callsign" answers are valid negative
// results and are returned as payloads even when they arrive with an error
// status.
package adsbdb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"procodus.dev/flight-collector/pkg/metrics"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// DefaultAircraftURL is the aircraft endpoint template; %s is the hex id.
	DefaultAircraftURL = "https://api.adsbdb.com/v0/aircraft/%s"

	// DefaultCallsignURL is the callsign endpoint template; %s is the callsign.
	DefaultCallsignURL = "https://api.adsbdb.com/v0/callsign/%s"

	// DefaultTimeout bounds a single lookup.
	DefaultTimeout = 10 * time.Second

	maxBodyBytes = 1 << 20
)

// Lookup result labels used for logging and metrics.
const (
	resultFound   = "found"
	resultUnknown = "unknown"
	resultFailed  = "failed"
	kindAircraft  = "aircraft"
	kindCallsign  = "callsign"
)

// Lookuper is the behaviour the collector needs from a registry client.
type Lookuper interface {
	LookupAircraft(ctx context.Context, hex string) AircraftPayload
	LookupCallsign(ctx context.Context, callsign string) CallsignPayload
}

// ClientConfig holds the configuration for the Client.
type ClientConfig struct {
	Logger *slog.Logger
	// HTTPClient is optional; a client with Timeout is created when nil.
	HTTPClient  *http.Client
	AircraftURL string
	CallsignURL string
	Timeout     time.Duration
	// Metrics is optional.
	Metrics *metrics.CollectorMetrics
}

// Client performs adsbdb lookups.
type Client struct {
	logger      *slog.Logger
	http        *http.Client
	aircraftURL string
	callsignURL string
	metrics     *metrics.CollectorMetrics
}

// NewClient creates a new Client instance.
func NewClient(cfg *ClientConfig) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("client config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	aircraftURL := cfg.AircraftURL
	if aircraftURL == "" {
		aircraftURL = DefaultAircraftURL
	}
	callsignURL := cfg.CallsignURL
	if callsignURL == "" {
		callsignURL = DefaultCallsignURL
	}
	if !strings.Contains(aircraftURL, "%s") || !strings.Contains(callsignURL, "%s") {
		return nil, errors.New("lookup URL templates must contain %s")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		logger:      cfg.Logger,
		http:        httpClient,
		aircraftURL: aircraftURL,
		callsignURL: callsignURL,
		metrics:     cfg.Metrics,
	}, nil
}

// LookupAircraft fetches registry data for a hex id.
func (c *Client) LookupAircraft(ctx context.Context, hex string) AircraftPayload {
	hex = strings.TrimSpace(hex)
	target := fmt.Sprintf(c.aircraftURL, url.PathEscape(hex))

	var payload AircraftPayload
	body, status, err := c.get(ctx, target)
	if err == nil && decodeInto(body, &payload) == nil {
		c.observe(kindAircraft, payload.IsUnknown())
		return payload
	}

	// A failed request may still carry a negative sentinel.
	var negative AircraftPayload
	if decodeInto(body, &negative) == nil && negative.IsUnknown() {
		c.logger.Info("unknown aircraft", "hex", hex, "status", status)
		c.observe(kindAircraft, true)
		return negative
	}

	c.logger.Error("aircraft lookup failed",
		"hex", hex,
		"url", target,
		"status", status,
		"error", errOrDecode(err),
	)
	c.fail(kindAircraft)
	return AircraftPayload{}
}

// LookupCallsign fetches route data for a callsign. The callsign is trimmed
// before use; case is preserved.
func (c *Client) LookupCallsign(ctx context.Context, callsign string) CallsignPayload {
	callsign = strings.TrimSpace(callsign)
	target := fmt.Sprintf(c.callsignURL, url.PathEscape(callsign))

	var payload CallsignPayload
	body, status, err := c.get(ctx, target)
	if err == nil && decodeInto(body, &payload) == nil {
		c.observe(kindCallsign, payload.IsUnknown())
		return payload
	}

	var negative CallsignPayload
	if decodeInto(body, &negative) == nil && negative.IsUnknown() {
		c.logger.Info("unknown callsign", "callsign", callsign, "status", status)
		c.observe(kindCallsign, true)
		return negative
	}

	c.logger.Error("callsign lookup failed",
		"callsign", callsign,
		"url", target,
		"status", status,
		"error", errOrDecode(err),
	)
	c.fail(kindCallsign)
	return CallsignPayload{}
}

var errStatus = errors.New("non-success status")

// get issues one GET. The body is returned whenever one was read, including
// for non-2xx responses.
func (c *Client) get(ctx context.Context, target string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return body, resp.StatusCode, errStatus
	}
	if readErr != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read body: %w", readErr)
	}
	return body, resp.StatusCode, nil
}

var errEmptyBody = errors.New("empty body")

func decodeInto(body []byte, v any) error {
	if len(body) == 0 {
		return errEmptyBody
	}
	return json.Unmarshal(body, v)
}

func errOrDecode(err error) string {
	if err != nil {
		return err.Error()
	}
	return "undecodable body"
}

func (c *Client) observe(kind string, unknown bool) {
	if c.metrics == nil {
		return
	}
	result := resultFound
	if unknown {
		result = resultUnknown
	}
	c.metrics.LookupsTotal.WithLabelValues(kind, result).Inc()
}

func (c *Client) fail(kind string) {
	if c.metrics != nil {
		c.metrics.LookupsTotal.WithLabelValues(kind, resultFailed).Inc()
	}
}

// Ensure Client implements Lookuper.
var _ Lookuper = (*Client)(nil)
