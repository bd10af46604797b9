package dump1090

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultTimeout bounds a single snapshot request.
const DefaultTimeout = 10 * time.Second

// maxBodyBytes caps how much of a snapshot response is read.
const maxBodyBytes = 32 << 20

// FetchError reports a whole-snapshot failure: the feed was unreachable,
// answered with a non-success status, or returned an unreadable body.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch snapshot from %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch snapshot from %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

var errUnexpectedStatus = errors.New("unexpected status")

// FetcherConfig holds the configuration for the Fetcher.
type FetcherConfig struct {
	Logger *slog.Logger
	// HTTPClient is optional; a client with Timeout is created when nil.
	HTTPClient *http.Client
	URL        string
	Timeout    time.Duration
}

// Fetcher retrieves the current batch of observations from the feed.
type Fetcher struct {
	logger *slog.Logger
	client *http.Client
	url    string
}

// NewFetcher creates a new Fetcher instance.
func NewFetcher(cfg *FetcherConfig) (*Fetcher, error) {
	if cfg == nil {
		return nil, errors.New("fetcher config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.URL == "" {
		return nil, errors.New("feed URL cannot be empty")
	}

	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}

	return &Fetcher{
		logger: cfg.Logger,
		client: client,
		url:    cfg.URL,
	}, nil
}

// FetchSnapshot performs one read against the feed. It never retries; on
// failure it returns an empty slice and a *FetchError.
func (f *Fetcher) FetchSnapshot(ctx context.Context) ([]Observation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return []Observation{}, &FetchError{URL: f.url, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return []Observation{}, &FetchError{URL: f.url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return []Observation{}, &FetchError{URL: f.url, StatusCode: resp.StatusCode, Err: errUnexpectedStatus}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return []Observation{}, &FetchError{URL: f.url, StatusCode: resp.StatusCode, Err: err}
	}

	var observations []Observation
	if err := json.Unmarshal(body, &observations); err != nil {
		return []Observation{}, &FetchError{
			URL:        f.url,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("failed to decode snapshot: %w", err),
		}
	}
	if observations == nil {
		observations = []Observation{}
	}

	f.logger.Debug("snapshot fetched", "url", f.url, "observations", len(observations))
	return observations, nil
}
