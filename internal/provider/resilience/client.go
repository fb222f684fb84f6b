// Package resilience wraps outbound HTTP calls to the monitoring service
// with bounded exponential-backoff retries and a circuit breaker.
package resilience

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"
)

var (
	// ErrCircuitOpen is returned when the circuit breaker rejects the
	// call outright.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// ClientConfig holds configuration for the resilient HTTP client.
type ClientConfig struct {
	// Name identifies the client in circuit breaker state changes.
	Name string

	// Timeout for a single HTTP attempt (default: 30s, matching the
	// monitoring service's slow historical queries).
	Timeout time.Duration

	// MaxRetries bounds the retry attempts after the first call
	// (default: 3).
	MaxRetries uint64

	// InitialInterval is the first backoff delay (default: 500ms).
	InitialInterval time.Duration

	// MaxInterval caps the backoff delay (default: 8s).
	MaxInterval time.Duration
}

// Client retries transient transport failures and trips a breaker when
// the remote service is persistently unhealthy. Server 5xx responses are
// treated as retryable failures; application-level errors inside a 200
// envelope are the caller's concern.
type Client struct {
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[*http.Response]
	config     ClientConfig
}

// NewClient creates a resilient HTTP client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialInterval == 0 {
		cfg.InitialInterval = 500 * time.Millisecond
	}
	if cfg.MaxInterval == 0 {
		cfg.MaxInterval = 8 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && ratio >= 0.5
		},
	})

	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		breaker:    breaker,
		config:     cfg,
	}
}

// Do executes the request, retrying network errors and 5xx responses with
// exponential backoff. POST bodies are rewound between attempts via the
// request's GetBody, which net/http sets for the common body types.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.config.InitialInterval
	bo.MaxInterval = c.config.MaxInterval
	bo.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, c.config.MaxRetries), ctx)

	var lastResp *http.Response

	operation := func() error {
		attempt, err := cloneForAttempt(ctx, req)
		if err != nil {
			return backoff.Permanent(err)
		}

		resp, err := c.breaker.Execute(func() (*http.Response, error) { //nolint:bodyclose // closed by caller
			r, doErr := c.httpClient.Do(attempt)
			if doErr != nil {
				return nil, doErr
			}
			if r.StatusCode >= 500 {
				return r, &ServerError{StatusCode: r.StatusCode}
			}
			return r, nil
		})

		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(ErrCircuitOpen)
			}
			if resp != nil {
				resp.Body.Close()
				lastResp = nil
			}
			return err
		}

		lastResp = resp
		return nil
	}

	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return lastResp, nil
}

// cloneForAttempt produces a retry-safe copy of the request with a fresh
// body reader.
func cloneForAttempt(ctx context.Context, req *http.Request) (*http.Request, error) {
	attempt := req.Clone(ctx)
	if req.Body == nil || req.GetBody == nil {
		return attempt, nil
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, err
	}
	attempt.Body = body
	return attempt, nil
}

// State returns the circuit breaker state, for diagnostics.
func (c *Client) State() gobreaker.State {
	return c.breaker.State()
}

// ServerError represents an HTTP 5xx response treated as retryable.
type ServerError struct {
	StatusCode int
}

func (e *ServerError) Error() string {
	return "server error: " + http.StatusText(e.StatusCode)
}
