package afsclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker/v2"

	"github.com/world-sim-dev/afs-metrics-collector/exporter/internal/selfmetrics"
	"github.com/world-sim-dev/afs-metrics-collector/exporter/internal/signer"
	"github.com/world-sim-dev/afs-metrics-collector/pkg/types"
)

const (
	apiPathPrefix = "/storage/afs/data/v1/volume/"
	apiPathSuffix = "/dir_quotas"

	DefaultRequestTimeout   = 10 * time.Second
	DefaultMaxResponseBytes = 64 << 20

	// errorBodyLimit bounds how much of an error response is quoted in a FetchError.
	errorBodyLimit = 200
)

// Retry strategies.
const (
	RetryFixed       = "fixed"
	RetryLinear      = "linear"
	RetryExponential = "exponential"
)

// Config holds everything the client needs. It is built by the caller from
// the loaded application config.
type Config struct {
	BaseURL          string
	Credentials      signer.Credentials
	SignedHeaders    []string
	RequestTimeout   time.Duration
	MaxRetries       int
	RetryDelay       time.Duration
	RetryStrategy    string
	MaxResponseBytes int64
	UserAgent        string
	Breaker          BreakerConfig
}

// BreakerConfig configures the per-volume circuit breaker.
// FailureThreshold 0 disables it.
type BreakerConfig struct {
	FailureThreshold    uint32
	RecoveryTimeout     time.Duration
	HalfOpenMaxRequests uint32
}

// Option customises a Client.
type Option func(*Client)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.logger = l } }

// WithMetrics records attempts, retries and breaker state in m.
func WithMetrics(m *selfmetrics.Metrics) Option { return func(c *Client) { c.metrics = m } }

// WithTransport replaces the base RoundTripper under the signing layer.
func WithTransport(rt http.RoundTripper) Option { return func(c *Client) { c.transport = rt } }

// WithClock sets the time source used for signing.
func WithClock(now func() time.Time) Option { return func(c *Client) { c.now = now } }

// Client fetches directory quotas from the AFS API. It is safe for
// concurrent use.
type Client struct {
	cfg       Config
	base      *url.URL
	http      *http.Client
	transport http.RoundTripper
	logger    *slog.Logger
	metrics   *selfmetrics.Metrics
	now       func() time.Time

	mu       sync.Mutex
	breakers map[types.VolumeRef]*gobreaker.CircuitBreaker[[]types.DirectoryQuota]
}

// New validates cfg and returns a ready Client.
func New(cfg Config, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("afsclient: parse base url: %w", err)
	}
	if (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, fmt.Errorf("afsclient: base url %q must be an absolute http(s) url", cfg.BaseURL)
	}
	if cfg.Credentials.AccessKey == "" || cfg.Credentials.SecretKey == "" {
		return nil, errors.New("afsclient: access key and secret key are required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = DefaultMaxResponseBytes
	}
	switch cfg.RetryStrategy {
	case "":
		cfg.RetryStrategy = RetryLinear
	case RetryFixed, RetryLinear, RetryExponential:
	default:
		return nil, fmt.Errorf("afsclient: unknown retry strategy %q", cfg.RetryStrategy)
	}
	sg, err := signer.New(cfg.SignedHeaders...)
	if err != nil {
		return nil, fmt.Errorf("afsclient: %w", err)
	}

	c := &Client{
		cfg:      cfg,
		base:     base,
		logger:   slog.Default(),
		now:      time.Now,
		breakers: make(map[types.VolumeRef]*gobreaker.CircuitBreaker[[]types.DirectoryQuota]),
	}
	for _, o := range opts {
		o(c)
	}
	c.logger = c.logger.With("component", "afsclient")
	c.http = buildHTTPClient(c.transport, sg, cfg.Credentials, c.now)
	return c, nil
}

// FetchDirectoryQuotas returns the directory quota records of vol. timeout
// bounds each attempt; zero selects the configured request timeout. Failures
// are always *FetchError.
func (c *Client) FetchDirectoryQuotas(ctx context.Context, vol types.VolumeRef, timeout time.Duration) ([]types.DirectoryQuota, error) {
	if err := vol.Validate(); err != nil {
		return nil, &FetchError{Kind: types.ErrorKindMalformedVolumeID, Volume: vol, Err: err}
	}
	if timeout <= 0 {
		timeout = c.cfg.RequestTimeout
	}

	br := c.breaker(vol)
	if br == nil {
		return c.fetchWithRetry(ctx, vol, timeout)
	}
	recs, err := br.Execute(func() ([]types.DirectoryQuota, error) {
		return c.fetchWithRetry(ctx, vol, timeout)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &FetchError{Kind: types.ErrorKindCircuitOpen, Volume: vol, Err: err}
	}
	return recs, err
}

// attemptState is the retry state machine's state after one attempt.
type attemptState int

const (
	stateSuccess attemptState = iota
	stateRetryable
	stateTerminal
)

// next decides where the state machine goes after attempt n.
func (c *Client) next(ctx context.Context, fe *FetchError, n int) attemptState {
	switch {
	case fe == nil:
		return stateSuccess
	case !fe.Retryable():
		return stateTerminal
	case n > c.cfg.MaxRetries:
		return stateTerminal
	case ctx.Err() != nil:
		return stateTerminal
	default:
		return stateRetryable
	}
}

func (c *Client) fetchWithRetry(ctx context.Context, vol types.VolumeRef, timeout time.Duration) ([]types.DirectoryQuota, error) {
	policy := c.newBackOff()
	for n := 1; ; n++ {
		recs, fe := c.attempt(ctx, vol, timeout)
		switch c.next(ctx, fe, n) {
		case stateSuccess:
			if n > 1 {
				c.logger.Info("volume fetched after retry", "volume_id", vol.VolumeID, "zone", vol.Zone, "attempts", n)
			}
			return recs, nil

		case stateTerminal:
			fe.Attempts = n
			return nil, fe

		case stateRetryable:
			wait := policy.NextBackOff()
			if wait == backoff.Stop {
				fe.Attempts = n
				return nil, fe
			}
			if fe.RetryAfter > wait {
				wait = fe.RetryAfter
			}
			c.logger.Warn("retrying volume fetch",
				"volume_id", vol.VolumeID,
				"zone", vol.Zone,
				"attempt", n,
				"error_kind", fe.Kind,
				"retry_in", wait,
			)
			if err := sleep(ctx, wait); err != nil {
				fe.Attempts = n
				return nil, fe
			}
			c.metrics.IncRetry()
		}
	}
}

// attempt performs one signed GET under its own deadline.
func (c *Client) attempt(ctx context.Context, vol types.VolumeRef, timeout time.Duration) ([]types.DirectoryQuota, *FetchError) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	recs, fe := c.do(actx, vol)
	kind := types.ErrorKindNone
	if fe != nil {
		kind = fe.Kind
	}
	c.metrics.ObserveAttempt(kind, time.Since(start))
	return recs, fe
}

func (c *Client) do(ctx context.Context, vol types.VolumeRef) ([]types.DirectoryQuota, *FetchError) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(vol), nil)
	if err != nil {
		return nil, &FetchError{Kind: types.ErrorKindMalformedVolumeID, Volume: vol, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &FetchError{Kind: classifyTransport(ctx, err), Volume: vol, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		fe := &FetchError{
			Kind:       classifyStatus(resp.StatusCode),
			Volume:     vol,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("upstream said: %s", strings.TrimSpace(string(snippet))),
		}
		if fe.Kind == types.ErrorKindRateLimited {
			fe.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), c.now())
		}
		return nil, fe
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxResponseBytes+1))
	if err != nil {
		return nil, &FetchError{Kind: classifyTransport(ctx, err), Volume: vol, StatusCode: resp.StatusCode, Err: err}
	}
	if int64(len(body)) > c.cfg.MaxResponseBytes {
		return nil, &FetchError{
			Kind:       types.ErrorKindMalformedResponse,
			Volume:     vol,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("response exceeds %d bytes", c.cfg.MaxResponseBytes),
		}
	}

	recs, err := decodeQuotas(body, vol)
	if err != nil {
		return nil, &FetchError{Kind: types.ErrorKindMalformedResponse, Volume: vol, StatusCode: resp.StatusCode, Err: err}
	}
	return recs, nil
}

// endpoint builds the request URL. The volume id fills exactly one path
// segment; everything else goes in the query.
func (c *Client) endpoint(vol types.VolumeRef) string {
	u := *c.base
	u.Path = c.base.Path + apiPathPrefix + url.PathEscape(vol.VolumeID) + apiPathSuffix
	u.RawPath = ""
	u.RawQuery = signer.EncodeQuery(url.Values{
		"volume_id": {vol.VolumeID},
		"zone":      {vol.Zone},
	})
	return u.String()
}

func (c *Client) newBackOff() backoff.BackOff {
	var b backoff.BackOff
	switch c.cfg.RetryStrategy {
	case RetryFixed:
		b = backoff.NewConstantBackOff(c.cfg.RetryDelay)
	case RetryExponential:
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = c.cfg.RetryDelay
		eb.MaxInterval = 30 * c.cfg.RetryDelay
		b = eb
	default:
		b = &linearBackOff{step: c.cfg.RetryDelay}
	}
	b.Reset()
	return b
}

// linearBackOff waits step, 2*step, 3*step, ...
type linearBackOff struct {
	step time.Duration
	n    int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	return time.Duration(b.n) * b.step
}

func (b *linearBackOff) Reset() { b.n = 0 }

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
