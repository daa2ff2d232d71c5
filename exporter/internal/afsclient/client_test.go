package afsclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/world-sim-dev/afs-metrics-collector/exporter/internal/signer"
	"github.com/world-sim-dev/afs-metrics-collector/pkg/types"
)

var (
	testVolume = types.VolumeRef{VolumeID: "0b2f7c1e-5d9a-4c3e-8f21-7a6b5c4d3e2f", Zone: "cn-sh-01a"}
	testCreds  = signer.Credentials{AccessKey: "AKTEST", SecretKey: "s3cr3t"}
)

const okPayload = `{
  "dir_quota_list": [
    {"volume_id": "0b2f7c1e-5d9a-4c3e-8f21-7a6b5c4d3e2f", "dir_path": "/data/a",
     "file_quantity_quota": 1000, "file_quantity_used_quota": 10,
     "capacity_quota": 0, "capacity_used_quota": 2048, "state": 1},
    {"volume_id": "0b2f7c1e-5d9a-4c3e-8f21-7a6b5c4d3e2f", "dir_path": "/data/b",
     "file_quantity_quota": "0", "file_quantity_used_quota": "7",
     "capacity_quota": 1099511627776, "capacity_used_quota": 5, "state": 0}
  ]
}`

// upstream is a scripted fake of the AFS API. Each request consumes the next
// handler; the last handler repeats.
type upstream struct {
	srv      *httptest.Server
	hits     atomic.Int32
	handlers []http.HandlerFunc
}

func newUpstream(t *testing.T, handlers ...http.HandlerFunc) *upstream {
	t.Helper()
	u := &upstream{handlers: handlers}
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(u.hits.Add(1)) - 1
		if n >= len(u.handlers) {
			n = len(u.handlers) - 1
		}
		u.handlers[n](w, r)
	}))
	t.Cleanup(u.srv.Close)
	return u
}

func status(code int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(code)
		fmt.Fprint(w, body)
	}
}

func newClient(t *testing.T, baseURL string, mutate func(*Config)) *Client {
	t.Helper()
	cfg := Config{
		BaseURL:        baseURL,
		Credentials:    testCreds,
		RequestTimeout: 2 * time.Second,
		MaxRetries:     2,
		RetryDelay:     time.Millisecond,
		RetryStrategy:  RetryFixed,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func fetchErr(t *testing.T, err error) *FetchError {
	t.Helper()
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FetchError, got %T: %v", err, err)
	}
	return fe
}

func TestFetch_Success(t *testing.T) {
	u := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		wantPath := "/storage/afs/data/v1/volume/" + testVolume.VolumeID + "/dir_quotas"
		if r.URL.Path != wantPath {
			t.Errorf("path: got %q, want %q", r.URL.Path, wantPath)
		}
		if got, want := r.URL.RawQuery, "volume_id="+testVolume.VolumeID+"&zone=cn-sh-01a"; got != want {
			t.Errorf("query: got %q, want %q", got, want)
		}
		if !strings.HasPrefix(r.Header.Get("Authorization"), `hmac accesskey="AKTEST",algorithm="hmac-sha256"`) {
			t.Errorf("Authorization: got %q", r.Header.Get("Authorization"))
		}
		if r.Header.Get("X-Date") == "" {
			t.Error("X-Date header missing")
		}
		fmt.Fprint(w, okPayload)
	})

	recs, err := newClient(t, u.srv.URL, nil).FetchDirectoryQuotas(context.Background(), testVolume, 0)
	if err != nil {
		t.Fatalf("FetchDirectoryQuotas: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("records: got %d, want 2", len(recs))
	}

	a, b := recs[0], recs[1]
	if a.DirPath != "/data/a" || a.CapacityUsedBytes != 2048 || a.CapacityQuotaBytes != 0 || a.State != types.StateActive {
		t.Errorf("record a: got %+v", a)
	}
	if b.FileQuantityUsed != 7 || b.FileQuantityQuota != 0 || b.CapacityQuotaBytes != 1<<40 || b.State != types.StateFrozen {
		t.Errorf("record b: got %+v", b)
	}
	if a.Zone != testVolume.Zone || a.VolumeID != testVolume.VolumeID {
		t.Errorf("record identity: got %s/%s", a.VolumeID, a.Zone)
	}
}

func TestFetch_SignatureVerifiesServerSide(t *testing.T) {
	verifier, err := signer.New()
	if err != nil {
		t.Fatal(err)
	}
	u := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		ts, err := http.ParseTime(r.Header.Get("X-Date"))
		if err != nil {
			t.Errorf("X-Date: %v", err)
		}
		want := verifier.Sign(r.Method, r.URL.Path, r.URL.Query(), nil, ts, testCreds).Get("Authorization")
		if got := r.Header.Get("Authorization"); got != want {
			w.WriteHeader(http.StatusUnauthorized)
			t.Errorf("signature mismatch:\n got %s\nwant %s", got, want)
			return
		}
		fmt.Fprint(w, `{"dir_quota_list": []}`)
	})

	recs, err := newClient(t, u.srv.URL, nil).FetchDirectoryQuotas(context.Background(), testVolume, 0)
	if err != nil {
		t.Fatalf("FetchDirectoryQuotas: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("records: got %d, want 0", len(recs))
	}
}

func TestFetch_MalformedVolumeIDMakesNoRequest(t *testing.T) {
	u := newUpstream(t, status(http.StatusOK, okPayload))
	c := newClient(t, u.srv.URL, nil)

	bad := []types.VolumeRef{
		{VolumeID: testVolume.VolumeID + "&zone=cn-sh-01a", Zone: "cn-sh-01a"},
		{VolumeID: "0b2f7c1e=5d9a-4c3e-8f21-7a6b5c4d3e2f", Zone: "cn-sh-01a"},
		{VolumeID: "not-a-uuid", Zone: "cn-sh-01a"},
	}
	for _, vol := range bad {
		_, err := c.FetchDirectoryQuotas(context.Background(), vol, 0)
		fe := fetchErr(t, err)
		if fe.Kind != types.ErrorKindMalformedVolumeID {
			t.Errorf("%q: kind got %q, want malformed_volume_id", vol.VolumeID, fe.Kind)
		}
		if fe.Attempts != 0 {
			t.Errorf("%q: attempts got %d, want 0", vol.VolumeID, fe.Attempts)
		}
	}
	if n := u.hits.Load(); n != 0 {
		t.Errorf("upstream hits: got %d, want 0", n)
	}
}

func TestFetch_RetriesTransientThenSucceeds(t *testing.T) {
	u := newUpstream(t,
		status(http.StatusBadGateway, "bad gateway"),
		status(http.StatusServiceUnavailable, "unavailable"),
		status(http.StatusOK, okPayload),
	)
	recs, err := newClient(t, u.srv.URL, nil).FetchDirectoryQuotas(context.Background(), testVolume, 0)
	if err != nil {
		t.Fatalf("FetchDirectoryQuotas: %v", err)
	}
	if len(recs) != 2 {
		t.Errorf("records: got %d, want 2", len(recs))
	}
	if n := u.hits.Load(); n != 3 {
		t.Errorf("attempts: got %d, want 3", n)
	}
}

func TestFetch_RetriesExhausted(t *testing.T) {
	u := newUpstream(t, status(http.StatusInternalServerError, "boom"))
	_, err := newClient(t, u.srv.URL, func(c *Config) { c.MaxRetries = 3 }).
		FetchDirectoryQuotas(context.Background(), testVolume, 0)

	fe := fetchErr(t, err)
	if fe.Kind != types.ErrorKindUpstreamServerError {
		t.Errorf("kind: got %q", fe.Kind)
	}
	if fe.Attempts != 4 || u.hits.Load() != 4 {
		t.Errorf("attempts: got %d (hits %d), want 4", fe.Attempts, u.hits.Load())
	}
	if fe.StatusCode != http.StatusInternalServerError {
		t.Errorf("status: got %d", fe.StatusCode)
	}
}

func TestFetch_TerminalStatusesNotRetried(t *testing.T) {
	tests := []struct {
		code int
		want types.ErrorKind
	}{
		{http.StatusUnauthorized, types.ErrorKindAuthFailure},
		{http.StatusForbidden, types.ErrorKindAuthFailure},
		{http.StatusNotFound, types.ErrorKindNotFound},
		{http.StatusBadRequest, types.ErrorKindUpstreamClientError},
		{http.StatusConflict, types.ErrorKindUpstreamClientError},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			u := newUpstream(t, status(tt.code, `{"message":"nope"}`))
			_, err := newClient(t, u.srv.URL, nil).FetchDirectoryQuotas(context.Background(), testVolume, 0)
			fe := fetchErr(t, err)
			if fe.Kind != tt.want {
				t.Errorf("kind: got %q, want %q", fe.Kind, tt.want)
			}
			if u.hits.Load() != 1 {
				t.Errorf("hits: got %d, want 1", u.hits.Load())
			}
			if strings.Contains(err.Error(), testCreds.SecretKey) {
				t.Error("error message leaks the secret key")
			}
		})
	}
}

func TestFetch_RateLimitedHonoursRetryAfter(t *testing.T) {
	u := newUpstream(t,
		func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
		},
		status(http.StatusOK, okPayload),
	)
	if _, err := newClient(t, u.srv.URL, nil).FetchDirectoryQuotas(context.Background(), testVolume, 0); err != nil {
		t.Fatalf("FetchDirectoryQuotas: %v", err)
	}
	if u.hits.Load() != 2 {
		t.Errorf("hits: got %d, want 2", u.hits.Load())
	}
}

func TestFetch_MalformedResponse(t *testing.T) {
	bodies := map[string]string{
		"not json":        `<html>`,
		"array":           `[]`,
		"missing list":    `{"items": []}`,
		"missing field":   `{"dir_quota_list": [{"dir_path": "/a", "state": 1}]}`,
		"negative number": `{"dir_quota_list": [{"dir_path": "/a", "file_quantity_quota": -1, "file_quantity_used_quota": 0, "capacity_quota": 0, "capacity_used_quota": 0, "state": 1}]}`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			u := newUpstream(t, status(http.StatusOK, body))
			_, err := newClient(t, u.srv.URL, nil).FetchDirectoryQuotas(context.Background(), testVolume, 0)
			if fe := fetchErr(t, err); fe.Kind != types.ErrorKindMalformedResponse {
				t.Errorf("kind: got %q, want malformed_response", fe.Kind)
			}
			if u.hits.Load() != 1 {
				t.Errorf("hits: got %d, want 1", u.hits.Load())
			}
		})
	}
}

func TestFetch_ResponseSizeLimit(t *testing.T) {
	u := newUpstream(t, status(http.StatusOK, okPayload))
	_, err := newClient(t, u.srv.URL, func(c *Config) { c.MaxResponseBytes = 16 }).
		FetchDirectoryQuotas(context.Background(), testVolume, 0)
	if fe := fetchErr(t, err); fe.Kind != types.ErrorKindMalformedResponse {
		t.Errorf("kind: got %q, want malformed_response", fe.Kind)
	}
}

func TestFetch_AttemptTimeout(t *testing.T) {
	u := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	start := time.Now()
	_, err := newClient(t, u.srv.URL, func(c *Config) { c.MaxRetries = 1 }).
		FetchDirectoryQuotas(context.Background(), testVolume, 30*time.Millisecond)

	fe := fetchErr(t, err)
	if fe.Kind != types.ErrorKindTimeout {
		t.Errorf("kind: got %q, want timeout", fe.Kind)
	}
	if fe.Attempts != 2 {
		t.Errorf("attempts: got %d, want 2", fe.Attempts)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("took %v, per-attempt timeout not applied", elapsed)
	}
}

func TestFetch_NetworkUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newClient(t, url, func(c *Config) { c.MaxRetries = 0 }).
		FetchDirectoryQuotas(context.Background(), testVolume, 0)
	if fe := fetchErr(t, err); fe.Kind != types.ErrorKindNetworkUnreachable {
		t.Errorf("kind: got %q, want network_unreachable", fe.Kind)
	}
}

func TestFetch_CancelDuringBackoff(t *testing.T) {
	u := newUpstream(t, status(http.StatusServiceUnavailable, ""))
	c := newClient(t, u.srv.URL, func(c *Config) { c.RetryDelay = time.Hour })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.FetchDirectoryQuotas(ctx, testVolume, 0)
	if fe := fetchErr(t, err); fe.Kind != types.ErrorKindUpstreamServerError || fe.Attempts != 1 {
		t.Errorf("got kind %q after %d attempts, want upstream_server_error after 1", fe.Kind, fe.Attempts)
	}
	if time.Since(start) > time.Second {
		t.Error("backoff wait ignored context cancellation")
	}
}

func TestFetch_CircuitBreakerOpens(t *testing.T) {
	u := newUpstream(t, status(http.StatusInternalServerError, ""))
	c := newClient(t, u.srv.URL, func(c *Config) {
		c.MaxRetries = 0
		c.Breaker = BreakerConfig{FailureThreshold: 2, RecoveryTimeout: time.Minute}
	})

	for i := 0; i < 2; i++ {
		_, err := c.FetchDirectoryQuotas(context.Background(), testVolume, 0)
		if fe := fetchErr(t, err); fe.Kind != types.ErrorKindUpstreamServerError {
			t.Fatalf("call %d: kind %q", i, fe.Kind)
		}
	}
	_, err := c.FetchDirectoryQuotas(context.Background(), testVolume, 0)
	if fe := fetchErr(t, err); fe.Kind != types.ErrorKindCircuitOpen {
		t.Errorf("third call: kind %q, want circuit_open", fe.Kind)
	}
	if u.hits.Load() != 2 {
		t.Errorf("hits: got %d, want 2", u.hits.Load())
	}
}

func TestFetch_CircuitBreakerIgnoresTerminalErrors(t *testing.T) {
	u := newUpstream(t, status(http.StatusNotFound, ""))
	c := newClient(t, u.srv.URL, func(c *Config) {
		c.Breaker = BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Minute}
	})
	for i := 0; i < 3; i++ {
		_, err := c.FetchDirectoryQuotas(context.Background(), testVolume, 0)
		if fe := fetchErr(t, err); fe.Kind != types.ErrorKindNotFound {
			t.Fatalf("call %d: kind %q, want not_found", i, fe.Kind)
		}
	}
}

func TestNew_Validation(t *testing.T) {
	bad := []Config{
		{BaseURL: "ftp://x", Credentials: testCreds},
		{BaseURL: "http://", Credentials: testCreds},
		{BaseURL: "http://x"},
		{BaseURL: "http://x", Credentials: testCreds, RetryStrategy: "random"},
		{BaseURL: "http://x", Credentials: testCreds, SignedHeaders: []string{"host"}},
	}
	for i, cfg := range bad {
		if _, err := New(cfg); err == nil {
			t.Errorf("config %d: expected error, got nil", i)
		}
	}
}

func TestBackOffPolicies(t *testing.T) {
	c := &Client{cfg: Config{RetryDelay: 10 * time.Millisecond, RetryStrategy: RetryLinear}}
	b := c.newBackOff()
	for i, want := range []time.Duration{10, 20, 30} {
		if got := b.NextBackOff(); got != want*time.Millisecond {
			t.Errorf("linear step %d: got %v, want %v", i, got, want*time.Millisecond)
		}
	}

	c.cfg.RetryStrategy = RetryFixed
	b = c.newBackOff()
	for i := 0; i < 3; i++ {
		if got := b.NextBackOff(); got != 10*time.Millisecond {
			t.Errorf("fixed step %d: got %v", i, got)
		}
	}

	c.cfg.RetryStrategy = RetryExponential
	b = c.newBackOff()
	if got := b.NextBackOff(); got <= 0 || got > 16*time.Millisecond {
		t.Errorf("exponential first step: got %v", got)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := map[string]time.Duration{
		"":                              0,
		"5":                             5 * time.Second,
		"-1":                            0,
		"Wed, 01 Jan 2025 00:00:30 GMT": 30 * time.Second,
		"garbage":                       0,
	}
	for in, want := range tests {
		if got := parseRetryAfter(in, now); got != want {
			t.Errorf("parseRetryAfter(%q): got %v, want %v", in, got, want)
		}
	}
}
