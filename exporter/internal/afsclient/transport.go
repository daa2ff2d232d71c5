package afsclient

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/world-sim-dev/afs-metrics-collector/exporter/internal/signer"
)

// signingRoundTripper signs every outgoing request at send time, so each
// retry carries a fresh X-Date.
type signingRoundTripper struct {
	base   http.RoundTripper
	signer *signer.Signer
	creds  signer.Credentials
	now    func() time.Time
}

func (t *signingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil && req.Body != http.NoBody {
		if req.GetBody == nil {
			return nil, fmt.Errorf("afsclient: cannot sign a request body that cannot be replayed")
		}
		rc, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("afsclient: read body for signing: %w", err)
		}
		body, err = io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("afsclient: read body for signing: %w", err)
		}
	}

	req = req.Clone(req.Context())
	if body != nil {
		req.Body = io.NopCloser(bytes.NewReader(body))
	}
	signed := t.signer.Sign(req.Method, req.URL.Path, req.URL.Query(), body, t.now(), t.creds)
	for k, v := range signed {
		req.Header[k] = v
	}
	return t.base.RoundTrip(req)
}

// defaultTransport is used when no base RoundTripper is supplied.
func defaultTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          32,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}

// buildHTTPClient wraps base with request signing. Per-attempt deadlines come
// from the request context; the client has no Timeout of its own. Redirects are
// not followed and surface as upstream_client_error.
func buildHTTPClient(base http.RoundTripper, s *signer.Signer, creds signer.Credentials, now func() time.Time) *http.Client {
	if base == nil {
		base = defaultTransport()
	}
	return &http.Client{
		Transport: &signingRoundTripper{base: base, signer: s, creds: creds, now: now},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
