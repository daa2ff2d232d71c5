package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"
)

// Header names that may appear in the signed set.
const (
	HeaderDate        = "x-date"
	HeaderRequestLine = "request-line"
	HeaderDigest      = "digest"

	Algorithm = "hmac-sha256"
)

// DefaultHeaders is the signed header set used when none is configured.
var DefaultHeaders = []string{HeaderDate, HeaderRequestLine}

// Credentials is an access key / secret key pair.
type Credentials struct {
	AccessKey string
	SecretKey string
}

func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{AccessKey:%s SecretKey:[REDACTED]}", c.AccessKey)
}

func (c Credentials) GoString() string { return c.String() }

// LogValue keeps the secret out of structured logs.
func (c Credentials) LogValue() slog.Value {
	return slog.GroupValue(slog.String("access_key", c.AccessKey))
}

// Signer signs requests over a fixed set of header names.
type Signer struct {
	headers []string
}

// New returns a Signer for the given header names. x-date is always signed
// and placed first; an empty list selects DefaultHeaders.
func New(headers ...string) (*Signer, error) {
	if len(headers) == 0 {
		headers = DefaultHeaders
	}
	out := []string{HeaderDate}
	seen := map[string]bool{HeaderDate: true}
	for _, h := range headers {
		h = strings.ToLower(strings.TrimSpace(h))
		switch h {
		case HeaderDate, HeaderRequestLine, HeaderDigest:
		default:
			return nil, fmt.Errorf("signer: unsupported signed header %q", h)
		}
		if !seen[h] {
			seen[h] = true
			out = append(out, h)
		}
	}
	return &Signer{headers: out}, nil
}

// Headers returns the configured signed header names.
func (s *Signer) Headers() []string { return append([]string(nil), s.headers...) }

// Sign returns the headers that authenticate the described request at ts.
func (s *Signer) Sign(method, p string, query url.Values, body []byte, ts time.Time, creds Credentials) http.Header {
	names := s.namesFor(body)
	canonical := s.canonical(names, method, p, query, body, ts)

	mac := hmac.New(sha256.New, []byte(creds.SecretKey))
	mac.Write([]byte(canonical))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	h := make(http.Header, 3)
	h.Set("X-Date", FormatDate(ts))
	if len(body) > 0 {
		h.Set("Digest", digest(body))
	}
	h.Set("Authorization", fmt.Sprintf(`hmac accesskey="%s",algorithm="%s",headers="%s",signature="%s"`,
		creds.AccessKey, Algorithm, strings.Join(names, " "), sig))
	return h
}

// CanonicalString returns the string that Sign would feed to the HMAC.
func (s *Signer) CanonicalString(method, p string, query url.Values, body []byte, ts time.Time) string {
	return s.canonical(s.namesFor(body), method, p, query, body, ts)
}

func (s *Signer) namesFor(body []byte) []string {
	names := s.headers
	if len(body) > 0 && !contains(names, HeaderDigest) {
		names = append(append([]string(nil), names...), HeaderDigest)
	}
	return names
}

func (s *Signer) canonical(names []string, method, p string, query url.Values, body []byte, ts time.Time) string {
	var b strings.Builder
	for i, name := range names {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(name)
		b.WriteString(": ")
		switch name {
		case HeaderDate:
			b.WriteString(FormatDate(ts))
		case HeaderRequestLine:
			b.WriteString(RequestLine(method, p, query))
		case HeaderDigest:
			b.WriteString(digest(body))
		}
	}
	return b.String()
}

// FormatDate renders ts the way the gateway expects in X-Date.
func FormatDate(ts time.Time) string { return ts.UTC().Format(http.TimeFormat) }

// RequestLine builds "<METHOD> <path>[?<query>] HTTP/1.1" from a normalized
// path and the canonically encoded query.
func RequestLine(method, p string, query url.Values) string {
	target := NormalizePath(p)
	if q := EncodeQuery(query); q != "" {
		target += "?" + q
	}
	return strings.ToUpper(method) + " " + target + " HTTP/1.1"
}

// NormalizePath cleans an unescaped path and returns its escaped form.
func NormalizePath(p string) string {
	if p == "" {
		return "/"
	}
	cleaned := path.Clean("/" + p)
	return (&url.URL{Path: cleaned}).EscapedPath()
}

// EncodeQuery encodes q with keys sorted and, within a key, values sorted.
// The client sends exactly this encoding so the signed request line matches
// the one the gateway sees.
func EncodeQuery(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		vals := append([]string(nil), q[k]...)
		sort.Strings(vals)
		for _, v := range vals {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}

func digest(body []byte) string {
	sum := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
