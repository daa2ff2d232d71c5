package afsclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/world-sim-dev/afs-metrics-collector/pkg/types"
)

// FetchError describes why a volume could not be fetched.
type FetchError struct {
	Kind       types.ErrorKind
	Volume     types.VolumeRef
	StatusCode int
	Attempts   int
	RetryAfter time.Duration
	Err        error
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("afsclient: volume %s: %s", e.Volume, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() error { return e.Err }

func (e *FetchError) ErrorKind() types.ErrorKind { return e.Kind }

// AttemptCount is the number of requests sent before giving up.
func (e *FetchError) AttemptCount() int { return e.Attempts }

// Retryable reports whether another attempt may succeed.
func (e *FetchError) Retryable() bool { return e.Kind.Retryable() }

// classifyTransport maps an error from http.Client.Do. ctx is the attempt
// context, whose deadline distinguishes a timeout from a refused connection.
func classifyTransport(ctx context.Context, err error) types.ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return types.ErrorKindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return types.ErrorKindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return types.ErrorKindTimeout
	}
	return types.ErrorKindNetworkUnreachable
}

// classifyStatus maps a non-2xx HTTP status.
func classifyStatus(code int) types.ErrorKind {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return types.ErrorKindAuthFailure
	case code == http.StatusNotFound:
		return types.ErrorKindNotFound
	case code == http.StatusTooManyRequests:
		return types.ErrorKindRateLimited
	case code == http.StatusRequestTimeout:
		return types.ErrorKindTimeout
	case code >= 500:
		return types.ErrorKindUpstreamServerError
	default:
		return types.ErrorKindUpstreamClientError
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
