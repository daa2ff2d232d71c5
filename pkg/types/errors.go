package types

import (
	"context"
	"errors"
)

// ErrorKind classifies why a volume could not be collected.
type ErrorKind string

const (
	ErrorKindNone                ErrorKind = ""
	ErrorKindTimeout             ErrorKind = "timeout"
	ErrorKindNetworkUnreachable  ErrorKind = "network_unreachable"
	ErrorKindAuthFailure         ErrorKind = "auth_failure"
	ErrorKindNotFound            ErrorKind = "not_found"
	ErrorKindMalformedVolumeID   ErrorKind = "malformed_volume_id"
	ErrorKindUpstreamServerError ErrorKind = "upstream_server_error"
	ErrorKindUpstreamClientError ErrorKind = "upstream_client_error"
	ErrorKindRateLimited         ErrorKind = "rate_limited"
	ErrorKindMalformedResponse   ErrorKind = "malformed_response"
	ErrorKindCircuitOpen         ErrorKind = "circuit_open"
	ErrorKindUnknown             ErrorKind = "unknown"
)

// Retryable reports whether a failure of this kind is worth another attempt.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrorKindTimeout, ErrorKindNetworkUnreachable, ErrorKindUpstreamServerError, ErrorKindRateLimited:
		return true
	}
	return false
}

// KindOf extracts the ErrorKind from err. Errors that do not carry a kind are
// classified as Timeout when caused by a context deadline and Unknown otherwise.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ErrorKindNone
	}
	var k interface{ ErrorKind() ErrorKind }
	if errors.As(err, &k) {
		return k.ErrorKind()
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorKindTimeout
	}
	return ErrorKindUnknown
}
