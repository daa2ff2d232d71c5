// Package afsclient fetches directory quota records for one (volume, zone) pair
// from the AFS storage API.
//
// Request shape:
//
//	GET {base_url}/storage/afs/data/v1/volume/{volume_id}/dir_quotas?volume_id={id}&zone={zone}
//
// The volume id is validated before any I/O and only ever occupies its own path
// segment; the zone always travels as a query parameter. Requests are signed by
// signingRoundTripper (transport.go) using package signer.
//
// Each call runs a bounded retry state machine:
//
//	Attempting(n) -> Success
//	              -> Retryable -> wait(backoff) -> Attempting(n+1)   while n <= max_retries
//	              -> Terminal
//
// Timeouts, network failures, 5xx and 429 responses are retryable. Auth
// failures, 404, other 4xx, malformed payloads and malformed volume ids fail
// immediately. Every failure is returned as a *FetchError carrying its
// types.ErrorKind.
//
// A per-volume circuit breaker (sony/gobreaker) wraps the whole retry loop and
// rejects calls with ErrorKind circuit_open while a volume keeps failing.
package afsclient
