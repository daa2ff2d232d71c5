// Package selfmetrics holds the exporter's own operational metrics: upstream
// call attempts and latency, retries, circuit breaker state, collection rounds,
// cache effectiveness, dropped series and HTTP traffic.
//
// Metrics live in a private prometheus.Registry rather than the global default
// one, so tests can build as many instances as they like. The registry's output
// is appended to the /metrics document after the quota families.
//
// Every method is safe to call on a nil *Metrics, which records nothing.
// Components accept a nil value when metrics are not wanted.
package selfmetrics
