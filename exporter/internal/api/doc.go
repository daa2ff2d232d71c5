// Package api serves the exporter's HTTP surface.
//
// New returns a chi router that serves:
//
//	GET /metrics       the cached snapshot in text exposition format
//	GET /health/live   200 while the process is up
//	GET /health/ready  200 once a collection round has produced data, else 503
//
// HEAD is accepted wherever GET is. Other methods get a JSON 405, unknown
// paths a JSON 404.
//
// /metrics answers 503 with a plain-text diagnostic when no volume has
// current or stale data, unless the failure status is configured as 200, in
// which case the full exposition (all volumes failed) is served.
package api
