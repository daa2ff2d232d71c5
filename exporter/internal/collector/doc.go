// Package collector runs one collection round: it fans out a fetch per
// configured volume, waits for all of them or for the collection deadline,
// and assembles the results into an immutable types.Snapshot.
//
// Volumes are isolated from each other. A failing or slow volume becomes a
// Failed outcome and never aborts the round. Volumes still running when the
// deadline passes are recorded as Failed/timeout; their late results are
// discarded.
//
// With a positive stale TTL, the last successful records of every volume are
// kept in an expiring LRU and attached as StaleData to later failures.
package collector
