// Package cache holds the most recent collection Snapshot in a single slot and
// collapses concurrent refreshes into one collection round.
//
// GetOrRefresh returns the cached snapshot while it is fresh. Once it expires,
// the first caller starts a refresh through singleflight; callers arriving
// while it runs wait for the same result and receive the same *Snapshot.
//
// Expiry rules:
//   - snapshot with at least one Ok volume: expires after the configured TTL
//   - snapshot where every volume failed: stored and served, but already
//     expired, so the next request tries again
//   - refresh returned an error or panicked: the previous snapshot is served
//     with Stale set; with no previous snapshot the error is returned
//
// The slot only ever holds complete snapshots, so readers never observe a
// half-built collection.
package cache
