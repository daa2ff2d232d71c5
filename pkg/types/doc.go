// Package types defines the shared data model of the exporter: the configured
// volume set, the directory quota records reported by the upstream storage API,
// per-volume collection outcomes, and the immutable Snapshot produced by one
// collection round.
//
// Values of these types are built once and then only read. A Snapshot is shared
// by the cache, the HTTP handlers and the encoder without locking, so nothing
// may mutate it (or the records it references) after construction.
package types
