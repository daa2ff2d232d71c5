package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/world-sim-dev/afs-metrics-collector/exporter/internal/selfmetrics"
	"github.com/world-sim-dev/afs-metrics-collector/pkg/types"
)

const flightKey = "snapshot"

// ErrNoSnapshot is returned when a refresh fails before any snapshot exists.
var ErrNoSnapshot = errors.New("cache: no snapshot available")

// RefreshFunc runs one collection round.
type RefreshFunc func(ctx context.Context) (*types.Snapshot, error)

// Entry is a stored snapshot with its expiry.
type Entry struct {
	Snapshot  *types.Snapshot
	StoredAt  time.Time
	ExpiresAt time.Time
}

// Result is what a caller of GetOrRefresh receives.
type Result struct {
	Snapshot *types.Snapshot
	// Hit is true when the snapshot was fresh and no refresh ran for this call.
	Hit bool
	// Age is the time since the snapshot was stored.
	Age time.Duration
	// Stale is true when a refresh failed and the previous snapshot was served.
	Stale bool
}

// Cache is a single-slot, single-flight snapshot cache.
type Cache struct {
	mu    sync.RWMutex
	entry *Entry

	ttl     time.Duration
	now     func() time.Time // injectable for deterministic tests
	group   singleflight.Group
	ready   atomic.Bool
	logger  *slog.Logger
	metrics *selfmetrics.Metrics
}

// Option customises a Cache.
type Option func(*Cache)

func WithClock(now func() time.Time) Option { return func(c *Cache) { c.now = now } }

func WithLogger(l *slog.Logger) Option { return func(c *Cache) { c.logger = l } }

func WithMetrics(m *selfmetrics.Metrics) Option { return func(c *Cache) { c.metrics = m } }

// New creates an empty Cache. A ttl of zero refreshes on every call while
// still collapsing concurrent callers.
func New(ttl time.Duration, opts ...Option) *Cache {
	c := &Cache{ttl: ttl, now: time.Now, logger: slog.Default()}
	for _, o := range opts {
		o(c)
	}
	c.logger = c.logger.With("component", "cache")
	return c
}

// TTL returns the configured time to live.
func (c *Cache) TTL() time.Duration { return c.ttl }

// Ready reports whether a snapshot with at least one Ok volume has been stored.
func (c *Cache) Ready() bool { return c.ready.Load() }

// Peek returns the current entry without refreshing, or nil.
func (c *Cache) Peek() *Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entry
}

// GetOrRefresh returns a fresh cached snapshot or waits for a refresh. The
// refresh itself is not bound to ctx: a caller giving up does not cancel a
// collection other callers are waiting on.
func (c *Cache) GetOrRefresh(ctx context.Context, refresh RefreshFunc) (Result, error) {
	if res, ok := c.fresh(); ok {
		c.metrics.CacheHit()
		return res, nil
	}
	c.metrics.CacheMiss()

	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(flightKey, func() (interface{}, error) {
		return c.refresh(detached, refresh)
	})

	select {
	case <-ctx.Done():
		return Result{}, fmt.Errorf("cache: waiting for refresh: %w", ctx.Err())
	case r := <-ch:
		if r.Err != nil {
			return Result{}, r.Err
		}
		return r.Val.(Result), nil
	}
}

// fresh returns the current entry as a hit if it has not expired.
func (c *Cache) fresh() (Result, bool) {
	c.mu.RLock()
	e := c.entry
	c.mu.RUnlock()

	now := c.now()
	if e == nil || !now.Before(e.ExpiresAt) {
		return Result{}, false
	}
	return Result{Snapshot: e.Snapshot, Hit: true, Age: now.Sub(e.StoredAt)}, true
}

// refresh runs inside the single flight.
func (c *Cache) refresh(ctx context.Context, fn RefreshFunc) (Result, error) {
	// A flight that finished just before this one started may have stored a
	// fresh entry already.
	if res, ok := c.fresh(); ok {
		return res, nil
	}

	snap, err := safeRefresh(ctx, fn)
	if err == nil && snap == nil {
		err = errors.New("refresh returned no snapshot")
	}
	now := c.now()

	if err != nil {
		prev := c.Peek()
		if prev == nil {
			c.logger.Error("refresh failed with nothing cached", "err", err)
			return Result{}, fmt.Errorf("%w: %v", ErrNoSnapshot, err)
		}
		c.logger.Warn("refresh failed, serving previous snapshot",
			"err", err,
			"snapshot_id", prev.Snapshot.ID,
			"age", now.Sub(prev.StoredAt),
		)
		c.metrics.CacheStale()
		return Result{Snapshot: prev.Snapshot, Age: now.Sub(prev.StoredAt), Stale: true}, nil
	}

	e := &Entry{Snapshot: snap, StoredAt: now, ExpiresAt: now}
	if snap.AnyOK() {
		e.ExpiresAt = now.Add(c.ttl)
		c.ready.Store(true)
	} else {
		c.logger.Warn("collection failed for every volume, next request will retry",
			"snapshot_id", snap.ID, "volumes", len(snap.Outcomes))
	}

	c.mu.Lock()
	c.entry = e
	c.mu.Unlock()

	return Result{Snapshot: snap}, nil
}

// safeRefresh turns a panic in fn into an error; singleflight.DoChan would
// otherwise crash the process.
func safeRefresh(ctx context.Context, fn RefreshFunc) (snap *types.Snapshot, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("refresh panicked: %v", r)
		}
	}()
	return fn(ctx)
}
