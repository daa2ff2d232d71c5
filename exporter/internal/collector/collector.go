package collector

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"

	"github.com/world-sim-dev/afs-metrics-collector/exporter/internal/selfmetrics"
	"github.com/world-sim-dev/afs-metrics-collector/pkg/types"
)

// DefaultTimeout is the collection-level deadline used when none is given.
const DefaultTimeout = 25 * time.Second

// Fetcher fetches the records of one volume. *afsclient.Client implements it.
type Fetcher interface {
	FetchDirectoryQuotas(ctx context.Context, vol types.VolumeRef, timeout time.Duration) ([]types.DirectoryQuota, error)
}

// Options configures a Collector.
type Options struct {
	// Timeout is the collection-level deadline for Refresh.
	Timeout time.Duration
	// RequestTimeout bounds each upstream attempt; zero uses the fetcher default.
	RequestTimeout time.Duration
	// MaxConcurrency caps concurrent fetches; zero runs one task per volume.
	MaxConcurrency int
	// StaleTTL keeps last good records per volume for this long; zero disables.
	StaleTTL time.Duration

	Logger  *slog.Logger
	Metrics *selfmetrics.Metrics
	Now     func() time.Time
}

type lastGood struct {
	records     []types.DirectoryQuota
	collectedAt time.Time
}

// Collector orchestrates collection rounds over a fixed volume set.
type Collector struct {
	fetcher Fetcher
	volumes []types.VolumeRef
	opts    Options
	logger  *slog.Logger
	now     func() time.Time

	lastGood *expirable.LRU[types.VolumeRef, lastGood]
}

// New returns a Collector for volumes. The slice is copied.
func New(f Fetcher, volumes []types.VolumeRef, opts Options) *Collector {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	c := &Collector{
		fetcher: f,
		volumes: append([]types.VolumeRef(nil), volumes...),
		opts:    opts,
		logger:  opts.Logger,
		now:     opts.Now,
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "collector")
	if c.now == nil {
		c.now = time.Now
	}
	if opts.StaleTTL > 0 && len(volumes) > 0 {
		c.lastGood = expirable.NewLRU[types.VolumeRef, lastGood](len(volumes), nil, opts.StaleTTL)
	}
	return c
}

// Volumes returns a copy of the configured volume set.
func (c *Collector) Volumes() []types.VolumeRef {
	return append([]types.VolumeRef(nil), c.volumes...)
}

// Refresh collects the configured volumes under the configured deadline. It
// matches cache.RefreshFunc and never returns an error for volume failures.
func (c *Collector) Refresh(ctx context.Context) (*types.Snapshot, error) {
	return c.Collect(ctx, c.volumes, c.opts.Timeout), nil
}

// Collect fetches every volume concurrently and returns once all are done or
// timeout has elapsed, whichever comes first.
func (c *Collector) Collect(ctx context.Context, volumes []types.VolumeRef, timeout time.Duration) *types.Snapshot {
	start := c.now()
	id := uuid.NewString()
	log := c.logger.With("round_id", id)

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	table := newResultTable(len(volumes))
	done := make(chan struct{})

	go func() {
		defer close(done)
		var g errgroup.Group
		if c.opts.MaxConcurrency > 0 {
			g.SetLimit(c.opts.MaxConcurrency)
		}
		for i, vol := range volumes {
			if cctx.Err() != nil {
				break
			}
			g.Go(func() error {
				table.set(i, c.collectOne(cctx, vol))
				return nil
			})
		}
		g.Wait() //nolint:errcheck // tasks never return errors
	}()

	select {
	case <-done:
	case <-cctx.Done():
		log.Warn("collection deadline reached, sealing partial results", "timeout", timeout)
	}

	outcomes := table.seal()
	for i := range outcomes {
		if outcomes[i].Volume == (types.VolumeRef{}) {
			outcomes[i] = types.VolumeOutcome{
				Volume:    volumes[i],
				Status:    types.StatusFailed,
				ErrorKind: types.ErrorKindTimeout,
				Latency:   c.now().Sub(start),
			}
			c.attachStale(&outcomes[i])
		}
	}

	snap := &types.Snapshot{
		ID:          id,
		Outcomes:    outcomes,
		CollectedAt: start,
		Duration:    c.now().Sub(start),
	}
	c.opts.Metrics.ObserveCollection(snap)
	log.Info("collection round finished",
		"volumes", len(outcomes),
		"ok", snap.Successful(),
		"failed", snap.Failed(),
		"records", snap.RecordCount(),
		"duration", snap.Duration,
	)
	return snap
}

// collectOne fetches a single volume and builds its outcome.
func (c *Collector) collectOne(ctx context.Context, vol types.VolumeRef) types.VolumeOutcome {
	start := c.now()
	recs, err := c.fetcher.FetchDirectoryQuotas(ctx, vol, c.opts.RequestTimeout)
	out := types.VolumeOutcome{Volume: vol, Latency: c.now().Sub(start)}

	if err == nil {
		out.Status = types.StatusOK
		out.Records = recs
		if c.lastGood != nil {
			c.lastGood.Add(vol, lastGood{records: recs, collectedAt: start})
		}
		return out
	}

	out.Status = types.StatusFailed
	out.ErrorKind = types.KindOf(err)
	out.Attempts = attemptsOf(err)
	c.attachStale(&out)
	c.logger.Warn("volume collection failed",
		"volume_id", vol.VolumeID,
		"zone", vol.Zone,
		"error_kind", out.ErrorKind,
		"attempts", out.Attempts,
		"stale", out.Stale != nil,
		"err", err,
	)
	return out
}

func (c *Collector) attachStale(out *types.VolumeOutcome) {
	if c.lastGood == nil {
		return
	}
	if lg, ok := c.lastGood.Get(out.Volume); ok {
		out.Stale = &types.StaleData{Records: lg.records, CollectedAt: lg.collectedAt}
	}
}

// attemptsOf reads the attempt count from errors that carry one.
func attemptsOf(err error) int {
	var a interface{ AttemptCount() int }
	if errors.As(err, &a) {
		return a.AttemptCount()
	}
	return 1
}

// resultTable collects outcomes by volume index. After seal, writes from
// tasks that outlived the deadline are dropped.
type resultTable struct {
	mu     sync.Mutex
	rows   []types.VolumeOutcome
	sealed bool
}

func newResultTable(n int) *resultTable {
	return &resultTable{rows: make([]types.VolumeOutcome, n)}
}

func (t *resultTable) set(i int, out types.VolumeOutcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sealed {
		return
	}
	t.rows[i] = out
}

// seal stops further writes and returns the rows. Unfilled rows have a zero
// Volume.
func (t *resultTable) seal() []types.VolumeOutcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sealed = true
	return t.rows
}
