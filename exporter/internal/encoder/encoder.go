package encoder

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/world-sim-dev/afs-metrics-collector/exporter/internal/selfmetrics"
	"github.com/world-sim-dev/afs-metrics-collector/pkg/types"
)

// ContentType is the media type of Render's output.
var ContentType = string(expfmt.NewFormat(expfmt.TypeTextPlain))

// Options carries scrape context that is not part of the snapshot.
type Options struct {
	CacheHit bool
	CacheAge time.Duration
	// Stale marks a snapshot served after a failed refresh.
	Stale bool

	// Gatherer families are appended after the snapshot families.
	Gatherer prometheus.Gatherer
	Metrics  *selfmetrics.Metrics
	Logger   *slog.Logger
	Now      func() time.Time
}

// row is one exported directory. labels is shared by every family.
type row struct {
	labels []*dto.LabelPair
	rec    *types.DirectoryQuota
}

// volume is one outcome with its exported rows.
type volume struct {
	out    *types.VolumeOutcome
	labels []*dto.LabelPair
	rows   []row
}

type dirFamily struct {
	name, help string
	value      func(*types.DirectoryQuota) (float64, bool)
}

var dirFamilies = []dirFamily{
	{
		name:  "afs_capacity_used_bytes",
		help:  "Capacity used by the directory in bytes.",
		value: func(r *types.DirectoryQuota) (float64, bool) { return float64(r.CapacityUsedBytes), true },
	},
	{
		name:  "afs_capacity_quota_bytes",
		help:  "Capacity quota of the directory in bytes. 0 means unlimited.",
		value: func(r *types.DirectoryQuota) (float64, bool) { return float64(r.CapacityQuotaBytes), true },
	},
	{
		name:  "afs_file_quantity_used",
		help:  "Number of files used in the directory.",
		value: func(r *types.DirectoryQuota) (float64, bool) { return float64(r.FileQuantityUsed), true },
	},
	{
		name:  "afs_file_quantity_quota",
		help:  "File count quota of the directory. 0 means unlimited.",
		value: func(r *types.DirectoryQuota) (float64, bool) { return float64(r.FileQuantityQuota), true },
	},
	{
		name:  "afs_directory_state",
		help:  "Directory quota state: 1 active, 0 frozen, -1 unknown.",
		value: func(r *types.DirectoryQuota) (float64, bool) { return r.State.Value(), true },
	},
	{
		name: "afs_capacity_utilization_percent",
		help: "Capacity used as a percentage of the quota. Absent for unlimited quotas.",
		value: func(r *types.DirectoryQuota) (float64, bool) {
			return percent(r.CapacityUsedBytes, r.CapacityQuotaBytes)
		},
	},
	{
		name: "afs_file_quantity_utilization_percent",
		help: "Files used as a percentage of the quota. Absent for unlimited quotas.",
		value: func(r *types.DirectoryQuota) (float64, bool) {
			return percent(r.FileQuantityUsed, r.FileQuantityQuota)
		},
	},
}

func percent(used, quota uint64) (float64, bool) {
	if quota == 0 {
		return 0, false
	}
	return float64(used) / float64(quota) * 100, true
}

// Render writes snap to w. snap is not modified.
func Render(w io.Writer, snap *types.Snapshot, opts Options) error {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	bw := bufio.NewWriterSize(w, 64<<10)
	e := &encoder{w: bw, opts: opts}

	vols, dropped := buildVolumes(snap)
	if dropped > 0 {
		opts.Logger.Warn("dropped duplicate series after label sanitizing", "series", dropped)
		opts.Metrics.AddDroppedSeries(dropped)
	}

	e.directoryFamilies(vols)
	e.volumeFamilies(vols)
	e.roundFamilies(snap)
	e.gathered()

	if e.err != nil {
		return e.err
	}
	return bw.Flush()
}

// buildVolumes sorts outcomes and records and removes rows whose sanitized
// labels collide. It returns the number of series dropped.
func buildVolumes(snap *types.Snapshot) ([]volume, int) {
	if snap == nil {
		return nil, 0
	}
	vols := make([]volume, 0, len(snap.Outcomes))
	for i := range snap.Outcomes {
		out := &snap.Outcomes[i]
		vols = append(vols, volume{
			out: out,
			labels: []*dto.LabelPair{
				label("volume_id", SanitizeLabelValue(out.Volume.VolumeID)),
				label("zone", SanitizeLabelValue(out.Volume.Zone)),
			},
		})
	}
	sort.SliceStable(vols, func(i, j int) bool {
		a, b := vols[i].out.Volume, vols[j].out.Volume
		if a.VolumeID != b.VolumeID {
			return a.VolumeID < b.VolumeID
		}
		return a.Zone < b.Zone
	})

	seen := make(map[[3]string]struct{}, snap.RecordCount())
	dropped := 0
	for vi := range vols {
		v := &vols[vi]
		recs := exported(v.out)
		if len(recs) == 0 {
			continue
		}
		v.rows = make([]row, 0, len(recs))
		for ri := range recs {
			rec := &recs[ri]
			path := SanitizeLabelValue(rec.DirPath)
			key := [3]string{v.labels[0].GetValue(), v.labels[1].GetValue(), path}
			if _, dup := seen[key]; dup {
				dropped += seriesPerRow(rec)
				continue
			}
			seen[key] = struct{}{}
			v.rows = append(v.rows, row{
				labels: []*dto.LabelPair{v.labels[0], v.labels[1], label("dir_path", path)},
				rec:    rec,
			})
		}
		sort.Slice(v.rows, func(i, j int) bool {
			return v.rows[i].labels[2].GetValue() < v.rows[j].labels[2].GetValue()
		})
	}
	return vols, dropped
}

// exported returns the records a volume contributes: current records when
// ok, last good records when failed with stale data.
func exported(out *types.VolumeOutcome) []types.DirectoryQuota {
	if out.OK() {
		return out.Records
	}
	if out.Stale != nil {
		return out.Stale.Records
	}
	return nil
}

func seriesPerRow(rec *types.DirectoryQuota) int {
	n := 0
	for _, f := range dirFamilies {
		if _, ok := f.value(rec); ok {
			n++
		}
	}
	return n
}

type encoder struct {
	w    *bufio.Writer
	opts Options
	err  error
}

// write emits one family. Empty families are skipped; after the first error
// nothing more is written.
func (e *encoder) write(name, help string, metrics []*dto.Metric) {
	if e.err != nil || len(metrics) == 0 {
		return
	}
	mf := &dto.MetricFamily{
		Name:   &name,
		Help:   &help,
		Type:   dto.MetricType_GAUGE.Enum(),
		Metric: metrics,
	}
	if _, err := expfmt.MetricFamilyToText(e.w, mf); err != nil {
		e.err = fmt.Errorf("encoder: write %s: %w", name, err)
	}
}

func (e *encoder) directoryFamilies(vols []volume) {
	n := 0
	for i := range vols {
		n += len(vols[i].rows)
	}
	for _, f := range dirFamilies {
		metrics := make([]*dto.Metric, 0, n)
		for vi := range vols {
			for _, r := range vols[vi].rows {
				if v, ok := f.value(r.rec); ok {
					metrics = append(metrics, gauge(r.labels, v))
				}
			}
		}
		e.write(f.name, f.help, metrics)
	}
}

func (e *encoder) volumeFamilies(vols []volume) {
	now := e.opts.Now()
	success := make([]*dto.Metric, 0, len(vols))
	duration := make([]*dto.Metric, 0, len(vols))
	dirs := make([]*dto.Metric, 0, len(vols))
	stale := make([]*dto.Metric, 0, len(vols))
	var errs, staleAge []*dto.Metric

	for i := range vols {
		v := &vols[i]
		ok := 0.0
		if v.out.OK() {
			ok = 1
		}
		success = append(success, gauge(v.labels, ok))
		duration = append(duration, gauge(v.labels, v.out.Latency.Seconds()))
		dirs = append(dirs, gauge(v.labels, float64(len(v.rows))))

		isStale := 0.0
		if !v.out.OK() {
			kind := v.out.ErrorKind
			if kind == types.ErrorKindNone {
				kind = types.ErrorKindUnknown
			}
			errs = append(errs, gauge(withLabel(v.labels, "error_kind", string(kind)), 1))
			if v.out.Stale != nil {
				isStale = 1
				staleAge = append(staleAge, gauge(v.labels, now.Sub(v.out.Stale.CollectedAt).Seconds()))
			}
		}
		stale = append(stale, gauge(v.labels, isStale))
	}

	e.write("afs_collection_success", "Whether the last collection of the volume succeeded (1) or failed (0).", success)
	e.write("afs_collection_duration_seconds", "Time spent collecting the volume in the last round.", duration)
	e.write("afs_collection_error", "Set to 1 with the error kind of a failed volume collection.", errs)
	e.write("afs_volume_directory_count", "Number of directories exported for the volume.", dirs)
	e.write("afs_collection_stale", "Whether the volume's directory metrics come from an earlier round (1) or not (0).", stale)
	e.write("afs_collection_stale_age_seconds", "Age of the stale directory metrics served for a failed volume.", staleAge)
}

func (e *encoder) roundFamilies(snap *types.Snapshot) {
	if snap == nil {
		return
	}
	total := len(snap.Outcomes)
	ok := snap.Successful()
	rate := 0.0
	if total > 0 {
		rate = float64(ok) / float64(total)
	}
	one := func(v float64) []*dto.Metric { return []*dto.Metric{gauge(nil, v)} }
	b2f := func(b bool) float64 {
		if b {
			return 1
		}
		return 0
	}

	e.write("afs_volumes_total", "Number of configured volumes.", one(float64(total)))
	e.write("afs_volumes_successful", "Number of volumes collected successfully in the last round.", one(float64(ok)))
	e.write("afs_volumes_failed", "Number of volumes that failed in the last round.", one(float64(total-ok)))
	e.write("afs_collection_success_rate", "Fraction of volumes collected successfully in the last round.", one(rate))
	e.write("afs_collection_round_duration_seconds", "Wall time of the last collection round.", one(snap.Duration.Seconds()))
	e.write("afs_collection_timestamp_seconds", "Unix time at which the last collection round started.", one(float64(snap.CollectedAt.UnixNano())/1e9))
	e.write("afs_cache_hit", "Whether this scrape was served from cache (1) or triggered a collection (0).", one(b2f(e.opts.CacheHit)))
	e.write("afs_cache_age_seconds", "Age of the served snapshot.", one(e.opts.CacheAge.Seconds()))
	e.write("afs_snapshot_stale", "Whether the served snapshot is kept from before a failed refresh.", one(b2f(e.opts.Stale)))
}

func (e *encoder) gathered() {
	if e.err != nil || e.opts.Gatherer == nil {
		return
	}
	mfs, err := e.opts.Gatherer.Gather()
	if err != nil {
		e.opts.Logger.Warn("gathering exporter metrics", "err", err)
	}
	for _, mf := range mfs {
		if len(mf.GetMetric()) == 0 {
			continue
		}
		if _, err := expfmt.MetricFamilyToText(e.w, mf); err != nil {
			e.err = fmt.Errorf("encoder: write %s: %w", mf.GetName(), err)
			return
		}
	}
}

func label(name, value string) *dto.LabelPair {
	return &dto.LabelPair{Name: &name, Value: &value}
}

func withLabel(base []*dto.LabelPair, name, value string) []*dto.LabelPair {
	out := make([]*dto.LabelPair, 0, len(base)+1)
	out = append(out, base...)
	return append(out, label(name, value))
}

func gauge(labels []*dto.LabelPair, v float64) *dto.Metric {
	return &dto.Metric{Label: labels, Gauge: &dto.Gauge{Value: &v}}
}
