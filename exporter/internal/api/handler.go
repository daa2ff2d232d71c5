package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/world-sim-dev/afs-metrics-collector/exporter/internal/cache"
	"github.com/world-sim-dev/afs-metrics-collector/exporter/internal/encoder"
	"github.com/world-sim-dev/afs-metrics-collector/exporter/internal/selfmetrics"
	"github.com/world-sim-dev/afs-metrics-collector/pkg/types"
)

// SnapshotSource is the cache as seen by the handlers. *cache.Cache
// implements it.
type SnapshotSource interface {
	GetOrRefresh(ctx context.Context, refresh cache.RefreshFunc) (cache.Result, error)
	Ready() bool
	Peek() *cache.Entry
}

// Options wires the handlers.
type Options struct {
	Cache   SnapshotSource
	Refresh cache.RefreshFunc

	// TotalFailureStatus is 503 (default) or 200.
	TotalFailureStatus int

	Metrics *selfmetrics.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

// Handler holds the dependencies shared by all routes.
type Handler struct {
	cache         SnapshotSource
	refresh       cache.RefreshFunc
	failureStatus int
	metrics       *selfmetrics.Metrics
	logger        *slog.Logger
	now           func() time.Time
}

// New builds the router.
func New(opts Options) http.Handler {
	h := &Handler{
		cache:         opts.Cache,
		refresh:       opts.Refresh,
		failureStatus: opts.TotalFailureStatus,
		metrics:       opts.Metrics,
		logger:        opts.Logger,
		now:           opts.Now,
	}
	if h.failureStatus == 0 {
		h.failureStatus = http.StatusServiceUnavailable
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	h.logger = h.logger.With("component", "api")
	if h.now == nil {
		h.now = time.Now
	}

	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		requestLogger(h.logger),
		requestMetrics(h.metrics),
		middleware.Recoverer,
		middleware.GetHead,
		middleware.Compress(5),
	)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		jsonErr(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/metrics", h.serveMetrics)
	r.Get("/health/live", h.live)
	r.Get("/health/ready", h.ready)
	return r
}

// serveMetrics returns GET /metrics. It blocks on the cache, which runs at
// most one collection round for any number of concurrent scrapes.
func (h *Handler) serveMetrics(w http.ResponseWriter, r *http.Request) {
	res, err := h.cache.GetOrRefresh(r.Context(), h.refresh)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		h.logger.Error("no snapshot to serve", "err", err)
		plainErr(w, http.StatusServiceUnavailable, "no snapshot available: "+err.Error()+"\n")
		return
	}
	snap := res.Snapshot

	if !snap.Usable() && h.failureStatus == http.StatusServiceUnavailable {
		plainErr(w, http.StatusServiceUnavailable, diagnostic(snap))
		return
	}

	w.Header().Set("Content-Type", encoder.ContentType)
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	err = encoder.Render(w, snap, encoder.Options{
		CacheHit: res.Hit,
		CacheAge: res.Age,
		Stale:    res.Stale,
		Gatherer: h.metrics.Gatherer(),
		Metrics:  h.metrics,
		Logger:   h.logger,
		Now:      h.now,
	})
	if err != nil {
		// Headers are gone; the scraper sees a truncated body.
		h.logger.Error("render metrics", "err", err, "snapshot_id", snap.ID)
	}
}

// diagnostic explains a snapshot in which no volume has data.
func diagnostic(snap *types.Snapshot) string {
	outs := make([]types.VolumeOutcome, len(snap.Outcomes))
	copy(outs, snap.Outcomes)
	sort.Slice(outs, func(i, j int) bool { return outs[i].Volume.String() < outs[j].Volume.String() })

	msg := fmt.Sprintf("no AFS volume could be collected (round %s, %d volumes)\n", snap.ID, len(outs))
	for _, o := range outs {
		kind := o.ErrorKind
		if kind == types.ErrorKindNone {
			kind = types.ErrorKindUnknown
		}
		msg += fmt.Sprintf("volume_id=%s zone=%s error_kind=%s attempts=%d\n",
			o.Volume.VolumeID, o.Volume.Zone, kind, o.Attempts)
	}
	return msg
}

// live returns GET /health/live.
func (h *Handler) live(w http.ResponseWriter, _ *http.Request) {
	jsonResp(w, http.StatusOK, LiveResponse{
		Status:    "ok",
		Timestamp: h.now().UTC().Format(time.RFC3339),
	})
}

// ready returns GET /health/ready: 200 once any round produced data.
func (h *Handler) ready(w http.ResponseWriter, _ *http.Request) {
	resp := ReadyResponse{Status: "ready"}
	if e := h.cache.Peek(); e != nil && e.Snapshot != nil {
		resp.SnapshotID = e.Snapshot.ID
		resp.CollectedAt = e.Snapshot.CollectedAt.UTC().Format(time.RFC3339)
		resp.Volumes = len(e.Snapshot.Outcomes)
		resp.Successful = e.Snapshot.Successful()
	}
	if !h.cache.Ready() {
		resp.Status = "not_ready"
		jsonResp(w, http.StatusServiceUnavailable, resp)
		return
	}
	jsonResp(w, http.StatusOK, resp)
}

// --- helpers ----------------------------------------------------------------

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}

func plainErr(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	fmt.Fprint(w, msg) //nolint:errcheck
}
