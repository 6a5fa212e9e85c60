// Package transform compresses weight matrices with truncated singular
// value decomposition and verifies the reconstruction stays within
// tolerance.
//
// Results are cached per (layer, shape, rank fraction). Concurrent callers
// asking for the same key share one computation; a cancelled computation
// never reaches the cache.
package transform

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fyrsmithlabs/weightopt/internal/errs"
	"github.com/fyrsmithlabs/weightopt/internal/logging"
	"github.com/fyrsmithlabs/weightopt/internal/metrics"
	"github.com/fyrsmithlabs/weightopt/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gonum.org/v1/gonum/mat"
)

// InstrumentationName is the OTEL scope for this package.
const InstrumentationName = "github.com/fyrsmithlabs/weightopt/internal/transform"

// Transformer performs rank-reduced decomposition with a per-key cache.
// It is safe for concurrent use.
type Transformer struct {
	cfg       Config
	logger    *zap.Logger
	sink      metrics.Sink
	decompose DecomposeFunc

	group singleflight.Group

	mu    sync.RWMutex
	cache map[cacheKey]*Result
	order []cacheKey

	computations atomic.Int64
	hits         atomic.Int64
	misses       atomic.Int64
	failures     atomic.Int64
}

type cacheKey struct {
	layerID    string
	rows, cols int
	fraction   float64
}

func (k cacheKey) String() string {
	return fmt.Sprintf("%s|%dx%d|%g", k.layerID, k.rows, k.cols, k.fraction)
}

// Option configures a Transformer.
type Option func(*Transformer)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(t *Transformer) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithSink sets the metrics sink.
func WithSink(s metrics.Sink) Option {
	return func(t *Transformer) {
		if s != nil {
			t.sink = s
		}
	}
}

// WithDecomposer replaces the SVD routine.
func WithDecomposer(fn DecomposeFunc) Option {
	return func(t *Transformer) {
		if fn != nil {
			t.decompose = fn
		}
	}
}

// New creates a Transformer.
func New(cfg Config, opts ...Option) (*Transformer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid transformer config: %w", err)
	}
	t := &Transformer{
		cfg:       cfg,
		logger:    zap.NewNop(),
		sink:      metrics.NopSink{},
		decompose: SVD,
		cache:     make(map[cacheKey]*Result),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.Named("transform")
	return t, nil
}

// Config returns the transformer configuration.
func (t *Transformer) Config() Config {
	return t.cfg
}

type transformOptions struct {
	force bool
}

// TransformOption adjusts a single Transform call.
type TransformOption func(*transformOptions)

// WithForceRecompute bypasses the cache lookup. The fresh result replaces
// any cached entry.
func WithForceRecompute() TransformOption {
	return func(o *transformOptions) { o.force = true }
}

// Transform returns the rank-reduced approximation of m retaining
// max(1, floor(rankFraction·min(rows, cols))) components.
func (t *Transformer) Transform(ctx context.Context, m mat.Matrix, layerID string, rankFraction float64, opts ...TransformOption) (res *Result, err error) {
	var o transformOptions
	for _, opt := range opts {
		opt(&o)
	}

	if m == nil {
		return nil, fmt.Errorf("%w: nil matrix", errs.ErrInvalidInput)
	}
	if !(rankFraction > 0 && rankFraction <= 1) {
		return nil, fmt.Errorf("%w: rank fraction must be in (0,1], got %v", errs.ErrInvalidInput, rankFraction)
	}
	if err := checkMatrix("matrix", m); err != nil {
		return nil, err
	}

	rows, cols := m.Dims()
	key := cacheKey{layerID: layerID, rows: rows, cols: cols, fraction: rankFraction}

	ctx, span := telemetry.StartSpan(ctx, InstrumentationName, "transform.Transform",
		attribute.String("layer.id", layerID),
		attribute.Int("matrix.rows", rows),
		attribute.Int("matrix.cols", cols),
		attribute.Float64("rank_fraction", rankFraction),
		attribute.Bool("force_recompute", o.force),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	if !t.cfg.CacheEnabled {
		return t.compute(ctx, m, key)
	}

	if !o.force {
		if cached, ok := t.lookup(key); ok {
			t.hits.Add(1)
			span.SetAttributes(attribute.Bool("cache_hit", true))
			t.sink.RecordTransformation(ctx, metrics.TransformSummary{LayerID: layerID, Rank: cached.Rank, FullRank: cached.FullRank, CacheHit: true})
			return cached, nil
		}
		t.misses.Add(1)
		return t.computeShared(ctx, m, key)
	}

	t.misses.Add(1)
	res, err = t.compute(ctx, m, key)
	if err != nil {
		return nil, err
	}
	t.store(key, res)
	return res, nil
}

// computeShared runs at most one computation per key. A caller that joined
// someone else's computation and got a failure retries once on its own.
func (t *Transformer) computeShared(ctx context.Context, m mat.Matrix, key cacheKey) (*Result, error) {
	for attempt := 0; ; attempt++ {
		var led bool
		ch := t.group.DoChan(key.String(), func() (interface{}, error) {
			led = true
			if cached, ok := t.lookup(key); ok {
				return cached, nil
			}
			res, err := t.compute(ctx, m, key)
			if err != nil {
				return nil, err
			}
			t.store(key, res)
			return res, nil
		})

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case r := <-ch:
			if r.Err == nil {
				return r.Val.(*Result), nil
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !led && attempt == 0 {
				t.logger.Debug("shared transform failed, retrying",
					logging.ZapFields(ctx, zap.String("key", key.String()), zap.Error(r.Err))...)
				continue
			}
			if errors.Is(r.Err, context.Canceled) || errors.Is(r.Err, context.DeadlineExceeded) {
				return nil, r.Err
			}
			return nil, fmt.Errorf("%w: %s: %w", errs.ErrCacheComputation, key, r.Err)
		}
	}
}

// compute runs the decomposition off the caller's goroutine so that ctx
// cancellation returns promptly.
func (t *Transformer) compute(ctx context.Context, m mat.Matrix, key cacheKey) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	start := time.Now()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				t.logger.Error("decomposition panicked",
					zap.Any("panic", r),
					zap.Stack("stack"),
				)
				done <- outcome{err: fmt.Errorf("%w: decomposition panicked: %v", errs.ErrInvalidInput, r)}
			}
		}()
		t.computations.Add(1)
		res, err := t.decomposeAndTruncate(m, key)
		done <- outcome{res: res, err: err}
	}()

	select {
	case <-ctx.Done():
		t.logger.Debug("transform cancelled",
			logging.ZapFields(ctx, zap.String("layer", key.layerID))...)
		return nil, ctx.Err()
	case out := <-done:
		elapsed := time.Since(start)
		if out.err != nil {
			t.failures.Add(1)
			t.sink.RecordTransformation(ctx, metrics.TransformSummary{LayerID: key.layerID, Duration: elapsed, Err: out.err})
			t.logger.Warn("transform failed",
				logging.ZapFields(ctx, zap.String("layer", key.layerID), zap.Error(out.err))...)
			return nil, out.err
		}
		res := out.res
		res.Elapsed = elapsed
		res.ComputedAt = time.Now()

		t.sink.RecordTransformation(ctx, metrics.TransformSummary{
			LayerID:       key.layerID,
			Rank:          res.Rank,
			FullRank:      res.FullRank,
			RelativeError: res.Stability.RelativeError,
			Duration:      elapsed,
		})
		t.logger.Debug("transform computed",
			logging.ZapFields(ctx,
				zap.String("layer", key.layerID),
				zap.Int("rank", res.Rank),
				zap.Int("full_rank", res.FullRank),
				zap.Float64("relative_error", res.Stability.RelativeError),
				zap.Duration("elapsed", elapsed),
			)...)
		return res, nil
	}
}

func (t *Transformer) decomposeAndTruncate(m mat.Matrix, key cacheKey) (*Result, error) {
	d, err := t.decompose(m)
	if err != nil {
		return nil, err
	}
	if len(d.S) == 0 || d.S[0] <= t.cfg.RankTolerance {
		return nil, fmt.Errorf("%w: largest singular value %g", errs.ErrRankDegenerate, firstOr(d.S, 0))
	}

	res, err := truncate(m, d, targetRank(key.rows, key.cols, key.fraction))
	if err != nil {
		return nil, err
	}
	res.LayerID = key.layerID
	res.RankFraction = key.fraction
	return res, nil
}

func firstOr(s []float64, def float64) float64 {
	if len(s) == 0 {
		return def
	}
	return s[0]
}

func (t *Transformer) lookup(key cacheKey) (*Result, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.cache[key]
	return r, ok
}

func (t *Transformer) store(key cacheKey, r *Result) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.cache[key]; !exists {
		t.order = append(t.order, key)
	}
	t.cache[key] = r

	for t.cfg.MaxCacheEntries > 0 && len(t.order) > t.cfg.MaxCacheEntries {
		oldest := t.order[0]
		t.order = t.order[1:]
		delete(t.cache, oldest)
	}
}

// Cached returns the cached result for a key without computing.
func (t *Transformer) Cached(layerID string, rows, cols int, rankFraction float64) (*Result, bool) {
	return t.lookup(cacheKey{layerID: layerID, rows: rows, cols: cols, fraction: rankFraction})
}

// ClearCache drops every cached result.
func (t *Transformer) ClearCache() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cache = make(map[cacheKey]*Result)
	t.order = nil
}

// VerifyInvariance compares original and transformed; a non-positive
// tolerance uses the configured default.
func (t *Transformer) VerifyInvariance(original, transformed mat.Matrix, tolerance float64) (*InvarianceReport, error) {
	if tolerance <= 0 {
		tolerance = t.cfg.Tolerance
	}
	return VerifyInvariance(original, transformed, tolerance)
}

// Stats returns cumulative counters.
func (t *Transformer) Stats() Stats {
	t.mu.RLock()
	entries := len(t.cache)
	t.mu.RUnlock()
	return Stats{
		Computations: t.computations.Load(),
		CacheHits:    t.hits.Load(),
		CacheMisses:  t.misses.Load(),
		Failures:     t.failures.Load(),
		Entries:      entries,
	}
}
