package optimizer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fyrsmithlabs/weightopt/internal/errs"
	"github.com/fyrsmithlabs/weightopt/internal/feedback"
	"github.com/fyrsmithlabs/weightopt/internal/gating"
	"github.com/fyrsmithlabs/weightopt/internal/logging"
	"github.com/fyrsmithlabs/weightopt/internal/telemetry"
	"github.com/fyrsmithlabs/weightopt/internal/transform"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// InstrumentationName is the OTEL scope for this package.
const InstrumentationName = "github.com/fyrsmithlabs/weightopt/internal/optimizer"

// ErrNoLearner is returned by feedback operations when no learner is
// attached.
var ErrNoLearner = errors.New("feedback learner not configured")

// Coordinator is the entry point to the optimization core.
type Coordinator struct {
	cfg         Config
	logger      *zap.Logger
	source      WeightSource
	transformer *transform.Transformer
	engine      *gating.Engine
	learner     *feedback.Learner
	estimator   AccuracyEstimator

	mu                  sync.RWMutex
	results             map[string]*Result
	layers              map[string]*transform.Result // by qualified layer ID
	rankFraction        float64
	activationThreshold float64
	compressionSum      float64
	flopSum             float64

	optimizations atomic.Int64
	cacheHits     atomic.Int64
	layerFailures atomic.Int64
	decisions     atomic.Int64
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithLearner attaches a feedback learner.
func WithLearner(l *feedback.Learner) Option {
	return func(c *Coordinator) {
		c.learner = l
	}
}

// WithAccuracyEstimator replaces ReconstructionAccuracy.
func WithAccuracyEstimator(e AccuracyEstimator) Option {
	return func(c *Coordinator) {
		if e != nil {
			c.estimator = e
		}
	}
}

// New creates a Coordinator.
func New(cfg Config, source WeightSource, transformer *transform.Transformer, engine *gating.Engine, opts ...Option) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid coordinator config: %w", err)
	}
	if source == nil {
		return nil, fmt.Errorf("weight source cannot be nil")
	}
	if transformer == nil {
		return nil, fmt.Errorf("transformer cannot be nil")
	}
	if engine == nil {
		return nil, fmt.Errorf("gating engine cannot be nil")
	}

	c := &Coordinator{
		cfg:                 cfg,
		logger:              zap.NewNop(),
		source:              source,
		transformer:         transformer,
		engine:              engine,
		estimator:           ReconstructionAccuracy{},
		results:             make(map[string]*Result),
		layers:              make(map[string]*transform.Result),
		rankFraction:        transformer.Config().RankFraction,
		activationThreshold: cfg.ActivationThreshold,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("optimizer")

	if c.learner != nil {
		c.learner.Subscribe(c.onAction)
	}
	return c, nil
}

// Start starts the attached learner, if any.
func (c *Coordinator) Start(ctx context.Context) error {
	if c.learner == nil {
		return nil
	}
	if err := c.learner.Start(ctx); err != nil {
		return err
	}
	c.syncFromLearner()
	return nil
}

// Shutdown stops the attached learner, draining queued feedback.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	if c.learner == nil {
		return nil
	}
	return c.learner.Stop(ctx)
}

// syncFromLearner copies the learner's current parameters (possibly
// restored from a store) into the live components.
func (c *Coordinator) syncFromLearner() {
	for _, comp := range c.learner.Components() {
		params, _ := c.learner.Parameters(comp)
		for name, v := range params {
			c.applyParameter(comp, name, v)
		}
	}
}

func (c *Coordinator) onAction(a feedback.Action) {
	c.applyParameter(a.Component, a.Parameter, a.Value)
}

func (c *Coordinator) applyParameter(component, param string, v float64) {
	switch component {
	case feedback.ComponentGatingEngine:
		p := c.engine.Parameters()
		switch param {
		case feedback.ParamGatingThreshold:
			p.Threshold = v
		case feedback.ParamTargetSparsity:
			p.TargetSparsity = v
		default:
			return
		}
		if err := c.engine.SetParameters(p); err != nil {
			c.logger.Warn("rejected gating parameter update",
				zap.String("parameter", param),
				zap.Float64("value", v),
				zap.Error(err),
			)
		}
	case feedback.ComponentActivationScorer:
		if param == feedback.ParamActivationThreshold {
			c.mu.Lock()
			c.activationThreshold = v
			c.mu.Unlock()
		}
	case feedback.ComponentMatrixTransformer:
		if param == feedback.ParamRankFraction && v > 0 && v <= 1 {
			c.mu.Lock()
			c.rankFraction = v
			c.mu.Unlock()
		}
	}
}

// OptimizeOption configures one Optimize call.
type OptimizeOption func(*optimizeOptions)

type optimizeOptions struct {
	layers       []string
	rankFraction float64
	force        bool
}

// WithLayers restricts optimization to the named layers.
func WithLayers(ids ...string) OptimizeOption {
	return func(o *optimizeOptions) { o.layers = ids }
}

// WithRankFraction overrides the default (learner-tuned) rank fraction.
func WithRankFraction(f float64) OptimizeOption {
	return func(o *optimizeOptions) { o.rankFraction = f }
}

// WithForceRecompute bypasses both the result cache and the transform cache.
func WithForceRecompute() OptimizeOption {
	return func(o *optimizeOptions) { o.force = true }
}

// RankFraction returns the current default rank fraction.
func (c *Coordinator) RankFraction() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rankFraction
}

func resultKey(modelID string, filter []string, f float64) string {
	ids := append([]string(nil), filter...)
	sort.Strings(ids)
	return fmt.Sprintf("%s|%s|%.6f", modelID, strings.Join(ids, ","), f)
}

func qualify(modelID, layerID string) string {
	return modelID + "/" + layerID
}

// Optimize transforms the model's layers and aggregates the outcome. Layer
// failures are recorded in the result and never fail the call; only an
// invalid request, a source error or cancellation does. Results without
// failures are cached per (model, layer filter, rank fraction).
func (c *Coordinator) Optimize(ctx context.Context, modelID string, opts ...OptimizeOption) (res *Result, err error) {
	o := optimizeOptions{rankFraction: c.RankFraction()}
	for _, opt := range opts {
		opt(&o)
	}
	if modelID == "" {
		return nil, fmt.Errorf("%w: model ID is required", errs.ErrInvalidInput)
	}
	if !(o.rankFraction > 0 && o.rankFraction <= 1) {
		return nil, fmt.Errorf("%w: rank fraction must be in (0,1], got %v", errs.ErrInvalidInput, o.rankFraction)
	}

	key := resultKey(modelID, o.layers, o.rankFraction)
	if !o.force {
		c.mu.RLock()
		cached, ok := c.results[key]
		c.mu.RUnlock()
		if ok {
			c.cacheHits.Add(1)
			hit := *cached
			hit.CacheHit = true
			return &hit, nil
		}
	}

	ctx = logging.WithModelID(ctx, modelID)
	ctx, span := telemetry.StartSpan(ctx, InstrumentationName, "optimizer.Optimize",
		attribute.String("model.id", modelID),
		attribute.Float64("rank_fraction", o.rankFraction),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	start := time.Now()
	layers, err := c.source.Layers(ctx, modelID, o.layers)
	if err != nil {
		return nil, fmt.Errorf("fetching layers for model %s: %w", modelID, err)
	}
	if len(layers) == 0 {
		return nil, fmt.Errorf("%w: model %s has no matching layers", errs.ErrInvalidInput, modelID)
	}

	results := make([]LayerResult, len(layers))
	var g errgroup.Group
	g.SetLimit(c.cfg.MaxConcurrency)
	for i, layer := range layers {
		g.Go(func() error {
			results[i] = c.optimizeLayer(ctx, modelID, layer, o)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res = aggregate(modelID, o.rankFraction, results)
	res.ID = uuid.New().String()
	res.Elapsed = time.Since(start)
	res.ComputedAt = time.Now()

	c.optimizations.Add(1)
	c.layerFailures.Add(int64(res.Failed))
	c.mu.Lock()
	c.compressionSum += res.CompressionRatio
	c.flopSum += res.FLOPReduction
	if res.Failed == 0 {
		c.results[key] = res
	}
	c.mu.Unlock()

	span.SetAttributes(
		attribute.Int("layers.succeeded", res.Succeeded),
		attribute.Int("layers.failed", res.Failed),
		attribute.Float64("flop_reduction", res.FLOPReduction),
	)
	c.logger.Info("model optimized",
		logging.ZapFields(ctx,
			zap.Int("succeeded", res.Succeeded),
			zap.Int("failed", res.Failed),
			zap.Float64("flop_reduction", res.FLOPReduction),
			zap.Float64("accuracy", res.AccuracyPreservation),
			zap.Duration("elapsed", res.Elapsed),
		)...)

	if res.Succeeded > 0 {
		c.emit(feedback.KindEfficiencyGain, feedback.ComponentMatrixTransformer, res.FLOPReduction, modelID)
		c.emit(feedback.KindAccuracyRetention, feedback.ComponentMatrixTransformer, res.AccuracyPreservation, modelID)
	}

	out := *res
	return &out, nil
}

func (c *Coordinator) optimizeLayer(ctx context.Context, modelID string, layer Layer, o optimizeOptions) LayerResult {
	lr := LayerResult{LayerID: layer.ID}
	qid := qualify(modelID, layer.ID)

	var topts []transform.TransformOption
	if o.force {
		topts = append(topts, transform.WithForceRecompute())
	}

	tr, err := c.transformer.Transform(logging.WithLayerID(ctx, layer.ID), layer.Weights, qid, o.rankFraction, topts...)
	if err != nil {
		lr.Err = err
		telemetry.RecordError(ctx, err, attribute.String("layer", layer.ID))
		c.logger.Warn("layer optimization failed",
			logging.ZapFields(ctx, zap.String("layer", layer.ID), zap.Error(err))...)
		return lr
	}

	acc, err := c.estimator.EstimateAccuracy(ctx, layer, tr)
	if err != nil {
		lr.Err = fmt.Errorf("estimating accuracy: %w", err)
		return lr
	}
	if !errs.IsFinite(acc) {
		lr.Err = fmt.Errorf("%w: accuracy estimate is not finite", errs.ErrInvalidInput)
		return lr
	}

	lr.Result = tr
	lr.FLOPReduction = tr.FLOPReduction()
	lr.Accuracy = clamp01(acc)

	c.mu.Lock()
	c.layers[qid] = tr
	c.mu.Unlock()

	// Accuracy feeds the performance history read by performance-adaptive
	// gating for the same layer.
	if err := c.engine.RecordPerformance(qid, lr.Accuracy); err != nil {
		c.logger.Debug("performance not recorded", zap.String("layer", qid), zap.Error(err))
	}
	return lr
}

func aggregate(modelID string, f float64, layers []LayerResult) *Result {
	res := &Result{ModelID: modelID, RankFraction: f, Layers: layers}

	var factored, dense, accWeighted, ratioSum float64
	for _, l := range layers {
		if l.Err != nil {
			res.Failed++
			continue
		}
		res.Succeeded++
		size := float64(l.Result.Rows * l.Result.Cols)
		factored += float64(l.Result.FactoredSize())
		dense += size
		accWeighted += l.Accuracy * size
		ratioSum += l.Result.CompressionRatio
	}
	if res.Succeeded == 0 || dense == 0 {
		return res
	}
	res.FLOPReduction = max(0, 1-factored/dense)
	res.AccuracyPreservation = accWeighted / dense
	res.CompressionRatio = ratioSum / float64(res.Succeeded)
	return res
}

// emit submits an automatic feedback signal when enabled.
func (c *Coordinator) emit(kind feedback.SignalKind, component string, value float64, source string) {
	if c.learner == nil || !c.cfg.EmitFeedback {
		return
	}
	s := feedback.NewSignal(kind, component, clamp01(value))
	s.Source = source
	if err := c.learner.Submit(s); err != nil {
		c.logger.Warn("automatic feedback rejected", zap.String("kind", string(kind)), zap.Error(err))
	}
}

// TransformResult returns the latest transform result of a model layer.
func (c *Coordinator) TransformResult(modelID, layerID string) (*transform.Result, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.layers[qualify(modelID, layerID)]
	return r, ok
}

// SubmitFeedback forwards a signal to the learner.
func (c *Coordinator) SubmitFeedback(s feedback.Signal) error {
	if c.learner == nil {
		return ErrNoLearner
	}
	return c.learner.Submit(s)
}

// ComponentParameters returns the learner's parameters for a component.
func (c *Coordinator) ComponentParameters(component string) (map[string]float64, error) {
	if c.learner == nil {
		return nil, ErrNoLearner
	}
	p, ok := c.learner.Parameters(component)
	if !ok {
		return nil, fmt.Errorf("%w: unknown component %q", errs.ErrInvalidInput, component)
	}
	return p, nil
}

// PerformanceSummary reports cumulative activity.
func (c *Coordinator) PerformanceSummary() PerformanceSummary {
	s := PerformanceSummary{
		Optimizations:   c.optimizations.Load(),
		CacheHits:       c.cacheHits.Load(),
		LayerFailures:   c.layerFailures.Load(),
		GatingDecisions: c.decisions.Load(),
		Transformer:     c.transformer.Stats(),
		GatingLayers:    len(c.engine.Layers()),
	}
	c.mu.RLock()
	if s.Optimizations > 0 {
		s.MeanCompression = c.compressionSum / float64(s.Optimizations)
		s.MeanFLOPReduction = c.flopSum / float64(s.Optimizations)
	}
	c.mu.RUnlock()
	if c.learner != nil {
		st := c.learner.Stats()
		s.Learner = &st
		s.Phase = st.Phase
	}
	return s
}

// ClearCache drops cached optimization and transform results.
func (c *Coordinator) ClearCache() {
	c.mu.Lock()
	c.results = make(map[string]*Result)
	c.layers = make(map[string]*transform.Result)
	c.mu.Unlock()
	c.transformer.ClearCache()
	c.logger.Debug("caches cleared")
}

func clamp01(v float64) float64 {
	return max(0, min(1, v))
}
