// Package gating decides which output units of a layer stay active.
//
// An Engine applies one of seven closed strategies to a score vector and
// annotates the selection with compliance, performance-impact and
// confidence estimates. Each layer keeps a bounded history of those
// estimates, which the compliance- and performance-driven strategies read.
package gating

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/fyrsmithlabs/weightopt/internal/errs"
	"github.com/fyrsmithlabs/weightopt/internal/logging"
	"github.com/fyrsmithlabs/weightopt/internal/metrics"
	"github.com/fyrsmithlabs/weightopt/internal/telemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// InstrumentationName is the OTEL scope for this package.
const InstrumentationName = "github.com/fyrsmithlabs/weightopt/internal/gating"

// Engine makes gating decisions. It is safe for concurrent use; each layer's
// history has its own lock.
type Engine struct {
	cfg    Config
	logger *zap.Logger
	sink   metrics.Sink

	rngMu sync.Mutex
	rng   *rand.Rand

	paramsMu sync.RWMutex
	params   Parameters

	layersMu sync.Mutex
	layers   map[string]*layerState
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithSink sets the metrics sink.
func WithSink(s metrics.Sink) Option {
	return func(e *Engine) {
		if s != nil {
			e.sink = s
		}
	}
}

// WithRand replaces the random source used by Probabilistic.
func WithRand(r *rand.Rand) Option {
	return func(e *Engine) {
		if r != nil {
			e.rng = r
		}
	}
}

// NewEngine creates an Engine.
func NewEngine(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid gating config: %w", err)
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}

	e := &Engine{
		cfg:    cfg,
		logger: zap.NewNop(),
		sink:   metrics.NopSink{},
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		params: Parameters{Threshold: cfg.Threshold, TargetSparsity: cfg.TargetSparsity},
		layers: make(map[string]*layerState),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.Named("gating")
	return e, nil
}

// Parameters returns the parameters used to build strategies for
// HybridDynamic.
func (e *Engine) Parameters() Parameters {
	e.paramsMu.RLock()
	defer e.paramsMu.RUnlock()
	return e.params
}

// SetParameters replaces the HybridDynamic parameters.
func (e *Engine) SetParameters(p Parameters) error {
	if err := checkSparsity(p.TargetSparsity); err != nil {
		return err
	}
	if !errs.IsFinite(p.Threshold) {
		return fmt.Errorf("%w: threshold is not finite", errs.ErrInvalidInput)
	}
	e.paramsMu.Lock()
	e.params = p
	e.paramsMu.Unlock()
	return nil
}

// Decide selects the active units of layerID. A nil strategy means
// HybridDynamic.
func (e *Engine) Decide(ctx context.Context, layerID string, scores []float64, strategy Strategy) (d *Decision, err error) {
	start := time.Now()

	if len(scores) == 0 {
		return nil, fmt.Errorf("%w: layer %q", errs.ErrEmptyScoreVector, layerID)
	}
	if err := errs.CheckFinite("scores", scores); err != nil {
		return nil, err
	}
	if strategy == nil {
		strategy = HybridDynamic{}
	}
	if err := strategy.validate(); err != nil {
		return nil, err
	}

	ctx, span := telemetry.StartSpan(ctx, InstrumentationName, "gating.Decide",
		attribute.String("layer.id", layerID),
		attribute.Int("units", len(scores)),
		attribute.String("strategy.requested", strategy.Name()),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	state := e.layer(layerID)
	compliance, performance := state.trailing(e.cfg.ComplianceWindow, e.cfg.PerformanceWindow)

	params := e.Parameters()
	concrete := strategy
	if _, ok := strategy.(HybridDynamic); ok {
		concrete = e.dispatch(layerID, scores, params, compliance, performance)
	}

	sel := e.selectUnits(scores, concrete, compliance, performance)

	d = &Decision{
		ID:              uuid.NewString(),
		LayerID:         layerID,
		LayerType:       ClassifyLayer(layerID),
		Active:          sel.active,
		Inactive:        complement(len(scores), sel.active),
		Threshold:       sel.threshold,
		Requested:       strategy,
		Strategy:        concrete,
		FallbackApplied: sel.fallback,
		Timestamp:       time.Now(),
	}
	d.Sparsity = 1 - float64(len(d.Active))/float64(len(scores))
	e.annotate(d, scores, targetSparsity(concrete, params), sel)
	d.Latency = time.Since(start)

	state.record(d, e.cfg)

	span.SetAttributes(
		attribute.String("strategy.used", concrete.Name()),
		attribute.Int("active", len(d.Active)),
		attribute.Float64("sparsity", d.Sparsity),
		attribute.Bool("fallback", d.FallbackApplied),
	)
	e.sink.RecordGating(ctx, metrics.GatingSummary{
		LayerID:    layerID,
		LayerType:  string(d.LayerType),
		Strategy:   concrete.Name(),
		Sparsity:   d.Sparsity,
		Compliance: d.ComplianceScore,
		Confidence: d.Confidence,
		Fallback:   d.FallbackApplied,
		Duration:   d.Latency,
	})
	e.logger.Debug("gating decision",
		logging.ZapFields(ctx,
			zap.String("layer", layerID),
			zap.String("strategy", concrete.Name()),
			zap.Int("active", len(d.Active)),
			zap.Int("units", len(scores)),
			zap.Float64("threshold", d.Threshold),
			zap.Bool("fallback", d.FallbackApplied),
		)...)

	return d, nil
}

// dispatch resolves HybridDynamic to a concrete strategy.
func (e *Engine) dispatch(layerID string, scores []float64, p Parameters, compliance, performance trailingValue) Strategy {
	mean, sd := meanStd(scores)
	lowVariance := sd == 0 || (mean != 0 && sd/math.Abs(mean) < e.cfg.LowVarianceCV)

	switch {
	case lowVariance && e.cfg.AllowStochastic:
		return Probabilistic{TargetSparsity: p.TargetSparsity}
	case lowVariance:
		return TopK{TargetSparsity: p.TargetSparsity}
	case compliance.ok && compliance.mean < e.cfg.ComplianceLow:
		return ComplianceAware{TargetSparsity: p.TargetSparsity}
	case performance.ok && performance.mean < e.cfg.PerformanceFloor:
		return PerformanceAdaptive{TargetSparsity: p.TargetSparsity, AccuracyTarget: e.cfg.AccuracyTarget}
	case ClassifyLayer(layerID) == LayerAttention:
		return TopK{TargetSparsity: p.TargetSparsity}
	default:
		return Adaptive{TargetSparsity: p.TargetSparsity}
	}
}

func (e *Engine) selectUnits(scores []float64, s Strategy, compliance, performance trailingValue) selection {
	n := len(scores)
	order := rankOrder(scores)

	switch s := s.(type) {
	case TopK:
		active, thr := topK(scores, order, keepCount(n, s.TargetSparsity))
		return selection{active: active, threshold: thr}

	case ThresholdBased:
		active := above(scores, s.Threshold)
		if len(active) == 0 {
			return selection{active: []int{order[0]}, threshold: s.Threshold, fallback: true}
		}
		return selection{active: active, threshold: s.Threshold}

	case Adaptive:
		return adaptiveSelect(scores, order, s.TargetSparsity, e.cfg.StdDevFactor, 0, e.cfg.SparsityBand)

	case Probabilistic:
		e.rngMu.Lock()
		active, thr := probabilisticSelect(scores, keepCount(n, s.TargetSparsity), e.rng)
		e.rngMu.Unlock()
		return selection{active: active, threshold: thr}

	case ComplianceAware:
		_, sd := meanStd(scores)
		nudge := 0.0
		if compliance.ok {
			switch {
			case compliance.mean < e.cfg.ComplianceLow:
				nudge = e.cfg.ComplianceRaise * sd
			case compliance.mean > e.cfg.ComplianceHigh:
				nudge = -e.cfg.ComplianceLower * sd
			}
		}
		sel := adaptiveSelect(scores, order, s.TargetSparsity, e.cfg.StdDevFactor, nudge, e.cfg.SparsityBand)

		ceiling := math.Min(s.TargetSparsity+e.cfg.CeilingMargin, e.cfg.MaxSparsity)
		if 1-float64(len(sel.active))/float64(n) > ceiling+1e-12 {
			k := clampInt(int(math.Ceil(float64(n)*(1-ceiling)-1e-9)), 1, n)
			sel.active, sel.threshold = topK(scores, order, k)
			sel.fallback = true
		}
		return sel

	case PerformanceAdaptive:
		_, sd := meanStd(scores)
		nudge := 0.0
		if performance.ok {
			nudge = (performance.mean - s.AccuracyTarget) * sd
		}
		return adaptiveSelect(scores, order, s.TargetSparsity, e.cfg.StdDevFactor, nudge, e.cfg.SparsityBand)

	default:
		// HybridDynamic is resolved before selection.
		active, thr := topK(scores, order, 1)
		return selection{active: active, threshold: thr, fallback: true}
	}
}

// targetSparsity is the sparsity a decision is judged against.
func targetSparsity(s Strategy, p Parameters) float64 {
	switch s := s.(type) {
	case TopK:
		return s.TargetSparsity
	case Adaptive:
		return s.TargetSparsity
	case Probabilistic:
		return s.TargetSparsity
	case ComplianceAware:
		return s.TargetSparsity
	case PerformanceAdaptive:
		return s.TargetSparsity
	default:
		return p.TargetSparsity
	}
}

// annotate fills the quality estimates of d.
func (e *Engine) annotate(d *Decision, scores []float64, target float64, sel selection) {
	cfg := e.cfg

	maxDev := math.Max(target, 1-target)
	match := 1.0
	if maxDev > 0 {
		match = 1 - math.Min(1, math.Abs(d.Sparsity-target)/maxDev)
	}
	d.ComplianceScore = clamp01(cfg.SparsityMatchWeight*match + cfg.SeparationWeight*separation(scores, d.Active, d.Inactive))

	d.PerformanceImpact = clamp01(d.Sparsity * e.multiplier(d.LayerType))

	normScore := 0.0
	if hi := maxOf(scores); hi > 0 {
		normScore = meanAt(scores, d.Active) / hi
	}
	conf := cfg.ScoreWeight*normScore + cfg.BaseWeight*e.baseConfidence(d.Strategy)
	if d.FallbackApplied {
		conf *= cfg.FallbackPenalty
	}
	d.Confidence = clamp01(conf)

	d.AdaptationFactor = 1
	if sel.baseline != 0 {
		d.AdaptationFactor = sel.threshold / sel.baseline
	}
}

// separation is (mean active − mean inactive)/(mean active + mean inactive),
// clamped to [0,1]; 1 when nothing is gated.
func separation(scores []float64, active, inactive []int) float64 {
	if len(inactive) == 0 {
		return 1
	}
	a, i := meanAt(scores, active), meanAt(scores, inactive)
	// Normalize first so a+i cannot overflow.
	if hi := math.Max(math.Abs(a), math.Abs(i)); hi > 0 {
		a, i = a/hi, i/hi
	}
	if a+i == 0 {
		return 0
	}
	return clamp01((a - i) / (a + i))
}

func (e *Engine) multiplier(t LayerType) float64 {
	switch t {
	case LayerAttention:
		return e.cfg.AttentionMultiplier
	case LayerFeedForward:
		return e.cfg.FeedForwardMultiplier
	default:
		return e.cfg.OtherMultiplier
	}
}

func (e *Engine) baseConfidence(s Strategy) float64 {
	b := e.cfg.BaseConfidence
	switch s.(type) {
	case TopK:
		return b.TopK
	case ThresholdBased:
		return b.Threshold
	case Adaptive:
		return b.Adaptive
	case Probabilistic:
		return b.Probabilistic
	case ComplianceAware:
		return b.ComplianceAware
	case PerformanceAdaptive:
		return b.PerformanceAdaptive
	default:
		return 0
	}
}

// meanAt averages scores at idx, scaled by the largest magnitude so the sum
// stays finite near math.MaxFloat64.
func meanAt(scores []float64, idx []int) float64 {
	if len(idx) == 0 {
		return 0
	}
	scale := 0.0
	for _, i := range idx {
		scale = math.Max(scale, math.Abs(scores[i]))
	}
	if scale == 0 {
		return 0
	}
	sum := 0.0
	for _, i := range idx {
		sum += scores[i] / scale
	}
	return sum / float64(len(idx)) * scale
}

func maxOf(xs []float64) float64 {
	m := math.Inf(-1)
	for _, x := range xs {
		m = math.Max(m, x)
	}
	return m
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
