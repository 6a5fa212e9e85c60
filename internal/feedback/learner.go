package feedback

import (
	"context"
	"fmt"
	"math/rand/v2"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fyrsmithlabs/weightopt/internal/errs"
	"github.com/fyrsmithlabs/weightopt/internal/metrics"
	"github.com/fyrsmithlabs/weightopt/internal/profilestore"
	"github.com/fyrsmithlabs/weightopt/internal/telemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gonum.org/v1/gonum/stat"
)

// InstrumentationName is the OTEL scope for this package.
const InstrumentationName = "github.com/fyrsmithlabs/weightopt/internal/feedback"

// Learner consumes feedback signals and tunes component profiles.
//
// Thread Safety: Submit, Subscribe and the read accessors are safe for
// concurrent use. Batches are processed one at a time.
type Learner struct {
	cfg        Config
	logger     *zap.Logger
	sink       metrics.Sink
	store      profilestore.Store
	components []ComponentSpec
	rejectLog  *rate.Limiter

	queue *signalQueue
	// drainMu makes pop-and-process atomic, so the background consumer
	// and Flush callers take batches in FIFO order.
	drainMu sync.Mutex

	// procMu serializes batch processing and guards algorithms, rng and
	// the phase tracker.
	procMu     sync.Mutex
	algorithms []Algorithm
	rng        *rand.Rand
	tracker    *phaseTracker

	mu       sync.RWMutex
	profiles map[string]*Profile
	phase    Phase

	subMu       sync.RWMutex
	subscribers []func(Action)

	submitted atomic.Int64
	rejected  atomic.Int64
	processed atomic.Int64
	batches   atomic.Int64
	applied   atomic.Int64

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// Option configures a Learner.
type Option func(*Learner)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(lr *Learner) {
		if l != nil {
			lr.logger = l
		}
	}
}

// WithSink sets the metrics sink.
func WithSink(s metrics.Sink) Option {
	return func(lr *Learner) {
		if s != nil {
			lr.sink = s
		}
	}
}

// WithStore enables profile persistence. Start restores profiles from the
// store; maintenance and Stop save them.
func WithStore(s profilestore.Store) Option {
	return func(lr *Learner) {
		lr.store = s
	}
}

// WithRand replaces the random source used for exploration.
func WithRand(r *rand.Rand) Option {
	return func(lr *Learner) {
		if r != nil {
			lr.rng = r
		}
	}
}

// WithAlgorithms replaces the default algorithms.
func WithAlgorithms(algs ...Algorithm) Option {
	return func(lr *Learner) {
		lr.algorithms = algs
	}
}

// WithComponents replaces the default component specs.
func WithComponents(specs ...ComponentSpec) Option {
	return func(lr *Learner) {
		lr.components = specs
	}
}

// New creates a Learner. It does not start the background loops.
func New(cfg Config, opts ...Option) (*Learner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid feedback config: %w", err)
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}

	l := &Learner{
		cfg:        cfg,
		logger:     zap.NewNop(),
		sink:       metrics.NopSink{},
		components: DefaultComponents(),
		rejectLog:  rate.NewLimiter(rate.Limit(cfg.RejectLogRate), cfg.RejectLogBurst),
		queue:      newSignalQueue(),
		algorithms: []Algorithm{NewReinforcement(cfg), NewPatternRecognition(cfg)},
		rng:        rand.New(rand.NewPCG(seed, seed^0x6a09e667f3bcc908)),
		tracker:    newPhaseTracker(cfg),
		profiles:   make(map[string]*Profile),
		phase:      PhaseExploration,
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.Named("feedback")

	for _, spec := range l.components {
		if err := spec.validate(); err != nil {
			return nil, fmt.Errorf("invalid component: %w", err)
		}
		if _, dup := l.profiles[spec.Name]; dup {
			return nil, fmt.Errorf("duplicate component %s", spec.Name)
		}
		l.profiles[spec.Name] = newProfile(spec, cfg.BaseAdaptationRate)
	}
	return l, nil
}

// Submit validates a signal and enqueues it. Invalid signals are rejected
// with ErrValueOutOfRange or ErrInvalidInput and never reach the queue.
func (l *Learner) Submit(s Signal) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}

	err := s.validate()
	if err == nil && !l.hasComponent(s.Component) {
		err = fmt.Errorf("%w: unknown component %q", errs.ErrInvalidInput, s.Component)
	}
	if err != nil {
		l.rejected.Add(1)
		l.sink.RecordSignal(context.Background(), string(s.Kind), false)
		if l.rejectLog.Allow() {
			l.logger.Warn("rejected feedback signal",
				zap.String("kind", string(s.Kind)),
				zap.String("component", s.Component),
				zap.Error(err),
			)
		}
		return err
	}

	l.submitted.Add(1)
	l.sink.RecordSignal(context.Background(), string(s.Kind), true)
	l.queue.push(s)
	return nil
}

func (l *Learner) hasComponent(name string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.profiles[name]
	return ok
}

// Subscribe registers fn to receive every applied action. fn runs on the
// processing goroutine and must not call Flush.
func (l *Learner) Subscribe(fn func(Action)) {
	if fn == nil {
		return
	}
	l.subMu.Lock()
	l.subscribers = append(l.subscribers, fn)
	l.subMu.Unlock()
}

// Flush synchronously processes every queued signal. It is safe to call
// while the learner is running; batches are still processed in queue order.
func (l *Learner) Flush(ctx context.Context) error {
	l.drainMu.Lock()
	defer l.drainMu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch := l.queue.pop(l.cfg.BatchSize)
		if len(batch) == 0 {
			return nil
		}
		l.safeProcess(ctx, batch)
	}
}

func (l *Learner) safeProcess(ctx context.Context, batch []Signal) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("feedback batch panicked, continuing",
				zap.Any("panic", r),
				zap.Int("signals", len(batch)),
				zap.Stack("stack"),
			)
		}
	}()
	l.processBatch(ctx, batch)
}

func (l *Learner) processBatch(ctx context.Context, batch []Signal) {
	l.procMu.Lock()
	defer l.procMu.Unlock()

	ctx, span := telemetry.StartSpan(ctx, InstrumentationName, "feedback.ProcessBatch",
		attribute.Int("signals", len(batch)),
	)
	defer telemetry.EndSpan(span, nil)

	phase := l.tracker.phase
	lrMul, epsMul := phaseMultipliers(phase)
	st := &State{
		Phase:              phase,
		LearningRate:       l.cfg.LearningRate * lrMul,
		ExplorationRate:    clamp01(l.cfg.ExplorationRate * epsMul),
		MaxStepFraction:    l.cfg.MaxStepFraction,
		BaseAdaptationRate: l.cfg.BaseAdaptationRate,
		Profiles:           l.snapshot(),
		Rand:               l.rng,
	}

	var proposed []Action
	for _, alg := range l.algorithms {
		proposed = append(proposed, l.propose(alg, batch, st)...)
	}

	now := time.Now()
	actions := l.apply(proposed, phase, now)
	overall := l.recordPerformance(batch, now)

	next := l.tracker.observe(overall)
	l.mu.Lock()
	l.phase = next
	l.mu.Unlock()
	if next != phase {
		l.logger.Info("learning phase changed",
			zap.String("from", string(phase)),
			zap.String("to", string(next)),
		)
	}

	l.processed.Add(int64(len(batch)))
	l.batches.Add(1)
	l.applied.Add(int64(len(actions)))
	span.SetAttributes(
		attribute.Int("actions", len(actions)),
		attribute.String("phase", string(next)),
	)

	l.subMu.RLock()
	subs := slices.Clone(l.subscribers)
	l.subMu.RUnlock()
	for _, a := range actions {
		l.sink.RecordLearningAction(ctx, metrics.LearningSummary{
			Component: a.Component,
			Parameter: a.Parameter,
			Source:    a.Source,
			Phase:     string(a.Phase),
			Delta:     a.Applied,
		})
		for _, fn := range subs {
			fn(a)
		}
	}

	l.logger.Debug("feedback batch processed",
		zap.Int("signals", len(batch)),
		zap.Int("actions", len(actions)),
		zap.Float64("performance", overall),
		zap.String("phase", string(next)),
	)
}

func (l *Learner) propose(alg Algorithm, batch []Signal, st *State) (out []Action) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("learning algorithm panicked",
				zap.String("algorithm", alg.Name()),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			out = nil
		}
	}()
	return alg.Propose(batch, st)
}

// apply applies actions in order, clamped to bounds.
func (l *Learner) apply(proposed []Action, phase Phase, now time.Time) []Action {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Action, 0, len(proposed))
	for _, a := range proposed {
		p, ok := l.profiles[a.Component]
		if !ok {
			continue
		}
		applied, value, ok := p.apply(a.Parameter, a.Delta)
		if !ok {
			continue
		}
		a.ID = uuid.New().String()
		a.Applied = applied
		a.Value = value
		a.Phase = phase
		a.Timestamp = now
		p.UpdatedAt = now
		out = append(out, a)
	}
	return out
}

// recordPerformance appends each component's mean observed performance to
// its history and returns the batch mean.
func (l *Learner) recordPerformance(batch []Signal, now time.Time) float64 {
	perComponent := make(map[string][]float64)
	all := make([]float64, 0, len(batch))
	for _, s := range batch {
		g := s.Kind.goodness(s.Value)
		perComponent[s.Component] = append(perComponent[s.Component], g)
		all = append(all, g)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for name, vals := range perComponent {
		if p, ok := l.profiles[name]; ok {
			p.recordPerformance(stat.Mean(vals, nil), l.cfg.HistoryLimit, now)
		}
	}
	return stat.Mean(all, nil)
}

func (l *Learner) snapshot() map[string]Profile {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]Profile, len(l.profiles))
	for name, p := range l.profiles {
		c := p.clone()
		c.History = nil
		out[name] = c
	}
	return out
}

// Parameters returns a copy of a component's current parameters.
func (l *Learner) Parameters(component string) (map[string]float64, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.profiles[component]
	if !ok {
		return nil, false
	}
	return copyParams(p.Parameters), true
}

// Profile returns a deep copy of a component's profile.
func (l *Learner) Profile(component string) (Profile, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.profiles[component]
	if !ok {
		return Profile{}, false
	}
	return p.clone(), true
}

// Components returns the registered component names, sorted.
func (l *Learner) Components() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.profiles))
	for n := range l.profiles {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Phase returns the current learning phase.
func (l *Learner) Phase() Phase {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.phase
}

// Stats returns learner counters.
func (l *Learner) Stats() Stats {
	l.runMu.Lock()
	running := l.running
	l.runMu.Unlock()
	return Stats{
		Submitted:      l.submitted.Load(),
		Rejected:       l.rejected.Load(),
		Processed:      l.processed.Load(),
		Batches:        l.batches.Load(),
		ActionsApplied: l.applied.Load(),
		QueueDepth:     l.queue.len(),
		Phase:          l.Phase(),
		Running:        running,
	}
}
