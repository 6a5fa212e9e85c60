package gating

import (
	"fmt"
	"sync"

	"github.com/fyrsmithlabs/weightopt/internal/errs"
)

type layerState struct {
	mu          sync.Mutex
	compliance  []float64
	performance []float64
	decisions   []Decision
	total       int64
}

type trailingValue struct {
	mean float64
	ok   bool
}

func (e *Engine) layer(layerID string) *layerState {
	e.layersMu.Lock()
	defer e.layersMu.Unlock()
	s, ok := e.layers[layerID]
	if !ok {
		s = &layerState{}
		e.layers[layerID] = s
	}
	return s
}

func (e *Engine) existingLayer(layerID string) (*layerState, bool) {
	e.layersMu.Lock()
	defer e.layersMu.Unlock()
	s, ok := e.layers[layerID]
	return s, ok
}

func (s *layerState) trailing(complianceWindow, performanceWindow int) (trailingValue, trailingValue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var c, p trailingValue
	c.mean, c.ok = trailingMean(s.compliance, complianceWindow)
	p.mean, p.ok = trailingMean(s.performance, performanceWindow)
	return c, p
}

func (s *layerState) record(d *Decision, cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	s.compliance = appendBounded(s.compliance, d.ComplianceScore, cfg.HistoryWindow)
	s.decisions = append(s.decisions, *d)
	if len(s.decisions) > cfg.DecisionHistory {
		s.decisions = append(s.decisions[:0:0], s.decisions[len(s.decisions)-cfg.DecisionHistory:]...)
	}
}

func appendBounded(xs []float64, v float64, limit int) []float64 {
	xs = append(xs, v)
	if len(xs) > limit {
		xs = append(xs[:0:0], xs[len(xs)-limit:]...)
	}
	return xs
}

func checkObservation(v float64) error {
	if !(v >= 0 && v <= 1) {
		return fmt.Errorf("%w: observation must be in [0,1], got %v", errs.ErrValueOutOfRange, v)
	}
	return nil
}

// RecordPerformance appends an externally measured performance value in
// [0,1] to the layer's history.
func (e *Engine) RecordPerformance(layerID string, value float64) error {
	if err := checkObservation(value); err != nil {
		return err
	}
	s := e.layer(layerID)
	s.mu.Lock()
	s.performance = appendBounded(s.performance, value, e.cfg.HistoryWindow)
	s.mu.Unlock()
	return nil
}

// RecordCompliance appends an externally measured compliance value in
// [0,1] to the layer's history.
func (e *Engine) RecordCompliance(layerID string, value float64) error {
	if err := checkObservation(value); err != nil {
		return err
	}
	s := e.layer(layerID)
	s.mu.Lock()
	s.compliance = appendBounded(s.compliance, value, e.cfg.HistoryWindow)
	s.mu.Unlock()
	return nil
}

// History returns a copy of the layer's retained decisions, oldest first.
func (e *Engine) History(layerID string) []Decision {
	s, ok := e.existingLayer(layerID)
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Decision(nil), s.decisions...)
}

// LayerStats summarizes the layer's retained decisions.
func (e *Engine) LayerStats(layerID string) (LayerStats, bool) {
	s, ok := e.existingLayer(layerID)
	if !ok {
		return LayerStats{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st := LayerStats{
		LayerID:        layerID,
		TotalDecisions: s.total,
		Retained:       len(s.decisions),
		StrategyUsage:  make(map[string]int),
	}
	if len(s.decisions) == 0 {
		return st, true
	}
	for _, d := range s.decisions {
		st.MeanSparsity += d.Sparsity
		st.MeanCompliance += d.ComplianceScore
		st.MeanConfidence += d.Confidence
		if d.FallbackApplied {
			st.Fallbacks++
		}
		st.StrategyUsage[d.Strategy.Name()]++
	}
	n := float64(len(s.decisions))
	st.MeanSparsity /= n
	st.MeanCompliance /= n
	st.MeanConfidence /= n
	return st, true
}

// Layers returns the IDs of layers with recorded state.
func (e *Engine) Layers() []string {
	e.layersMu.Lock()
	defer e.layersMu.Unlock()
	ids := make([]string, 0, len(e.layers))
	for id := range e.layers {
		ids = append(ids, id)
	}
	return ids
}
