package feedback

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/fyrsmithlabs/weightopt/internal/profilestore"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"
)

// RunMaintenance refreshes every profile's stability and adaptation rate,
// trims history and persists profiles to the store if one is configured.
func (l *Learner) RunMaintenance(ctx context.Context) error {
	now := time.Now()
	var records []profilestore.Record

	l.mu.Lock()
	for _, p := range l.profiles {
		l.refresh(p)
		p.trim(l.cfg.HistoryLimit)
		if l.store != nil {
			records = append(records, profilestore.Record{
				Component:      p.Component,
				Parameters:     copyParams(p.Parameters),
				Stability:      p.Stability,
				AdaptationRate: p.AdaptationRate,
				UpdatedAt:      now,
			})
		}
	}
	l.mu.Unlock()

	var errs []error
	for _, rec := range records {
		if err := l.store.SaveProfile(ctx, rec); err != nil {
			errs = append(errs, fmt.Errorf("persisting %s: %w", rec.Component, err))
		}
	}
	if len(records) > 0 {
		l.logger.Debug("profiles persisted", zap.Int("count", len(records)))
	}
	return errors.Join(errs...)
}

// refresh updates stability from the variance of recent performance:
// stability ← s·stability + (1−s)/(1 + k·var), and sets the adaptation
// rate to base·(1.5 − stability) within the configured bounds.
func (l *Learner) refresh(p *Profile) {
	if len(p.History) >= 2 {
		perf := make([]float64, len(p.History))
		for i, h := range p.History {
			perf[i] = h.Performance
		}
		target := 1 / (1 + l.cfg.StabilitySensitivity*stat.Variance(perf, nil))
		s := l.cfg.StabilitySmoothing
		p.Stability = clamp01(s*p.Stability + (1-s)*target)
	}
	p.AdaptationRate = math.Max(l.cfg.MinAdaptationRate,
		math.Min(l.cfg.MaxAdaptationRate, l.cfg.BaseAdaptationRate*(1.5-p.Stability)))
}

// restore loads persisted parameters for known components, clamped to the
// current bounds. Unknown components and parameters are ignored.
func (l *Learner) restore(ctx context.Context) error {
	records, err := l.store.ListProfiles(ctx)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	restored := 0
	for _, rec := range records {
		p, ok := l.profiles[rec.Component]
		if !ok {
			l.logger.Warn("ignoring persisted profile for unknown component", zap.String("component", rec.Component))
			continue
		}
		for name, v := range rec.Parameters {
			b, ok := p.Bounds[name]
			if !ok || math.IsNaN(v) {
				continue
			}
			p.Parameters[name] = b.clamp(v)
		}
		p.Stability = clamp01(rec.Stability)
		p.AdaptationRate = math.Max(l.cfg.MinAdaptationRate, math.Min(l.cfg.MaxAdaptationRate, rec.AdaptationRate))
		p.UpdatedAt = rec.UpdatedAt
		restored++
	}
	if restored > 0 {
		l.logger.Info("restored learning profiles", zap.Int("count", restored))
	}
	return nil
}
