package optimizer

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/fyrsmithlabs/weightopt/internal/errs"
	"gonum.org/v1/gonum/mat"
)

// MemorySource serves layers registered in memory.
type MemorySource struct {
	mu     sync.RWMutex
	models map[string][]Layer
}

func NewMemorySource() *MemorySource {
	return &MemorySource{models: make(map[string][]Layer)}
}

// Put registers (or replaces) the layers of a model.
func (s *MemorySource) Put(modelID string, layers ...Layer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.models[modelID] = append([]Layer(nil), layers...)
}

func (s *MemorySource) Layers(_ context.Context, modelID string, filter []string) ([]Layer, error) {
	s.mu.RLock()
	layers, ok := s.models[modelID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown model %q", errs.ErrInvalidInput, modelID)
	}
	return filterLayers(layers, filter), nil
}

func filterLayers(layers []Layer, filter []string) []Layer {
	if len(filter) == 0 {
		return append([]Layer(nil), layers...)
	}
	want := make(map[string]bool, len(filter))
	for _, id := range filter {
		want[id] = true
	}
	var out []Layer
	for _, l := range layers {
		if want[l.ID] {
			out = append(out, l)
		}
	}
	return out
}

// LayerSpec describes a synthetic layer: a Rows×Cols matrix of the given
// rank plus small dense noise.
type LayerSpec struct {
	ID    string
	Rows  int
	Cols  int
	Rank  int
	Noise float64
}

// SyntheticSource generates deterministic low-rank layers from a seed. Any
// model ID yields the same layers for the same seed.
type SyntheticSource struct {
	Seed  uint64
	Specs []LayerSpec
}

func (s SyntheticSource) Layers(ctx context.Context, _ string, filter []string) ([]Layer, error) {
	layers := make([]Layer, 0, len(s.Specs))
	for i, spec := range s.Specs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if spec.Rows < 1 || spec.Cols < 1 || spec.Rank < 1 {
			return nil, fmt.Errorf("%w: layer %q has invalid shape %dx%d rank %d", errs.ErrInvalidInput, spec.ID, spec.Rows, spec.Cols, spec.Rank)
		}
		rng := rand.New(rand.NewPCG(s.Seed, uint64(i)+1))
		layers = append(layers, Layer{ID: spec.ID, Weights: LowRankMatrix(rng, spec.Rows, spec.Cols, spec.Rank, spec.Noise)})
	}
	return filterLayers(layers, filter), nil
}

// LowRankMatrix returns A·B + noise·N with A rows×rank, B rank×cols and N
// entries drawn from the standard normal distribution.
func LowRankMatrix(rng *rand.Rand, rows, cols, rank int, noise float64) *mat.Dense {
	rank = min(rank, rows, cols)
	a := mat.NewDense(rows, rank, normals(rng, rows*rank))
	b := mat.NewDense(rank, cols, normals(rng, rank*cols))
	var m mat.Dense
	m.Mul(a, b)
	if noise > 0 {
		n := mat.NewDense(rows, cols, normals(rng, rows*cols))
		n.Scale(noise, n)
		m.Add(&m, n)
	}
	return &m
}

func normals(rng *rand.Rand, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = rng.NormFloat64()
	}
	return out
}
