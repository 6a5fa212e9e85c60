package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"os/signal"
	"syscall"
	"time"

	"github.com/fyrsmithlabs/weightopt/internal/optimizer"
	"github.com/spf13/cobra"
)

var (
	optModel        string
	optSeed         uint64
	optRankFraction float64
	optLayers       []string
	optVerify       bool
	optInputs       int
	optTolerance    float64
)

func init() {
	optimizeCmd.Flags().StringVar(&optModel, "model", "synthetic", "model ID")
	optimizeCmd.Flags().Uint64Var(&optSeed, "seed", 42, "seed for the synthetic weight source")
	optimizeCmd.Flags().Float64Var(&optRankFraction, "rank-fraction", 0, "fraction of rank to keep (0 uses the learned default)")
	optimizeCmd.Flags().StringSliceVar(&optLayers, "layers", nil, "restrict to these layer IDs")
	optimizeCmd.Flags().BoolVar(&optVerify, "verify", false, "verify invariance after optimizing")
	optimizeCmd.Flags().IntVar(&optInputs, "inputs", 8, "random test inputs used by --verify")
	optimizeCmd.Flags().Float64Var(&optTolerance, "tolerance", 0, "invariance tolerance (0 uses the configured default)")
}

var optimizeCmd = &cobra.Command{
	Use:   "optimize",
	Short: "Optimize the layers of a synthetic model",
	Long: `Transform every layer of a deterministic synthetic model and report the
FLOP reduction and accuracy preserved.

Examples:
  # Optimize with the learned rank fraction
  weightopt optimize

  # Keep half the rank of two layers and verify invariance
  weightopt optimize --rank-fraction 0.5 --layers block0.attn.q,block0.mlp.fc1 --verify`,
	RunE: runOptimize,
}

// defaultLayers is a small transformer-like block stack. Every layer takes
// inputWidth inputs so one set of test inputs covers the whole model.
const inputWidth = 64

func defaultLayers() []optimizer.LayerSpec {
	var specs []optimizer.LayerSpec
	for b := 0; b < 2; b++ {
		specs = append(specs,
			optimizer.LayerSpec{ID: fmt.Sprintf("block%d.attn.q", b), Rows: 64, Cols: inputWidth, Rank: 16, Noise: 0.01},
			optimizer.LayerSpec{ID: fmt.Sprintf("block%d.attn.v", b), Rows: 64, Cols: inputWidth, Rank: 24, Noise: 0.01},
			optimizer.LayerSpec{ID: fmt.Sprintf("block%d.mlp.fc1", b), Rows: 128, Cols: inputWidth, Rank: 32, Noise: 0.02},
			optimizer.LayerSpec{ID: fmt.Sprintf("block%d.mlp.gate", b), Rows: 128, Cols: inputWidth, Rank: 32, Noise: 0.02},
		)
	}
	return specs
}

type layerReport struct {
	ID            string  `json:"id"`
	Rank          int     `json:"rank,omitempty"`
	FullRank      int     `json:"full_rank,omitempty"`
	FLOPReduction float64 `json:"flop_reduction"`
	Accuracy      float64 `json:"accuracy"`
	Error         string  `json:"error,omitempty"`
}

type invarianceReport struct {
	AllMaintained bool               `json:"all_maintained"`
	Tolerance     float64            `json:"tolerance"`
	MaxOutputErr  map[string]float64 `json:"max_output_error"`
}

type optimizeReport struct {
	ID                   string                        `json:"id"`
	Model                string                        `json:"model"`
	RankFraction         float64                       `json:"rank_fraction"`
	Succeeded            int                           `json:"succeeded"`
	Failed               int                           `json:"failed"`
	FLOPReduction        float64                       `json:"flop_reduction"`
	AccuracyPreservation float64                       `json:"accuracy_preservation"`
	CompressionRatio     float64                       `json:"compression_ratio"`
	Elapsed              string                        `json:"elapsed"`
	Layers               []layerReport                 `json:"layers"`
	Invariance           *invarianceReport             `json:"invariance,omitempty"`
	Parameters           map[string]map[string]float64 `json:"parameters,omitempty"`
}

func runOptimize(cmd *cobra.Command, _ []string) (err error) {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	source := optimizer.SyntheticSource{Seed: optSeed, Specs: defaultLayers()}
	a, err := newApp(ctx, cfg, source)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if cerr := a.Close(shutdownCtx); cerr != nil && err == nil {
			err = cerr
		}
	}()

	var opts []optimizer.OptimizeOption
	if optRankFraction > 0 {
		opts = append(opts, optimizer.WithRankFraction(optRankFraction))
	}
	if len(optLayers) > 0 {
		opts = append(opts, optimizer.WithLayers(optLayers...))
	}

	res, err := a.coord.Optimize(ctx, optModel, opts...)
	if err != nil {
		return err
	}
	report := newOptimizeReport(res)

	if optVerify {
		inv, err := a.coord.VerifyInvariance(ctx, optModel, randomInputs(optSeed, optInputs, inputWidth), optTolerance)
		if err != nil {
			return err
		}
		ir := &invarianceReport{AllMaintained: inv.AllMaintained, Tolerance: inv.Tolerance, MaxOutputErr: map[string]float64{}}
		for _, l := range inv.Layers {
			if l.Err == nil {
				ir.MaxOutputErr[l.LayerID] = l.MaxOutputError
			}
		}
		report.Invariance = ir
	}

	report.Parameters = map[string]map[string]float64{}
	for _, comp := range a.learner.Components() {
		if p, ok := a.learner.Parameters(comp); ok {
			report.Parameters[comp] = p
		}
	}

	return writeJSON(cmd.OutOrStdout(), report)
}

func newOptimizeReport(res *optimizer.Result) *optimizeReport {
	r := &optimizeReport{
		ID:                   res.ID,
		Model:                res.ModelID,
		RankFraction:         res.RankFraction,
		Succeeded:            res.Succeeded,
		Failed:               res.Failed,
		FLOPReduction:        res.FLOPReduction,
		AccuracyPreservation: res.AccuracyPreservation,
		CompressionRatio:     res.CompressionRatio,
		Elapsed:              res.Elapsed.String(),
	}
	for _, l := range res.Layers {
		lr := layerReport{ID: l.LayerID, FLOPReduction: l.FLOPReduction, Accuracy: l.Accuracy}
		if l.Err != nil {
			lr.Error = l.Err.Error()
		} else {
			lr.Rank = l.Result.Rank
			lr.FullRank = l.Result.FullRank
		}
		r.Layers = append(r.Layers, lr)
	}
	return r
}

// randomInputs returns n standard normal vectors of the given width.
func randomInputs(seed uint64, n, width int) [][]float64 {
	rng := rand.New(rand.NewPCG(seed, 7))
	out := make([][]float64, n)
	for i := range out {
		x := make([]float64, width)
		for j := range x {
			x[j] = rng.NormFloat64()
		}
		out[i] = x
	}
	return out
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
