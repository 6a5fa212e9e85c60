package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fyrsmithlabs/weightopt/internal/gating"
	"github.com/fyrsmithlabs/weightopt/internal/optimizer"
	"github.com/spf13/cobra"
)

var (
	gateLayer    string
	gateStrategy string
)

func init() {
	gateCmd.Flags().StringVar(&gateLayer, "layer", "layer", "layer ID (its name selects the layer type)")
	gateCmd.Flags().StringVar(&gateStrategy, "strategy", gating.NameHybridDynamic, "gating strategy")
}

var gateCmd = &cobra.Command{
	Use:   "gate [score...]",
	Short: "Select active units from activation scores",
	Long: `Run one gating decision over activation scores given as arguments or,
with "-" or no arguments, read whitespace-separated from stdin.

Examples:
  # Hybrid strategy over five scores
  weightopt gate 0.9 0.1 0.4 0.8 0.05

  # Top-k with the configured target sparsity, attention layer
  echo "0.2 0.7 0.1 0.9" | weightopt gate --strategy top_k --layer block0.attn`,
	RunE: runGate,
}

type gateReport struct {
	Layer      string  `json:"layer"`
	LayerType  string  `json:"layer_type"`
	Requested  string  `json:"requested"`
	Strategy   string  `json:"strategy"`
	Active     []int   `json:"active"`
	Sparsity   float64 `json:"sparsity"`
	Threshold  float64 `json:"threshold"`
	Compliance float64 `json:"compliance"`
	Impact     float64 `json:"performance_impact"`
	Confidence float64 `json:"confidence"`
	Fallback   bool    `json:"fallback_applied"`
}

func runGate(cmd *cobra.Command, args []string) (err error) {
	var scores []float64
	if len(args) == 0 || (len(args) == 1 && args[0] == "-") {
		scores, err = readScores(cmd.InOrStdin())
	} else {
		scores, err = parseScores(args)
	}
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, optimizer.NewMemorySource())
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

	strategy, err := gating.ParseStrategy(gateStrategy, a.engine.Parameters(), cfg.Gating.AccuracyTarget)
	if err != nil {
		return err
	}

	d, err := a.coord.DecideGating(ctx, gateLayer, scores, strategy)
	if err != nil {
		return err
	}

	return writeJSON(cmd.OutOrStdout(), gateReport{
		Layer:      d.LayerID,
		LayerType:  string(d.LayerType),
		Requested:  d.Requested.Name(),
		Strategy:   d.Strategy.Name(),
		Active:     d.Active,
		Sparsity:   d.Sparsity,
		Threshold:  d.Threshold,
		Compliance: d.ComplianceScore,
		Impact:     d.PerformanceImpact,
		Confidence: d.Confidence,
		Fallback:   d.FallbackApplied,
	})
}

func parseScores(fields []string) ([]float64, error) {
	scores := make([]float64, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid score %q: %w", f, err)
		}
		scores = append(scores, v)
	}
	return scores, nil
}

func readScores(r io.Reader) ([]float64, error) {
	if f, ok := r.(*os.File); ok {
		if info, err := f.Stat(); err == nil && info.Mode()&os.ModeCharDevice != 0 {
			return nil, fmt.Errorf("no scores given")
		}
	}
	var fields []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fields = append(fields, strings.Fields(sc.Text())...)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read scores: %w", err)
	}
	return parseScores(fields)
}
