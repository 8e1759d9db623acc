package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/newthinker/augur/internal/core"
	"github.com/spf13/cobra"
)

var weightsCmd = &cobra.Command{
	Use:   "weights",
	Short: "Inspect or recompute the ensemble weight table",
}

var weightsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the committed weight table",
	RunE:  runWeightsShow,
}

var weightsRecomputeCmd = &cobra.Command{
	Use:   "recompute",
	Short: "Recompute weights from recent model accuracy",
	RunE:  runWeightsRecompute,
}

func init() {
	weightsCmd.AddCommand(weightsShowCmd)
	weightsCmd.AddCommand(weightsRecomputeCmd)
	rootCmd.AddCommand(weightsCmd)
}

func withSystem(cmd *cobra.Command, fn func(ctx context.Context, sys *system) error) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx := cmd.Context()
	sys, err := build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		sys.Close(closeCtx)
	}()
	return fn(ctx, sys)
}

func runWeightsShow(cmd *cobra.Command, args []string) error {
	return withSystem(cmd, func(ctx context.Context, sys *system) error {
		printWeights(cmd.OutOrStdout(), sys.combiner.Weights())
		return nil
	})
}

func runWeightsRecompute(cmd *cobra.Command, args []string) error {
	return withSystem(cmd, func(ctx context.Context, sys *system) error {
		records, err := sys.evaluator.RecomputePerformance(ctx)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no evaluated predictions in the performance window")
		}
		printWeights(cmd.OutOrStdout(), sys.combiner.Weights())
		return nil
	})
}

func printWeights(out io.Writer, w core.EnsembleWeights) {
	fmt.Fprintf(out, "Version %d (%s, updated %s)\n\n", w.Version, w.Source, w.UpdatedAt.Format(time.RFC3339))

	names := make([]string, 0, len(w.Weights))
	for name := range w.Weights {
		names = append(names, name)
	}
	sort.Strings(names)

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tWEIGHT")
	for _, name := range names {
		fmt.Fprintf(tw, "%s\t%.4f\n", name, w.Weights[name])
	}
	tw.Flush()
}
