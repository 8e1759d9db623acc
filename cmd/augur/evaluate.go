package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var recompute bool

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Grade pending predictions against realized prices",
	RunE:  runEvaluate,
}

func init() {
	evaluateCmd.Flags().BoolVar(&recompute, "recompute", false, "recompute model performance and ensemble weights afterwards")
	rootCmd.AddCommand(evaluateCmd)
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	return withSystem(cmd, func(ctx context.Context, sys *system) error {
		n, err := sys.evaluator.EvaluatePending(ctx)
		if err != nil {
			return fmt.Errorf("evaluating predictions: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d outcomes recorded\n", n)

		if !recompute {
			return nil
		}
		if _, err := sys.evaluator.RecomputePerformance(ctx); err != nil {
			return fmt.Errorf("recomputing performance: %w", err)
		}
		printWeights(cmd.OutOrStdout(), sys.combiner.Weights())
		return nil
	})
}
