package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/newthinker/augur/internal/app"
	"github.com/spf13/cobra"
)

var scoreCmd = &cobra.Command{
	Use:   "score [symbols...]",
	Short: "Score symbols once and record the predictions",
	Long: `Runs one scoring pass. Without arguments the configured watchlist is
scored. Each symbol gets one stored prediction or a reported failure stage.`,
	RunE: runScore,
}

func init() {
	rootCmd.AddCommand(scoreCmd)
}

func runScore(cmd *cobra.Command, args []string) error {
	return withSystem(cmd, func(ctx context.Context, sys *system) error {
		if len(args) > 0 {
			sys.app.SetWatchlist(args)
		}
		if len(sys.app.Watchlist()) == 0 {
			return fmt.Errorf("no symbols to score: pass symbols or configure a watchlist")
		}

		summary := sys.app.RunOnce(ctx)
		printSummary(cmd.OutOrStdout(), summary)

		if summary.Succeeded == 0 && summary.Failed > 0 {
			return fmt.Errorf("all %d symbols failed", summary.Failed)
		}
		return nil
	})
}

func printSummary(out io.Writer, s app.Summary) {
	fmt.Fprintf(out, "Market: %s (trend %+.2f%%)\n\n", s.Market.Regime, s.Market.TrendPct)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SYMBOL\tACTION\tCONFIDENCE\tMETHOD\tPREDICTION\tERROR")
	for _, r := range s.Results {
		if r.OK() {
			fmt.Fprintf(w, "%s\t%s\t%.2f\t%s\t%s\t\n",
				r.Symbol, r.Action, r.Confidence, r.Method, r.PredictionID)
			continue
		}
		fmt.Fprintf(w, "%s\t-\t-\t-\t-\t%s: %s\n", r.Symbol, r.Stage, oneLine(r.Message))
	}
	w.Flush()

	fmt.Fprintf(out, "\n%d scored, %d failed, %d skipped in %s\n",
		s.Succeeded, s.Failed, s.Skipped, s.Finished.Sub(s.Started).Round(time.Millisecond))
}

func oneLine(s string) string {
	return strings.ReplaceAll(s, "\n", " ")
}
