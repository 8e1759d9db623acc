package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/newthinker/augur/internal/evaluator"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// App is the main application orchestrator. It runs the scoring pass on
// a ticker and the evaluation loop alongside it.
type App struct {
	pipeline  *Pipeline
	evaluator *evaluator.Evaluator
	logger    *zap.Logger

	watchlist    []string
	watchlistSet map[string]struct{}
	interval     time.Duration

	mu          sync.RWMutex
	running     bool
	cancel      context.CancelFunc
	lastSummary *Summary
}

// New creates a new App instance. eval may be nil to run scoring only.
func New(pipeline *Pipeline, eval *evaluator.Evaluator, logger *zap.Logger) *App {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &App{
		pipeline:     pipeline,
		evaluator:    eval,
		logger:       logger,
		watchlist:    []string{},
		watchlistSet: make(map[string]struct{}),
		interval:     24 * time.Hour,
	}
}

// SetWatchlist sets the symbols to score. Duplicates and blanks are dropped.
func (a *App) SetWatchlist(symbols []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.watchlist = make([]string, 0, len(symbols))
	a.watchlistSet = make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, exists := a.watchlistSet[s]; exists {
			continue
		}
		a.watchlistSet[s] = struct{}{}
		a.watchlist = append(a.watchlist, s)
	}
	a.pipeline.metrics.SetWatchlistSize(len(a.watchlist))
}

// SetInterval sets the scoring interval
func (a *App) SetInterval(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if d > 0 {
		a.interval = d
	}
}

// Start runs the scoring loop and the evaluator until ctx is cancelled or
// Stop is called.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("app already running")
	}
	a.running = true

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	interval := a.interval
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.running = false
		a.mu.Unlock()
	}()

	a.logger.Info("AUGUR starting",
		zap.Int("watchlist_count", len(a.Watchlist())),
		zap.Duration("interval", interval),
		zap.Bool("evaluator", a.evaluator != nil),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.scoringLoop(gctx, interval) })
	if a.evaluator != nil {
		g.Go(func() error { return a.evaluator.Run(gctx) })
	}

	err := g.Wait()
	a.logger.Info("AUGUR shutting down")
	return err
}

func (a *App) scoringLoop(ctx context.Context, interval time.Duration) error {
	a.RunOnce(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.RunOnce(ctx)
		}
	}
}

// Stop stops the loops
func (a *App) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		a.cancel()
	}
}

// RunOnce performs a single scoring pass over the watchlist.
func (a *App) RunOnce(ctx context.Context) Summary {
	symbols := a.Watchlist()
	if len(symbols) == 0 {
		a.logger.Debug("no symbols in watchlist")
		return Summary{}
	}

	summary := a.pipeline.RunScoring(ctx, symbols)
	for _, f := range summary.Failures() {
		a.logger.Debug("symbol not scored",
			zap.String("symbol", f.Symbol),
			zap.String("stage", f.Stage),
			zap.Error(f.Err),
		)
	}

	a.mu.Lock()
	a.lastSummary = &summary
	a.mu.Unlock()
	return summary
}

// LastSummary returns the summary of the latest scoring pass, if any.
func (a *App) LastSummary() (Summary, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.lastSummary == nil {
		return Summary{}, false
	}
	return *a.lastSummary, true
}

// GetStats returns application statistics
func (a *App) GetStats() map[string]any {
	a.mu.RLock()
	defer a.mu.RUnlock()

	stats := map[string]any{
		"running":   a.running,
		"watchlist": len(a.watchlist),
		"interval":  a.interval.String(),
		"evaluator": a.evaluator != nil,
	}
	if a.pipeline.Notifiers != nil {
		stats["notifiers"] = a.pipeline.Notifiers.Len()
	}
	if s := a.lastSummary; s != nil {
		stats["last_pass"] = map[string]any{
			"finished":  s.Finished,
			"succeeded": s.Succeeded,
			"failed":    s.Failed,
			"skipped":   s.Skipped,
		}
	}
	return stats
}

// Watchlist returns the current watchlist symbols.
func (a *App) Watchlist() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	result := make([]string, len(a.watchlist))
	copy(result, a.watchlist)
	return result
}
