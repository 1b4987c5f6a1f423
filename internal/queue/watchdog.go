/**
 * Stuck-document watchdog
 *
 * A worker crash between the processing-status write and the terminal
 * write would otherwise leave a document in processing forever. The
 * watchdog periodically sweeps documents that have been processing
 * longer than the stuck threshold and forces them into the error state,
 * keeping the terminal-state guarantee even across crashes.
 */

package queue

import (
	"context"
	"time"

	"github.com/owlin/extraction-worker/internal/logging"
)

// StuckSweeper is the storage operation the watchdog drives
type StuckSweeper interface {
	SweepStuck(ctx context.Context, threshold time.Duration) ([]string, error)
}

// Watchdog periodically fails stuck documents
type Watchdog struct {
	sweeper   StuckSweeper
	interval  time.Duration
	threshold time.Duration
	logger    *logging.Logger
}

// NewWatchdog creates a watchdog
func NewWatchdog(sweeper StuckSweeper, interval, threshold time.Duration) *Watchdog {
	return &Watchdog{
		sweeper:   sweeper,
		interval:  interval,
		threshold: threshold,
		logger:    logging.NewLogger("watchdog"),
	}
}

// Run sweeps on a ticker until the context is cancelled
func (w *Watchdog) Run(ctx context.Context) {
	w.logger.Info("Watchdog started", "interval", w.interval, "threshold", w.threshold)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Watchdog stopped")
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *Watchdog) sweep(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	swept, err := w.sweeper.SweepStuck(sweepCtx, w.threshold)
	if err != nil {
		w.logger.Error("Sweep failed", "error", err)
		return
	}

	for _, id := range swept {
		w.logger.ForDocument(id).Warn("Forced stuck document into error state")
	}
}
