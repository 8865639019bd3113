// Package watchdog exits the process when its CPU usage stays pinned, so a
// supervisor can restart it from a clean state.
package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/harborins/policyimport/internal/config"
)

// Watchdog samples the CPU usage of its own process on a fixed interval.
type Watchdog struct {
	cfg    config.WatchdogConfig
	logger *slog.Logger

	sample func() (float64, error)
	exit   func(code int)
}

// New returns a watchdog reading the current process's CPU percentage.
func New(cfg config.WatchdogConfig, logger *slog.Logger) (*Watchdog, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("open own process handle: %w", err)
	}
	// Prime the baseline; the first Percent call always reports zero.
	if _, err := proc.Percent(0); err != nil {
		return nil, fmt.Errorf("sample process cpu: %w", err)
	}

	return &Watchdog{
		cfg:    cfg,
		logger: logger,
		sample: func() (float64, error) { return proc.Percent(0) },
		exit:   func(code int) { os.Exit(code) },
	}, nil
}

// Run samples until ctx is cancelled. When the CPU percentage stays at or
// above the threshold for the configured number of consecutive samples, the
// process exits non-zero.
func (w *Watchdog) Run(ctx context.Context) {
	w.logger.Info("cpu watchdog started",
		"threshold_percent", w.cfg.ThresholdPercent,
		"sample_interval", w.cfg.SampleInterval,
		"consecutive_samples", w.cfg.ConsecutiveSamples,
	)

	ticker := time.NewTicker(w.cfg.SampleInterval)
	defer ticker.Stop()

	over := 0
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("cpu watchdog stopped")
			return
		case <-ticker.C:
			pct, err := w.sample()
			if err != nil {
				w.logger.Error("cpu sample failed", "error", err)
				continue
			}
			if pct < w.cfg.ThresholdPercent {
				over = 0
				continue
			}

			over++
			w.logger.Warn("cpu usage over threshold",
				"cpu_percent", pct,
				"consecutive", over,
				"limit", w.cfg.ConsecutiveSamples,
			)
			if over >= w.cfg.ConsecutiveSamples {
				w.logger.Error("cpu pinned, exiting so the supervisor restarts the process",
					"cpu_percent", pct,
					"samples", over,
				)
				w.exit(1)
				return
			}
		}
	}
}
