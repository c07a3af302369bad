package snapshot

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// BuildFunc constructs a new snapshot from the configured data source.
type BuildFunc func(ctx context.Context) (*Snapshot, error)

// Reloader rebuilds the published snapshot on demand, on SIGHUP and, when an
// interval is set, periodically. A failed rebuild leaves the current snapshot
// in place.
type Reloader struct {
	holder   *Holder
	build    BuildFunc
	interval time.Duration
	logger   zerolog.Logger
	mu       sync.Mutex
}

func NewReloader(holder *Holder, build BuildFunc, interval time.Duration, logger zerolog.Logger) *Reloader {
	return &Reloader{holder: holder, build: build, interval: interval, logger: logger}
}

// Reload builds and publishes a new snapshot. Concurrent calls are serialised.
func (r *Reloader) Reload(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	s, err := r.build(ctx)
	if err != nil {
		r.logger.Error().Err(err).
			Int64("kept_version", r.holder.Current().Version).
			Msg("snapshot rebuild failed, keeping current data")
		return fmt.Errorf("rebuild snapshot: %w", err)
	}
	r.holder.Publish(s)
	r.logger.Info().
		Int64("version", s.Version).
		Dur("took", time.Since(start)).
		Msg("snapshot published")
	return nil
}

// Run blocks until ctx is done, reloading on SIGHUP and on every interval tick.
func (r *Reloader) Run(ctx context.Context) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	var tick <-chan time.Time
	if r.interval > 0 {
		t := time.NewTicker(r.interval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			r.logger.Info().Msg("SIGHUP received, reloading reference data")
			_ = r.Reload(ctx)
		case <-tick:
			_ = r.Reload(ctx)
		}
	}
}
