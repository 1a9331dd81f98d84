package catalog

// refresher.go provides background refreshing of the catalog index.
//
// The refresher is designed to be long-running and context-aware for graceful
// shutdown. A failed fetch logs the error and keeps the previous snapshot;
// matching continues against slightly stale data rather than failing imports.

import (
	"context"
	"log/slog"
	"time"
)

// RefreshConfig holds configuration for the catalog refresher.
type RefreshConfig struct {
	Interval time.Duration // How often to refresh (default: 10m)
}

// DefaultRefreshInterval is used when RefreshConfig.Interval is zero.
const DefaultRefreshInterval = 10 * time.Minute

// Refresher periodically rebuilds the index from a Source.
type Refresher struct {
	index  *Index
	source Source
}

// NewRefresher creates a refresher that feeds the given index.
func NewRefresher(index *Index, source Source) *Refresher {
	return &Refresher{index: index, source: source}
}

// Run refreshes immediately, then on every tick until ctx is cancelled.
func (r *Refresher) Run(ctx context.Context, cfg RefreshConfig) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}

	slog.Info("catalog refresher started", "interval", interval)

	r.refresh(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("catalog refresher stopped")
			return
		case <-ticker.C:
			r.refresh(ctx)
		}
	}
}

// Refresh performs a single fetch-and-replace cycle.
// Exposed so startup can block until the first snapshot is loaded.
func (r *Refresher) Refresh(ctx context.Context) error {
	items, err := r.source.FetchCatalogItems(ctx)
	if err != nil {
		return err
	}
	r.index.Replace(items)
	return nil
}

func (r *Refresher) refresh(ctx context.Context) {
	start := time.Now()

	if err := r.Refresh(ctx); err != nil {
		slog.Error("catalog refresh failed, keeping previous snapshot", "error", err)
		return
	}

	slog.Info("catalog refreshed",
		"items", r.index.Snapshot().Len(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
