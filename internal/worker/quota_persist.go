package worker

import (
	"context"
	"log/slog"
	"time"
)

const defaultQuotaPersistInterval = 60 * time.Second

// QuotaPersister flushes the live quota counters to durable storage.
type QuotaPersister interface {
	Persist(ctx context.Context) error
}

// QuotaPersistWorker periodically persists in-memory quota counters to the
// durable store, so a restart reloads rather than re-accumulating usage.
type QuotaPersistWorker struct {
	manager  QuotaPersister
	interval time.Duration
}

// NewQuotaPersistWorker creates a QuotaPersistWorker with the default
// 60s persistence interval.
func NewQuotaPersistWorker(manager QuotaPersister) *QuotaPersistWorker {
	return &QuotaPersistWorker{manager: manager, interval: defaultQuotaPersistInterval}
}

// NewQuotaPersistWorkerWithInterval creates a QuotaPersistWorker with a
// caller-supplied persistence interval.
func NewQuotaPersistWorkerWithInterval(manager QuotaPersister, interval time.Duration) *QuotaPersistWorker {
	return &QuotaPersistWorker{manager: manager, interval: interval}
}

// Name returns the worker identifier.
func (w *QuotaPersistWorker) Name() string { return "quota_persist" }

// Run persists quota counters on a fixed interval until ctx is cancelled,
// with one final persist on shutdown so the last window's usage is not lost.
func (w *QuotaPersistWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.manager.Persist(ctx); err != nil {
				slog.LogAttrs(ctx, slog.LevelError, "quota persist failed",
					slog.String("error", err.Error()),
				)
			}
		case <-ctx.Done():
			finalCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := w.manager.Persist(finalCtx); err != nil {
				slog.LogAttrs(finalCtx, slog.LevelError, "final quota persist failed",
					slog.String("error", err.Error()),
				)
			}
			return nil
		}
	}
}
