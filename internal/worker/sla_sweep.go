package worker

import (
	"context"
	"log/slog"
	"time"

	gateway "github.com/llm-dev-ops/marketplace/internal"
)

const slaSweepInterval = 300 * time.Second

// ServiceLister provides the set of services to sweep.
type ServiceLister interface {
	ListServices(ctx context.Context) ([]*gateway.Service, error)
}

// SLASweeper evaluates the error-rate SLA for a batch of services.
type SLASweeper interface {
	SweepAll(ctx context.Context, services []*gateway.Service)
}

// SLASweepWorker runs a periodic error-rate check across every active
// service, independent of the per-request checks that fire on each Consume.
type SLASweepWorker struct {
	monitor  SLASweeper
	services ServiceLister
}

// NewSLASweepWorker creates an SLASweepWorker.
func NewSLASweepWorker(monitor SLASweeper, services ServiceLister) *SLASweepWorker {
	return &SLASweepWorker{monitor: monitor, services: services}
}

// Name returns the worker identifier.
func (w *SLASweepWorker) Name() string { return "sla_sweep" }

// Run sweeps every 300s until ctx is cancelled.
func (w *SLASweepWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(slaSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.sweep(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *SLASweepWorker) sweep(ctx context.Context) {
	services, err := w.services.ListServices(ctx)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "sla sweep: list services failed",
			slog.String("error", err.Error()),
		)
		return
	}
	w.monitor.SweepAll(ctx, services)
}
