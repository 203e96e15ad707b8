package watchdog

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/acme/lead-routing/internal/config"
	watchdogsvc "github.com/acme/lead-routing/internal/service/watchdog"
	"github.com/acme/lead-routing/pkg/logger"
)

// Sweeper runs one SLA sweep.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (watchdogsvc.Report, error)
}

// Runner periodically sweeps overdue assignments.
type Runner struct {
	sweeper  Sweeper
	interval time.Duration
	log      *logger.Logger
	now      func() time.Time
}

// New constructs a runner.
func New(sweeper Sweeper, cfg config.WatchdogConfig, log *logger.Logger) *Runner {
	interval := cfg.TickInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Runner{
		sweeper:  sweeper,
		interval: interval,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps immediately and then on every tick until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.log.Info("watchdog started", zap.Duration("interval", r.interval))
	for {
		if err := r.tick(ctx); err != nil && ctx.Err() == nil {
			r.log.Error("watchdog tick failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			r.log.Info("watchdog stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Runner) tick(ctx context.Context) error {
	tracer := otel.Tracer("leadrouting.watchdog")
	sctx, span := tracer.Start(ctx, "watchdog.sweep")
	defer span.End()

	now := r.now()
	report, err := r.sweeper.Sweep(sctx, now)
	span.SetAttributes(
		attribute.Int("assignments.due", report.Due),
		attribute.Int("assignments.expired", report.Expired),
		attribute.Int("assignments.cancelled", report.Cancelled),
		attribute.Int("leads.reassigned", report.Reassigned),
		attribute.Int("leads.manual", report.Manual),
		attribute.Int("assignments.orphaned", report.Orphans),
		attribute.Int("failures", report.Failed),
	)
	if err != nil {
		span.RecordError(err)
		return err
	}
	r.log.Debug("watchdog tick", zap.Time("now", now), zap.Int("due", report.Due))
	return nil
}
