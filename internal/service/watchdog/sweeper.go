package watchdog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/acme/lead-routing/internal/config"
	"github.com/acme/lead-routing/internal/domain"
	"github.com/acme/lead-routing/internal/repository"
	"github.com/acme/lead-routing/internal/telemetry"
	"github.com/acme/lead-routing/pkg/logger"
)

// Redistributor reassigns the lead of an expired assignment.
type Redistributor interface {
	Redistribute(ctx context.Context, expired domain.Assignment, now time.Time) (*domain.Redistribution, error)
}

// Report summarises one sweep.
type Report struct {
	Due        int
	Expired    int
	Cancelled  int
	Noop       int
	Reassigned int
	Manual     int
	Orphans    int
	Failed     int
}

// Sweeper finds overdue assignments, expires them and triggers the repique.
type Sweeper struct {
	store         repository.AssignmentStore
	redistributor Redistributor
	metrics       *telemetry.Metrics
	log           *logger.Logger
	batchSize     int
	workers       int
}

// NewSweeper constructs a sweeper. metrics and log may be nil.
func NewSweeper(store repository.AssignmentStore, redistributor Redistributor, metrics *telemetry.Metrics, log *logger.Logger, cfg config.WatchdogConfig) *Sweeper {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Sweeper{
		store:         store,
		redistributor: redistributor,
		metrics:       metrics,
		log:           log,
		batchSize:     cfg.BatchSize,
		workers:       cfg.WorkerCount,
	}
}

// Sweep processes one batch of overdue assignments as of now, then retries
// expired assignments left without a repique by an earlier failure.
// Individual failures are logged and counted; only listing errors abort.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (Report, error) {
	started := time.Now()
	log := s.log.WithContext(ctx)

	due, err := s.store.ListDue(ctx, now, s.batchSize)
	if err != nil {
		return Report{}, fmt.Errorf("watchdog: list due: %w", err)
	}

	var (
		mu     sync.Mutex
		report = Report{Due: len(due)}
		failed = make(map[uuid.UUID]struct{})
	)
	record := func(fn func(r *Report)) {
		mu.Lock()
		fn(&report)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, a := range due {
		a := a
		g.Go(func() error {
			outcome, err := s.store.Expire(gctx, a.ID, now)
			if err != nil {
				log.Error("expire assignment", zap.String("assignment_id", a.ID.String()), zap.Error(err))
				s.metrics.Expiry("error")
				record(func(r *Report) { r.Failed++ })
				return nil
			}
			s.metrics.Expiry(string(outcome))

			switch outcome {
			case domain.ExpiryCancelled:
				record(func(r *Report) { r.Cancelled++ })
				return nil
			case domain.ExpiryNoop:
				record(func(r *Report) { r.Noop++ })
				return nil
			}
			record(func(r *Report) { r.Expired++ })

			a.Status = domain.AssignmentExpired
			if err := s.redistribute(gctx, a, now, record); err != nil {
				mu.Lock()
				failed[a.ID] = struct{}{}
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return report, err
	}

	orphans, err := s.store.ListOrphaned(ctx, s.batchSize)
	if err != nil {
		log.Error("list orphaned assignments", zap.Error(err))
	}
	for _, a := range orphans {
		if _, skip := failed[a.ID]; skip {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		record(func(r *Report) { r.Orphans++ })
		_ = s.redistribute(ctx, a, now, record)
	}

	s.metrics.Sweep(len(due), time.Since(started))
	if report.Due > 0 || report.Orphans > 0 {
		log.Info("watchdog sweep finished",
			zap.Int("due", report.Due),
			zap.Int("expired", report.Expired),
			zap.Int("cancelled", report.Cancelled),
			zap.Int("reassigned", report.Reassigned),
			zap.Int("manual", report.Manual),
			zap.Int("orphans", report.Orphans),
			zap.Int("failed", report.Failed),
			zap.Duration("took", time.Since(started)))
	}
	return report, nil
}

func (s *Sweeper) redistribute(ctx context.Context, a domain.Assignment, now time.Time, record func(func(*Report))) error {
	res, err := s.redistributor.Redistribute(ctx, a, now)
	if err != nil {
		s.log.WithContext(ctx).Error("redistribute lead",
			zap.String("lead_id", a.LeadID.String()),
			zap.String("assignment_id", a.ID.String()),
			zap.Error(err))
		record(func(r *Report) { r.Failed++ })
		return err
	}
	switch {
	case res.Duplicate, res.Skipped:
	case res.Assignment == nil:
		record(func(r *Report) { r.Manual++ })
	default:
		record(func(r *Report) { r.Reassigned++ })
	}
	return nil
}
