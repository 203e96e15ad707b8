package repique

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/acme/lead-routing/internal/config"
	"github.com/acme/lead-routing/internal/domain"
	"github.com/acme/lead-routing/internal/queue"
	"github.com/acme/lead-routing/internal/repository"
	"github.com/acme/lead-routing/internal/service/selection"
	"github.com/acme/lead-routing/internal/telemetry"
	apperrors "github.com/acme/lead-routing/pkg/errors"
	"github.com/acme/lead-routing/pkg/logger"
)

// Publisher delivers assignment events after commit.
type Publisher interface {
	PublishAssignment(ctx context.Context, msg queue.AssignmentEvent) error
}

// Redistributor reassigns leads whose assignment expired.
type Redistributor struct {
	store     repository.AssignmentStore
	leads     repository.LeadStore
	selector  *selection.Selector
	publisher Publisher
	metrics   *telemetry.Metrics
	log       *logger.Logger
	cfg       config.RedistributionConfig
}

// NewRedistributor wires a redistributor. publisher and metrics may be nil.
func NewRedistributor(
	store repository.AssignmentStore,
	leads repository.LeadStore,
	selector *selection.Selector,
	publisher Publisher,
	metrics *telemetry.Metrics,
	log *logger.Logger,
	cfg config.RedistributionConfig,
) *Redistributor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 200 * time.Millisecond
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Redistributor{
		store:     store,
		leads:     leads,
		selector:  selector,
		publisher: publisher,
		metrics:   metrics,
		log:       log,
		cfg:       cfg,
	}
}

// Redistribute moves the lead of an expired assignment to another eligible
// agent of the same queue, or to the manual worklist when none is left. It is
// safe to call more than once for the same assignment.
func (r *Redistributor) Redistribute(ctx context.Context, expired domain.Assignment, now time.Time) (*domain.Redistribution, error) {
	log := r.log.WithContext(ctx).With(
		zap.String("lead_id", expired.LeadID.String()),
		zap.String("assignment_id", expired.ID.String()),
		zap.String("previous_agent_id", expired.AgentID.String()),
	)

	var result *domain.Redistribution
	op := func() error {
		res, err := r.store.Redistribute(ctx, expired, r.selector.Picker(&expired.AgentID), now)
		if err != nil {
			if apperrors.IsDomain(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		result = res
		return nil
	}
	notify := func(err error, wait time.Duration) {
		r.metrics.Retry()
		log.Warn("redistribution retry", zap.Error(err), zap.Duration("backoff", wait))
	}

	if err := backoff.RetryNotify(op, r.backoff(ctx), notify); err != nil {
		r.metrics.Redistribution("failed")
		if apperrors.IsDomain(err) {
			return nil, fmt.Errorf("repique: %w", err)
		}
		log.Error("redistribution exhausted retries", zap.Error(err))
		if flagErr := r.leads.FlagManual(ctx, expired.LeadID, domain.ManualReasonRedistributionFailed, now); flagErr != nil {
			log.Error("flag lead manual", zap.Error(flagErr))
		}
		return nil, fmt.Errorf("repique: %w: %v", apperrors.ErrUnavailable, err)
	}

	switch {
	case result.Duplicate:
		r.metrics.Redistribution("duplicate")
		log.Debug("redistribution already applied")
		return result, nil
	case result.Skipped:
		r.metrics.Redistribution("skipped")
		log.Info("lead closed before redistribution")
		return result, nil
	case result.Assignment == nil:
		r.metrics.Redistribution("manual")
		log.Info("no eligible agent, lead flagged for manual routing",
			zap.Int("repique_count", result.Event.ResultingRepiqueCount))
	default:
		r.metrics.Redistribution("reassigned")
		log.Info("lead redistributed",
			zap.String("new_agent_id", result.Assignment.AgentID.String()),
			zap.String("new_assignment_id", result.Assignment.ID.String()),
			zap.Int("repique_count", result.Event.ResultingRepiqueCount))
	}

	r.publish(ctx, log, queue.ReassignedEvent(expired, *result))
	return result, nil
}

func (r *Redistributor) backoff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = r.cfg.BaseDelay
	exp.MaxInterval = r.cfg.MaxDelay
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(r.cfg.MaxAttempts-1)), ctx)
}

// publish is best effort: the committed state is the source of truth.
func (r *Redistributor) publish(ctx context.Context, log *zap.Logger, evt queue.AssignmentEvent) {
	if r.publisher == nil {
		return
	}
	if err := r.publisher.PublishAssignment(ctx, evt); err != nil {
		log.Error("publish assignment event", zap.String("kind", string(evt.Kind)), zap.Error(err))
	}
}
