package intake

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/lead-routing/internal/queue"
	leadsvc "github.com/acme/lead-routing/internal/service/lead"
	"github.com/acme/lead-routing/internal/telemetry"
	apperrors "github.com/acme/lead-routing/pkg/errors"
	"github.com/acme/lead-routing/pkg/logger"
)

// Intaker routes one inbound lead.
type Intaker interface {
	Intake(ctx context.Context, input leadsvc.IntakeInput) (*leadsvc.IntakeResult, error)
}

// Worker consumes inbound leads published by capture sources.
type Worker struct {
	consumer *queue.Consumer
	leads    Intaker
	metrics  *telemetry.Metrics
	log      *logger.Logger
	topic    string
	retries  uint64
	delay    time.Duration
}

// New creates an intake worker.
func New(reader queue.MessageReader, leads Intaker, topic string, metrics *telemetry.Metrics, log *logger.Logger) *Worker {
	if log == nil {
		log = logger.NewNop()
	}
	return &Worker{
		consumer: queue.NewConsumer(reader, "intake worker", log),
		leads:    leads,
		metrics:  metrics,
		log:      log,
		topic:    topic,
		retries:  5,
		delay:    200 * time.Millisecond,
	}
}

// Run processes messages until the context is cancelled. A lead that still
// fails after its retries holds the partition until it goes through.
func (w *Worker) Run(ctx context.Context) error {
	return w.consumer.Run(ctx, w.handle)
}

// handle reports whether the message is done with and may be committed.
func (w *Worker) handle(ctx context.Context, msg kafka.Message) bool {
	var in queue.LeadIntakeMessage
	if err := json.Unmarshal(msg.Value, &in); err != nil {
		w.log.Error("intake worker: unmarshal", zap.Error(err), zap.Int64("offset", msg.Offset))
		w.metrics.Consumed(w.topic, "poison")
		return true
	}

	tracer := otel.Tracer("leadrouting.intakeworker")
	sctx, span := tracer.Start(ctx, "lead.intake", trace.WithAttributes(
		attribute.String("lead.origin", in.Origin),
		attribute.Int("kafka.partition", msg.Partition),
		attribute.Int64("kafka.offset", msg.Offset),
	))
	defer span.End()

	input := leadsvc.IntakeInput{
		Name:           in.Name,
		Phone:          in.Phone,
		Origin:         in.Origin,
		ExtraData:      in.ExtraData,
		IdempotencyKey: in.IdempotencyKey,
	}

	var res *leadsvc.IntakeResult
	op := func() error {
		out, err := w.leads.Intake(sctx, input)
		if err != nil {
			if errors.Is(err, apperrors.ErrValidation) {
				return backoff.Permanent(err)
			}
			return err
		}
		res = out
		return nil
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = w.delay
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, w.retries), sctx))

	switch {
	case err == nil:
		span.SetAttributes(attribute.String("lead.id", res.LeadID.String()))
		w.metrics.Consumed(w.topic, "ok")
		return true
	case errors.Is(err, apperrors.ErrValidation):
		span.RecordError(err)
		w.log.Warn("intake worker: rejected lead", zap.Error(err), zap.String("origin", in.Origin))
		w.metrics.Consumed(w.topic, "rejected")
		return true
	default:
		span.RecordError(err)
		w.log.Error("intake worker: intake", zap.Error(err), zap.String("origin", in.Origin))
		w.metrics.Consumed(w.topic, "error")
		return false
	}
}
