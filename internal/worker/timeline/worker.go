package timeline

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/lead-routing/internal/queue"
	"github.com/acme/lead-routing/internal/repository"
	"github.com/acme/lead-routing/internal/telemetry"
	"github.com/acme/lead-routing/pkg/logger"
)

// Worker projects assignment events into the lead timeline.
type Worker struct {
	consumer *queue.Consumer
	store    repository.TimelineStore
	metrics  *telemetry.Metrics
	log      *logger.Logger
	topic    string
}

// New creates a timeline worker.
func New(reader queue.MessageReader, store repository.TimelineStore, topic string, metrics *telemetry.Metrics, log *logger.Logger) *Worker {
	if log == nil {
		log = logger.NewNop()
	}
	return &Worker{
		consumer: queue.NewConsumer(reader, "timeline worker", log),
		store:    store,
		metrics:  metrics,
		log:      log,
		topic:    topic,
	}
}

// Run processes assignment events until the context is cancelled. An event
// whose append fails is retried before anything after it is committed.
func (w *Worker) Run(ctx context.Context) error {
	return w.consumer.Run(ctx, w.handle)
}

func (w *Worker) handle(ctx context.Context, msg kafka.Message) bool {
	var evt queue.AssignmentEvent
	if err := json.Unmarshal(msg.Value, &evt); err != nil {
		w.log.Error("timeline worker: unmarshal", zap.Error(err), zap.Int64("offset", msg.Offset))
		w.metrics.Consumed(w.topic, "poison")
		return true
	}

	tracer := otel.Tracer("leadrouting.timelineworker")
	sctx, span := tracer.Start(ctx, "lead.timeline", trace.WithAttributes(
		attribute.String("lead.id", evt.LeadID.String()),
		attribute.String("event.kind", string(evt.Kind)),
	))
	defer span.End()

	// Appends are keyed by event id, so redelivery rewrites the same row.
	if err := w.store.Append(sctx, evt.TimelineEntry()); err != nil {
		span.RecordError(err)
		w.log.Error("timeline worker: append", zap.Error(err), zap.String("lead_id", evt.LeadID.String()))
		w.metrics.Consumed(w.topic, "error")
		return false
	}
	w.metrics.Consumed(w.topic, "ok")
	return true
}
