package queue

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/acme/lead-routing/pkg/logger"
)

// HandlerFunc processes one message and reports whether it may be committed.
type HandlerFunc func(ctx context.Context, msg kafka.Message) bool

// Consumer fetches messages in partition order and commits each one only after
// its handler accepted it. Committing an offset also commits every earlier
// offset of the partition, so a rejected message is handed back to the handler
// until it is accepted or the context ends.
type Consumer struct {
	reader   MessageReader
	log      *logger.Logger
	name     string
	minDelay time.Duration
	maxDelay time.Duration
}

// NewConsumer wraps reader. name prefixes log lines.
func NewConsumer(reader MessageReader, name string, log *logger.Logger) *Consumer {
	if log == nil {
		log = logger.NewNop()
	}
	return &Consumer{
		reader:   reader,
		log:      log,
		name:     name,
		minDelay: time.Second,
		maxDelay: 30 * time.Second,
	}
}

// WithDelays overrides the backoff bounds used between fetch failures and
// between attempts at a held message.
func (c *Consumer) WithDelays(minDelay, maxDelay time.Duration) *Consumer {
	c.minDelay, c.maxDelay = minDelay, maxDelay
	if c.maxDelay < c.minDelay {
		c.maxDelay = c.minDelay
	}
	return c
}

var errNotHandled = errors.New("message not handled")

// Run consumes until the context is cancelled and closes the reader on return.
func (c *Consumer) Run(ctx context.Context, handle HandlerFunc) error {
	defer c.reader.Close()

	fetchPolicy := c.policy()
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			wait := fetchPolicy.NextBackOff()
			c.log.Error(c.name+": fetch", zap.Error(err), zap.Duration("backoff", wait))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}
		fetchPolicy.Reset()

		if err := c.hold(ctx, msg, handle); err != nil {
			return err
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.log.Error(c.name+": commit", zap.Error(err), zap.Int64("offset", msg.Offset))
		}
	}
}

// hold repeats handle on msg until it is accepted.
func (c *Consumer) hold(ctx context.Context, msg kafka.Message, handle HandlerFunc) error {
	op := func() error {
		if handle(ctx, msg) {
			return nil
		}
		return errNotHandled
	}
	notify := func(_ error, wait time.Duration) {
		c.log.Warn(c.name+": holding message",
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Duration("backoff", wait))
	}
	return backoff.RetryNotify(op, backoff.WithContext(c.policy(), ctx), notify)
}

func (c *Consumer) policy() *backoff.ExponentialBackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.minDelay
	exp.MaxInterval = c.maxDelay
	exp.MaxElapsedTime = 0
	exp.Reset()
	return exp
}
