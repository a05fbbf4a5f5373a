package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/aau-network-security/certflow/app"
	"github.com/aau-network-security/certflow/metrics"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// policy for messages whose processing failed; the message is acknowledged
// either way, so the broker never redelivers
const (
	PolicyAck        = "ack"         // failure is logged, documents are lost (original behavior)
	PolicyDeadLetter = "dead-letter" // message body is forwarded to <queue>.dead-letter first
)

const DeadLetterSuffix = ".dead-letter"

var DeliveriesClosedErr = errors.New("delivery channel closed by broker")

// error kinds reported by a message handler
const (
	KindDecode    = "decode"
	KindTransform = "transform"
	KindStore     = "store"
)

// Result is the explicit outcome of processing one queue message.
type Result struct {
	Transformed int
	Indexed     int
	Failed      int
	Kind        string
	Err         error
}

// processes the body of one queue message
type HandlerFunc func(ctx context.Context, body []byte) Result

type ConsumerOpts struct {
	OnProcessFailure string `yaml:"on-process-failure"`
}

func (o *ConsumerOpts) IsValid() error {
	ce := app.NewConfigErr()
	switch o.OnProcessFailure {
	case "", PolicyAck, PolicyDeadLetter:
	default:
		ce.Add(fmt.Sprintf("unknown process failure policy '%s'", o.OnProcessFailure))
	}
	if ce.IsError() {
		return &ce
	}
	return nil
}

// Consumer takes messages off the durable queue one at a time: each message
// is fully processed and acknowledged exactly once before the next one is
// fetched. Processing failures do not prevent the acknowledgement.
type Consumer struct {
	conf    Config
	opts    ConsumerOpts
	handler HandlerFunc
	svc     metrics.Service
	el      app.ErrLogger
}

func NewConsumer(conf Config, opts ConsumerOpts, handler HandlerFunc, svc metrics.Service, el app.ErrLogger) *Consumer {
	if opts.OnProcessFailure == "" {
		opts.OnProcessFailure = PolicyAck
	}
	return &Consumer{
		conf:    conf,
		opts:    opts,
		handler: handler,
		svc:     svc,
		el:      el,
	}
}

// consumes the queue until the context is cancelled, reconnecting with
// bounded backoff whenever the broker connection is lost
func (c *Consumer) Run(ctx context.Context) error {
	err := app.RetryBackoff(ctx, func() error {
		err := c.consume(ctx)
		if ctx.Err() != nil {
			return nil
		}
		log.Error().Msgf("lost connection to broker: %s", err)
		return err
	}, -1, time.Second, 30*time.Second)
	if err == context.Canceled {
		return nil
	}
	return err
}

func (c *Consumer) consume(ctx context.Context) error {
	conn, err := amqp.DialConfig(c.conf.Uri(), amqp.Config{
		Properties: amqp.Table{"connection_name": fmt.Sprintf("certflow-indexer-%s", uuid.New().String())},
	})
	if err != nil {
		return errors.Wrap(err, "connect to broker")
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return errors.Wrap(err, "open channel")
	}
	defer ch.Close()

	if err := declareQueue(ch, c.conf.Queue); err != nil {
		return errors.Wrap(err, "declare queue")
	}
	if c.opts.OnProcessFailure == PolicyDeadLetter {
		if err := declareQueue(ch, c.conf.Queue+DeadLetterSuffix); err != nil {
			return errors.Wrap(err, "declare dead-letter queue")
		}
	}

	// serialized consumption: at most one unacknowledged message
	if err := ch.Qos(1, 0, false); err != nil {
		return errors.Wrap(err, "set prefetch")
	}

	tag := fmt.Sprintf("certflow-indexer-%s", uuid.New().String())
	deliveries, err := ch.Consume(c.conf.Queue, tag, false, false, false, false, nil)
	if err != nil {
		return errors.Wrap(err, "start consuming")
	}

	log.Info().Msgf("consuming queue %s from %s", c.conf.Queue, c.conf.Host)

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return DeliveriesClosedErr
			}
			c.process(ctx, ch, d)
		}
	}
}

// processes a single delivery and acknowledges it exactly once, regardless of
// the processing outcome
func (c *Consumer) process(ctx context.Context, ch *amqp.Channel, d amqp.Delivery) {
	res := c.handler(ctx, d.Body)

	if res.Err != nil {
		c.el.Log(res.Err, app.LogOptions{
			Tags: map[string]string{"kind": res.Kind},
			Msg:  "failed to process certificate batch",
		})
		c.svc.ProcessError(res.Kind)

		if c.opts.OnProcessFailure == PolicyDeadLetter {
			err := ch.PublishWithContext(ctx, "", c.conf.Queue+DeadLetterSuffix, false, false, amqp.Publishing{
				ContentType:  d.ContentType,
				DeliveryMode: amqp.Persistent,
				Body:         d.Body,
			})
			if err != nil {
				c.el.Log(err, app.LogOptions{Msg: "failed to dead-letter certificate batch"})
			}
		}
	} else {
		c.svc.MessageProcessed(res.Indexed)
		log.Debug().
			Int("transformed", res.Transformed).
			Int("indexed", res.Indexed).
			Int("failed", res.Failed).
			Msg("processed certificate batch")
	}

	if err := d.Ack(false); err != nil {
		c.el.Log(err, app.LogOptions{Msg: "failed to acknowledge message"})
	}
}
