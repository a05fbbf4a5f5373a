package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"path/filepath"
	"sync"
	"time"

	"github.com/aau-network-security/certflow/app"
	"github.com/aau-network-security/certflow/metrics"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// policy for batches that fail to publish
const (
	PolicyDrop  = "drop"  // batch is lost (original behavior)
	PolicySpill = "spill" // batch body is written to the spill directory
	PolicyBlock = "block" // publish is retried with backoff, then dropped
)

type PublisherOpts struct {
	Workers          int    `yaml:"workers"`
	MaxPending       int64  `yaml:"max-pending"`
	OnPublishFailure string `yaml:"on-publish-failure"`
	SpillDir         string `yaml:"spill-dir"`
	PublishRetries   int    `yaml:"publish-retries"`
}

func (o *PublisherOpts) IsValid() error {
	ce := app.NewConfigErr()
	switch o.OnPublishFailure {
	case "", PolicyDrop, PolicyBlock:
	case PolicySpill:
		if o.SpillDir == "" {
			ce.Add("spill policy requires a spill directory")
		}
	default:
		ce.Add(fmt.Sprintf("unknown publish failure policy '%s'", o.OnPublishFailure))
	}
	if ce.IsError() {
		return &ce
	}
	return nil
}

// Publisher serializes batches and publishes them to the durable queue with
// persistent delivery. It owns the broker connection; each dispatch worker
// owns its own channel, so no channel is shared across goroutines. The number
// of pending plus in-flight batches is bounded, which makes Dispatch block
// when publishing falls behind.
type Publisher struct {
	conf Config
	opts PublisherOpts

	m    sync.Mutex
	conn *amqp.Connection
	name string

	pending chan []json.RawMessage
	sem     *semaphore.Weighted

	svc metrics.Service
	el  app.ErrLogger
}

func NewPublisher(conf Config, opts PublisherOpts, svc metrics.Service, el app.ErrLogger) (*Publisher, error) {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = 16
	}
	if opts.OnPublishFailure == "" {
		opts.OnPublishFailure = PolicyDrop
	}
	if opts.PublishRetries <= 0 {
		opts.PublishRetries = 5
	}

	p := &Publisher{
		conf:    conf,
		opts:    opts,
		name:    fmt.Sprintf("certflow-publisher-%s", uuid.New().String()),
		pending: make(chan []json.RawMessage, opts.MaxPending),
		sem:     semaphore.NewWeighted(opts.MaxPending),
		svc:     svc,
		el:      el,
	}

	// fail fast on unreachable broker or undeclarable queue
	conn, err := p.dial()
	if err != nil {
		return nil, errors.Wrap(err, "connect to broker")
	}
	p.conn = conn

	ch, err := conn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "open channel")
	}
	defer ch.Close()
	if err := declareQueue(ch, conf.Queue); err != nil {
		return nil, errors.Wrap(err, "declare queue")
	}

	log.Info().Msgf("connected to broker at %s, queue %s declared", conf.Host, conf.Queue)
	return p, nil
}

// submits a batch for asynchronous publication; blocks when the maximum
// number of pending batches is reached
func (p *Publisher) Dispatch(ctx context.Context, batch []json.RawMessage) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	select {
	case p.pending <- batch:
		return nil
	case <-ctx.Done():
		p.sem.Release(1)
		return ctx.Err()
	}
}

// runs the dispatch workers until the context is cancelled
func (p *Publisher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.opts.Workers; i++ {
		g.Go(func() error {
			return p.worker(ctx)
		})
	}
	return g.Wait()
}

// releases the broker connection, regardless of prior errors
func (p *Publisher) Close() error {
	p.m.Lock()
	defer p.m.Unlock()
	if p.conn == nil {
		return nil
	}
	return p.conn.Close()
}

func (p *Publisher) dial() (*amqp.Connection, error) {
	return amqp.DialConfig(p.conf.Uri(), amqp.Config{
		Properties: amqp.Table{"connection_name": p.name},
	})
}

// returns the shared connection, re-establishing it with bounded backoff when
// it has been closed
func (p *Publisher) connection(ctx context.Context) (*amqp.Connection, error) {
	p.m.Lock()
	defer p.m.Unlock()

	if p.conn != nil && !p.conn.IsClosed() {
		return p.conn, nil
	}

	err := app.RetryBackoff(ctx, func() error {
		conn, err := p.dial()
		if err != nil {
			log.Warn().Msgf("failed to reconnect to broker: %s", err)
			return err
		}
		p.conn = conn
		return nil
	}, -1, time.Second, 30*time.Second)
	if err != nil {
		return nil, err
	}

	log.Warn().Msgf("reconnected to broker at %s", p.conf.Host)
	return p.conn, nil
}

// opens a worker-owned channel and re-declares the queue on it
func (p *Publisher) channel(ctx context.Context) (*amqp.Channel, error) {
	conn, err := p.connection(ctx)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "open channel")
	}
	if err := declareQueue(ch, p.conf.Queue); err != nil {
		ch.Close()
		return nil, errors.Wrap(err, "declare queue")
	}
	return ch, nil
}

func (p *Publisher) worker(ctx context.Context) error {
	var ch *amqp.Channel
	defer func() {
		if ch != nil {
			ch.Close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case batch := <-p.pending:
			p.publishBatch(ctx, &ch, batch)
			p.sem.Release(1)
		}
	}
}

// publishes one batch on the worker's channel, applying the configured
// failure policy; the error (if any) is logged and counted, never returned
func (p *Publisher) publishBatch(ctx context.Context, ch **amqp.Channel, batch []json.RawMessage) {
	body, err := EncodeBatch(batch)
	if err != nil {
		p.el.Log(err, app.LogOptions{Msg: "failed to encode certificate batch"})
		p.svc.PublishError()
		return
	}

	publish := func() error {
		if *ch == nil {
			c, err := p.channel(ctx)
			if err != nil {
				return err
			}
			*ch = c
		}
		if err := p.publish(ctx, *ch, body); err != nil {
			// the channel is unusable after an error
			(*ch).Close()
			*ch = nil
			return err
		}
		return nil
	}

	err = publish()
	if err == nil {
		return
	}
	p.el.Log(err, app.LogOptions{Msg: "failed to enqueue certificate batch"})
	p.svc.PublishError()

	switch p.opts.OnPublishFailure {
	case PolicyBlock:
		err := app.RetryBackoff(ctx, publish, p.opts.PublishRetries, time.Second, 30*time.Second)
		if err == nil {
			return
		}
		p.el.Log(err, app.LogOptions{Msg: "giving up on certificate batch after retries"})
		p.svc.BatchDropped()
	case PolicySpill:
		if err := p.spill(body); err != nil {
			p.el.Log(err, app.LogOptions{Msg: "failed to spill certificate batch"})
			p.svc.BatchDropped()
			return
		}
		p.svc.BatchSpilled()
	default:
		p.svc.BatchDropped()
	}
}

func (p *Publisher) publish(ctx context.Context, ch *amqp.Channel, body []byte) error {
	return ch.PublishWithContext(ctx, "", p.conf.Queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
}

// writes the encoded batch to the spill directory for offline replay
func (p *Publisher) spill(body []byte) error {
	name := fmt.Sprintf("batch-%d.json", time.Now().UnixNano())
	path := filepath.Join(p.opts.SpillDir, name)
	if err := ioutil.WriteFile(path, body, 0644); err != nil {
		return errors.Wrap(err, "write spill file")
	}
	log.Warn().Msgf("spilled unpublished batch to %s", path)
	return nil
}
