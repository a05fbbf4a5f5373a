package queue

import (
	"context"
	"testing"

	"github.com/aau-network-security/certflow/app"
	"github.com/aau-network-security/certflow/metrics"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

type fakeAcknowledger struct {
	acks    int
	nacks   int
	rejects int
}

func (a *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	a.acks++
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, multiple bool, requeue bool) error {
	a.nacks++
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	a.rejects++
	return nil
}

func newTestConsumer(handler HandlerFunc) *Consumer {
	el := app.NewZeroLogger(nil, zerolog.Disabled)
	return NewConsumer(Config{}, ConsumerOpts{}, handler, metrics.NewService(metrics.Opts{}), el)
}

func TestConsumerAcksOnSuccess(t *testing.T) {
	c := newTestConsumer(func(ctx context.Context, body []byte) Result {
		return Result{Transformed: 1, Indexed: 1}
	})

	ack := &fakeAcknowledger{}
	c.process(context.Background(), nil, amqp.Delivery{Acknowledger: ack, DeliveryTag: 1})

	if ack.acks != 1 {
		t.Fatalf("expected %d ack, but got %d", 1, ack.acks)
	}
	if ack.nacks != 0 || ack.rejects != 0 {
		t.Fatalf("expected no nacks or rejects, but got %d and %d", ack.nacks, ack.rejects)
	}
}

func TestConsumerAcksOnFailure(t *testing.T) {
	// a failed message is acknowledged all the same; the broker must never
	// redeliver it
	c := newTestConsumer(func(ctx context.Context, body []byte) Result {
		return Result{Kind: KindTransform, Err: errors.New("malformed record")}
	})

	ack := &fakeAcknowledger{}
	c.process(context.Background(), nil, amqp.Delivery{Acknowledger: ack, DeliveryTag: 1})

	if ack.acks != 1 {
		t.Fatalf("expected %d ack, but got %d", 1, ack.acks)
	}
	if ack.nacks != 0 || ack.rejects != 0 {
		t.Fatalf("expected no nacks or rejects, but got %d and %d", ack.nacks, ack.rejects)
	}
}
