package stream

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aau-network-security/certflow/app"
	"github.com/aau-network-security/certflow/metrics"
	"github.com/rs/zerolog/log"
)

// submits a completed batch for asynchronous publication; blocks when the
// publish path is saturated
type DispatchFunc func(ctx context.Context, batch []json.RawMessage) error

type BatcherOpts struct {
	BatchSize     int `yaml:"batch-size"`
	LatencyWindow int `yaml:"latency-window"`
}

func (o *BatcherOpts) IsValid() error {
	ce := app.NewConfigErr()
	if o.BatchSize < 1 {
		ce.Add("batch size must be at least 1")
	}
	if ce.IsError() {
		return &ce
	}
	return nil
}

// Batcher accumulates feed records into fixed-size batches. Accept must be
// called from a single goroutine; the batcher itself never drops a record.
type Batcher struct {
	size     int
	cache    []json.RawMessage
	dispatch DispatchFunc
	lw       *metrics.LatencyWindow
	svc      metrics.Service
}

func NewBatcher(opts BatcherOpts, dispatch DispatchFunc, svc metrics.Service) *Batcher {
	if opts.LatencyWindow <= 0 {
		opts.LatencyWindow = metrics.DefaultWindowSize
	}
	return &Batcher{
		size:     opts.BatchSize,
		cache:    make([]json.RawMessage, 0, opts.BatchSize),
		dispatch: dispatch,
		lw:       metrics.NewLatencyWindow(opts.LatencyWindow),
		svc:      svc,
	}
}

// appends a record to the current batch and hands the batch off for
// publication once it reaches the configured size
func (b *Batcher) Accept(ctx context.Context, rec json.RawMessage) error {
	start := time.Now()

	b.cache = append(b.cache, rec)

	if len(b.cache) == b.size {
		snapshot := make([]json.RawMessage, len(b.cache))
		copy(snapshot, b.cache)
		b.cache = b.cache[:0]

		if err := b.dispatch(ctx, snapshot); err != nil {
			return err
		}
		b.svc.BatchDispatched(len(snapshot))
	}

	if st, full := b.lw.Observe(time.Since(start)); full {
		log.Info().
			Int("window", st.Window).
			Dur("avg", st.Avg).
			Dur("median", st.Median).
			Dur("p95", st.P95).
			Dur("p99", st.P99).
			Msg("accept latency")
		b.svc.Latency(st)
	}
	return nil
}

// number of records in the current, incomplete batch
func (b *Batcher) Pending() int {
	return len(b.cache)
}

// drains the listener's record channel into the batcher; returns when the
// channel is closed or dispatch fails
func (b *Batcher) Consume(ctx context.Context, records <-chan json.RawMessage) error {
	for rec := range records {
		if err := b.Accept(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}
