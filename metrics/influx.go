package metrics

import (
	"io"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxapi "github.com/influxdata/influxdb-client-go/v2/api"
)

// Service aggregates pipeline counters and writes them to influxdb at a
// fixed interval. All methods are safe for concurrent use.
type Service interface {
	BatchDispatched(size int)
	BatchDropped()
	BatchSpilled()
	PublishError()
	MessageProcessed(docs int)
	ProcessError(kind string)
	DocumentFailed()
	Latency(st LatencyStats)
	io.Closer
}

type Opts struct {
	Enabled      bool   `yaml:"enabled"`
	ServUrl      string `yaml:"server-url"`
	AuthToken    string `yaml:"auth-token"`
	Organisation string `yaml:"organisation"`
	Bucket       string `yaml:"bucket"`
	Interval     int    `yaml:"interval"` // in seconds
}

type influxService struct {
	client        influxdb2.Client
	api           influxapi.WriteAPI
	done          chan bool
	ticker        *time.Ticker
	m             *sync.Mutex
	batches       int
	records       int
	dropped       int
	spilled       int
	publishErrs   int
	messages      int
	documents     int
	processErrs   map[string]int
	docFailures   int
	latency       LatencyStats
	latencyViewed bool
}

func (ifs *influxService) BatchDispatched(size int) {
	ifs.m.Lock()
	defer ifs.m.Unlock()

	ifs.batches++
	ifs.records += size
}

func (ifs *influxService) BatchDropped() {
	ifs.m.Lock()
	defer ifs.m.Unlock()

	ifs.dropped++
}

func (ifs *influxService) BatchSpilled() {
	ifs.m.Lock()
	defer ifs.m.Unlock()

	ifs.spilled++
}

func (ifs *influxService) PublishError() {
	ifs.m.Lock()
	defer ifs.m.Unlock()

	ifs.publishErrs++
}

func (ifs *influxService) MessageProcessed(docs int) {
	ifs.m.Lock()
	defer ifs.m.Unlock()

	ifs.messages++
	ifs.documents += docs
}

func (ifs *influxService) ProcessError(kind string) {
	ifs.m.Lock()
	defer ifs.m.Unlock()

	ifs.processErrs[kind]++
}

func (ifs *influxService) DocumentFailed() {
	ifs.m.Lock()
	defer ifs.m.Unlock()

	ifs.docFailures++
}

func (ifs *influxService) Latency(st LatencyStats) {
	ifs.m.Lock()
	defer ifs.m.Unlock()

	ifs.latency = st
	ifs.latencyViewed = false
}

func (ifs *influxService) write() {
	ifs.m.Lock()
	defer ifs.m.Unlock()

	now := time.Now()

	fields := map[string]interface{}{
		"batches":      ifs.batches,
		"records":      ifs.records,
		"dropped":      ifs.dropped,
		"spilled":      ifs.spilled,
		"publish-errs": ifs.publishErrs,
	}
	ifs.api.WritePoint(influxdb2.NewPoint("publisher", nil, fields, now))

	fields = map[string]interface{}{
		"messages":     ifs.messages,
		"documents":    ifs.documents,
		"doc-failures": ifs.docFailures,
	}
	ifs.api.WritePoint(influxdb2.NewPoint("indexer", nil, fields, now))

	for kind, count := range ifs.processErrs {
		tags := map[string]string{
			"kind": kind,
		}
		fields := map[string]interface{}{
			"count": count,
		}
		ifs.api.WritePoint(influxdb2.NewPoint("process-errs", tags, fields, now))
	}

	if !ifs.latencyViewed && ifs.latency.Window > 0 {
		fields := map[string]interface{}{
			"avg":    float64(ifs.latency.Avg.Nanoseconds()) / 1e3,
			"median": float64(ifs.latency.Median.Nanoseconds()) / 1e3,
			"p95":    float64(ifs.latency.P95.Nanoseconds()) / 1e3,
			"p99":    float64(ifs.latency.P99.Nanoseconds()) / 1e3,
		}
		ifs.api.WritePoint(influxdb2.NewPoint("accept-latency-us", nil, fields, now))
		ifs.latencyViewed = true
	}

	ifs.batches = 0
	ifs.records = 0
	ifs.dropped = 0
	ifs.spilled = 0
	ifs.publishErrs = 0
	ifs.messages = 0
	ifs.documents = 0
	ifs.docFailures = 0
	ifs.processErrs = map[string]int{}
}

func (ifs *influxService) Close() error {
	ifs.done <- true
	ifs.ticker.Stop()

	ifs.client.Close()

	return nil
}

// service that is being used when influxdb is disabled
type disabledService struct{}

func (ds *disabledService) BatchDispatched(size int)  {}
func (ds *disabledService) BatchDropped()             {}
func (ds *disabledService) BatchSpilled()             {}
func (ds *disabledService) PublishError()             {}
func (ds *disabledService) MessageProcessed(docs int) {}
func (ds *disabledService) ProcessError(kind string)  {}
func (ds *disabledService) DocumentFailed()           {}
func (ds *disabledService) Latency(st LatencyStats)   {}
func (ds *disabledService) Close() error              { return nil }

func NewService(opts Opts) Service {
	if !opts.Enabled {
		return &disabledService{}
	}

	client := influxdb2.NewClient(opts.ServUrl, opts.AuthToken)
	api := client.WriteAPI(opts.Organisation, opts.Bucket)

	return NewServiceWithClient(client, api, opts.Interval)
}

func NewServiceWithClient(client influxdb2.Client, api influxapi.WriteAPI, interval int) Service {
	ticker := time.NewTicker(time.Duration(interval) * time.Second)
	done := make(chan bool)

	ifs := influxService{
		client:      client,
		api:         api,
		done:        done,
		ticker:      ticker,
		m:           &sync.Mutex{},
		processErrs: map[string]int{},
	}

	go func() {
		// write to influxdb at interval
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				ifs.write()
			}
		}
	}()

	return &ifs
}
