package index

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"time"

	"github.com/aau-network-security/certflow/app"
	"github.com/aau-network-security/certflow/metrics"
	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/elastic/go-elasticsearch/v8/esutil"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const DefaultBulkTimeout = 60

type StoreConfig struct {
	Url         string `yaml:"url"`
	ApiKey      string `yaml:"-"`
	CACertFile  string `yaml:"ca-cert-file"`
	Index       string `yaml:"index"`
	MappingFile string `yaml:"mapping-file"`
	BulkTimeout int    `yaml:"bulk-timeout"` // in seconds
}

func (c *StoreConfig) IsValid() error {
	ce := app.NewConfigErr()
	if c.Url == "" {
		ce.Add("store url cannot be empty")
	}
	if c.Index == "" {
		ce.Add("index name cannot be empty")
	}
	if ce.IsError() {
		return &ce
	}
	return nil
}

func (c *StoreConfig) Open() (*elasticsearch.Client, error) {
	cfg := elasticsearch.Config{
		Addresses: []string{c.Url},
		APIKey:    c.ApiKey,
	}
	if c.CACertFile != "" {
		cert, err := ioutil.ReadFile(c.CACertFile)
		if err != nil {
			return nil, errors.Wrap(err, "read CA certificate")
		}
		cfg.CACert = cert
	}
	return elasticsearch.NewClient(cfg)
}

// creates the index with the settings/mappings from the configured mapping
// file when it does not exist yet
func EnsureIndex(es *elasticsearch.Client, conf StoreConfig) error {
	res, err := es.Indices.Exists([]string{conf.Index})
	if err != nil {
		return errors.Wrap(err, "check index existence")
	}
	defer res.Body.Close()

	if res.StatusCode == 200 {
		log.Info().Msgf("index %s already exists", conf.Index)
		return nil
	}
	if res.StatusCode != 404 {
		return errors.New(fmt.Sprintf("unexpected status while checking index existence: %s", res.Status()))
	}

	var r *esapi.Response
	if conf.MappingFile != "" {
		f, err := ioutil.ReadFile(conf.MappingFile)
		if err != nil {
			return errors.Wrap(err, "read index mapping file")
		}
		r, err = es.Indices.Create(conf.Index, es.Indices.Create.WithBody(bytes.NewReader(f)))
		if err != nil {
			return errors.Wrap(err, "create index")
		}
	} else {
		r, err = es.Indices.Create(conf.Index)
		if err != nil {
			return errors.Wrap(err, "create index")
		}
	}
	defer r.Body.Close()

	if r.IsError() {
		return errors.New(fmt.Sprintf("failed to create index: %s", r.String()))
	}
	log.Info().Msgf("index %s created", conf.Index)
	return nil
}

type BulkStats struct {
	Indexed int
	Failed  int
}

// Bulk streams documents to the store as one bulk operation per call.
// Individual document failures are logged and counted; they never abort the
// remainder of the batch.
type Bulk struct {
	es      *elasticsearch.Client
	index   string
	timeout time.Duration
	svc     metrics.Service
	el      app.ErrLogger
}

func NewBulk(es *elasticsearch.Client, conf StoreConfig, svc metrics.Service, el app.ErrLogger) *Bulk {
	if conf.BulkTimeout <= 0 {
		conf.BulkTimeout = DefaultBulkTimeout
	}
	return &Bulk{
		es:      es,
		index:   conf.Index,
		timeout: time.Duration(conf.BulkTimeout) * time.Second,
		svc:     svc,
		el:      el,
	}
}

func (b *Bulk) Index(ctx context.Context, docs []*Document) (BulkStats, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	bi, err := esutil.NewBulkIndexer(esutil.BulkIndexerConfig{
		Client:     b.es,
		Index:      b.index,
		NumWorkers: 1,
	})
	if err != nil {
		return BulkStats{}, errors.Wrap(err, "create bulk indexer")
	}

	encodeFailures := 0
	for _, doc := range docs {
		body, err := json.Marshal(doc)
		if err != nil {
			b.el.Log(err, app.LogOptions{
				Tags: map[string]string{"document": doc.ID},
				Msg:  "failed to encode document",
			})
			b.svc.DocumentFailed()
			encodeFailures++
			continue
		}

		err = bi.Add(ctx, esutil.BulkIndexerItem{
			Action:     "index",
			DocumentID: doc.ID,
			Body:       bytes.NewReader(body),
			OnFailure: func(ctx context.Context, item esutil.BulkIndexerItem, res esutil.BulkIndexerResponseItem, err error) {
				if err == nil {
					err = errors.New(fmt.Sprintf("%s: %s", res.Error.Type, res.Error.Reason))
				}
				b.el.Log(err, app.LogOptions{
					Tags: map[string]string{"document": item.DocumentID},
					Msg:  "failed to index document",
				})
				b.svc.DocumentFailed()
			},
		})
		if err != nil {
			bi.Close(ctx)
			return BulkStats{}, errors.Wrap(err, "add document to bulk operation")
		}
	}

	if err := bi.Close(ctx); err != nil {
		return BulkStats{}, errors.Wrap(err, "flush bulk operation")
	}

	st := bi.Stats()
	return BulkStats{
		Indexed: int(st.NumFlushed),
		Failed:  int(st.NumFailed) + encodeFailures,
	}, nil
}
