package main

import (
	"io/ioutil"
	"os"

	"github.com/aau-network-security/certflow/app"
	"github.com/aau-network-security/certflow/metrics"
	"github.com/aau-network-security/certflow/queue"
	"github.com/aau-network-security/certflow/stream"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

type config struct {
	Feed      stream.ListenerOpts `yaml:"feed"`
	Queue     queue.Config        `yaml:"queue"`
	Publisher queue.PublisherOpts `yaml:"publisher"`
	Batch     stream.BatcherOpts  `yaml:"batch"`
	Influx    metrics.Opts        `yaml:"influxdb"`
	Sentry    app.Sentry          `yaml:"sentry"`
	LogLevel  string              `yaml:"log-level"`
}

func (c *config) isValid() error {
	if err := c.Feed.IsValid(); err != nil {
		return err
	}
	if err := c.Queue.IsValid(); err != nil {
		return err
	}
	if err := c.Publisher.IsValid(); err != nil {
		return err
	}
	if err := c.Batch.IsValid(); err != nil {
		return err
	}
	return c.Sentry.IsValid()
}

func readConfig(path string) (config, error) {
	var conf config
	f, err := ioutil.ReadFile(path)
	if err != nil {
		return conf, errors.Wrap(err, "read config file")
	}
	if err := yaml.Unmarshal(f, &conf); err != nil {
		return conf, errors.Wrap(err, "unmarshal config file")
	}

	conf.Queue.Password = os.Getenv(app.QueuePassEnv)
	os.Setenv(app.QueuePassEnv, "")

	return conf, nil
}
