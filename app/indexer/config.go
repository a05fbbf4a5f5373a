package main

import (
	"io/ioutil"
	"os"

	"github.com/aau-network-security/certflow/app"
	"github.com/aau-network-security/certflow/index"
	"github.com/aau-network-security/certflow/metrics"
	"github.com/aau-network-security/certflow/queue"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

type config struct {
	Queue    queue.Config       `yaml:"queue"`
	Consumer queue.ConsumerOpts `yaml:"consumer"`
	Store    index.StoreConfig  `yaml:"store"`
	Influx   metrics.Opts       `yaml:"influxdb"`
	Sentry   app.Sentry         `yaml:"sentry"`
	LogLevel string             `yaml:"log-level"`
}

func (c *config) isValid() error {
	if err := c.Queue.IsValid(); err != nil {
		return err
	}
	if err := c.Consumer.IsValid(); err != nil {
		return err
	}
	if err := c.Store.IsValid(); err != nil {
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
	conf.Store.ApiKey = os.Getenv(app.StoreApiKeyEnv)
	for _, env := range []string{app.QueuePassEnv, app.StoreApiKeyEnv} {
		os.Setenv(env, "")
	}

	return conf, nil
}
