package app

import (
	"strings"
)

// environment variables holding secrets, read at startup and scrubbed afterwards
const (
	QueuePassEnv   = "RABBITMQ_PASS"
	StoreApiKeyEnv = "ELASTIC_API_KEY"
)

type ConfigErr struct {
	errs []string
}

func (ce *ConfigErr) Add(s string) {
	ce.errs = append(ce.errs, s)
}

func (ce *ConfigErr) Error() string {
	return "config err: " + strings.Join(ce.errs, ",")
}

func (ce *ConfigErr) IsError() bool {
	return len(ce.errs) > 0
}

func NewConfigErr() ConfigErr {
	return ConfigErr{
		errs: []string{},
	}
}
