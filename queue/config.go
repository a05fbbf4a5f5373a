package queue

import (
	"fmt"
	"net/url"

	"github.com/aau-network-security/certflow/app"
	amqp "github.com/rabbitmq/amqp091-go"
)

type Config struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"-"`
	Queue    string `yaml:"queue"`
}

func (c *Config) Uri() string {
	port := c.Port
	if port == 0 {
		port = 5672
	}
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(c.User, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, port),
		Path:   "/",
	}
	return u.String()
}

func (c *Config) IsValid() error {
	ce := app.NewConfigErr()
	if c.Host == "" {
		ce.Add("queue host cannot be empty")
	}
	if c.Queue == "" {
		ce.Add("queue name cannot be empty")
	}
	if ce.IsError() {
		return &ce
	}
	return nil
}

// declares the named queue as durable; idempotent on the broker side
func declareQueue(ch *amqp.Channel, name string) error {
	_, err := ch.QueueDeclare(name, true, false, false, false, nil)
	return err
}
