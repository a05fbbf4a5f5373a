package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/aau-network-security/certflow/app"
	"github.com/aau-network-security/certflow/index"
	"github.com/aau-network-security/certflow/metrics"
	"github.com/aau-network-security/certflow/queue"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	confFile := flag.String("config", "config/config.yml", "location of configuration file")
	flag.Parse()

	conf, err := readConfig(*confFile)
	if err != nil {
		log.Fatal().Msgf("error while reading configuration: %s", err)
	}
	if err := conf.isValid(); err != nil {
		log.Fatal().Msgf("invalid configuration: %s", err)
	}

	level := zerolog.InfoLevel
	if conf.LogLevel != "" {
		level, err = zerolog.ParseLevel(conf.LogLevel)
		if err != nil {
			log.Fatal().Msgf("failed to parse log level: %s", err)
		}
	}
	zerolog.SetGlobalLevel(level)

	tags := map[string]string{
		"app": "indexer",
	}
	el := app.NewErrLogChain(app.NewZeroLogger(tags, level))
	if conf.Sentry.Enabled {
		hub, err := app.NewSentryHub(conf.Sentry)
		if err != nil {
			log.Fatal().Msgf("error while creating sentry hub: %s", err)
		}
		el.Add(hub.GetLogger(tags))
	}

	svc := metrics.NewService(conf.Influx)
	defer svc.Close()

	es, err := conf.Store.Open()
	if err != nil {
		log.Fatal().Msgf("failed to create store client: %s", err)
	}

	info, err := es.Info()
	if err != nil {
		log.Fatal().Msgf("failed to connect to store: %s", err)
	}
	var ci struct {
		Name        string `json:"name"`
		ClusterName string `json:"cluster_name"`
		Version     struct {
			Number string `json:"number"`
		} `json:"version"`
	}
	if err := json.NewDecoder(info.Body).Decode(&ci); err != nil {
		log.Fatal().Msgf("failed to decode store info: %s", err)
	}
	info.Body.Close()
	log.Info().Msgf("connected to %s (%s) at %s running elasticsearch v%s", ci.Name, ci.ClusterName, conf.Store.Url, ci.Version.Number)

	if err := index.EnsureIndex(es, conf.Store); err != nil {
		log.Fatal().Msgf("failed to ensure index: %s", err)
	}

	t, err := index.NewTransformer()
	if err != nil {
		log.Fatal().Msgf("failed to create transformer: %s", err)
	}
	bulk := index.NewBulk(es, conf.Store, svc, el)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		log.Info().Msg("shutting down")
		cancel()
	}()

	consumer := queue.NewConsumer(conf.Queue, conf.Consumer, index.NewHandler(t, bulk), svc, el)
	if err := consumer.Run(ctx); err != nil {
		log.Fatal().Msgf("consumer failed: %s", err)
	}
}
