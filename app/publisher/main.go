package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/aau-network-security/certflow/app"
	"github.com/aau-network-security/certflow/metrics"
	"github.com/aau-network-security/certflow/queue"
	"github.com/aau-network-security/certflow/stream"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
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
		"app": "publisher",
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		log.Info().Msg("shutting down")
		cancel()
	}()

	pub, err := queue.NewPublisher(conf.Queue, conf.Publisher, svc, el)
	if err != nil {
		log.Fatal().Msgf("failed to create publisher: %s", err)
	}
	defer pub.Close()

	listener := stream.NewListener(conf.Feed)
	batcher := stream.NewBatcher(conf.Batch, pub.Dispatch, svc)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return pub.Run(gctx)
	})
	g.Go(func() error {
		return listener.Run(gctx)
	})
	g.Go(func() error {
		// records left in an incomplete batch are dropped on shutdown
		return batcher.Consume(gctx, listener.Records())
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Fatal().Msgf("pipeline failed: %s", err)
	}
}
