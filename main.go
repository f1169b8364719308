package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nsqio/go-nsq"
	"golang.org/x/sync/errgroup"

	"helpdesk/apps/backend/internal/app"
	"helpdesk/apps/backend/internal/config"
	"helpdesk/apps/backend/internal/logger"
)

// triggerMaxAttempts bounds redeliveries of a failing sync trigger before it
// lands in the failed-job ledger.
const triggerMaxAttempts = 5

func main() {
	log := slog.New(logger.NewContextHandler(slog.NewJSONHandler(os.Stdout, nil)))
	slog.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		slog.Error("application exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	deps, err := app.Bootstrap(ctx, cfg)
	if err != nil {
		return err
	}
	defer deps.Close()

	application, err := app.New(cfg, deps.DB, deps.Weaviate, deps.NSQProducer, logger)
	if err != nil {
		return err
	}
	defer application.Close()

	g, ctx := errgroup.WithContext(ctx)

	if cfg.EnableSyncWorker {
		consumer, err := startSyncWorker(cfg, application)
		if err != nil {
			return err
		}
		g.Go(func() error {
			<-ctx.Done()
			consumer.Stop()
			<-consumer.StopChan
			return nil
		})
	}

	if cfg.EnableScheduler {
		g.Go(func() error {
			return application.Scheduler.Run(ctx)
		})
	}

	if cfg.EnableAPI {
		g.Go(func() error {
			return application.Run(ctx)
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func startSyncWorker(cfg *config.Config, application *app.App) (*nsq.Consumer, error) {
	nsqCfg := nsq.NewConfig()
	nsqCfg.MaxAttempts = triggerMaxAttempts

	consumer, err := nsq.NewConsumer(config.TopicSyncTrigger, config.ChannelSyncWorker, nsqCfg)
	if err != nil {
		return nil, err
	}
	consumer.AddHandler(application.SyncConsumer)

	if cfg.NSQLookupd != "" {
		err = consumer.ConnectToNSQLookupd(cfg.NSQLookupd)
	} else {
		err = consumer.ConnectToNSQD(cfg.NSQDHost)
	}
	if err != nil {
		consumer.Stop()
		return nil, err
	}
	slog.Info("sync worker connected", "topic", config.TopicSyncTrigger, "channel", config.ChannelSyncWorker)
	return consumer, nil
}
