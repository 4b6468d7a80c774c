package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/capsulenote/internal/app"
	"github.com/dharsanguruparan/capsulenote/internal/billing"
	"github.com/dharsanguruparan/capsulenote/internal/channel"
	"github.com/dharsanguruparan/capsulenote/internal/config"
	"github.com/dharsanguruparan/capsulenote/internal/dstguard"
	"github.com/dharsanguruparan/capsulenote/internal/ingest"
	"github.com/dharsanguruparan/capsulenote/internal/logging"
	"github.com/dharsanguruparan/capsulenote/internal/model"
	"github.com/dharsanguruparan/capsulenote/internal/queue"
	"github.com/dharsanguruparan/capsulenote/internal/scheduler"
	"github.com/dharsanguruparan/capsulenote/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	logger := logging.New(os.Stdout, cfg.LogLevel)

	rt, err := app.Open(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("init runtime: %v", err)
	}
	defer rt.Close()

	router := channel.NewRouter().Handle(model.ChannelElectronic, channel.NewEmailSender(channel.EmailConfig{
		URL:     cfg.EmailAPIURL,
		APIKey:  cfg.EmailAPIKey,
		From:    cfg.EmailFrom,
		Timeout: cfg.SendTimeout,
	}, nil))
	mail, err := rt.MailSender(ctx)
	if err != nil {
		log.Fatalf("init mail sender: %v", err)
	}
	if mail != nil {
		router.Handle(model.ChannelPhysical, mail)
	}
	var notifier channel.Notifier = channel.NopNotifier{}
	if cfg.PushAPIURL != "" {
		notifier = channel.NewPushNotifier(cfg.PushAPIURL, cfg.SendTimeout)
	}

	deliveries := scheduler.New(scheduler.Deps{
		Letters:     rt.Letters,
		Deliveries:  rt.Deliveries,
		Crypto:      rt.Crypto,
		Sender:      router,
		Notifier:    notifier,
		Guard:       dstguard.New(logger),
		Timer:       rt.Timer,
		Log:         logger,
		LockWindow:  cfg.LockWindow,
		SendTimeout: cfg.SendTimeout,
	})
	reconciler := scheduler.NewReconciler(rt.Deliveries, rt.Audit, rt.Timer, logger, nil)

	events := ingest.New(rt.Events, logger, cfg.StuckEventAfter, nil)
	billing.New(rt.Billing, logger, nil).Register(events)

	processor := worker.NewProcessor(deliveries, events, reconciler, logger)
	redisOpt := queue.RedisOpt(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	server := asynq.NewServer(redisOpt, processor.Config(cfg.Workers, logging.NewAsynqLogger(logger)))

	periodic := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		Logger:   logging.NewAsynqLogger(logger),
		Location: time.UTC,
	})
	for _, typ := range []string{queue.ReconcileDeliveriesTask, queue.ReconcileEventsTask} {
		if _, err := periodic.Register(cfg.ReconcileSpec, asynq.NewTask(typ, nil),
			asynq.Queue(queue.QueueMaintain), asynq.MaxRetry(0), asynq.Unique(time.Minute)); err != nil {
			log.Fatalf("register %s: %v", typ, err)
		}
	}
	if err := periodic.Start(); err != nil {
		log.Fatalf("start scheduler: %v", err)
	}

	go func() {
		<-ctx.Done()
		periodic.Shutdown()
		server.Shutdown()
	}()

	logger.Info(ctx, "worker started", "concurrency", cfg.Workers, "reconcile", cfg.ReconcileSpec)
	if err := server.Run(processor.Handler()); err != nil {
		logger.Error(ctx, "worker stopped", "error", err)
		rt.Close()
		os.Exit(1)
	}
}
