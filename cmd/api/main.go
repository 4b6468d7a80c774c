package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	_ "time/tzdata"

	"github.com/dharsanguruparan/capsulenote/internal/api"
	"github.com/dharsanguruparan/capsulenote/internal/app"
	"github.com/dharsanguruparan/capsulenote/internal/config"
	"github.com/dharsanguruparan/capsulenote/internal/delivery"
	"github.com/dharsanguruparan/capsulenote/internal/letters"
	"github.com/dharsanguruparan/capsulenote/internal/logging"
	"github.com/dharsanguruparan/capsulenote/internal/signing"
	"github.com/dharsanguruparan/capsulenote/internal/webhook"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := logging.New(os.Stdout, cfg.LogLevel)

	rt, err := app.Open(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("init runtime: %v", err)
	}
	defer rt.Close()

	mail, err := rt.MailSender(ctx)
	if err != nil {
		log.Fatalf("init mail sender: %v", err)
	}

	letterSvc := letters.NewService(rt.Letters, rt.Crypto, logger, nil)
	deliverySvc := delivery.NewService(delivery.Deps{
		Letters:    rt.Letters,
		Deliveries: rt.Deliveries,
		Timer:      rt.Timer,
		Mail:       mail,
		Crypto:     rt.Crypto,
		Log:        logger,
	})
	signer := signing.NewSigner(cfg.WebhookSecret, cfg.WebhookTolerance)
	receiver := webhook.NewReceiver(signer, rt.Queue, cfg.EventRetries, logger, nil)

	srv := api.New(cfg.Address, letterSvc, deliverySvc, receiver, logger)
	if err := srv.Run(ctx); err != nil {
		logger.Error(ctx, "api stopped", "error", err)
		rt.Close()
		os.Exit(1)
	}
}
