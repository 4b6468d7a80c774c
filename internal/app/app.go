// Package app assembles the shared runtime of the api, worker and operator
// binaries: Postgres repositories, the key ring and the task queue client.
package app

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dharsanguruparan/capsulenote/internal/channel"
	"github.com/dharsanguruparan/capsulenote/internal/config"
	"github.com/dharsanguruparan/capsulenote/internal/database"
	"github.com/dharsanguruparan/capsulenote/internal/encryption"
	"github.com/dharsanguruparan/capsulenote/internal/keystore"
	"github.com/dharsanguruparan/capsulenote/internal/logging"
	"github.com/dharsanguruparan/capsulenote/internal/queue"
	"github.com/dharsanguruparan/capsulenote/internal/repository"
	"github.com/dharsanguruparan/capsulenote/internal/s3storage"
)

// Runtime holds the long-lived collaborators built from Config.
type Runtime struct {
	Config *config.Config
	Log    *logging.SlogLogger

	Pool *pgxpool.Pool
	DB   *sql.DB

	Letters    *repository.LetterRepository
	Deliveries *repository.DeliveryRepository
	Events     *repository.EventRepository
	Billing    *repository.BillingRepository
	Audit      *repository.AuditRepository

	Keys   *keystore.Store
	Crypto *encryption.Engine

	Queue *asynq.Client
	Timer *queue.Timer
}

// Open connects to Postgres, applies migrations, resolves the key ring and
// opens the queue client. The caller must Close the returned Runtime.
func Open(ctx context.Context, cfg *config.Config, log *logging.SlogLogger) (*Runtime, error) {
	keys, err := keystore.FromEnv()
	if err != nil {
		return nil, fmt.Errorf("load keys: %w", err)
	}

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	db := database.OpenDB(pool)
	if err := database.Migrate(ctx, db); err != nil {
		db.Close()
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	client := asynq.NewClient(queue.RedisOpt(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB))
	return &Runtime{
		Config:     cfg,
		Log:        log,
		Pool:       pool,
		DB:         db,
		Letters:    repository.NewLetterRepository(db),
		Deliveries: repository.NewDeliveryRepository(db),
		Events:     repository.NewEventRepository(db),
		Billing:    repository.NewBillingRepository(db),
		Audit:      repository.NewAuditRepository(db),
		Keys:       keys,
		Crypto:     encryption.NewEngine(keys),
		Queue:      client,
		Timer:      queue.NewTimer(client, cfg.DeliveryRetries),
	}, nil
}

// Close releases the queue client and the database handles.
func (r *Runtime) Close() {
	if err := r.Queue.Close(); err != nil {
		r.Log.Warn(context.Background(), "close queue client", "error", err)
	}
	r.DB.Close()
	r.Pool.Close()
}

// MailSender builds the physical mail sender backed by the artifact bucket.
// It returns nil when no carrier API is configured.
func (r *Runtime) MailSender(ctx context.Context) (channel.Sender, error) {
	if r.Config.MailAPIURL == "" {
		return nil, nil
	}
	artifacts, err := s3storage.New(r.Config)
	if err != nil {
		return nil, fmt.Errorf("init artifact storage: %w", err)
	}
	if err := artifacts.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return channel.NewMailSender(channel.MailConfig{
		URL:       r.Config.MailAPIURL,
		APIKey:    r.Config.MailAPIKey,
		Timeout:   r.Config.SendTimeout,
		SignedTTL: r.Config.SignedURLTTL,
	}, artifacts, nil), nil
}
