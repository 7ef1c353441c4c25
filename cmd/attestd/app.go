package main

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/storage"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/and161185/doc-attest/internal/application"
	"github.com/and161185/doc-attest/internal/blob"
	"github.com/and161185/doc-attest/internal/config"
	"github.com/and161185/doc-attest/internal/crypto"
	"github.com/and161185/doc-attest/internal/device"
	"github.com/and161185/doc-attest/internal/kvstore"
	"github.com/and161185/doc-attest/internal/limiter"
	"github.com/and161185/doc-attest/internal/outbox"
	"github.com/and161185/doc-attest/internal/repository/postgres"
	"github.com/and161185/doc-attest/internal/seal"
	"github.com/and161185/doc-attest/internal/token"
	"github.com/and161185/doc-attest/internal/verify"
	"github.com/and161185/doc-attest/internal/workflow"
)

const (
	redisPrefix  = "attest:"
	secretboxUse = "device-token"
)

// app holds the wired services of one process.
type app struct {
	cfg *config.Config
	log *zap.Logger

	db    *postgres.DB
	store *postgres.Store
	rdb   *redis.Client
	gcs   *storage.Client

	applications *application.Service
	tokens       *token.Service
	devices      *device.Service
	workflow     *workflow.Engine
	gateway      *verify.Gateway
	dispatcher   *outbox.Dispatcher
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.Environment == "prod" || cfg.Environment == "staging" {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
	}
	lvl, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("LOG_LEVEL %q: %w", cfg.LogLevel, err)
	}
	zc.Level = lvl
	return zc.Build()
}

// build connects the backing stores and constructs every service.
func build(ctx context.Context, cfg *config.Config, log *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}

	db, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	a.db = db
	a.store = postgres.NewStore(db)

	var kv kvstore.Store
	switch cfg.StoreBackend {
	case "redis":
		rdb, err := kvstore.Open(ctx, cfg.RedisURL)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		kv = kvstore.NewRedis(rdb, redisPrefix)
	default:
		kv = kvstore.NewMemory()
	}

	var blobs blob.Store
	switch cfg.BlobBackend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("gcs: %w", err)
		}
		a.gcs = client
		blobs = blob.NewGCS(client, cfg.GCSBucket)
	default:
		blobs = blob.NewLocal(cfg.BlobRoot)
	}

	cipher, err := crypto.NewCipher(cfg.EncryptionKey, cfg.EncryptionIV)
	if err != nil {
		a.close()
		return nil, err
	}
	box, err := crypto.NewSecretBox([]byte(cfg.EncryptionKey), secretboxUse)
	if err != nil {
		a.close()
		return nil, err
	}

	sealer := seal.New(blobs, log.Named("seal"))
	a.tokens = token.New(cipher, a.store, kv, token.Options{
		Validity:            cfg.QRTokenValidity(),
		VerificationBaseURL: cfg.VerificationBaseURL,
		QRImageSize:         cfg.QRImageSize,
	}, log.Named("token"))

	lim := limiter.NewPG(db.Pool, cfg.RegistrationWindow, cfg.RegistrationMaxFails, cfg.RegistrationBlockFor)
	a.devices = device.New(a.store, box, kv, lim, device.Options{
		AppSecret:         cfg.AppSecret,
		AppIdentifier:     cfg.AppIdentifier,
		MinVersion:        cfg.MinVersion(),
		TokenValidity:     cfg.DeviceTokenValidity,
		MaxDevicesPerUser: cfg.MaxDevicesPerUser,
		ReplayWindow:      cfg.ReplayWindow,
	}, log.Named("device"))

	a.applications = application.New(a.store, sealer, log.Named("application"))
	a.workflow = workflow.New(a.store, a.tokens, sealer, cfg.OfficerDailyCap, log.Named("workflow"))
	a.gateway = verify.New(a.store, a.tokens, a.devices, blobs, sealer, verify.Options{
		AllowWeb: cfg.AllowWebVerification,
	}, log.Named("verify"))

	var notifier outbox.Notifier = outbox.LogNotifier{Log: log.Named("outbox")}
	if cfg.OutboxWebhookURL != "" {
		notifier = outbox.NewWebhookNotifier(cfg.OutboxWebhookURL, log.Named("outbox"))
	}
	a.dispatcher = outbox.NewDispatcher(a.store, notifier, cfg.OutboxBatch, cfg.OutboxInterval, log.Named("outbox"))
	return a, nil
}

func (a *app) close() {
	if a.gcs != nil {
		_ = a.gcs.Close()
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}

// healthInterval is how often the health listener pings the database.
const healthInterval = 10 * time.Second
