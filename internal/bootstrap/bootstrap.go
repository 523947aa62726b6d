// Package bootstrap provides dependency initialization for the video generation API.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/maauso/videogen-api/internal/auth"
	"github.com/maauso/videogen-api/internal/beam"
	"github.com/maauso/videogen-api/internal/billing"
	"github.com/maauso/videogen-api/internal/completion"
	"github.com/maauso/videogen-api/internal/config"
	"github.com/maauso/videogen-api/internal/events"
	"github.com/maauso/videogen-api/internal/job"
	"github.com/maauso/videogen-api/internal/ledger"
	"github.com/maauso/videogen-api/internal/media"
	"github.com/maauso/videogen-api/internal/provider"
	"github.com/maauso/videogen-api/internal/reconcile"
	"github.com/maauso/videogen-api/internal/runpod"
	"github.com/maauso/videogen-api/internal/runway"
	"github.com/maauso/videogen-api/internal/server"
	"github.com/maauso/videogen-api/internal/storage"
	"github.com/maauso/videogen-api/internal/store"
)

// Dependencies holds all initialized dependencies of the application.
type Dependencies struct {
	Providers *provider.Registry
	Ledger    *ledger.Ledger
	Jobs      *job.Service
	Poller    *reconcile.Poller
	Handlers  *server.Handlers
	Auth      auth.Authenticator

	closers []func() error
}

// Close releases the database and the NATS connection.
func (d *Dependencies) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		errs = append(errs, d.closers[i]())
	}
	return errors.Join(errs...)
}

// NewDependencies creates and initializes all dependencies for the application.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	deps := &Dependencies{}
	ok := false
	defer func() {
		if !ok {
			_ = deps.Close()
		}
	}()

	providers, err := initProviders(cfg, logger)
	if err != nil {
		return nil, err
	}
	deps.Providers = providers

	// Persistence
	var (
		ledgerStore ledger.Store
		repo        job.Repository
	)
	if cfg.DatabasePath != "" {
		db, err := store.OpenSQLite(ctx, cfg.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		deps.closers = append(deps.closers, db.Close)
		ledgerStore = store.NewLedgerStore(db)
		repo = store.NewJobRepository(db)
		logger.Info("SQLite store configured", slog.String("path", cfg.DatabasePath))
	} else {
		ledgerStore = ledger.NewMemoryStore()
		repo = job.NewMemoryRepository()
		logger.Warn("DATABASE_PATH not set, jobs and credits are kept in memory")
	}

	artifacts, err := initStorage(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	notifier, err := initEvents(cfg, logger)
	if err != nil {
		return nil, err
	}
	if p, isPublisher := notifier.(*events.Publisher); isPublisher {
		deps.closers = append(deps.closers, p.Close)
	}

	deps.Ledger = ledger.New(ledgerStore, logger)
	deps.Jobs = job.NewService(repo, deps.Ledger, providers, logger,
		job.WithNotifier(notifier),
		job.WithArtifactDeleter(artifacts),
		job.WithMaxRetries(cfg.MaxRetries),
	)

	completer := completion.NewHandler(repo, deps.Jobs, deps.Ledger, providers, artifacts, logger,
		completion.WithMediaProcessor(media.NewFFmpegProcessor(cfg.FFmpegPath, cfg.FFprobePath)),
		completion.WithNotifier(notifier),
	)
	deps.Poller = reconcile.NewPoller(deps.Jobs, completer, providers, reconcile.Config{
		Interval:    cfg.PollInterval,
		ClaimTTL:    cfg.ClaimTTL,
		Concurrency: cfg.ReconcileConcurrency,
	}, logger)

	tokens, err := cfg.Tokens()
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		logger.Warn("AUTH_TOKENS not set, every authenticated route will answer 401")
	}
	deps.Auth = auth.NewStaticAuthenticator(tokens)

	handlerOpts := []server.HandlerOption{server.WithProviders(providers.Names())}
	if cfg.StripeWebhookSecret != "" {
		verifier, err := billing.NewStripeVerifier(cfg.StripeWebhookSecret)
		if err != nil {
			return nil, fmt.Errorf("create Stripe verifier: %w", err)
		}
		handlerOpts = append(handlerOpts, server.WithPurchases(billing.NewTopUp(verifier, deps.Ledger, logger)))
		logger.Info("Stripe webhook configured")
	}
	deps.Handlers = server.NewHandlers(deps.Jobs, deps.Ledger, logger, handlerOpts...)

	ok = true
	return deps, nil
}

// initProviders registers every configured provider with its timing policy.
func initProviders(cfg *config.Config, logger *slog.Logger) (*provider.Registry, error) {
	registry := provider.NewRegistry()
	textPolicy := provider.Policy{MinGrace: cfg.TextMinGrace, MaxProcessing: cfg.TextMaxProcessing}
	avatarPolicy := provider.Policy{MinGrace: cfg.AvatarMinGrace, MaxProcessing: cfg.AvatarMaxProcessing}

	if cfg.RunwayEnabled() {
		opts := []runway.ClientOption{runway.WithAPIKey(cfg.RunwayAPIKey)}
		if cfg.RunwayBaseURL != "" {
			opts = append(opts, runway.WithBaseURL(cfg.RunwayBaseURL))
		}
		client, err := runway.NewClient(opts...)
		if err != nil {
			return nil, fmt.Errorf("create Runway client: %w", err)
		}
		if err := registry.Register(provider.Registration{
			Adapter: provider.NewRunwayAdapter(client),
			Policy:  textPolicy,
			Kinds:   []provider.Kind{provider.KindText},
		}); err != nil {
			return nil, err
		}
	}

	if cfg.RunPodEnabled() {
		client, err := runpod.NewClient(cfg.RunPodEndpointID, runpod.WithAPIKey(cfg.RunPodAPIKey))
		if err != nil {
			return nil, fmt.Errorf("create RunPod client: %w", err)
		}
		if err := registry.Register(provider.Registration{
			Adapter: provider.NewRunPodAdapter(client),
			Policy:  avatarPolicy,
			Kinds:   []provider.Kind{provider.KindAvatar},
		}); err != nil {
			return nil, err
		}
	}

	if cfg.BeamEnabled() {
		client, err := beam.NewClient(cfg.BeamQueueURL, beam.WithToken(cfg.BeamToken))
		if err != nil {
			return nil, fmt.Errorf("create Beam client: %w", err)
		}
		if err := registry.Register(provider.Registration{
			Adapter: provider.NewBeamAdapter(client),
			Policy:  avatarPolicy,
			Kinds:   []provider.Kind{provider.KindAvatar},
		}); err != nil {
			return nil, err
		}
	}

	logger.Info("providers configured", slog.Any("providers", registry.Names()))
	return registry, nil
}

// initStorage creates the appropriate storage backend based on configuration.
func initStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Storage, error) {
	if cfg.S3Enabled() {
		s3Cfg := storage.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			Prefix:          cfg.S3Prefix,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
		}
		s3Store, err := storage.NewS3Storage(ctx, cfg.TempDir, s3Cfg)
		if err != nil {
			return nil, fmt.Errorf("create S3 storage: %w", err)
		}
		logger.Info("S3 storage configured",
			slog.String("bucket", cfg.S3Bucket),
			slog.String("region", cfg.S3Region),
		)
		return s3Store, nil
	}

	var opts []storage.LocalOption
	if cfg.PublicBaseURL != "" {
		opts = append(opts, storage.WithPublicBaseURL(cfg.PublicBaseURL))
	}
	localStore, err := storage.NewLocalStorage(cfg.TempDir, opts...)
	if err != nil {
		return nil, fmt.Errorf("create local storage: %w", err)
	}
	logger.Info("local storage configured",
		slog.String("temp_dir", cfg.TempDir),
	)
	return localStore, nil
}

// initEvents connects to NATS when configured.
func initEvents(cfg *config.Config, logger *slog.Logger) (job.Notifier, error) {
	if !cfg.EventsEnabled() {
		return events.Noop{}, nil
	}
	pub, err := events.Connect(cfg.NATSURL, cfg.NATSSubjectPrefix, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("job events configured",
		slog.String("nats_url", cfg.NATSURL),
		slog.String("subject_prefix", cfg.NATSSubjectPrefix),
	)
	return pub, nil
}
