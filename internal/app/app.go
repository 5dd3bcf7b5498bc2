// Package app wires configuration into the scan engine's collaborators.
package app

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"gorm.io/gorm"

	"github.com/timmy/exposcan/internal/config"
	"github.com/timmy/exposcan/internal/credits"
	"github.com/timmy/exposcan/internal/domain"
	"github.com/timmy/exposcan/internal/geo"
	"github.com/timmy/exposcan/internal/ingest"
	"github.com/timmy/exposcan/internal/logger"
	"github.com/timmy/exposcan/internal/normalize"
	"github.com/timmy/exposcan/internal/progress"
	"github.com/timmy/exposcan/internal/provider"
	"github.com/timmy/exposcan/internal/provider/httpworker"
	"github.com/timmy/exposcan/internal/repository"
	"github.com/timmy/exposcan/internal/scan"
	"github.com/timmy/exposcan/internal/service"
	"github.com/timmy/exposcan/internal/storage"
)

// App holds the wired engine.
type App struct {
	Config     *config.Config
	DB         *gorm.DB
	Registry   *provider.Registry
	Ledger     *credits.Ledger
	Publisher  *progress.Publisher
	Controller *scan.Controller
	Pipeline   *ingest.Pipeline
	Reports    *storage.ReportArchive
	Scans      *repository.ScanRepository
	Workspaces *repository.WorkspaceRepository
}

// Options select between the persistent server setup and an in-memory one.
type Options struct {
	// InMemory skips the database; ledger and jobs live in process memory.
	InMemory bool
	// Sinks are added to the progress publisher alongside any configured queue.
	Sinks []progress.Sink
}

// New builds every collaborator from cfg.
// Parameters:
//   - ctx: bounds startup calls such as bucket creation.
//   - cfg: loaded configuration.
//   - opts: persistence and sink options.
// Returns:
//   - *App: the wired engine.
//   - error: non-nil if any required dependency fails to initialize.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	a := &App{Config: cfg}
	log := logger.GetDefault().WithField(logger.FieldComponent, "app")

	var resolver *geo.Resolver
	if cfg.Geo.Enabled {
		resolver = geo.NewResolver(geo.Config{BaseURL: cfg.Geo.BaseURL, APIKey: cfg.Geo.APIKey, Timeout: cfg.Geo.Timeout})
	}

	registry, err := BuildRegistry(cfg.Providers, resolver)
	if err != nil {
		return nil, err
	}
	a.Registry = registry

	var ledgerStore credits.Store = credits.NewMemoryStore()
	var tiers credits.TierSource = credits.StaticTiers{Default: domain.Tier(cfg.Credits.DefaultTier)}
	var scanOpts []scan.Option
	if !opts.InMemory {
		db, err := repository.InitDB(&cfg.Database)
		if err != nil {
			return nil, err
		}
		a.DB = db
		a.Scans = repository.NewScanRepository(db)
		a.Workspaces = repository.NewWorkspaceRepository(db, domain.Tier(cfg.Credits.DefaultTier))
		ledgerStore = repository.NewLedgerRepository(db)
		tiers = a.Workspaces
		scanOpts = append(scanOpts, scan.WithStore(a.Scans))
	}
	a.Ledger = credits.NewLedger(ledgerStore, registry, tiers)

	sinks := append([]progress.Sink(nil), opts.Sinks...)
	if cfg.Progress.SQS.Enabled {
		sink, err := newSQSSink(ctx, cfg.Progress.SQS)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
		log.Infof("Progress events forwarded to %s", cfg.Progress.SQS.QueueURL)
	}
	a.Publisher = progress.NewPublisher(progress.Options{
		SubscriberBuffer: cfg.Progress.SubscriberBuffer,
		SinkBuffer:       cfg.Progress.SinkBuffer,
		RetainFinished:   cfg.Progress.RetainFinished,
	}, sinks...)

	if cfg.Storage.Enabled {
		store, err := storage.NewStorage(&cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize storage: %w", err)
		}
		if err := store.EnsureBucket(ctx); err != nil {
			return nil, fmt.Errorf("failed to ensure storage bucket: %w", err)
		}
		a.Reports = storage.NewReportArchive(store)
		scanOpts = append(scanOpts, scan.WithArchive(a.Reports))
	}

	suggester := service.NewSuggestionService(&service.SuggestionConfig{
		Enabled: cfg.Suggestion.Enabled,
		Model:   cfg.Suggestion.Model,
		APIKey:  cfg.Suggestion.APIKey,
		BaseURL: cfg.Suggestion.BaseURL,
		Timeout: cfg.Suggestion.Timeout,
	})
	if suggester.IsEnabled() {
		scanOpts = append(scanOpts, scan.WithSuggester(suggester))
		log.Infof("Rescan suggestions enabled: model=%s", cfg.Suggestion.Model)
	}

	a.Controller = scan.NewController(scan.Config{
		WorkersPerJob:           cfg.Scan.WorkersPerJob,
		GlobalConcurrency:       cfg.Scan.GlobalConcurrency,
		PerWorkspaceConcurrency: cfg.Scan.PerWorkspaceConcurrency,
		TaskTimeout:             cfg.Scan.TaskTimeout,
		SuggestionTimeout:       cfg.Scan.SuggestionTimeout,
		RetainFinished:          cfg.Scan.RetainFinished,
		Retry:                   cfg.Scan.Retry.Policy(),
	}, registry, a.Ledger, normalize.NewNormalizer(normalize.DefaultScoring()), a.Publisher, scanOpts...)

	var ingestResolver ingest.Resolver
	if resolver != nil {
		ingestResolver = resolver
	}
	a.Pipeline = ingest.NewPipeline(ingestResolver, cfg.Geo.Workers)

	return a, nil
}

// BuildRegistry loads the built-in catalogue, applies configured overrides and
// binds an adapter to every provider that has a worker endpoint.
func BuildRegistry(providers map[string]config.ProviderConfig, resolver *geo.Resolver) (*provider.Registry, error) {
	registry := provider.NewRegistry(provider.DefaultSpecs()...)

	for _, spec := range registry.Specs() {
		pc, hasConfig := providers[string(spec.ID)]
		if hasConfig {
			spec = pc.Apply(spec)
		}

		var adapter provider.Adapter
		switch {
		case hasConfig && pc.Configured():
			w, err := httpworker.NewAdapter(&httpworker.Config{
				Provider:     spec.ID,
				BaseURL:      pc.BaseURL,
				APIKey:       pc.APIKey,
				PollInterval: pc.PollInterval,
				Timeout:      pc.Timeout,
			})
			if err != nil {
				return nil, fmt.Errorf("provider %s: %w", spec.ID, err)
			}
			adapter = provider.WithRateLimit(w, pc.RatePerSecond, pc.Burst)
		case spec.ID == geo.ProviderID && resolver != nil:
			adapter = geo.NewAdapter(resolver)
			if hasConfig {
				adapter = provider.WithRateLimit(adapter, pc.RatePerSecond, pc.Burst)
			}
		}
		if adapter != nil {
			adapter = provider.WithCircuitBreaker(adapter, pc.Breaker())
		}

		if err := registry.Register(spec, adapter); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func newSQSSink(ctx context.Context, cfg config.SQSConfig) (*progress.SQSSink, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = &cfg.Endpoint
		}
	})
	return progress.NewSQSSink(client, cfg.QueueURL), nil
}

// Ping checks the database connection when one is configured.
func (a *App) Ping(ctx context.Context) error {
	if a.DB == nil {
		return nil
	}
	sqlDB, err := a.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close drains the engine: running jobs first, then queued sink events, then the database.
func (a *App) Close(ctx context.Context) error {
	var firstErr error
	if err := a.Controller.Shutdown(ctx); err != nil {
		firstErr = err
	}
	if err := a.Publisher.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			if err := sqlDB.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
