package app

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/specto/internal/bus"
	"github.com/ternarybob/specto/internal/common"
	"github.com/ternarybob/specto/internal/handlers"
	"github.com/ternarybob/specto/internal/interfaces"
	"github.com/ternarybob/specto/internal/models"
	"github.com/ternarybob/specto/internal/services/collect"
	"github.com/ternarybob/specto/internal/services/collect/products"
	"github.com/ternarybob/specto/internal/services/collect/videos"
	"github.com/ternarybob/specto/internal/services/embed"
	"github.com/ternarybob/specto/internal/services/inference"
	"github.com/ternarybob/specto/internal/services/keypoint"
	"github.com/ternarybob/specto/internal/services/match"
	"github.com/ternarybob/specto/internal/services/scheduler"
	"github.com/ternarybob/specto/internal/services/segment"
	"github.com/ternarybob/specto/internal/services/status"
	"github.com/ternarybob/specto/internal/storage"
	badgerstore "github.com/ternarybob/specto/internal/storage/badger"
)

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	// Storage
	StorageManager *badgerstore.Manager

	// Bus
	EventBus    *bus.TopicBus
	DeadLetters *bus.DeadLetterStore

	// Pipeline services
	Extractor  interfaces.FeatureExtractor
	Stages     []interfaces.StageService
	Matcher    *match.Service
	Sources    []*models.SourceDefinition
	Collectors map[models.SourceKind]interfaces.Collector

	// Operational services
	StatusService    *status.Service
	SchedulerService interfaces.SchedulerService

	// HTTP handlers
	APIHandler        *handlers.APIHandler
	JobHandler        *handlers.JobHandler
	MatchHandler      *handlers.MatchHandler
	CollectHandler    *handlers.CollectHandler
	DeadLetterHandler *handlers.DeadLetterHandler
	SchedulerHandler  *handlers.SchedulerHandler
	WSHandler         *handlers.WebSocketHandler

	logWriter *handlers.WebSocketWriter
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	// Initialize database
	if err := app.initDatabase(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	// Initialize WebSocket handler early so the log stream reaches the
	// dashboard from the first service init onward.
	app.WSHandler = handlers.NewWebSocketHandler(&cfg.WebSocket, logger)

	app.logWriter = handlers.NewWebSocketWriter(app.WSHandler, &cfg.WebSocket)
	if err := app.logWriter.Start(); err != nil {
		return nil, fmt.Errorf("failed to start websocket log writer: %w", err)
	}
	app.Logger.SetChannel("websocket", app.logWriter.Channel())

	// Initialize services
	if err := app.initServices(); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	// Initialize handlers
	if err := app.initHandlers(); err != nil {
		return nil, fmt.Errorf("failed to initialize handlers: %w", err)
	}

	// Start the bus AFTER every service has subscribed. Unacked messages
	// from a previous run redeliver as soon as the dispatchers come up.
	if err := app.EventBus.Start(); err != nil {
		return nil, fmt.Errorf("failed to start event bus: %w", err)
	}

	logger.Info().
		Int("sources", len(app.Sources)).
		Int("stages", len(app.Stages)).
		Msg("Application initialization complete")

	return app, nil
}

// initDatabase initializes the storage layer (Badger)
func (a *App) initDatabase() error {
	storageManager, err := storage.NewStorageManager(a.Logger, a.Config)
	if err != nil {
		return fmt.Errorf("failed to create storage manager: %w", err)
	}

	a.StorageManager = storageManager
	a.Logger.Debug().
		Str("storage", "badger").
		Str("path", a.Config.Storage.Badger.Path).
		Msg("Storage layer initialized")

	return nil
}

// initServices initializes all business services in dependency order.
//
// PIPELINE ARCHITECTURE:
//  1. TopicBus (Badger-backed) - durable topics with per-group queues
//  2. Collectors - products (catalog scrape) and videos (channel API)
//  3. Stage services - segmentation, embeddings, keypoints; each tracks
//     batch completion per (job, asset type) and emits completed events
//  4. Matcher - joins both completed streams and scores video frames
//     against product images
//  5. Status service - folds completed events into job records
//
// All Subscribe calls happen here; the bus starts in New() once wiring
// is done.
func (a *App) initServices() error {
	var err error

	// Dead letter store and bus share the storage manager's Badger
	// instance.
	conn := a.StorageManager.Connection()
	a.DeadLetters = bus.NewDeadLetterStore(conn.Store(), a.Logger)

	a.EventBus, err = bus.NewTopicBus(conn.DB(), &a.Config.Bus, a.DeadLetters, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	a.Logger.Debug().Str("bus", a.Config.Bus.Name).Msg("Event bus initialized")

	// Feature extractor backing all three stages
	a.Extractor, err = inference.NewExtractor(a.Config, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize feature extractor: %w", err)
	}
	a.Logger.Debug().Str("provider", a.Config.Inference.Provider).Msg("Feature extractor initialized")

	// Stage services
	segmentSvc := segment.NewService(
		a.Extractor,
		a.StorageManager.Assets(),
		a.EventBus,
		a.Config.Storage.Filesystem.Masks,
		a.Config.Pipeline.WatermarkTTL(string(models.StageSegmentation)),
		a.Config.Pipeline.Workers,
		a.Logger,
	)
	embedSvc := embed.NewService(
		a.Extractor,
		a.StorageManager.Assets(),
		a.EventBus,
		a.Config.Pipeline.WatermarkTTL(string(models.StageEmbeddings)),
		a.Config.Pipeline.Workers,
		a.Logger,
	)
	keypointSvc := keypoint.NewService(
		a.Extractor,
		a.StorageManager.Assets(),
		a.EventBus,
		a.Config.Pipeline.WatermarkTTL(string(models.StageKeypoints)),
		a.Config.Pipeline.Workers,
		a.Logger,
	)
	a.Stages = []interfaces.StageService{segmentSvc, embedSvc, keypointSvc}

	for _, stage := range a.Stages {
		if err := stage.Register(a.EventBus); err != nil {
			return fmt.Errorf("failed to register %s stage: %w", stage.Stage(), err)
		}
	}
	a.Logger.Debug().Int("stages", len(a.Stages)).Msg("Stage services registered")

	// Matcher
	a.Matcher = match.NewService(a.Config, a.StorageManager, a.EventBus, a.Logger)
	if err := a.Matcher.Register(a.EventBus); err != nil {
		return fmt.Errorf("failed to register match service: %w", err)
	}
	a.Logger.Debug().Msg("Match service registered")

	// Collectors
	productsSvc, err := products.NewService(a.Config, a.StorageManager, a.EventBus, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize products collector: %w", err)
	}
	videosSvc, err := videos.NewService(a.Config, a.StorageManager, a.EventBus, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize videos collector: %w", err)
	}
	a.Collectors = map[models.SourceKind]interfaces.Collector{
		productsSvc.Kind(): productsSvc,
		videosSvc.Kind():   videosSvc,
	}

	// Source definitions
	a.Sources, err = collect.LoadSources(a.Config.Sources.Dir, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to load source definitions: %w", err)
	}
	a.Logger.Debug().
		Str("dir", a.Config.Sources.Dir).
		Int("sources", len(a.Sources)).
		Msg("Source definitions loaded")

	// Status service folds stage and matching completions into jobs
	a.StatusService = status.NewService(a.StorageManager, a.Stages, a.Logger)
	if err := a.StatusService.Register(a.EventBus); err != nil {
		return fmt.Errorf("failed to register status service: %w", err)
	}

	// Dashboard event mirror
	if err := a.WSHandler.Register(a.EventBus); err != nil {
		return fmt.Errorf("failed to register websocket handler: %w", err)
	}

	// Scheduler: one job per scheduled source plus the dead-letter sweep
	a.SchedulerService = scheduler.NewService(a.Logger)
	if err := a.registerScheduledJobs(); err != nil {
		return err
	}
	if err := a.SchedulerService.Start(); err != nil {
		a.Logger.Warn().Err(err).Msg("Failed to start scheduler service")
	} else {
		a.Logger.Debug().Msg("Scheduler service started")
	}

	return nil
}

// registerScheduledJobs wires enabled sources with a cron schedule and
// the dead-letter sweep into the scheduler.
func (a *App) registerScheduledJobs() error {
	for _, source := range a.Sources {
		if !source.Enabled || source.Schedule == "" {
			continue
		}
		collector, ok := a.Collectors[source.Kind]
		if !ok {
			a.Logger.Warn().
				Str("source", source.Name).
				Str("kind", string(source.Kind)).
				Msg("No collector for scheduled source, skipping")
			continue
		}

		src := source
		name := "collect:" + src.Name
		handler := func() error {
			jobID, err := collector.Collect(context.Background(), src, "schedule")
			if err != nil {
				return err
			}
			a.Logger.Info().
				Str("source", src.Name).
				Str("job_id", jobID).
				Msg("Scheduled collection finished")
			return nil
		}
		if err := a.SchedulerService.RegisterJob(name, src.Schedule, handler); err != nil {
			return fmt.Errorf("failed to register scheduled job %s: %w", name, err)
		}
	}

	sweep := a.Config.Scheduler.DeadLetterSweep
	if sweep != "" {
		handler := func() error {
			count, err := a.DeadLetters.Count(context.Background())
			if err != nil {
				return err
			}
			if count > 0 {
				a.Logger.Warn().Int("count", count).Msg("Dead letters pending inspection")
			} else {
				a.Logger.Debug().Msg("Dead letter store is empty")
			}
			return nil
		}
		if err := a.SchedulerService.RegisterJob("deadletter-sweep", sweep, handler); err != nil {
			return fmt.Errorf("failed to register dead-letter sweep: %w", err)
		}
	}

	return nil
}

// initHandlers initializes all HTTP handlers
func (a *App) initHandlers() error {
	a.APIHandler = handlers.NewAPIHandler()
	// WSHandler already initialized in New() before the log writer

	a.JobHandler = handlers.NewJobHandler(a.StatusService, a.Logger)
	a.MatchHandler = handlers.NewMatchHandler(a.StorageManager.Matches(), a.Logger)
	a.CollectHandler = handlers.NewCollectHandler(a.Sources, a.Collectors, a.Logger)
	a.DeadLetterHandler = handlers.NewDeadLetterHandler(a.DeadLetters, a.Logger)
	a.SchedulerHandler = handlers.NewSchedulerHandler(a.SchedulerService, a.Logger)

	return nil
}

// Close closes all application resources
func (a *App) Close() error {
	// Stop scheduler first so no new collections start mid-shutdown
	if a.SchedulerService != nil {
		if err := a.SchedulerService.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop scheduler service")
		}
	}

	// Drain the bus; in-flight handlers finish, unacked messages
	// redeliver on next start
	if a.EventBus != nil {
		if err := a.EventBus.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop event bus")
		}
	}

	// Cancel pending watermark timers; a timer firing after storage
	// closes would publish into a closed database
	for _, stage := range a.Stages {
		stage.Close()
	}

	if a.logWriter != nil {
		if err := a.logWriter.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop websocket log writer")
		}
	}

	// Close storage last
	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
		a.Logger.Info().Msg("Storage closed")
	}

	return nil
}
