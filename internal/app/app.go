package app

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/scriptor/internal/common"
	"github.com/ternarybob/scriptor/internal/handlers"
	"github.com/ternarybob/scriptor/internal/interfaces"
	"github.com/ternarybob/scriptor/internal/llm"
	"github.com/ternarybob/scriptor/internal/reports"
	"github.com/ternarybob/scriptor/internal/storage"
	"github.com/ternarybob/scriptor/internal/stream"
	"github.com/ternarybob/scriptor/internal/tasks"
)

// App holds all application components and dependencies
type App struct {
	Config         *common.Config
	Logger         arbor.ILogger
	StorageManager interfaces.StorageManager

	Coordinator   *stream.Coordinator
	ReportService *reports.Service
	TaskService   *tasks.Service
	Runner        *tasks.Runner
	Reclaimer     *tasks.Reclaimer

	TaskHandler *handlers.TaskHandler
	WSHandler   *handlers.WSHandler
	APIHandler  *handlers.APIHandler
}

// New wires the application together from configuration
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	storageManager, err := storage.NewManager(logger, &cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	taskStore := storageManager.TaskStorage()
	coordinator := stream.NewCoordinator(taskStore, logger)

	providers, err := llm.NewProviders(cfg, logger)
	if err != nil {
		storageManager.Close()
		return nil, fmt.Errorf("failed to initialize providers: %w", err)
	}

	reportService := reports.NewService(storageManager.ReportStorage(), logger)
	runner := tasks.NewRunner(taskStore, coordinator, providers, reportService, cfg, logger)
	taskService := tasks.NewService(taskStore, coordinator, runner, cfg, logger)
	reclaimer := tasks.NewReclaimer(taskStore, coordinator, cfg, logger)

	return &App{
		Config:         cfg,
		Logger:         logger,
		StorageManager: storageManager,
		Coordinator:    coordinator,
		ReportService:  reportService,
		TaskService:    taskService,
		Runner:         runner,
		Reclaimer:      reclaimer,
		TaskHandler:    handlers.NewTaskHandler(taskService, reportService, logger),
		WSHandler:      handlers.NewWSHandler(coordinator, &cfg.WebSocket, logger),
		APIHandler:     handlers.NewAPIHandler(taskStore, logger),
	}, nil
}

// Start launches the background components. Orphaned running tasks from a
// previous process are returned to pending before the worker pool starts, so
// they are claimable immediately instead of waiting out the stale threshold.
func (a *App) Start(ctx context.Context) error {
	a.Reclaimer.RecoverAll(ctx)
	a.Runner.Start(ctx)

	if err := a.Reclaimer.Start(); err != nil {
		return fmt.Errorf("failed to start reclaimer: %w", err)
	}

	return nil
}

// Shutdown stops background work and closes storage
func (a *App) Shutdown() {
	a.Reclaimer.Stop()
	a.Runner.Stop()

	if err := a.StorageManager.Close(); err != nil {
		a.Logger.Error().Err(err).Msg("Storage close failed")
	}

	a.Logger.Info().Msg("Application shut down")
}
