package tasks

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/scriptor/internal/common"
	"github.com/ternarybob/scriptor/internal/interfaces"
	"github.com/ternarybob/scriptor/internal/models"
	"github.com/ternarybob/scriptor/internal/stream"
)

// Reclaimer periodically returns running tasks with stale heartbeats to
// pending. A worker that died mid-stream leaves its task running forever
// otherwise; reclaiming bumps the generation on the next claim, so even a
// zombie worker that wakes up later cannot append to the buffer.
type Reclaimer struct {
	store  interfaces.TaskStorage
	coord  *stream.Coordinator
	cron   *cron.Cron
	cfg    *common.Config
	logger arbor.ILogger
}

// NewReclaimer creates a stale-task reclaimer
func NewReclaimer(store interfaces.TaskStorage, coord *stream.Coordinator, cfg *common.Config, logger arbor.ILogger) *Reclaimer {
	return &Reclaimer{
		store:  store,
		coord:  coord,
		cron:   cron.New(),
		cfg:    cfg,
		logger: logger,
	}
}

// Start schedules the reclaim sweep
func (r *Reclaimer) Start() error {
	spec := r.cfg.Worker.ReclaimSpec
	if spec == "" {
		spec = "@every 1m"
	}

	_, err := r.cron.AddFunc(spec, func() {
		r.sweep(context.Background())
	})
	if err != nil {
		return err
	}

	r.cron.Start()
	r.logger.Info().
		Str("schedule", spec).
		Str("stale_threshold", r.cfg.Worker.StaleThreshold).
		Msg("Stale task reclaimer started")

	return nil
}

// Stop stops the reclaimer
func (r *Reclaimer) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.logger.Info().Msg("Stale task reclaimer stopped")
}

// RunNow triggers an immediate sweep
func (r *Reclaimer) RunNow(ctx context.Context) {
	r.sweep(ctx)
}

// RecoverAll returns every running task to pending regardless of heartbeat
// age. Called once at startup, before any worker exists in this process, so
// any task found running must have been orphaned by a previous process.
func (r *Reclaimer) RecoverAll(ctx context.Context) {
	running, err := r.store.ListByStatus(ctx, models.TaskStatusRunning)
	if err != nil {
		r.logger.Error().Err(err).Msg("Startup recovery scan failed")
		return
	}

	for _, task := range running {
		ok, err := r.store.CompareAndSetStatus(ctx, task.ID, models.TaskStatusRunning, models.TaskStatusPending)
		if err != nil || !ok {
			continue
		}
		r.logger.Warn().
			Str("task_id", task.ID).
			Int("output_len", len(task.Output)).
			Msg("Recovered orphaned running task at startup")
	}
}

func (r *Reclaimer) sweep(ctx context.Context) {
	threshold := common.ParseDurationOr(r.cfg.Worker.StaleThreshold, 0)
	if threshold <= 0 {
		return
	}

	stale, err := r.store.StaleRunning(ctx, threshold)
	if err != nil {
		r.logger.Error().Err(err).Msg("Stale task scan failed")
		return
	}

	for _, task := range stale {
		ok, err := r.store.CompareAndSetStatus(ctx, task.ID, models.TaskStatusRunning, models.TaskStatusPending)
		if err != nil {
			r.logger.Error().Err(err).Str("task_id", task.ID).Msg("Failed to reclaim stale task")
			continue
		}
		if !ok {
			continue // its worker finished or someone else acted first
		}

		r.logger.Warn().
			Str("task_id", task.ID).
			Int("output_len", len(task.Output)).
			Msg("Reclaimed stale running task")

		if updated, err := r.store.GetTask(ctx, task.ID); err == nil {
			r.coord.PublishStatus(task.ID, updated)
		}
	}
}
