package tasks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/scriptor/internal/common"
	"github.com/ternarybob/scriptor/internal/interfaces"
	"github.com/ternarybob/scriptor/internal/llm"
	"github.com/ternarybob/scriptor/internal/models"
	"github.com/ternarybob/scriptor/internal/stream"
)

// Finalizer turns a completed task's accumulated output into a stored report
// artifact and returns its id. Failures inside analysis must not fail the
// task; implementations return a ref even when section parsing comes up empty.
type Finalizer interface {
	Finalize(ctx context.Context, task *models.Task) (string, error)
}

// Runner drives task execution. A fixed pool of workers claims pending tasks
// via CAS and streams provider output into storage; resumed tasks arrive on a
// dispatch channel instead, already transitioned to running by the resume CAS.
type Runner struct {
	store     interfaces.TaskStorage
	coord     *stream.Coordinator
	providers map[string]interfaces.Provider
	order     []string
	finalizer Finalizer
	policy    *llm.Policy
	cfg       *common.Config
	logger    arbor.ILogger

	resume chan resumeTicket
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// resumeTicket pins a dispatch to the generation its resume CAS produced
type resumeTicket struct {
	taskID     string
	generation int
}

// NewRunner creates a runner over the given provider chain. Provider order is
// the default fallback order; a task's input may narrow or reorder it.
func NewRunner(store interfaces.TaskStorage, coord *stream.Coordinator, providers []interfaces.Provider, finalizer Finalizer, cfg *common.Config, logger arbor.ILogger) *Runner {
	byName := make(map[string]interfaces.Provider, len(providers))
	order := make([]string, 0, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
		order = append(order, p.Name())
	}

	return &Runner{
		store:     store,
		coord:     coord,
		providers: byName,
		order:     order,
		finalizer: finalizer,
		policy:    llm.NewDefaultPolicy(),
		cfg:       cfg,
		logger:    logger,
		resume:    make(chan resumeTicket, cfg.Worker.Concurrency*4),
	}
}

// Start launches the worker pool
func (r *Runner) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)

	for i := 0; i < r.cfg.Worker.Concurrency; i++ {
		r.wg.Add(1)
		go r.worker(ctx, i)
	}

	r.logger.Info().
		Int("concurrency", r.cfg.Worker.Concurrency).
		Msg("Task runner started")
}

// Stop cancels all workers and waits for them to drain. Tasks interrupted
// mid-stream stay running in storage; the stale reclaimer returns them to
// pending once their heartbeats age out.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.logger.Info().Msg("Task runner stopped")
}

// Dispatch hands a resumed task to the pool. The send is non-blocking: a full
// queue is not fatal because the task is already running in storage and the
// reclaimer will recover it if nothing picks it up.
func (r *Runner) Dispatch(taskID string, generation int) {
	select {
	case r.resume <- resumeTicket{taskID: taskID, generation: generation}:
	default:
		r.logger.Warn().Str("task_id", taskID).Msg("Resume queue full, task left to reclaimer")
	}
}

func (r *Runner) worker(ctx context.Context, id int) {
	defer r.wg.Done()

	pollInterval := common.ParseDurationOr(r.cfg.Worker.PollInterval, time.Second)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	log := r.logger.Debug().Int("worker", id)
	log.Msg("Worker started")

	for {
		select {
		case <-ctx.Done():
			return
		case ticket := <-r.resume:
			task := r.resumedTask(ctx, ticket)
			if task != nil {
				r.execute(ctx, task)
			}
		case <-ticker.C:
			task, err := r.claimNext(ctx)
			if err != nil {
				r.logger.Error().Err(err).Msg("Claim scan failed")
				continue
			}
			if task != nil {
				r.execute(ctx, task)
			}
		}
	}
}

// resumedTask validates a resume dispatch at pickup time. The ticket's
// generation must still be current: if the task was paused again, reclaimed,
// or re-resumed since the dispatch, another owner holds the lease and this
// worker must not touch it.
func (r *Runner) resumedTask(ctx context.Context, ticket resumeTicket) *models.Task {
	task, err := r.store.GetTask(ctx, ticket.taskID)
	if err != nil {
		r.logger.Warn().Err(err).Str("task_id", ticket.taskID).Msg("Resumed task vanished before pickup")
		return nil
	}
	if task.Status != models.TaskStatusRunning || task.Generation != ticket.generation {
		r.logger.Debug().
			Str("task_id", ticket.taskID).
			Int("dispatched", ticket.generation).
			Int("current", task.Generation).
			Msg("Stale resume dispatch discarded")
		return nil
	}
	return task
}

// claimNext scans pending tasks oldest-first and claims the first one whose
// CAS succeeds. Concurrent workers scanning the same list are safe: exactly
// one CAS per task returns true.
func (r *Runner) claimNext(ctx context.Context) (*models.Task, error) {
	pending, err := r.store.ListByStatus(ctx, models.TaskStatusPending)
	if err != nil {
		return nil, err
	}

	for _, candidate := range pending {
		ok, err := r.store.CompareAndSetStatus(ctx, candidate.ID, models.TaskStatusPending, models.TaskStatusRunning)
		if err != nil {
			if errors.Is(err, models.ErrTaskNotFound) {
				continue
			}
			return nil, err
		}
		if !ok {
			continue // another worker won this one
		}
		return r.store.GetTask(ctx, candidate.ID)
	}
	return nil, nil
}

// execute drives one generation attempt chain for a task that is already
// running. The task's generation at entry fences every append: a pause,
// cancel or reclaim elsewhere makes the next append return false and the
// attempt winds down without touching the buffer again.
func (r *Runner) execute(ctx context.Context, task *models.Task) {
	gen := task.Generation
	expected := r.cfg.LLM.ExpectedLength

	r.logger.Info().
		Str("task_id", task.ID).
		Int("generation", gen).
		Int("output_len", len(task.Output)).
		Msg("Executing task")

	updated, err := r.store.GetTask(ctx, task.ID)
	if err == nil {
		r.coord.PublishStatus(task.ID, updated)
	}

	chain := r.chainFor(task.Input)
	if len(chain) == 0 {
		r.fail(ctx, task.ID, "no usable provider configured for this task")
		return
	}

	if task.Output == "" {
		r.setStage(ctx, task.ID, models.StageInit, models.StageInit.BasePercent())
		r.setStage(ctx, task.ID, models.StageOutline, models.StageOutline.BasePercent())
	}

	produced := len(task.Output)
	attempts := append([]models.ProviderAttempt(nil), task.ProviderAttempts...)
	idx := 0

	for {
		provider := r.providers[chain[idx]]
		prompt := r.promptFor(ctx, task.ID, task.Input, expected)

		r.setStage(ctx, task.ID, models.StageGenerating, models.GeneratingPercent(produced, expected))
		r.coord.PublishProgress(task.ID, models.StageGenerating, models.GeneratingPercent(produced, expected))

		streamErr, stopped := r.streamAttempt(ctx, task.ID, gen, provider, prompt, &produced, expected)
		if stopped {
			return // pause, cancel, reclaim or shutdown; not our task anymore
		}
		if streamErr == nil {
			r.complete(ctx, task.ID, gen, provider.Name(), attempts)
			return
		}

		classified := llm.Classify(streamErr, provider.Name())
		attempt := models.ProviderAttempt{
			Provider:  provider.Name(),
			Outcome:   models.AttemptOutcomeFailed,
			ErrorKind: string(classified.Kind),
			At:        time.Now(),
		}
		if classified.Kind == llm.KindRateLimited {
			attempt.Outcome = models.AttemptOutcomeRetried
		}

		decision := r.policy.Decide(classified, append(attempts, attempt), provider.Name(), chain[idx+1:], len(chain))
		switch decision.Action {
		case llm.ActionRetrySame:
			attempt.Outcome = models.AttemptOutcomeRetried
		default:
			attempt.Outcome = models.AttemptOutcomeFailed
		}

		attempts = append(attempts, attempt)
		if err := r.store.RecordAttempt(ctx, task.ID, attempt); err != nil {
			r.logger.Warn().Err(err).Str("task_id", task.ID).Msg("Failed to record provider attempt")
		}

		r.logger.Warn().
			Str("task_id", task.ID).
			Str("provider", provider.Name()).
			Str("error_kind", string(classified.Kind)).
			Str("decision", decision.Action.String()).
			Msg("Provider attempt failed")

		switch decision.Action {
		case llm.ActionRetrySame:
			if !r.waitRunning(ctx, task.ID, gen, decision.Wait) {
				return
			}
		case llm.ActionSwitch:
			for i, name := range chain {
				if name == decision.Provider {
					idx = i
					break
				}
			}
			if !r.waitRunning(ctx, task.ID, gen, decision.Wait) {
				return
			}
		case llm.ActionAbort:
			r.fail(ctx, task.ID, classified.UserMessage)
			return
		}
	}
}

// streamAttempt consumes one provider stream into storage. Returns the stream
// error (nil on clean completion) and whether execution should stop entirely
// because the append fence rejected a chunk or the context ended.
func (r *Runner) streamAttempt(ctx context.Context, taskID string, gen int, provider interfaces.Provider, prompt string, produced *int, expected int) (error, bool) {
	req := &interfaces.GenerateRequest{
		Prompt:      prompt,
		System:      systemPrompt,
		MaxTokens:   r.cfg.LLM.MaxTokens,
		Temperature: r.cfg.LLM.Temperature,
	}

	s, err := provider.Generate(ctx, req)
	if err != nil {
		return err, false
	}
	defer s.Close()

	for s.Next() {
		chunk := s.Chunk()

		ok, err := r.appendWithRetry(ctx, taskID, gen, chunk)
		if err != nil {
			r.fail(ctx, taskID, "storage failure while writing output")
			return nil, true
		}
		if !ok {
			r.logger.Debug().
				Str("task_id", taskID).
				Int("generation", gen).
				Msg("Append fence rejected chunk, stopping attempt")
			return nil, true
		}

		offset := *produced
		*produced += len(chunk)

		if err := r.store.UpdateHeartbeat(ctx, taskID); err != nil {
			r.logger.Warn().Err(err).Str("task_id", taskID).Msg("Heartbeat update failed")
		}

		progress := models.GeneratingPercent(*produced, expected)
		if err := r.store.UpdateStage(ctx, taskID, models.StageGenerating, progress); err != nil {
			r.logger.Warn().Err(err).Str("task_id", taskID).Msg("Stage update failed")
		}

		r.coord.PublishAppend(taskID, offset, chunk, progress, models.StageGenerating)
	}

	if err := s.Err(); err != nil {
		if ctx.Err() != nil {
			// Shutdown, not a provider fault. Leave the task running; the
			// reclaimer returns it to pending once the heartbeat ages out.
			return nil, true
		}
		return err, false
	}
	return nil, false
}

// appendWithRetry retries transient storage failures a bounded number of
// times. Fence rejections (ok=false, err=nil) are returned immediately.
func (r *Runner) appendWithRetry(ctx context.Context, taskID string, gen int, chunk string) (bool, error) {
	var lastErr error
	for i := 0; i <= r.cfg.Worker.AppendRetries; i++ {
		ok, err := r.store.AppendOutput(ctx, taskID, gen, chunk)
		if err == nil {
			return ok, nil
		}
		if errors.Is(err, models.ErrTaskNotFound) {
			return false, err
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(time.Duration(i+1) * 100 * time.Millisecond):
		}
	}
	return false, lastErr
}

// complete runs the analysis and finalize stages, then transitions to
// completed. If a pause or cancel raced past the last append, the CAS loses
// and the task keeps that state instead.
func (r *Runner) complete(ctx context.Context, taskID string, gen int, provider string, attempts []models.ProviderAttempt) {
	r.setStage(ctx, taskID, models.StageAnalyzing, models.StageAnalyzing.BasePercent())
	r.coord.PublishProgress(taskID, models.StageAnalyzing, models.StageAnalyzing.BasePercent())

	task, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		r.logger.Error().Err(err).Str("task_id", taskID).Msg("Task vanished before finalize")
		return
	}
	if task.Status != models.TaskStatusRunning || task.Generation != gen {
		return
	}

	r.setStage(ctx, taskID, models.StageFinalizing, models.StageFinalizing.BasePercent())
	r.coord.PublishProgress(taskID, models.StageFinalizing, models.StageFinalizing.BasePercent())

	if r.finalizer != nil {
		ref, err := r.finalizer.Finalize(ctx, task)
		if err != nil {
			// Analysis and persistence failures are non-fatal: the output
			// itself is already durable on the task record.
			r.logger.Warn().Err(err).Str("task_id", taskID).Msg("Report finalize failed")
		} else if ref != "" {
			if err := r.store.SetResultRef(ctx, taskID, ref); err != nil {
				r.logger.Warn().Err(err).Str("task_id", taskID).Msg("Failed to set result ref")
			}
		}
	}

	if err := r.store.RecordAttempt(ctx, taskID, models.ProviderAttempt{
		Provider: provider,
		Outcome:  models.AttemptOutcomeCompleted,
		At:       time.Now(),
	}); err != nil {
		r.logger.Warn().Err(err).Str("task_id", taskID).Msg("Failed to record completion attempt")
	}

	ok, err := r.store.CompareAndSetStatus(ctx, taskID, models.TaskStatusRunning, models.TaskStatusCompleted)
	if err != nil {
		r.logger.Error().Err(err).Str("task_id", taskID).Msg("Completion transition failed")
		return
	}
	if !ok {
		r.logger.Info().Str("task_id", taskID).Msg("Completion lost race to pause or cancel")
		return
	}

	final, err := r.store.GetTask(ctx, taskID)
	if err == nil {
		r.coord.PublishStatus(taskID, final)
	}

	r.logger.Info().
		Str("task_id", taskID).
		Str("provider", provider).
		Msg("Task completed")
}

// fail transitions the task to failed with a user-facing message. Accumulated
// output is kept as-is.
func (r *Runner) fail(ctx context.Context, taskID, msg string) {
	if err := r.store.SetError(ctx, taskID, msg); err != nil {
		r.logger.Warn().Err(err).Str("task_id", taskID).Msg("Failed to record task error")
	}

	ok, err := r.store.CompareAndSetStatus(ctx, taskID, models.TaskStatusRunning, models.TaskStatusFailed)
	if err != nil {
		r.logger.Error().Err(err).Str("task_id", taskID).Msg("Failure transition failed")
		return
	}
	if !ok {
		return // paused or cancelled first; that state wins
	}

	final, err := r.store.GetTask(ctx, taskID)
	if err == nil {
		r.coord.PublishStatus(taskID, final)
	}

	r.logger.Warn().Str("task_id", taskID).Str("error", msg).Msg("Task failed")
}

// waitRunning sleeps for the decision's wait and confirms the attempt still
// owns the task afterwards. Returns false when execution should stop.
func (r *Runner) waitRunning(ctx context.Context, taskID string, gen int, wait time.Duration) bool {
	if wait > 0 {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}
	}

	task, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		return false
	}
	return task.Status == models.TaskStatusRunning && task.Generation == gen
}

// promptFor builds the generation prompt, using the continuation form when
// the task already has accumulated output from an earlier attempt.
func (r *Runner) promptFor(ctx context.Context, taskID string, input models.TaskInput, expected int) string {
	task, err := r.store.GetTask(ctx, taskID)
	if err == nil && task.Output != "" {
		return buildContinuationPrompt(input, task.Output, expected)
	}
	return buildPrompt(input, expected)
}

// chainFor resolves the task's provider order against the configured chain
func (r *Runner) chainFor(input models.TaskInput) []string {
	if len(input.Providers) == 0 {
		return r.order
	}
	chain := make([]string, 0, len(input.Providers))
	for _, name := range input.Providers {
		if _, ok := r.providers[name]; ok {
			chain = append(chain, name)
		}
	}
	return chain
}

func (r *Runner) setStage(ctx context.Context, taskID string, stage models.TaskStage, progress int) {
	if err := r.store.UpdateStage(ctx, taskID, stage, progress); err != nil {
		r.logger.Warn().Err(err).Str("task_id", taskID).Str("stage", string(stage)).Msg("Stage update failed")
	}
}

var _ Dispatcher = (*Runner)(nil)
