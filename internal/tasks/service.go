package tasks

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/scriptor/internal/common"
	"github.com/ternarybob/scriptor/internal/interfaces"
	"github.com/ternarybob/scriptor/internal/models"
	"github.com/ternarybob/scriptor/internal/stream"
)

// Dispatcher hands a freshly resumed task to a worker. The generation is the
// one the resume CAS produced; the worker discards the dispatch if the task
// has moved on (reclaimed, re-resumed) by pickup time. The Runner implements
// this; the indirection exists so Service does not depend on Runner's
// lifecycle.
type Dispatcher interface {
	Dispatch(taskID string, generation int)
}

// casRetries bounds the reread-and-retry loop when a lifecycle action races
// another status change.
const casRetries = 3

// Service implements the task API operations. All status changes go through
// storage CAS; the service never writes a status directly, so concurrent
// pause/resume/cancel calls cannot corrupt the state machine.
type Service struct {
	store      interfaces.TaskStorage
	coord      *stream.Coordinator
	dispatcher Dispatcher
	validate   *validator.Validate
	cfg        *common.Config
	logger     arbor.ILogger
}

// NewService creates the task service
func NewService(store interfaces.TaskStorage, coord *stream.Coordinator, dispatcher Dispatcher, cfg *common.Config, logger arbor.ILogger) *Service {
	return &Service{
		store:      store,
		coord:      coord,
		dispatcher: dispatcher,
		validate:   validator.New(),
		cfg:        cfg,
		logger:     logger,
	}
}

// Create validates the input and stores a new pending task. Workers pick it
// up via the claim loop; Create itself never blocks on generation.
func (s *Service) Create(ctx context.Context, input models.TaskInput) (*models.Task, error) {
	if err := s.validate.Struct(input); err != nil {
		return nil, fmt.Errorf("%w: %s", models.ErrInvalidInput, err.Error())
	}
	for _, name := range input.Providers {
		if !s.knownProvider(name) {
			return nil, fmt.Errorf("%w: unknown provider %q", models.ErrInvalidInput, name)
		}
	}

	task := models.NewTask(common.NewTaskID(), input)
	if err := s.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("task_id", task.ID).
		Str("subject", input.Subject).
		Str("topic", input.Topic).
		Msg("Task created")

	return task, nil
}

// Get returns the full task record, accumulated output included
func (s *Service) Get(ctx context.Context, id string) (*models.Task, error) {
	return s.store.GetTask(ctx, id)
}

// List returns task summaries; accumulated output is excluded by design
func (s *Service) List(ctx context.Context, opts *interfaces.TaskListOptions) ([]*models.TaskSummary, error) {
	return s.store.ListTasks(ctx, opts)
}

// Pause moves a running task to paused. The worker discovers the pause on its
// next append, which the status fence rejects, and stops streaming. Pausing an
// already paused or terminal task is a no-op.
func (s *Service) Pause(ctx context.Context, id string) (*models.Task, error) {
	for range casRetries {
		task, err := s.store.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}

		if task.IsTerminal() {
			return task, nil
		}

		switch task.Status {
		case models.TaskStatusPaused:
			return task, nil
		case models.TaskStatusRunning:
			ok, err := s.store.CompareAndSetStatus(ctx, id, models.TaskStatusRunning, models.TaskStatusPaused)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue // lost a race, reread and reassess
			}
			updated, err := s.store.GetTask(ctx, id)
			if err != nil {
				return nil, err
			}
			s.coord.PublishStatus(id, updated)
			s.logger.Info().Str("task_id", id).Msg("Task paused")
			return updated, nil
		default:
			return nil, fmt.Errorf("%w: cannot pause task in status %s", models.ErrInvalidTransition, task.Status)
		}
	}
	return nil, fmt.Errorf("%w: pause lost repeated races", models.ErrInvalidTransition)
}

// Resume moves a paused task back to running and hands it to a worker. The
// CAS guarantees exactly one caller wins, so the task is dispatched exactly
// once per resume. Resuming an already running or terminal task is a no-op.
func (s *Service) Resume(ctx context.Context, id string) (*models.Task, error) {
	for range casRetries {
		task, err := s.store.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}

		if task.IsTerminal() {
			return task, nil
		}

		switch task.Status {
		case models.TaskStatusRunning:
			return task, nil
		case models.TaskStatusPaused:
			ok, err := s.store.CompareAndSetStatus(ctx, id, models.TaskStatusPaused, models.TaskStatusRunning)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			updated, err := s.store.GetTask(ctx, id)
			if err != nil {
				return nil, err
			}
			s.coord.PublishStatus(id, updated)
			s.dispatcher.Dispatch(id, updated.Generation)
			s.logger.Info().Str("task_id", id).Int("generation", updated.Generation).Msg("Task resumed")
			return updated, nil
		default:
			return nil, fmt.Errorf("%w: cannot resume task in status %s", models.ErrInvalidTransition, task.Status)
		}
	}
	return nil, fmt.Errorf("%w: resume lost repeated races", models.ErrInvalidTransition)
}

// Cancel moves a task to cancelled from any non-terminal status. Accumulated
// output is retained. Cancelling a task that already reached a terminal state
// is a no-op; the terminal state it holds wins.
func (s *Service) Cancel(ctx context.Context, id string) (*models.Task, error) {
	for range casRetries {
		task, err := s.store.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}

		if task.IsTerminal() {
			return task, nil
		}

		ok, err := s.store.CompareAndSetStatus(ctx, id, task.Status, models.TaskStatusCancelled)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue // status changed underneath us, reread
		}

		updated, err := s.store.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		s.coord.PublishStatus(id, updated)
		s.logger.Info().Str("task_id", id).Msg("Task cancelled")
		return updated, nil
	}
	return nil, fmt.Errorf("%w: cancel lost repeated races", models.ErrInvalidTransition)
}

func (s *Service) knownProvider(name string) bool {
	for _, p := range s.cfg.LLM.Providers {
		if p == name {
			return true
		}
	}
	return false
}
