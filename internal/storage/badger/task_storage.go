package badger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/scriptor/internal/interfaces"
	"github.com/ternarybob/scriptor/internal/models"
)

// TaskStorage implements interfaces.TaskStorage on Badger.
//
// BadgerHold has no conditional-update primitive, so every read-modify-write
// (CAS, append, stage update) is serialized behind mu. Record writes
// themselves are atomic; the mutex makes the check-then-write atomic too.
type TaskStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
	mu     sync.Mutex
}

// NewTaskStorage creates a new TaskStorage instance
func NewTaskStorage(db *BadgerDB, logger arbor.ILogger) interfaces.TaskStorage {
	return &TaskStorage{
		db:     db,
		logger: logger,
	}
}

func (s *TaskStorage) CreateTask(ctx context.Context, task *models.Task) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.Store().Insert(task.ID, task); err != nil {
		if errors.Is(err, badgerhold.ErrKeyExists) {
			return fmt.Errorf("task already exists: %s", task.ID)
		}
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

func (s *TaskStorage) GetTask(ctx context.Context, id string) (*models.Task, error) {
	var task models.Task
	if err := s.db.Store().Get(id, &task); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, models.ErrTaskNotFound
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return &task, nil
}

func (s *TaskStorage) ListTasks(ctx context.Context, opts *interfaces.TaskListOptions) ([]*models.TaskSummary, error) {
	query := badgerhold.Where("ID").Ne("")

	if opts != nil {
		if opts.Status != "" {
			query = query.And("Status").Eq(models.TaskStatus(opts.Status))
		}
		if opts.Limit > 0 {
			query = query.Limit(opts.Limit)
		}
		if opts.Offset > 0 {
			query = query.Skip(opts.Offset)
		}
		field := "CreatedAt"
		if opts.OrderBy == "updated_at" {
			field = "UpdatedAt"
		}
		if opts.OrderDir == "ASC" {
			query = query.SortBy(field)
		} else {
			query = query.SortBy(field).Reverse()
		}
	} else {
		query = query.SortBy("CreatedAt").Reverse()
	}

	var tasks []models.Task
	if err := s.db.Store().Find(&tasks, query); err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	result := make([]*models.TaskSummary, len(tasks))
	for i := range tasks {
		result[i] = tasks[i].Summary()
	}
	return result, nil
}

func (s *TaskStorage) ListActive(ctx context.Context) ([]*models.Task, error) {
	query := badgerhold.Where("Status").In(
		models.TaskStatusPending, models.TaskStatusRunning, models.TaskStatusPaused,
	).SortBy("CreatedAt")

	var tasks []models.Task
	if err := s.db.Store().Find(&tasks, query); err != nil {
		return nil, fmt.Errorf("failed to list active tasks: %w", err)
	}
	return taskPtrs(tasks), nil
}

func (s *TaskStorage) ListByStatus(ctx context.Context, status models.TaskStatus) ([]*models.Task, error) {
	var tasks []models.Task
	if err := s.db.Store().Find(&tasks, badgerhold.Where("Status").Eq(status).SortBy("CreatedAt")); err != nil {
		return nil, fmt.Errorf("failed to list tasks by status: %w", err)
	}
	return taskPtrs(tasks), nil
}

// CompareAndSetStatus atomically transitions a task from expected to next.
// Exactly one of N concurrent callers with the same expected status wins.
func (s *TaskStorage) CompareAndSetStatus(ctx context.Context, id string, expected, next models.TaskStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var task models.Task
	if err := s.db.Store().Get(id, &task); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return false, models.ErrTaskNotFound
		}
		return false, fmt.Errorf("failed to get task: %w", err)
	}

	if task.Status != expected || !models.CanTransition(expected, next) {
		return false, nil
	}

	task.ApplyTransition(next)
	if err := s.db.Store().Update(id, &task); err != nil {
		return false, fmt.Errorf("failed to update task status: %w", err)
	}

	s.logger.Debug().
		Str("task_id", id).
		Str("from", string(expected)).
		Str("to", string(next)).
		Int("generation", task.Generation).
		Msg("Task status transition")

	return true, nil
}

// AppendOutput appends a chunk under the status and generation fence.
func (s *TaskStorage) AppendOutput(ctx context.Context, id string, generation int, chunk string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var task models.Task
	if err := s.db.Store().Get(id, &task); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return false, models.ErrTaskNotFound
		}
		return false, fmt.Errorf("failed to get task: %w", err)
	}

	if task.Status != models.TaskStatusRunning || task.Generation != generation {
		return false, nil
	}

	task.Output += chunk
	task.UpdatedAt = time.Now()
	if err := s.db.Store().Update(id, &task); err != nil {
		return false, fmt.Errorf("failed to append output: %w", err)
	}
	return true, nil
}

// UpdateStage records a stage transition. Progress only moves forward; a
// provider switch that restarts generation must not make readings regress.
func (s *TaskStorage) UpdateStage(ctx context.Context, id string, stage models.TaskStage, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var task models.Task
	if err := s.db.Store().Get(id, &task); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return models.ErrTaskNotFound
		}
		return fmt.Errorf("failed to get task: %w", err)
	}

	if stage.Index() >= task.Stage.Index() {
		task.Stage = stage
	}
	if progress > task.Progress && progress <= 100 {
		task.Progress = progress
	}
	task.UpdatedAt = time.Now()

	if err := s.db.Store().Update(id, &task); err != nil {
		return fmt.Errorf("failed to update stage: %w", err)
	}
	return nil
}

func (s *TaskStorage) RecordAttempt(ctx context.Context, id string, attempt models.ProviderAttempt) error {
	return s.mutate(id, func(task *models.Task) {
		task.ProviderAttempts = append(task.ProviderAttempts, attempt)
	})
}

func (s *TaskStorage) SetError(ctx context.Context, id string, msg string) error {
	return s.mutate(id, func(task *models.Task) {
		task.Error = msg
	})
}

func (s *TaskStorage) SetResultRef(ctx context.Context, id string, ref string) error {
	return s.mutate(id, func(task *models.Task) {
		task.ResultRef = ref
	})
}

func (s *TaskStorage) UpdateHeartbeat(ctx context.Context, id string) error {
	return s.mutate(id, func(task *models.Task) {
		now := time.Now()
		task.LastHeartbeat = &now
	})
}

// StaleRunning returns running tasks whose heartbeat (or start time, when no
// heartbeat was ever written) is older than the threshold.
func (s *TaskStorage) StaleRunning(ctx context.Context, olderThan time.Duration) ([]*models.Task, error) {
	running, err := s.ListByStatus(ctx, models.TaskStatusRunning)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-olderThan)
	stale := make([]*models.Task, 0)
	for _, task := range running {
		last := task.LastHeartbeat
		if last == nil {
			last = task.StartedAt
		}
		if last != nil && last.Before(cutoff) {
			stale = append(stale, task)
		}
	}
	return stale, nil
}

func (s *TaskStorage) CountByStatus(ctx context.Context, status models.TaskStatus) (int, error) {
	count, err := s.db.Store().Count(&models.Task{}, badgerhold.Where("Status").Eq(status))
	if err != nil {
		return 0, fmt.Errorf("failed to count tasks: %w", err)
	}
	return int(count), nil
}

func (s *TaskStorage) DeleteTask(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.Store().Delete(id, &models.Task{}); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return models.ErrTaskNotFound
		}
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return nil
}

// mutate applies fn to the stored record under the store lock.
func (s *TaskStorage) mutate(id string, fn func(task *models.Task)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var task models.Task
	if err := s.db.Store().Get(id, &task); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return models.ErrTaskNotFound
		}
		return fmt.Errorf("failed to get task: %w", err)
	}

	fn(&task)
	task.UpdatedAt = time.Now()

	if err := s.db.Store().Update(id, &task); err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	return nil
}

func taskPtrs(tasks []models.Task) []*models.Task {
	result := make([]*models.Task, len(tasks))
	for i := range tasks {
		result[i] = &tasks[i]
	}
	return result
}
