package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/scriptor/internal/interfaces"
	"github.com/ternarybob/scriptor/internal/models"
)

// Manager is an in-memory StorageManager. It backs tests and small
// single-process deployments; nothing survives a restart.
type Manager struct {
	tasks   *TaskStore
	reports *ReportStore
}

// NewManager creates an in-memory storage manager
func NewManager() interfaces.StorageManager {
	return &Manager{
		tasks:   NewTaskStore(),
		reports: NewReportStore(),
	}
}

func (m *Manager) TaskStorage() interfaces.TaskStorage {
	return m.tasks
}

func (m *Manager) ReportStorage() interfaces.ReportStorage {
	return m.reports
}

func (m *Manager) Close() error {
	return nil
}

// TaskStore implements interfaces.TaskStorage on a map. All task records
// are cloned on the way in and out so callers never share memory with the
// store; the mutex makes every read-modify-write atomic.
type TaskStore struct {
	mu    sync.Mutex
	tasks map[string]*models.Task
}

// NewTaskStore creates an empty in-memory task store
func NewTaskStore() *TaskStore {
	return &TaskStore{
		tasks: make(map[string]*models.Task),
	}
}

func (s *TaskStore) CreateTask(ctx context.Context, task *models.Task) error {
	if err := task.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.ID]; exists {
		return models.ErrInvalidInput
	}
	s.tasks[task.ID] = task.Clone()
	return nil
}

func (s *TaskStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, models.ErrTaskNotFound
	}
	return task.Clone(), nil
}

func (s *TaskStore) ListTasks(ctx context.Context, opts *interfaces.TaskListOptions) ([]*models.TaskSummary, error) {
	// Snapshot summaries under the lock; the live records keep mutating once
	// it is released.
	s.mu.Lock()
	tasks := make([]*models.TaskSummary, 0, len(s.tasks))
	for _, task := range s.tasks {
		if opts != nil && opts.Status != "" && task.Status != models.TaskStatus(opts.Status) {
			continue
		}
		tasks = append(tasks, task.Summary())
	}
	s.mu.Unlock()

	byUpdated := opts != nil && opts.OrderBy == "updated_at"
	asc := opts != nil && opts.OrderDir == "ASC"
	sort.Slice(tasks, func(i, j int) bool {
		var a, b time.Time
		if byUpdated {
			a, b = tasks[i].UpdatedAt, tasks[j].UpdatedAt
		} else {
			a, b = tasks[i].CreatedAt, tasks[j].CreatedAt
		}
		if asc {
			return a.Before(b)
		}
		return a.After(b)
	})

	if opts != nil && opts.Offset > 0 {
		if opts.Offset >= len(tasks) {
			tasks = nil
		} else {
			tasks = tasks[opts.Offset:]
		}
	}
	if opts != nil && opts.Limit > 0 && opts.Limit < len(tasks) {
		tasks = tasks[:opts.Limit]
	}
	return tasks, nil
}

func (s *TaskStore) ListActive(ctx context.Context) ([]*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]*models.Task, 0)
	for _, task := range s.tasks {
		if !task.IsTerminal() {
			result = append(result, task.Clone())
		}
	}
	sortByCreated(result)
	return result, nil
}

func (s *TaskStore) ListByStatus(ctx context.Context, status models.TaskStatus) ([]*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]*models.Task, 0)
	for _, task := range s.tasks {
		if task.Status == status {
			result = append(result, task.Clone())
		}
	}
	sortByCreated(result)
	return result, nil
}

func (s *TaskStore) CompareAndSetStatus(ctx context.Context, id string, expected, next models.TaskStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return false, models.ErrTaskNotFound
	}
	if task.Status != expected || !models.CanTransition(expected, next) {
		return false, nil
	}
	task.ApplyTransition(next)
	return true, nil
}

func (s *TaskStore) AppendOutput(ctx context.Context, id string, generation int, chunk string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return false, models.ErrTaskNotFound
	}
	if task.Status != models.TaskStatusRunning || task.Generation != generation {
		return false, nil
	}
	task.Output += chunk
	task.UpdatedAt = time.Now()
	return true, nil
}

func (s *TaskStore) UpdateStage(ctx context.Context, id string, stage models.TaskStage, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return models.ErrTaskNotFound
	}
	if stage.Index() >= task.Stage.Index() {
		task.Stage = stage
	}
	if progress > task.Progress && progress <= 100 {
		task.Progress = progress
	}
	task.UpdatedAt = time.Now()
	return nil
}

func (s *TaskStore) RecordAttempt(ctx context.Context, id string, attempt models.ProviderAttempt) error {
	return s.mutate(id, func(task *models.Task) {
		task.ProviderAttempts = append(task.ProviderAttempts, attempt)
	})
}

func (s *TaskStore) SetError(ctx context.Context, id string, msg string) error {
	return s.mutate(id, func(task *models.Task) {
		task.Error = msg
	})
}

func (s *TaskStore) SetResultRef(ctx context.Context, id string, ref string) error {
	return s.mutate(id, func(task *models.Task) {
		task.ResultRef = ref
	})
}

func (s *TaskStore) UpdateHeartbeat(ctx context.Context, id string) error {
	return s.mutate(id, func(task *models.Task) {
		now := time.Now()
		task.LastHeartbeat = &now
	})
}

func (s *TaskStore) StaleRunning(ctx context.Context, olderThan time.Duration) ([]*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	stale := make([]*models.Task, 0)
	for _, task := range s.tasks {
		if task.Status != models.TaskStatusRunning {
			continue
		}
		last := task.LastHeartbeat
		if last == nil {
			last = task.StartedAt
		}
		if last != nil && last.Before(cutoff) {
			stale = append(stale, task.Clone())
		}
	}
	sortByCreated(stale)
	return stale, nil
}

func (s *TaskStore) CountByStatus(ctx context.Context, status models.TaskStatus) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, task := range s.tasks {
		if task.Status == status {
			count++
		}
	}
	return count, nil
}

func (s *TaskStore) DeleteTask(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[id]; !ok {
		return models.ErrTaskNotFound
	}
	delete(s.tasks, id)
	return nil
}

func (s *TaskStore) mutate(id string, fn func(task *models.Task)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return models.ErrTaskNotFound
	}
	fn(task)
	task.UpdatedAt = time.Now()
	return nil
}

func sortByCreated(tasks []*models.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
}

// ReportStore implements interfaces.ReportStorage on a map
type ReportStore struct {
	mu      sync.RWMutex
	reports map[string]*models.Report
}

// NewReportStore creates an empty in-memory report store
func NewReportStore() *ReportStore {
	return &ReportStore{
		reports: make(map[string]*models.Report),
	}
}

func (s *ReportStore) SaveReport(ctx context.Context, report *models.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *report
	s.reports[report.ID] = &clone
	return nil
}

func (s *ReportStore) GetReport(ctx context.Context, id string) (*models.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	report, ok := s.reports[id]
	if !ok {
		return nil, models.ErrReportNotFound
	}
	clone := *report
	return &clone, nil
}

func (s *ReportStore) GetReportByTask(ctx context.Context, taskID string) (*models.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, report := range s.reports {
		if report.TaskID == taskID {
			clone := *report
			return &clone, nil
		}
	}
	return nil, models.ErrReportNotFound
}

func (s *ReportStore) DeleteReport(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.reports[id]; !ok {
		return models.ErrReportNotFound
	}
	delete(s.reports, id)
	return nil
}
