package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/scriptor/internal/models"
)

// TaskListOptions filters and pages task list queries
type TaskListOptions struct {
	Status   string
	Limit    int
	Offset   int
	OrderBy  string // "created_at" (default) or "updated_at"
	OrderDir string // "ASC" or "DESC" (default)
}

// TaskStorage is durable keyed storage for task records.
//
// CompareAndSetStatus is the sole mutation primitive for status transitions and
// is atomic with respect to concurrent callers: of N workers racing to claim a
// pending task, exactly one observes true. AppendOutput is fenced by both
// status and generation so a pause or cancel immediately stops a stale worker
// from appending.
type TaskStorage interface {
	CreateTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	ListTasks(ctx context.Context, opts *TaskListOptions) ([]*models.TaskSummary, error)
	ListActive(ctx context.Context) ([]*models.Task, error)
	ListByStatus(ctx context.Context, status models.TaskStatus) ([]*models.Task, error)

	// CompareAndSetStatus atomically transitions id from expected to next.
	// Returns false (with nil error) when the current status is not expected
	// or the state machine forbids the transition.
	CompareAndSetStatus(ctx context.Context, id string, expected, next models.TaskStatus) (bool, error)

	// AppendOutput appends chunk to the task's accumulated output. Returns
	// false when the task is not running or generation is stale; the caller
	// must stop streaming for that attempt.
	AppendOutput(ctx context.Context, id string, generation int, chunk string) (bool, error)

	// UpdateStage records a stage transition and progress reading. Progress is
	// clamped so stored readings never decrease while the task runs.
	UpdateStage(ctx context.Context, id string, stage models.TaskStage, progress int) error

	RecordAttempt(ctx context.Context, id string, attempt models.ProviderAttempt) error
	SetError(ctx context.Context, id string, msg string) error
	SetResultRef(ctx context.Context, id string, ref string) error
	UpdateHeartbeat(ctx context.Context, id string) error

	// StaleRunning returns running tasks whose heartbeat is older than the
	// threshold; used by the reclaimer to recover from dead workers.
	StaleRunning(ctx context.Context, olderThan time.Duration) ([]*models.Task, error)

	CountByStatus(ctx context.Context, status models.TaskStatus) (int, error)
	DeleteTask(ctx context.Context, id string) error
}

// ReportStorage stores completed report artifacts
type ReportStorage interface {
	SaveReport(ctx context.Context, report *models.Report) error
	GetReport(ctx context.Context, id string) (*models.Report, error)
	GetReportByTask(ctx context.Context, taskID string) (*models.Report, error)
	DeleteReport(ctx context.Context, id string) error
}

// StorageManager provides access to all storage interfaces
type StorageManager interface {
	TaskStorage() TaskStorage
	ReportStorage() ReportStorage
	Close() error
}
