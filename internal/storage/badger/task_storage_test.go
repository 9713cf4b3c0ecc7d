package badger

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/scriptor/internal/common"
	"github.com/ternarybob/scriptor/internal/interfaces"
	"github.com/ternarybob/scriptor/internal/models"
)

func openTestDB(t *testing.T) *BadgerDB {
	t.Helper()
	db, err := NewBadgerDB(arbor.NewLogger(), &common.BadgerConfig{
		Path: filepath.Join(t.TempDir(), "scriptor-test"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestStorage(t *testing.T) interfaces.TaskStorage {
	return NewTaskStorage(openTestDB(t), arbor.NewLogger())
}

func TestTaskRoundTrip(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	task := models.NewTask("task_1", models.TaskInput{Subject: "Berlin", Topic: "robotics"})
	require.NoError(t, storage.CreateTask(ctx, task))

	// Duplicate ids are rejected.
	assert.Error(t, storage.CreateTask(ctx, task))

	got, err := storage.GetTask(ctx, "task_1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, got.Status)
	assert.Equal(t, "Berlin", got.Input.Subject)

	_, err = storage.GetTask(ctx, "task_missing")
	assert.ErrorIs(t, err, models.ErrTaskNotFound)
}

func TestCompareAndSetStatusPersisted(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	task := models.NewTask("task_1", models.TaskInput{Subject: "Berlin", Topic: "robotics"})
	require.NoError(t, storage.CreateTask(ctx, task))

	ok, err := storage.CompareAndSetStatus(ctx, "task_1", models.TaskStatusPending, models.TaskStatusRunning)
	require.NoError(t, err)
	require.True(t, ok)

	// Second claim with the same expected status loses.
	ok, err = storage.CompareAndSetStatus(ctx, "task_1", models.TaskStatusPending, models.TaskStatusRunning)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := storage.GetTask(ctx, "task_1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusRunning, got.Status)
	assert.Equal(t, 1, got.Generation)
	assert.NotNil(t, got.StartedAt)
}

func TestAppendOutputFencePersisted(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	task := models.NewTask("task_1", models.TaskInput{Subject: "Berlin", Topic: "robotics"})
	require.NoError(t, storage.CreateTask(ctx, task))

	// Pending: rejected.
	ok, err := storage.AppendOutput(ctx, "task_1", 0, "early")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = storage.CompareAndSetStatus(ctx, "task_1", models.TaskStatusPending, models.TaskStatusRunning)
	require.NoError(t, err)

	ok, err = storage.AppendOutput(ctx, "task_1", 1, "hello ")
	require.NoError(t, err)
	require.True(t, ok)

	// Stale generation after pause/resume: rejected.
	storage.CompareAndSetStatus(ctx, "task_1", models.TaskStatusRunning, models.TaskStatusPaused)
	storage.CompareAndSetStatus(ctx, "task_1", models.TaskStatusPaused, models.TaskStatusRunning)

	ok, err = storage.AppendOutput(ctx, "task_1", 1, "stale")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = storage.AppendOutput(ctx, "task_1", 2, "world")
	require.NoError(t, err)
	require.True(t, ok)

	got, err := storage.GetTask(ctx, "task_1")
	require.NoError(t, err)
	assert.Equal(t, "hello world", got.Output)
}

func TestListTasksQueries(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	for _, id := range []string{"task_1", "task_2", "task_3"} {
		require.NoError(t, storage.CreateTask(ctx, models.NewTask(id, models.TaskInput{Subject: "Berlin", Topic: "robotics"})))
	}
	_, err := storage.CompareAndSetStatus(ctx, "task_2", models.TaskStatusPending, models.TaskStatusRunning)
	require.NoError(t, err)

	all, err := storage.ListTasks(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	running, err := storage.ListTasks(ctx, &interfaces.TaskListOptions{Status: "running"})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "task_2", running[0].ID)

	limited, err := storage.ListTasks(ctx, &interfaces.TaskListOptions{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	count, err := storage.CountByStatus(ctx, models.TaskStatusPending)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestRecordAttemptAndResultRef(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	task := models.NewTask("task_1", models.TaskInput{Subject: "Berlin", Topic: "robotics"})
	require.NoError(t, storage.CreateTask(ctx, task))

	require.NoError(t, storage.RecordAttempt(ctx, "task_1", models.ProviderAttempt{
		Provider: "claude",
		Outcome:  models.AttemptOutcomeFailed,
	}))
	require.NoError(t, storage.SetResultRef(ctx, "task_1", "report_1"))

	got, err := storage.GetTask(ctx, "task_1")
	require.NoError(t, err)
	require.Len(t, got.ProviderAttempts, 1)
	assert.Equal(t, "claude", got.ProviderAttempts[0].Provider)
	assert.Equal(t, "report_1", got.ResultRef)
}

func TestReportStorageRoundTrip(t *testing.T) {
	db := openTestDB(t)
	storage := NewReportStorage(db, arbor.NewLogger())
	ctx := context.Background()

	report := &models.Report{
		ID:      "report_1",
		TaskID:  "task_1",
		Subject: "Berlin",
		Topic:   "robotics",
		Content: "full text",
		Sections: map[string]string{
			"executive_summary": "gist",
		},
	}
	require.NoError(t, storage.SaveReport(ctx, report))

	got, err := storage.GetReport(ctx, "report_1")
	require.NoError(t, err)
	assert.Equal(t, "gist", got.Sections["executive_summary"])

	byTask, err := storage.GetReportByTask(ctx, "task_1")
	require.NoError(t, err)
	assert.Equal(t, "report_1", byTask.ID)

	_, err = storage.GetReportByTask(ctx, "task_other")
	assert.ErrorIs(t, err, models.ErrReportNotFound)

	require.NoError(t, storage.DeleteReport(ctx, "report_1"))
	_, err = storage.GetReport(ctx, "report_1")
	assert.ErrorIs(t, err, models.ErrReportNotFound)
}
