package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/ternarybob/scriptor/internal/models"
)

// fakeFetcher serves a scripted sequence of snapshots, holding the last one
// once the script runs out.
type fakeFetcher struct {
	snapshots []*models.Task
	errs      []error
	calls     int
}

func (f *fakeFetcher) FetchTask(ctx context.Context, id string) (*models.Task, error) {
	idx := f.calls
	f.calls++
	if idx < len(f.errs) && f.errs[idx] != nil {
		return nil, f.errs[idx]
	}
	if idx >= len(f.snapshots) {
		idx = len(f.snapshots) - 1
	}
	return f.snapshots[idx].Clone(), nil
}

func snapshot(status models.TaskStatus, output string, progress int) *models.Task {
	return &models.Task{
		ID:       "task_1",
		Status:   status,
		Output:   output,
		Progress: progress,
	}
}

func TestWatchUntilTerminal(t *testing.T) {
	fetch := &fakeFetcher{snapshots: []*models.Task{
		snapshot(models.TaskStatusRunning, "one ", 20),
		snapshot(models.TaskStatusRunning, "one two ", 50),
		snapshot(models.TaskStatusCompleted, "one two three", 100),
	}}
	poller := NewPoller(fetch, time.Millisecond, 4*time.Millisecond)

	var updates []*models.Task
	err := poller.Watch(context.Background(), "task_1", func(task *models.Task) {
		updates = append(updates, task)
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(updates) != 3 {
		t.Fatalf("updates = %d, want 3", len(updates))
	}
	last := updates[len(updates)-1]
	if last.Status != models.TaskStatusCompleted || last.Output != "one two three" {
		t.Errorf("final update = %s/%q", last.Status, last.Output)
	}
}

func TestWatchSkipsUnchangedSnapshots(t *testing.T) {
	same := snapshot(models.TaskStatusRunning, "steady", 50)
	fetch := &fakeFetcher{snapshots: []*models.Task{
		same, same, same,
		snapshot(models.TaskStatusCompleted, "steady", 100),
	}}
	poller := NewPoller(fetch, time.Millisecond, 4*time.Millisecond)

	updates := 0
	if err := poller.Watch(context.Background(), "task_1", func(*models.Task) { updates++ }); err != nil {
		t.Fatal(err)
	}

	// First observation, then only the terminal change.
	if updates != 2 {
		t.Errorf("updates = %d, want 2", updates)
	}
}

func TestWatchSurvivesTransientErrors(t *testing.T) {
	fetch := &fakeFetcher{
		errs: []error{nil, errors.New("connection reset"), nil},
		snapshots: []*models.Task{
			snapshot(models.TaskStatusRunning, "partial", 40),
			nil, // consumed by the error slot
			snapshot(models.TaskStatusCompleted, "partial done", 100),
		},
	}
	poller := NewPoller(fetch, time.Millisecond, 4*time.Millisecond)

	if err := poller.Watch(context.Background(), "task_1", nil); err != nil {
		t.Fatal(err)
	}
	if fetch.calls != 3 {
		t.Errorf("calls = %d, want 3 (error retried)", fetch.calls)
	}

	cached := poller.Cached("task_1")
	if cached == nil || cached.Status != models.TaskStatusCompleted {
		t.Errorf("cached = %+v, want the terminal snapshot", cached)
	}
}

func TestWatchStopsOnContextCancel(t *testing.T) {
	fetch := &fakeFetcher{snapshots: []*models.Task{
		snapshot(models.TaskStatusRunning, "forever", 10),
	}}
	poller := NewPoller(fetch, time.Millisecond, 4*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := poller.Watch(ctx, "task_1", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestCachedReturnsCloneBetweenPolls(t *testing.T) {
	fetch := &fakeFetcher{snapshots: []*models.Task{
		snapshot(models.TaskStatusCompleted, "final", 100),
	}}
	poller := NewPoller(fetch, time.Millisecond, 4*time.Millisecond)

	if poller.Cached("task_1") != nil {
		t.Error("cache must start empty")
	}

	if err := poller.Watch(context.Background(), "task_1", nil); err != nil {
		t.Fatal(err)
	}

	first := poller.Cached("task_1")
	first.Output = "tampered"
	if poller.Cached("task_1").Output != "final" {
		t.Error("cache returned a shared pointer, not a clone")
	}
}

func TestSetHiddenAdjustsPollRate(t *testing.T) {
	fetch := &fakeFetcher{snapshots: []*models.Task{
		snapshot(models.TaskStatusRunning, "x", 10),
	}}
	poller := NewPoller(fetch, 100*time.Millisecond, 400*time.Millisecond)

	fast := poller.limiter.Limit()
	poller.SetHidden(true)
	if poller.limiter.Limit() != rate.Every(400*time.Millisecond) {
		t.Errorf("hidden limit = %v", poller.limiter.Limit())
	}
	poller.SetHidden(true) // no-op
	poller.SetHidden(false)
	if poller.limiter.Limit() != fast {
		t.Errorf("visible limit = %v, want %v restored", poller.limiter.Limit(), fast)
	}
}

func TestNewPollerDefaults(t *testing.T) {
	poller := NewPoller(&fakeFetcher{snapshots: []*models.Task{snapshot(models.TaskStatusCompleted, "", 100)}}, 0, 0)
	if poller.min != 2*time.Second {
		t.Errorf("min = %v, want 2s default", poller.min)
	}
	if poller.max != 8*time.Second {
		t.Errorf("max = %v, want 4x min", poller.max)
	}
}
