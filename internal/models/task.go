package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskStatus represents the lifecycle state of a generation task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusPaused    TaskStatus = "paused"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// validTransitions encodes the task state machine. Claims, pauses, resumes and
// terminal transitions all go through CompareAndSetStatus, which consults this
// table; there is no other way to change a task's status.
var validTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending: {TaskStatusRunning, TaskStatusCancelled},
	TaskStatusRunning: {TaskStatusPaused, TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled,
		// running -> pending is crash recovery only: the stale-task reclaimer
		// returns tasks whose worker died to the claim pool.
		TaskStatusPending},
	TaskStatusPaused: {TaskStatusRunning, TaskStatusCancelled},
}

// CanTransition reports whether the state machine permits from -> to
func CanTransition(from, to TaskStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AttemptOutcome describes how a single provider attempt ended
type AttemptOutcome string

const (
	AttemptOutcomeCompleted AttemptOutcome = "completed"
	AttemptOutcomeFailed    AttemptOutcome = "failed"
	AttemptOutcomeRetried   AttemptOutcome = "retried"
)

// ProviderAttempt is one entry in a task's fallback audit trail
type ProviderAttempt struct {
	Provider  string         `json:"provider"`
	Outcome   AttemptOutcome `json:"outcome"`
	ErrorKind string         `json:"error_kind,omitempty"`
	At        time.Time      `json:"at"`
}

// TaskInput holds the parameters that fully determine a generation request.
// Immutable once the task is created.
type TaskInput struct {
	Subject string `json:"subject" validate:"required"` // e.g. region or city
	Topic   string `json:"topic" validate:"required"`   // e.g. industry
	Context string `json:"context,omitempty"`           // free-form extra requirements

	// Providers optionally overrides the configured fallback order for this
	// task. Unknown names are rejected at creation time.
	Providers []string `json:"providers,omitempty"`
}

// Task is one report-generation request and its full execution state.
//
// Task State Lifecycle:
//  1. Created by the API handler (status=pending)
//  2. Claimed by exactly one worker via CompareAndSetStatus (pending -> running)
//  3. Mutated incrementally as provider chunks arrive (Output, Progress, Stage)
//  4. Paused/resumed any number of times by client action
//  5. Terminates in completed, failed or cancelled and is then immutable
type Task struct {
	ID    string    `json:"id" badgerhold:"key"`
	Input TaskInput `json:"input"`

	Status   TaskStatus `json:"status"`
	Stage    TaskStage  `json:"stage"`
	Progress int        `json:"progress_pct"` // 0-100, monotonically non-decreasing

	// Output is the append-only accumulated text buffer. Existing bytes are
	// never rewritten; a later read is always a prefix-extension of an earlier
	// one.
	Output string `json:"accumulated_output"`

	// Generation fences appends: it is bumped on every claim and resume, and
	// AppendOutput rejects chunks carrying a stale generation. A worker
	// suspended across a pause/resume can therefore never corrupt the buffer.
	Generation int `json:"generation"`

	ProviderAttempts []ProviderAttempt `json:"provider_attempts,omitempty"`

	ResultRef string `json:"result_ref,omitempty"` // set only on completed
	Error     string `json:"error,omitempty"`      // human-readable, set on failed

	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	PausedAt      *time.Time `json:"paused_at,omitempty"`
	CancelledAt   *time.Time `json:"cancelled_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
}

// NewTask creates a pending task for the given input
func NewTask(id string, input TaskInput) *Task {
	now := time.Now()
	return &Task{
		ID:        id,
		Input:     input,
		Status:    TaskStatusPending,
		Stage:     StageInit,
		Progress:  0,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// IsTerminal returns true if the task is in a terminal state
func (t *Task) IsTerminal() bool {
	return t.Status == TaskStatusCompleted ||
		t.Status == TaskStatusFailed ||
		t.Status == TaskStatusCancelled
}

// ApplyTransition mutates the task's status and the timestamps that hang off
// each transition. Callers must have validated the transition via
// CanTransition; storage serializes calls so the check-then-apply is atomic.
func (t *Task) ApplyTransition(next TaskStatus) {
	now := time.Now()
	t.UpdatedAt = now

	switch next {
	case TaskStatusRunning:
		if t.Status == TaskStatusPending {
			t.StartedAt = &now
		}
		t.PausedAt = nil
		t.Generation++
		// A task paused longer than the stale threshold must not look stale
		// the instant it resumes.
		t.LastHeartbeat = &now
	case TaskStatusPaused:
		t.PausedAt = &now
	case TaskStatusPending:
		// crash recovery: task returns to the claim pool
		t.LastHeartbeat = nil
	case TaskStatusCompleted:
		t.CompletedAt = &now
		t.Stage = StageDone
		t.Progress = 100
	case TaskStatusFailed:
		t.CompletedAt = &now
	case TaskStatusCancelled:
		t.CancelledAt = &now
		t.CompletedAt = &now
	}
	t.Status = next
}

// Validate checks structural invariants on the task record
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task ID is required")
	}
	if t.Input.Subject == "" {
		return fmt.Errorf("task subject is required")
	}
	if t.Input.Topic == "" {
		return fmt.Errorf("task topic is required")
	}
	if t.Progress < 0 || t.Progress > 100 {
		return fmt.Errorf("task progress out of range: %d", t.Progress)
	}
	return nil
}

// Clone returns a deep copy of the task. Storage hands out clones so callers
// can never mutate the stored record outside the store's lock.
func (t *Task) Clone() *Task {
	clone := *t
	if t.ProviderAttempts != nil {
		clone.ProviderAttempts = make([]ProviderAttempt, len(t.ProviderAttempts))
		copy(clone.ProviderAttempts, t.ProviderAttempts)
	}
	return &clone
}

// ToJSON serializes the task
func (t *Task) ToJSON() ([]byte, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task: %w", err)
	}
	return data, nil
}

// TaskSummary is the list-endpoint view of a task. It excludes the accumulated
// output for size reasons and reports its length instead.
type TaskSummary struct {
	ID        string     `json:"id"`
	Subject   string     `json:"subject"`
	Topic     string     `json:"topic"`
	Status    TaskStatus `json:"status"`
	Stage     TaskStage  `json:"stage"`
	Progress  int        `json:"progress_pct"`
	OutputLen int        `json:"output_len"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Summary returns the list view of the task
func (t *Task) Summary() *TaskSummary {
	return &TaskSummary{
		ID:        t.ID,
		Subject:   t.Input.Subject,
		Topic:     t.Input.Topic,
		Status:    t.Status,
		Stage:     t.Stage,
		Progress:  t.Progress,
		OutputLen: len(t.Output),
		Error:     t.Error,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
}
