package tasks

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/scriptor/internal/common"
	"github.com/ternarybob/scriptor/internal/interfaces"
	"github.com/ternarybob/scriptor/internal/models"
	"github.com/ternarybob/scriptor/internal/storage/memory"
	"github.com/ternarybob/scriptor/internal/stream"
)

// scripted fakes: each Generate call consumes the next script. A script is a
// sequence of chunks followed by an optional terminal error; afterChunk fires
// between chunks so tests can pause or cancel mid-stream.

type script struct {
	chunks []string
	err    error
}

type fakeProvider struct {
	name       string
	scripts    []script
	calls      int
	afterChunk func(call, chunk int)
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Generate(ctx context.Context, req *interfaces.GenerateRequest) (interfaces.Stream, error) {
	idx := p.calls
	p.calls++
	if idx >= len(p.scripts) {
		return &fakeStream{}, nil
	}
	return &fakeStream{script: p.scripts[idx], call: idx, after: p.afterChunk}, nil
}

type fakeStream struct {
	script script
	call   int
	i      int
	chunk  string
	after  func(call, chunk int)
}

func (s *fakeStream) Next() bool {
	if s.i > 0 && s.after != nil {
		s.after(s.call, s.i-1)
	}
	if s.i >= len(s.script.chunks) {
		return false
	}
	s.chunk = s.script.chunks[s.i]
	s.i++
	return true
}

func (s *fakeStream) Chunk() string { return s.chunk }
func (s *fakeStream) Err() error    { return s.script.err }
func (s *fakeStream) Close()        {}

type fakeFinalizer struct {
	ref       string
	finalized *models.Task
}

func (f *fakeFinalizer) Finalize(ctx context.Context, task *models.Task) (string, error) {
	f.finalized = task.Clone()
	return f.ref, nil
}

func testConfig() *common.Config {
	cfg := common.DefaultConfig()
	cfg.LLM.ExpectedLength = 100
	return cfg
}

func newTestRunner(t *testing.T, providers []interfaces.Provider) (*Runner, *memory.TaskStore, *fakeFinalizer) {
	t.Helper()
	store := memory.NewTaskStore()
	logger := arbor.NewLogger()
	coord := stream.NewCoordinator(store, logger)
	fin := &fakeFinalizer{ref: "report_test"}
	return NewRunner(store, coord, providers, fin, testConfig(), logger), store, fin
}

func claimed(t *testing.T, store *memory.TaskStore, id string) *models.Task {
	t.Helper()
	ctx := context.Background()
	task := models.NewTask(id, models.TaskInput{Subject: "Berlin", Topic: "robotics"})
	if err := store.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	ok, err := store.CompareAndSetStatus(ctx, id, models.TaskStatusPending, models.TaskStatusRunning)
	if err != nil || !ok {
		t.Fatalf("claim failed: ok=%v err=%v", ok, err)
	}
	got, err := store.GetTask(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	return got
}

func TestExecuteHappyPath(t *testing.T) {
	claude := &fakeProvider{name: "claude", scripts: []script{
		{chunks: []string{"# Report\n", "1. Executive Summary\n", "All good.\n"}},
	}}
	runner, store, fin := newTestRunner(t, []interfaces.Provider{claude})
	task := claimed(t, store, "task_1")

	runner.execute(context.Background(), task)

	final, _ := store.GetTask(context.Background(), "task_1")
	if final.Status != models.TaskStatusCompleted {
		t.Fatalf("status = %s, want completed (error=%q)", final.Status, final.Error)
	}
	if final.Output != "# Report\n1. Executive Summary\nAll good.\n" {
		t.Errorf("output = %q", final.Output)
	}
	if final.Progress != 100 || final.Stage != models.StageDone {
		t.Errorf("progress/stage = %d/%s, want 100/done", final.Progress, final.Stage)
	}
	if final.ResultRef != "report_test" {
		t.Errorf("result_ref = %q, want report_test", final.ResultRef)
	}
	if fin.finalized == nil || fin.finalized.Output != final.Output {
		t.Error("finalizer did not receive the full output")
	}

	if len(final.ProviderAttempts) != 1 {
		t.Fatalf("attempts = %d, want 1", len(final.ProviderAttempts))
	}
	if final.ProviderAttempts[0].Outcome != models.AttemptOutcomeCompleted {
		t.Errorf("attempt outcome = %s, want completed", final.ProviderAttempts[0].Outcome)
	}
}

func TestExecuteSwitchesProviderAndKeepsOutput(t *testing.T) {
	claude := &fakeProvider{name: "claude", scripts: []script{
		{chunks: []string{"partial "}, err: errors.New("quota exceeded for this billing period")},
	}}
	gemini := &fakeProvider{name: "gemini", scripts: []script{
		{chunks: []string{"and the rest"}},
	}}
	runner, store, _ := newTestRunner(t, []interfaces.Provider{claude, gemini})
	task := claimed(t, store, "task_1")

	runner.execute(context.Background(), task)

	final, _ := store.GetTask(context.Background(), "task_1")
	if final.Status != models.TaskStatusCompleted {
		t.Fatalf("status = %s, want completed", final.Status)
	}
	if final.Output != "partial and the rest" {
		t.Errorf("output = %q; partial output must survive a provider switch", final.Output)
	}

	if len(final.ProviderAttempts) != 2 {
		t.Fatalf("attempts = %d, want 2: %+v", len(final.ProviderAttempts), final.ProviderAttempts)
	}
	first := final.ProviderAttempts[0]
	if first.Provider != "claude" || first.Outcome != models.AttemptOutcomeFailed || first.ErrorKind != "quota_exceeded" {
		t.Errorf("first attempt = %+v", first)
	}
	if final.ProviderAttempts[1].Provider != "gemini" || final.ProviderAttempts[1].Outcome != models.AttemptOutcomeCompleted {
		t.Errorf("second attempt = %+v", final.ProviderAttempts[1])
	}

	// The switch re-drives with a continuation prompt, not a fresh one.
	if gemini.calls != 1 {
		t.Fatalf("gemini called %d times, want 1", gemini.calls)
	}
}

func TestExecuteTimeoutRetriesSameOnce(t *testing.T) {
	// Embedded delay keeps the retry wait near zero in tests.
	timeoutErr := errors.New("request timed out, retry in 0.001s")
	claude := &fakeProvider{name: "claude", scripts: []script{
		{err: timeoutErr},
		{chunks: []string{"recovered"}},
	}}
	runner, store, _ := newTestRunner(t, []interfaces.Provider{claude})
	task := claimed(t, store, "task_1")

	runner.execute(context.Background(), task)

	final, _ := store.GetTask(context.Background(), "task_1")
	if final.Status != models.TaskStatusCompleted {
		t.Fatalf("status = %s, want completed", final.Status)
	}
	if final.Output != "recovered" {
		t.Errorf("output = %q", final.Output)
	}
	if claude.calls != 2 {
		t.Errorf("provider called %d times, want 2 (one retry)", claude.calls)
	}
	if final.ProviderAttempts[0].Outcome != models.AttemptOutcomeRetried {
		t.Errorf("retried attempt recorded as %s", final.ProviderAttempts[0].Outcome)
	}
}

func TestExecuteExhaustsBudgetAndFails(t *testing.T) {
	timeoutErr := errors.New("connection timed out, retry in 0.001s")
	claude := &fakeProvider{name: "claude", scripts: []script{
		{err: timeoutErr}, {err: timeoutErr}, {err: timeoutErr},
	}}
	gemini := &fakeProvider{name: "gemini", scripts: []script{
		{err: timeoutErr}, {err: timeoutErr}, {err: timeoutErr},
	}}
	runner, store, _ := newTestRunner(t, []interfaces.Provider{claude, gemini})
	task := claimed(t, store, "task_1")

	runner.execute(context.Background(), task)

	final, _ := store.GetTask(context.Background(), "task_1")
	if final.Status != models.TaskStatusFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
	if final.Error == "" {
		t.Error("failed task must carry a user-facing error message")
	}

	// Each provider: one failure, one retry, then switch/abort. Four entries.
	if len(final.ProviderAttempts) != 4 {
		t.Errorf("attempts = %d, want 4: %+v", len(final.ProviderAttempts), final.ProviderAttempts)
	}
	if claude.calls != 2 || gemini.calls != 2 {
		t.Errorf("calls = %d/%d, want 2/2", claude.calls, gemini.calls)
	}
}

func TestExecuteAuthAbortsWithoutRetry(t *testing.T) {
	authErr := errors.New("invalid x-api-key")
	claude := &fakeProvider{name: "claude", scripts: []script{{err: authErr}, {err: authErr}}}
	runner, store, _ := newTestRunner(t, []interfaces.Provider{claude})
	task := claimed(t, store, "task_1")

	runner.execute(context.Background(), task)

	final, _ := store.GetTask(context.Background(), "task_1")
	if final.Status != models.TaskStatusFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
	if claude.calls != 1 {
		t.Errorf("auth failure retried: %d calls, want 1", claude.calls)
	}
	if !strings.Contains(final.Error, "API key") {
		t.Errorf("error = %q, want an actionable auth message", final.Error)
	}
}

func TestExecuteStopsOnPauseMidStream(t *testing.T) {
	store := memory.NewTaskStore()
	logger := arbor.NewLogger()
	coord := stream.NewCoordinator(store, logger)

	claude := &fakeProvider{name: "claude"}
	claude.scripts = []script{{chunks: []string{"one ", "two ", "three ", "four"}}}
	claude.afterChunk = func(call, chunk int) {
		if chunk == 1 {
			store.CompareAndSetStatus(context.Background(), "task_1", models.TaskStatusRunning, models.TaskStatusPaused)
		}
	}

	runner := NewRunner(store, coord, []interfaces.Provider{claude}, &fakeFinalizer{ref: "r"}, testConfig(), logger)
	task := claimed(t, store, "task_1")

	runner.execute(context.Background(), task)

	paused, _ := store.GetTask(context.Background(), "task_1")
	if paused.Status != models.TaskStatusPaused {
		t.Fatalf("status = %s, want paused", paused.Status)
	}
	if paused.Output != "one two " {
		t.Errorf("output = %q, want exactly the chunks appended before the pause", paused.Output)
	}
	if len(paused.ProviderAttempts) != 0 {
		t.Errorf("a pause is not a provider failure, got attempts %+v", paused.ProviderAttempts)
	}
}

func TestExecuteResumeContinuesFromPausedOutput(t *testing.T) {
	claude := &fakeProvider{name: "claude", scripts: []script{
		{chunks: []string{" continued"}},
	}}
	runner, store, _ := newTestRunner(t, []interfaces.Provider{claude})
	ctx := context.Background()

	// A previously paused task with accumulated output.
	task := models.NewTask("task_1", models.TaskInput{Subject: "Berlin", Topic: "robotics"})
	if err := store.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	store.CompareAndSetStatus(ctx, "task_1", models.TaskStatusPending, models.TaskStatusRunning)
	store.AppendOutput(ctx, "task_1", 1, "first half")
	store.CompareAndSetStatus(ctx, "task_1", models.TaskStatusRunning, models.TaskStatusPaused)
	store.CompareAndSetStatus(ctx, "task_1", models.TaskStatusPaused, models.TaskStatusRunning)

	resumed, _ := store.GetTask(ctx, "task_1")
	if resumed.Generation != 2 {
		t.Fatalf("generation = %d, want 2 after resume", resumed.Generation)
	}

	runner.execute(ctx, resumed)

	final, _ := store.GetTask(ctx, "task_1")
	if final.Status != models.TaskStatusCompleted {
		t.Fatalf("status = %s, want completed", final.Status)
	}
	if final.Output != "first half continued" {
		t.Errorf("output = %q; resume must append, never restart", final.Output)
	}
}

func TestExecuteStopsOnCancelMidStream(t *testing.T) {
	store := memory.NewTaskStore()
	logger := arbor.NewLogger()
	coord := stream.NewCoordinator(store, logger)

	claude := &fakeProvider{name: "claude"}
	claude.scripts = []script{{chunks: []string{"kept ", "dropped"}}}
	claude.afterChunk = func(call, chunk int) {
		if chunk == 0 {
			store.CompareAndSetStatus(context.Background(), "task_1", models.TaskStatusRunning, models.TaskStatusCancelled)
		}
	}

	runner := NewRunner(store, coord, []interfaces.Provider{claude}, &fakeFinalizer{ref: "r"}, testConfig(), logger)
	task := claimed(t, store, "task_1")

	runner.execute(context.Background(), task)

	final, _ := store.GetTask(context.Background(), "task_1")
	if final.Status != models.TaskStatusCancelled {
		t.Fatalf("status = %s, want cancelled", final.Status)
	}
	if final.Output != "kept " {
		t.Errorf("output = %q; cancel must retain already-appended output", final.Output)
	}
}

func TestExecuteHonoursTaskProviderOverride(t *testing.T) {
	claude := &fakeProvider{name: "claude", scripts: []script{{chunks: []string{"nope"}}}}
	gemini := &fakeProvider{name: "gemini", scripts: []script{{chunks: []string{"from gemini"}}}}
	runner, store, _ := newTestRunner(t, []interfaces.Provider{claude, gemini})
	ctx := context.Background()

	task := models.NewTask("task_1", models.TaskInput{
		Subject:   "Berlin",
		Topic:     "robotics",
		Providers: []string{"gemini"},
	})
	if err := store.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	store.CompareAndSetStatus(ctx, "task_1", models.TaskStatusPending, models.TaskStatusRunning)
	running, _ := store.GetTask(ctx, "task_1")

	runner.execute(ctx, running)

	final, _ := store.GetTask(ctx, "task_1")
	if final.Output != "from gemini" {
		t.Errorf("output = %q, want gemini's", final.Output)
	}
	if claude.calls != 0 {
		t.Errorf("claude called %d times despite override", claude.calls)
	}
}

func TestResumedTaskDiscardsStaleGeneration(t *testing.T) {
	claude := &fakeProvider{name: "claude"}
	runner, store, _ := newTestRunner(t, []interfaces.Provider{claude})
	ctx := context.Background()

	task := models.NewTask("task_1", models.TaskInput{Subject: "Berlin", Topic: "robotics"})
	if err := store.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	store.CompareAndSetStatus(ctx, "task_1", models.TaskStatusPending, models.TaskStatusRunning)
	store.CompareAndSetStatus(ctx, "task_1", models.TaskStatusRunning, models.TaskStatusPaused)
	store.CompareAndSetStatus(ctx, "task_1", models.TaskStatusPaused, models.TaskStatusRunning)

	// The reclaimer or a second resume moved the task past this dispatch.
	if got := runner.resumedTask(ctx, resumeTicket{taskID: "task_1", generation: 1}); got != nil {
		t.Errorf("stale ticket accepted for generation %d", got.Generation)
	}

	got := runner.resumedTask(ctx, resumeTicket{taskID: "task_1", generation: 2})
	if got == nil || got.Generation != 2 {
		t.Fatalf("current ticket rejected: %+v", got)
	}

	// Paused again before pickup: the dispatch is void even with a matching
	// generation.
	store.CompareAndSetStatus(ctx, "task_1", models.TaskStatusRunning, models.TaskStatusPaused)
	if got := runner.resumedTask(ctx, resumeTicket{taskID: "task_1", generation: 2}); got != nil {
		t.Error("dispatch for a paused task accepted")
	}

	if got := runner.resumedTask(ctx, resumeTicket{taskID: "task_missing", generation: 1}); got != nil {
		t.Error("dispatch for an unknown task accepted")
	}
}
