package stream

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/scriptor/internal/models"
	"github.com/ternarybob/scriptor/internal/storage/memory"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *memory.TaskStore) {
	t.Helper()
	store := memory.NewTaskStore()
	return NewCoordinator(store, arbor.NewLogger()), store
}

func startTask(t *testing.T, store *memory.TaskStore, id string) {
	t.Helper()
	ctx := context.Background()
	task := models.NewTask(id, models.TaskInput{Subject: "Berlin", Topic: "robotics"})
	if err := store.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	if ok, err := store.CompareAndSetStatus(ctx, id, models.TaskStatusPending, models.TaskStatusRunning); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
}

func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events:
		if !ok {
			t.Fatal("subscription closed unexpectedly")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestSubscribeDeliversSnapshotFirst(t *testing.T) {
	coord, store := newTestCoordinator(t)
	ctx := context.Background()
	startTask(t, store, "task_1")
	store.AppendOutput(ctx, "task_1", 1, "hello ")

	sub, err := coord.Subscribe(ctx, "task_1")
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	ev := recv(t, sub)
	if ev.Type != EventSnapshot {
		t.Fatalf("first event = %s, want snapshot", ev.Type)
	}
	if ev.Output != "hello " || ev.Offset != 6 {
		t.Errorf("snapshot output/offset = %q/%d", ev.Output, ev.Offset)
	}
	if ev.Status != models.TaskStatusRunning {
		t.Errorf("snapshot status = %s", ev.Status)
	}
}

func TestSnapshotPlusDeltasReconstructOutput(t *testing.T) {
	coord, store := newTestCoordinator(t)
	ctx := context.Background()
	startTask(t, store, "task_1")

	// Some output exists before the client connects.
	store.AppendOutput(ctx, "task_1", 1, "one ")
	coord.PublishAppend("task_1", 0, "one ", 20, models.StageGenerating)

	sub, err := coord.Subscribe(ctx, "task_1")
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	// More output after the subscription is live.
	for i, chunk := range []string{"two ", "three"} {
		offset := 4 + i*4
		store.AppendOutput(ctx, "task_1", 1, chunk)
		coord.PublishAppend("task_1", offset, chunk, 30+i, models.StageGenerating)
	}

	var buf strings.Builder
	var lastSeq uint64
	for range 3 {
		ev := recv(t, sub)
		if lastSeq != 0 && ev.Seq != lastSeq+1 {
			t.Fatalf("seq gap: %d after %d", ev.Seq, lastSeq)
		}
		lastSeq = ev.Seq

		switch ev.Type {
		case EventSnapshot:
			buf.WriteString(ev.Output)
		case EventAppend:
			if ev.Offset != buf.Len() {
				t.Fatalf("append offset %d does not match reconstructed length %d", ev.Offset, buf.Len())
			}
			buf.WriteString(ev.Chunk)
		}
	}

	if buf.String() != "one two three" {
		t.Errorf("reconstructed = %q, want %q", buf.String(), "one two three")
	}
}

func TestTerminalStatusClosesSubscriptions(t *testing.T) {
	coord, store := newTestCoordinator(t)
	ctx := context.Background()
	startTask(t, store, "task_1")

	sub, err := coord.Subscribe(ctx, "task_1")
	if err != nil {
		t.Fatal(err)
	}
	recv(t, sub) // snapshot

	store.CompareAndSetStatus(ctx, "task_1", models.TaskStatusRunning, models.TaskStatusCompleted)
	final, _ := store.GetTask(ctx, "task_1")
	coord.PublishStatus("task_1", final)

	ev := recv(t, sub)
	if ev.Type != EventStatus || ev.Status != models.TaskStatusCompleted {
		t.Fatalf("event = %s/%s, want status/completed", ev.Type, ev.Status)
	}

	select {
	case _, ok := <-sub.Events:
		if ok {
			t.Error("expected channel close after terminal status")
		}
	case <-time.After(time.Second):
		t.Error("channel not closed after terminal status")
	}
}

func TestSubscribeToTerminalTaskGetsSnapshotThenClose(t *testing.T) {
	coord, store := newTestCoordinator(t)
	ctx := context.Background()
	startTask(t, store, "task_1")
	store.AppendOutput(ctx, "task_1", 1, "done deal")
	store.CompareAndSetStatus(ctx, "task_1", models.TaskStatusRunning, models.TaskStatusCompleted)

	sub, err := coord.Subscribe(ctx, "task_1")
	if err != nil {
		t.Fatal(err)
	}

	ev := recv(t, sub)
	if ev.Type != EventSnapshot || ev.Output != "done deal" || ev.Status != models.TaskStatusCompleted {
		t.Errorf("snapshot = %s/%q/%s", ev.Type, ev.Output, ev.Status)
	}

	if _, ok := <-sub.Events; ok {
		t.Error("terminal-task subscription must close right after the snapshot")
	}
}

func TestSubscribeMissingTask(t *testing.T) {
	coord, _ := newTestCoordinator(t)
	if _, err := coord.Subscribe(context.Background(), "task_nope"); err == nil {
		t.Error("expected error for unknown task")
	}
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	coord, store := newTestCoordinator(t)
	ctx := context.Background()
	startTask(t, store, "task_1")

	slow, err := coord.Subscribe(ctx, "task_1")
	if err != nil {
		t.Fatal(err)
	}

	// Never drain: the snapshot occupies one slot, so the buffer overflows
	// after subscriberBuffer more events.
	for i := 0; i <= subscriberBuffer; i++ {
		coord.PublishAppend("task_1", i, "x", 20, models.StageGenerating)
	}

	deadline := time.After(time.Second)
	n := 0
	for {
		select {
		case _, ok := <-slow.Events:
			if !ok {
				if n > subscriberBuffer+1 {
					t.Errorf("drained %d events from a buffer of %d", n, subscriberBuffer)
				}
				return
			}
			n++
		case <-deadline:
			t.Fatal("slow subscriber was never dropped")
		}
	}
}

func TestDroppedSubscriberDoesNotAffectOthers(t *testing.T) {
	coord, store := newTestCoordinator(t)
	ctx := context.Background()
	startTask(t, store, "task_1")

	slow, _ := coord.Subscribe(ctx, "task_1")
	fast, _ := coord.Subscribe(ctx, "task_1")
	recv(t, fast) // snapshot

	// Drain fast in lockstep while slow never reads. Slow overflows and is
	// dropped; fast keeps receiving every event.
	for i := 0; i <= subscriberBuffer; i++ {
		coord.PublishAppend("task_1", i, "x", 20, models.StageGenerating)
		ev := recv(t, fast)
		if ev.Chunk != "x" || ev.Offset != i {
			t.Fatalf("fast event = %q@%d, want x@%d", ev.Chunk, ev.Offset, i)
		}
	}

	// Slow's channel must end in a close, proving it was cut loose.
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-slow.Events:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("slow subscriber still attached")
		}
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	coord, store := newTestCoordinator(t)
	ctx := context.Background()
	startTask(t, store, "task_1")

	sub, err := coord.Subscribe(ctx, "task_1")
	if err != nil {
		t.Fatal(err)
	}
	sub.Close()
	sub.Close()

	// Publishing after everyone left must not panic.
	coord.PublishProgress("task_1", models.StageGenerating, 42)
}

func TestSeqIsPerSubscription(t *testing.T) {
	coord, store := newTestCoordinator(t)
	ctx := context.Background()

	subs := make([]*Subscription, 0, 2)
	for i := 1; i <= 2; i++ {
		id := fmt.Sprintf("task_%d", i)
		startTask(t, store, id)
		sub, err := coord.Subscribe(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		defer sub.Close()
		subs = append(subs, sub)
	}

	for _, sub := range subs {
		if ev := recv(t, sub); ev.Seq != 1 {
			t.Errorf("first seq = %d, want 1 per subscription", ev.Seq)
		}
	}
}

func TestSubscribeDuringAppendDeliversChunkOnce(t *testing.T) {
	coord, store := newTestCoordinator(t)
	ctx := context.Background()
	startTask(t, store, "task_1")

	// The chunk is durable before the subscription attaches but its append
	// event is published after. The snapshot already carries it, so the
	// append must be suppressed for this subscriber.
	store.AppendOutput(ctx, "task_1", 1, "one ")

	sub, err := coord.Subscribe(ctx, "task_1")
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	coord.PublishAppend("task_1", 0, "one ", 20, models.StageGenerating)

	store.AppendOutput(ctx, "task_1", 1, "two")
	coord.PublishAppend("task_1", 4, "two", 40, models.StageGenerating)

	snap := recv(t, sub)
	if snap.Type != EventSnapshot || snap.Output != "one " {
		t.Fatalf("first event = %s/%q, want snapshot/%q", snap.Type, snap.Output, "one ")
	}

	next := recv(t, sub)
	if next.Type != EventAppend || next.Chunk != "two" || next.Offset != 4 {
		t.Fatalf("second event = %s %q@%d, want append %q@4", next.Type, next.Chunk, next.Offset, "two")
	}
	if next.Seq != snap.Seq+1 {
		t.Errorf("suppressed duplicate left a seq gap: %d after %d", next.Seq, snap.Seq)
	}
}
