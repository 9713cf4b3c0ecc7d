package stream

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/scriptor/internal/interfaces"
	"github.com/ternarybob/scriptor/internal/models"
)

// EventType identifies a streaming event
type EventType string

const (
	// EventSnapshot carries the full accumulated output. Sent once, as the
	// first event of every subscription, so a reconnecting client never has
	// to reconstruct state from deltas.
	EventSnapshot EventType = "snapshot"
	// EventAppend carries one output delta plus the offset it applies at.
	EventAppend EventType = "append"
	// EventStatus reports a lifecycle transition.
	EventStatus EventType = "status"
	// EventProgress reports a stage or percentage change.
	EventProgress EventType = "progress"
)

// Event is one message on a task's stream. Seq increases by one per event
// within a subscription; a client that sees a gap should resubscribe for a
// fresh snapshot.
type Event struct {
	Type     EventType         `json:"type"`
	TaskID   string            `json:"task_id"`
	Seq      uint64            `json:"seq"`
	Status   models.TaskStatus `json:"status,omitempty"`
	Stage    models.TaskStage  `json:"stage,omitempty"`
	Progress int               `json:"progress_pct"`
	Offset   int               `json:"offset"`          // output length before Chunk is applied
	Chunk    string            `json:"chunk,omitempty"` // append events only
	Output   string            `json:"output,omitempty"`
	Error    string            `json:"error,omitempty"`
	At       time.Time         `json:"at"`
}

// Subscription is one client's view of a task stream. Events is closed when
// the task reaches a terminal state or the subscriber falls too far behind;
// either way the client should stop reading and, if the task is still live,
// resubscribe.
type Subscription struct {
	Events <-chan Event

	topic *topic
	ch    chan Event
	once  sync.Once

	// seq and offset are guarded by the topic lock. offset is how much of
	// the output this subscriber has already seen, starting at the snapshot
	// length; append events below it are duplicates of snapshot content and
	// are suppressed.
	seq    uint64
	offset int
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.topic.unsubscribe(s)
}

const subscriberBuffer = 64

type topic struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

// Coordinator fans task events out to WebSocket subscribers. Publishing
// happens after the corresponding write is durable, so a snapshot taken at
// subscribe time plus the deltas that follow always reconstruct the stored
// output exactly.
type Coordinator struct {
	mu     sync.Mutex
	topics map[string]*topic
	tasks  interfaces.TaskStorage
	logger arbor.ILogger
}

// NewCoordinator creates a stream coordinator over the given task store
func NewCoordinator(tasks interfaces.TaskStorage, logger arbor.ILogger) *Coordinator {
	return &Coordinator{
		topics: make(map[string]*topic),
		tasks:  tasks,
		logger: logger,
	}
}

// Subscribe attaches to a task's stream. The first event on the returned
// subscription is a snapshot of current state; it is enqueued under the
// topic lock so no delta can slip in between the snapshot read and the
// subscription becoming live.
func (c *Coordinator) Subscribe(ctx context.Context, taskID string) (*Subscription, error) {
	t := c.topicFor(taskID)

	t.mu.Lock()
	defer t.mu.Unlock()

	task, err := c.tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	ch := make(chan Event, subscriberBuffer)
	sub := &Subscription{Events: ch, topic: t, ch: ch, seq: 1, offset: len(task.Output)}

	ch <- Event{
		Type:     EventSnapshot,
		TaskID:   taskID,
		Seq:      sub.seq,
		Status:   task.Status,
		Stage:    task.Stage,
		Progress: task.Progress,
		Offset:   len(task.Output),
		Output:   task.Output,
		Error:    task.Error,
		At:       time.Now(),
	}

	if task.IsTerminal() {
		// Nothing further will be published; the snapshot is the whole story.
		close(ch)
		return sub, nil
	}

	t.subs[sub] = struct{}{}

	c.logger.Debug().
		Str("task_id", taskID).
		Int("subscriber_count", len(t.subs)).
		Msg("Stream subscriber attached")

	return sub, nil
}

// PublishAppend announces a durably appended chunk
func (c *Coordinator) PublishAppend(taskID string, offset int, chunk string, progress int, stage models.TaskStage) {
	c.publish(taskID, Event{
		Type:     EventAppend,
		TaskID:   taskID,
		Offset:   offset,
		Chunk:    chunk,
		Progress: progress,
		Stage:    stage,
	}, false)
}

// PublishProgress announces a stage or percentage change
func (c *Coordinator) PublishProgress(taskID string, stage models.TaskStage, progress int) {
	c.publish(taskID, Event{
		Type:     EventProgress,
		TaskID:   taskID,
		Stage:    stage,
		Progress: progress,
	}, false)
}

// PublishStatus announces a lifecycle transition. Terminal statuses close
// every subscription once the event is delivered.
func (c *Coordinator) PublishStatus(taskID string, task *models.Task) {
	terminal := task.IsTerminal()
	c.publish(taskID, Event{
		Type:     EventStatus,
		TaskID:   taskID,
		Status:   task.Status,
		Stage:    task.Stage,
		Progress: task.Progress,
		Offset:   len(task.Output),
		Error:    task.Error,
	}, terminal)
}

func (c *Coordinator) publish(taskID string, ev Event, terminal bool) {
	c.mu.Lock()
	t, ok := c.topics[taskID]
	if terminal {
		delete(c.topics, taskID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	ev.At = time.Now()

	for sub := range t.subs {
		if ev.Type == EventAppend && ev.Offset < sub.offset {
			// The subscriber attached after this chunk was stored, so its
			// snapshot already contains it. Delivering it again would hand
			// the client the same bytes twice.
			continue
		}
		e := ev
		sub.seq++
		e.Seq = sub.seq
		select {
		case sub.ch <- e:
			if ev.Type == EventAppend {
				sub.offset = ev.Offset + len(ev.Chunk)
			}
		default:
			// Subscriber is not draining; cut it loose rather than block
			// the writer. The client reconnects and gets a fresh snapshot.
			delete(t.subs, sub)
			close(sub.ch)
			c.logger.Warn().
				Str("task_id", taskID).
				Msg("Dropping slow stream subscriber")
		}
	}

	if terminal {
		t.closed = true
		for sub := range t.subs {
			delete(t.subs, sub)
			close(sub.ch)
		}
	}
}

func (c *Coordinator) topicFor(taskID string) *topic {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.topics[taskID]
	if !ok {
		t = &topic{subs: make(map[*Subscription]struct{})}
		c.topics[taskID] = t
	}
	return t
}

func (t *topic) unsubscribe(sub *Subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.subs[sub]; ok {
		delete(t.subs, sub)
		sub.once.Do(func() { close(sub.ch) })
	}
}
