// Package client is a small SDK for driving the task API from Go programs.
// It polls task status on an adaptive interval and caches accumulated output
// so consumers always have the latest snapshot even between polls.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ternarybob/scriptor/internal/models"
)

// Fetcher retrieves a task snapshot. Client implements it over HTTP; tests
// substitute an in-process fake.
type Fetcher interface {
	FetchTask(ctx context.Context, id string) (*models.Task, error)
}

// Client calls the task API over HTTP
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates an API client for the given base URL, e.g.
// "http://localhost:8085".
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) FetchTask(ctx context.Context, id string) (*models.Task, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/api/tasks/%s", c.baseURL, id), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("task fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, models.ErrTaskNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("task fetch returned %d: %s", resp.StatusCode, string(body))
	}

	var task models.Task
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		return nil, fmt.Errorf("failed to decode task: %w", err)
	}
	return &task, nil
}

// CreateTask submits a new generation task
func (c *Client) CreateTask(ctx context.Context, input models.TaskInput) (*models.Task, error) {
	payload, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/tasks", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("task create failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: %s", models.ErrInvalidInput, string(body))
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("task create returned %d", resp.StatusCode)
	}

	var task models.Task
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		return nil, fmt.Errorf("failed to decode task: %w", err)
	}
	return &task, nil
}

// Poller watches tasks by polling. The interval adapts to consumer
// visibility: a hidden consumer (e.g. a backgrounded tab relaying through
// this SDK) polls at the slow bound, a visible one at the fast bound. The
// cache keeps the last snapshot per task so reads between polls are free.
type Poller struct {
	fetch   Fetcher
	limiter *rate.Limiter
	min     time.Duration
	max     time.Duration

	mu     sync.RWMutex
	hidden bool
	cache  map[string]*models.Task
}

// NewPoller creates a poller with the given interval bounds
func NewPoller(fetch Fetcher, min, max time.Duration) *Poller {
	if min <= 0 {
		min = 2 * time.Second
	}
	if max < min {
		max = 4 * min
	}
	return &Poller{
		fetch:   fetch,
		limiter: rate.NewLimiter(rate.Every(min), 1),
		min:     min,
		max:     max,
		cache:   make(map[string]*models.Task),
	}
}

// SetHidden reports consumer visibility. Hidden consumers are polled at the
// slow bound to save quota; returning to visible restores the fast bound
// immediately.
func (p *Poller) SetHidden(hidden bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.hidden == hidden {
		return
	}
	p.hidden = hidden
	if hidden {
		p.limiter.SetLimit(rate.Every(p.max))
	} else {
		p.limiter.SetLimit(rate.Every(p.min))
	}
}

// Cached returns the last snapshot seen for a task, or nil
func (p *Poller) Cached(id string) *models.Task {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if task, ok := p.cache[id]; ok {
		return task.Clone()
	}
	return nil
}

// Watch polls a task until it reaches a terminal state or ctx ends. onUpdate
// fires on every observed change, including the final terminal snapshot. The
// terminal snapshot replaces the cache entry wholesale, so a cache read after
// Watch returns is guaranteed to reflect the finished task.
func (p *Poller) Watch(ctx context.Context, id string, onUpdate func(*models.Task)) error {
	var lastStatus models.TaskStatus
	var lastLen int
	var lastProgress int
	seen := false

	for {
		if err := p.limiter.Wait(ctx); err != nil {
			// The limiter refuses with its own error when the next slot falls
			// beyond the deadline, possibly before the context has actually
			// expired. Callers are promised the context's error.
			if ctx.Err() == nil {
				<-ctx.Done()
			}
			return ctx.Err()
		}

		task, err := p.fetch.FetchTask(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Transient fetch failures keep the loop alive; the cache still
			// holds the last good snapshot.
			continue
		}

		p.mu.Lock()
		p.cache[id] = task.Clone()
		p.mu.Unlock()

		changed := !seen ||
			task.Status != lastStatus ||
			len(task.Output) != lastLen ||
			task.Progress != lastProgress

		if changed && onUpdate != nil {
			onUpdate(task)
		}

		seen = true
		lastStatus = task.Status
		lastLen = len(task.Output)
		lastProgress = task.Progress

		if task.IsTerminal() {
			return nil
		}
	}
}
