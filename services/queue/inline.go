package queuesvc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-messaging/core"
	"github.com/trezcool/masomo-messaging/core/queue"
)

const inlineBuffer = 256

var ErrQueueFull = errors.New("queue: full")

type pending struct {
	task     queue.Task
	attempt  int
	maxRetry int
}

// InlineQueue runs tasks in-process. Tasks are lost on shutdown: DEV & tests only.
type InlineQueue struct {
	logger core.Logger
	tasks  chan pending

	mu       sync.RWMutex
	handlers map[string]queue.Handler
	timers   map[*time.Timer]struct{}
	closed   bool

	retryDelay func(attempt int) time.Duration
	nowFunc    func() time.Time
}

var (
	_ queue.Client = (*InlineQueue)(nil)
	_ queue.Server = (*InlineQueue)(nil)
)

func NewInlineQueue(logger core.Logger) *InlineQueue {
	return &InlineQueue{
		logger:     logger,
		tasks:      make(chan pending, inlineBuffer),
		handlers:   make(map[string]queue.Handler),
		timers:     make(map[*time.Timer]struct{}),
		retryDelay: func(attempt int) time.Duration { return time.Duration(attempt) * time.Second },
		nowFunc:    time.Now,
	}
}

func (q *InlineQueue) Enqueue(_ context.Context, t queue.Task, opts ...queue.EnqueueOption) (string, error) {
	if t.Type == "" {
		return "", errors.New("queue: task type is required")
	}
	p := pending{task: t}
	var processAt time.Time
	for _, o := range opts {
		if o.MaxRetry > 0 {
			p.maxRetry = o.MaxRetry
		}
		if !o.ProcessAt.IsZero() {
			processAt = o.ProcessAt
		}
	}

	if err := q.push(p, processAt.Sub(q.nowFunc())); err != nil {
		return "", err
	}
	return uuid.NewString(), nil
}

// push queues p after delay (right away if delay <= 0).
func (q *InlineQueue) push(p pending, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errors.New("queue: closed")
	}

	if delay <= 0 {
		select {
		case q.tasks <- p:
			return nil
		default:
			return ErrQueueFull
		}
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, timer)
		q.mu.Unlock()
		if err := q.push(p, 0); err != nil {
			q.logger.Error(fmt.Sprintf("queue: requeuing %s: %v", p.task.Type, err), err)
		}
	})
	q.timers[timer] = struct{}{}
	return nil
}

func (q *InlineQueue) Register(taskType string, h queue.Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[taskType] = h
}

// Run processes tasks one at a time until ctx is done.
func (q *InlineQueue) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case p := <-q.tasks:
			q.process(ctx, p)
		}
	}
}

func (q *InlineQueue) process(ctx context.Context, p pending) {
	q.mu.RLock()
	h, ok := q.handlers[p.task.Type]
	q.mu.RUnlock()
	if !ok {
		q.logger.Warn(fmt.Sprintf("queue: no handler for %s", p.task.Type))
		return
	}

	err := h(ctx, p.task)
	if err == nil {
		return
	}
	if p.attempt >= p.maxRetry {
		q.logger.Error(fmt.Sprintf("queue: processing %s: %v (giving up)", p.task.Type, err), err)
		return
	}
	p.attempt++
	q.logger.Warn(fmt.Sprintf("queue: processing %s: %v (retry %d/%d)", p.task.Type, err, p.attempt, p.maxRetry), err)
	if err = q.push(p, q.retryDelay(p.attempt)); err != nil {
		q.logger.Error(fmt.Sprintf("queue: requeuing %s: %v", p.task.Type, err), err)
	}
}

// Close stops the delayed tasks. Tasks enqueued afterwards are rejected.
func (q *InlineQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for t := range q.timers {
		t.Stop()
		delete(q.timers, t)
	}
	q.closed = true
	return nil
}
