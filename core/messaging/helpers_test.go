package messaging_test

import (
	"context"
	"sync"

	"github.com/trezcool/masomo-messaging/core"
	"github.com/trezcool/masomo-messaging/core/queue"
)

type enqueued struct {
	task queue.Task
	opt  queue.EnqueueOption
}

// recordingQueue is a queue.Client & queue.Server that keeps tasks until run by hand.
type recordingQueue struct {
	mu       sync.Mutex
	tasks    []enqueued
	handlers map[string]queue.Handler
}

func newRecordingQueue() *recordingQueue {
	return &recordingQueue{handlers: make(map[string]queue.Handler)}
}

func (q *recordingQueue) Enqueue(_ context.Context, t queue.Task, opts ...queue.EnqueueOption) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e := enqueued{task: t}
	if len(opts) > 0 {
		e.opt = opts[0]
	}
	q.tasks = append(q.tasks, e)
	return t.Type, nil
}

func (q *recordingQueue) Close() error { return nil }

func (q *recordingQueue) Register(taskType string, h queue.Handler) { q.handlers[taskType] = h }

func (q *recordingQueue) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (q *recordingQueue) ofType(taskType string) []enqueued {
	q.mu.Lock()
	defer q.mu.Unlock()
	var res []enqueued
	for _, e := range q.tasks {
		if e.task.Type == taskType {
			res = append(res, e)
		}
	}
	return res
}

// drain runs the pending tasks of taskType.
func (q *recordingQueue) drain(ctx context.Context, taskType string) error {
	tasks := q.ofType(taskType)
	q.mu.Lock()
	kept := q.tasks[:0]
	for _, e := range q.tasks {
		if e.task.Type != taskType {
			kept = append(kept, e)
		}
	}
	q.tasks = kept
	q.mu.Unlock()

	for _, e := range tasks {
		if err := q.handlers[taskType](ctx, e.task); err != nil {
			return err
		}
	}
	return nil
}

type recordingMailer struct {
	mu   sync.Mutex
	sent []*core.EmailMessage
}

func (m *recordingMailer) SendMessages(messages ...*core.EmailMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, messages...)
}
