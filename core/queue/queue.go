// Package queue is the background jobs port, implemented by services/queue.
package queue

import (
	"context"
	"time"
)

// Task is a background job: a stable type name & an opaque payload.
type Task struct {
	Type    string
	Payload []byte
}

// Handler processes a Task; a non-nil error means the task is retried per adapter policy.
// Handlers must be idempotent.
type Handler func(ctx context.Context, task Task) error

// EnqueueOption controls enqueue behavior. Zero values mean "unspecified".
type EnqueueOption struct {
	Queue     string
	ProcessAt time.Time
	MaxRetry  int
	UniqueTTL time.Duration
}

type (
	Client interface {
		Enqueue(ctx context.Context, t Task, opts ...EnqueueOption) (id string, err error)
		Close() error
	}

	Server interface {
		Register(taskType string, h Handler)
		Run(ctx context.Context) error
	}
)

// Registrar is implemented by services handling background tasks.
type Registrar interface {
	RegisterTasks(srv Server)
}
