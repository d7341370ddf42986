package worker

import (
	"context"
	"time"
)

// Task is a unit of work carrying its own behaviour.
type Task func(ctx context.Context) error

// TaskPool is a Pool that runs Tasks. It satisfies the cache package's
// Executor interface, so refreshes and removal notifications can share it.
type TaskPool struct {
	*Pool[Task]
}

// NewTaskPool creates a pool that executes submitted Tasks.
func NewTaskPool(workers, queueSize int, opts ...Option[Task]) *TaskPool {
	return &TaskPool{
		Pool: NewPool(workers, queueSize, func(ctx context.Context, t Task) error {
			return t(ctx)
		}, opts...),
	}
}

// Execute submits fn as a Task, adapting the context-free signature.
func (tp *TaskPool) Execute(fn func()) error {
	return tp.Submit(func(context.Context) error {
		fn()
		return nil
	})
}

// StopAndWait is Stop with a generous default timeout for shutdown paths.
func (tp *TaskPool) StopAndWait() error {
	return tp.Stop(30 * time.Second)
}
