package ingestion_engine

import (
	"context"

	"github.com/markdave123-py/docindex/internal/core"
	"github.com/markdave123-py/docindex/internal/models"
)

var (
	_ core.TaskQueue  = (*MemoryQueue)(nil)
	_ core.TaskSource = (*MemoryQueue)(nil)
	_ core.TaskQueue  = InlineQueue{}
)

// MemoryQueue is an in-process broker with a bounded buffer (64).
// Enqueue never blocks: a full buffer reports false and the caller runs the
// task inline.
type MemoryQueue struct {
	jobs chan *models.Task
}

func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{jobs: make(chan *models.Task, size)}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, task *models.Task) (bool, error) {
	select {
	case q.jobs <- task:
		return true, nil
	default:
		return false, nil
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*models.Task, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case t := <-q.jobs:
		return t, nil
	}
}

func (q *MemoryQueue) Ack(ctx context.Context, taskID string) error { return nil }

// Len is the number of tasks waiting.
func (q *MemoryQueue) Len() int { return len(q.jobs) }

// InlineQueue never accepts a task; every submission runs in the caller.
type InlineQueue struct{}

func (InlineQueue) Enqueue(ctx context.Context, task *models.Task) (bool, error) { return false, nil }
