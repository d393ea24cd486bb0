package ingestion_engine

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/markdave123-py/docindex/internal/core"
	"github.com/markdave123-py/docindex/internal/models"
)

// Handler executes one task.
type Handler func(ctx context.Context, task *models.Task) error

// Dispatcher persists tasks, hands them to the broker and falls back to
// running them in the caller when no broker accepts them.
type Dispatcher struct {
	db    core.DbClient
	queue core.TaskQueue

	mu       sync.RWMutex
	handlers map[models.TaskType]Handler
}

func NewDispatcher(db core.DbClient, queue core.TaskQueue) *Dispatcher {
	if queue == nil {
		queue = InlineQueue{}
	}
	return &Dispatcher{db: db, queue: queue, handlers: map[models.TaskType]Handler{}}
}

func (d *Dispatcher) Register(t models.TaskType, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[t] = h
}

func (d *Dispatcher) handler(t models.TaskType) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[t]
	return h, ok
}

// Submit records a task and queues it. The returned bool is true when the
// task was queued and false when it already ran inline; an inline failure is
// returned as the error.
func (d *Dispatcher) Submit(ctx context.Context, userID string, t models.TaskType, body any) (*models.Task, bool, error) {
	if _, ok := d.handler(t); !ok {
		return nil, false, fmt.Errorf("%w: unknown task type %q", core.ErrValidation, t)
	}
	m, err := models.EncodeBody(body)
	if err != nil {
		return nil, false, fmt.Errorf("encode %s body: %w", t, err)
	}
	if _, ok := m["type"]; !ok || m["type"] == "" {
		m["type"] = string(t)
	}
	task, err := d.db.InsertTask(ctx, userID, t, m)
	if err != nil {
		return nil, false, fmt.Errorf("insert task: %w", err)
	}

	queued, err := d.queue.Enqueue(ctx, task)
	if err != nil {
		log.Printf("Dispatcher: enqueue %s (%s) failed, running inline: %v", task.ID, t, err)
	}
	if queued {
		log.Printf("Dispatcher: queued %s task %s", t, task.ID)
		return task, true, nil
	}
	return task, false, d.Run(ctx, task)
}

// Run executes a task and records its outcome. Finished tasks are deleted;
// failed ones stay behind with status failed.
func (d *Dispatcher) Run(ctx context.Context, task *models.Task) error {
	h, ok := d.handler(task.Type)
	if !ok {
		_ = d.db.UpdateTaskStatus(ctx, task.ID, models.TaskFailed)
		return fmt.Errorf("%w: unknown task type %q", core.ErrValidation, task.Type)
	}
	if err := d.db.UpdateTaskStatus(ctx, task.ID, models.TaskRunning); err != nil {
		log.Printf("Dispatcher: mark %s running: %v", task.ID, err)
	}

	if err := h(ctx, task); err != nil {
		log.Printf("Dispatcher: %s task %s failed: %v", task.Type, task.ID, err)
		if serr := d.db.UpdateTaskStatus(context.WithoutCancel(ctx), task.ID, models.TaskFailed); serr != nil {
			log.Printf("Dispatcher: mark %s failed: %v", task.ID, serr)
		}
		return err
	}
	if err := d.db.DeleteTask(ctx, task.ID); err != nil {
		log.Printf("Dispatcher: delete finished task %s: %v", task.ID, err)
	}
	return nil
}
