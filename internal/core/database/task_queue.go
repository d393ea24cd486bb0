package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/markdave123-py/docindex/internal/core"
	"github.com/markdave123-py/docindex/internal/models"
)

var (
	_ core.TaskQueue  = (*TaskQueue)(nil)
	_ core.TaskSource = (*TaskQueue)(nil)
)

// TaskQueue is a broker on top of the tasks table. Workers claim rows with
// FOR UPDATE SKIP LOCKED so each task is handed to one worker at a time.
type TaskQueue struct {
	client       *DatabaseClient
	pollInterval time.Duration
	claimTimeout time.Duration
}

func NewTaskQueue(client *DatabaseClient) *TaskQueue {
	return &TaskQueue{client: client, pollInterval: time.Second, claimTimeout: 2 * time.Hour}
}

// Enqueue returns false when the broker table cannot be reached so the
// dispatcher falls back to inline execution.
func (q *TaskQueue) Enqueue(ctx context.Context, task *models.Task) (bool, error) {
	_, err := q.client.db.ExecContext(ctx, `
		INSERT INTO task_queue (task_id) VALUES ($1)
		ON CONFLICT (task_id) DO UPDATE SET enqueued_at = now(), claimed_at = NULL`, task.ID)
	if err != nil {
		return false, fmt.Errorf("enqueue task %s: %w", task.ID, err)
	}
	return true, nil
}

// Dequeue blocks until a task is claimed or ctx is done. Claims older than
// claimTimeout are considered abandoned and handed out again.
func (q *TaskQueue) Dequeue(ctx context.Context) (*models.Task, error) {
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()
	for {
		id, err := q.claim(ctx)
		if err != nil {
			return nil, err
		}
		if id != "" {
			return q.client.GetTask(ctx, id)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (q *TaskQueue) claim(ctx context.Context) (string, error) {
	const claimSQL = `
		UPDATE task_queue SET claimed_at = now()
		WHERE task_id = (
			SELECT task_id FROM task_queue
			WHERE claimed_at IS NULL OR claimed_at < now() - make_interval(secs => $1)
			ORDER BY enqueued_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING task_id
	`
	var id string
	err := q.client.db.QueryRowContext(ctx, claimSQL, q.claimTimeout.Seconds()).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("claim task: %w", err)
	}
	return id, nil
}

func (q *TaskQueue) Ack(ctx context.Context, taskID string) error {
	_, err := q.client.db.ExecContext(ctx, `DELETE FROM task_queue WHERE task_id = $1`, taskID)
	return err
}
