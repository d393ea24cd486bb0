package ingestion_engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/docindex/internal/core"
	"github.com/markdave123-py/docindex/internal/core/database/memdb"
	"github.com/markdave123-py/docindex/internal/models"
)

func TestDispatcher_InlineFallback(t *testing.T) {
	ctx := t.Context()
	db := memdb.New()
	d := NewDispatcher(db, nil)

	var got models.IngestionBody
	d.Register(models.TaskIngestion, func(ctx context.Context, task *models.Task) error {
		return models.DecodeBody(task.Body, &got)
	})

	task, queued, err := d.Submit(ctx, "u1", models.TaskIngestion, models.IngestionBody{DocID: "doc1", WorkspaceIdx: "ws1"})
	require.NoError(t, err)
	assert.False(t, queued)
	assert.Equal(t, "doc1", got.DocID)
	assert.Equal(t, "ingestion", got.Type)

	_, err = db.GetTask(ctx, task.ID)
	assert.ErrorIs(t, err, core.ErrNotFound, "finished tasks are removed")
}

func TestDispatcher_FailedTaskKept(t *testing.T) {
	ctx := t.Context()
	db := memdb.New()
	d := NewDispatcher(db, InlineQueue{})
	d.Register(models.TaskYolo, func(ctx context.Context, task *models.Task) error {
		return errors.New("model down")
	})

	task, _, err := d.Submit(ctx, "u1", models.TaskYolo, models.YoloBody{DocID: "doc1"})
	require.Error(t, err)
	stored, err := db.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailed, stored.Status)
}

func TestDispatcher_UnknownType(t *testing.T) {
	d := NewDispatcher(memdb.New(), nil)
	_, _, err := d.Submit(t.Context(), "u1", models.TaskHTMLCrawling, models.CrawlBody{URL: "http://x"})
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestMemoryQueue_FullFallsBackInline(t *testing.T) {
	ctx := t.Context()
	db := memdb.New()
	q := NewMemoryQueue(1)
	d := NewDispatcher(db, q)

	var runs atomic.Int32
	d.Register(models.TaskIngestion, func(ctx context.Context, task *models.Task) error {
		runs.Add(1)
		return nil
	})

	_, queued, err := d.Submit(ctx, "u1", models.TaskIngestion, models.IngestionBody{DocID: "a"})
	require.NoError(t, err)
	assert.True(t, queued)
	assert.Equal(t, 1, q.Len())
	assert.Zero(t, runs.Load())

	_, queued, err = d.Submit(ctx, "u1", models.TaskIngestion, models.IngestionBody{DocID: "b"})
	require.NoError(t, err)
	assert.False(t, queued)
	assert.Equal(t, int32(1), runs.Load())
}

func TestWorkerPool_DrainsQueue(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	db := memdb.New()
	q := NewMemoryQueue(16)
	d := NewDispatcher(db, q)

	done := make(chan string, 8)
	d.Register(models.TaskIngestion, func(ctx context.Context, task *models.Task) error {
		var b models.IngestionBody
		if err := models.DecodeBody(task.Body, &b); err != nil {
			return err
		}
		if b.DocID == "bad" {
			panic("handler bug")
		}
		done <- b.DocID
		return nil
	})

	pool := NewWorkerPool(q, d)
	pool.Start(ctx, 3)

	for _, id := range []string{"a", "bad", "b", "c"} {
		_, queued, err := d.Submit(ctx, "u1", models.TaskIngestion, models.IngestionBody{DocID: id})
		require.NoError(t, err)
		require.True(t, queued)
	}

	seen := map[string]bool{}
	for len(seen) < 3 {
		select {
		case id := <-done:
			seen[id] = true
		case <-time.After(5 * time.Second):
			t.Fatalf("workers did not drain the queue, saw %v", seen)
		}
	}
	assert.Equal(t, map[string]bool{"a": true, "b": true, "c": true}, seen)

	cancel()
	pool.Wait()
}
