package ingestion_engine

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/markdave123-py/docindex/internal/core"
)

// WorkerPool drains a TaskSource and runs each task through the Dispatcher.
type WorkerPool struct {
	source     core.TaskSource
	dispatcher *Dispatcher
	wg         sync.WaitGroup
}

func NewWorkerPool(source core.TaskSource, dispatcher *Dispatcher) *WorkerPool {
	return &WorkerPool{source: source, dispatcher: dispatcher}
}

// Start runs numWorkers goroutines until ctx is cancelled.
func (p *WorkerPool) Start(ctx context.Context, numWorkers int) {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	for w := 1; w <= numWorkers; w++ {
		p.wg.Add(1)
		go func(w int) {
			defer p.wg.Done()
			for {
				task, err := p.source.Dequeue(ctx)
				if err != nil {
					if ctx.Err() != nil || errors.Is(err, context.Canceled) {
						log.Printf("WorkerPool: worker %d shutting down.", w)
						return
					}
					log.Printf("WorkerPool: worker %d dequeue: %v", w, err)
					select {
					case <-ctx.Done():
						return
					case <-time.After(time.Second):
					}
					continue
				}
				log.Printf("WorkerPool: processing %s task %s by worker with ID %d", task.Type, task.ID, w)
				p.process(ctx, task.ID, func(ctx context.Context) error {
					return p.dispatcher.Run(ctx, task)
				})
			}
		}(w)
	}
}

func (p *WorkerPool) process(ctx context.Context, taskID string, run func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("WorkerPool: task %s panicked: %v", taskID, r)
		}
		if err := p.source.Ack(context.WithoutCancel(ctx), taskID); err != nil {
			log.Printf("WorkerPool: ack %s: %v", taskID, err)
		}
	}()
	if err := run(ctx); err != nil {
		log.Printf("WorkerPool: task %s: %v", taskID, err)
	}
}

// Wait blocks until every worker returned.
func (p *WorkerPool) Wait() { p.wg.Wait() }
