package ingestion_engine

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// SidePool runs fire-and-forget work (OCR, thumbnails) on a bounded number
// of goroutines. Failures are logged and never reach the caller.
type SidePool struct {
	sem     *semaphore.Weighted
	wg      sync.WaitGroup
	timeout time.Duration
}

func NewSidePool(workers int) *SidePool {
	if workers <= 0 {
		workers = 1
	}
	return &SidePool{sem: semaphore.NewWeighted(int64(workers)), timeout: 10 * time.Minute}
}

// Go schedules fn. It returns immediately.
func (p *SidePool) Go(name string, fn func(ctx context.Context) error) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Printf("SidePool: %s panicked: %v", name, r)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()
		if err := p.sem.Acquire(ctx, 1); err != nil {
			log.Printf("SidePool: %s not started: %v", name, err)
			return
		}
		defer p.sem.Release(1)

		if err := fn(ctx); err != nil {
			log.Printf("SidePool: %s failed: %v", name, err)
		}
	}()
}

// Wait blocks until every scheduled task finished.
func (p *SidePool) Wait() { p.wg.Wait() }
