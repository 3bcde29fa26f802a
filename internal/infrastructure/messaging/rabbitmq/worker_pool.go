package rabbitmq

import (
	"context"
	"sync"

	"github.com/baechuer/booking-confirmation/internal/infrastructure/metrics"
)

// WorkerPool runs jobs on a fixed number of goroutines. Close stops intake
// and lets queued jobs drain.
type WorkerPool struct {
	workers int
	jobs    chan func()
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

func NewWorkerPool(workers int) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	wp := &WorkerPool{
		workers: workers,
		jobs:    make(chan func(), workers),
	}
	for i := 0; i < workers; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
	return wp
}

func (wp *WorkerPool) worker() {
	defer wp.wg.Done()
	for job := range wp.jobs {
		metrics.WorkerBusy()
		job()
		metrics.WorkerIdle()
	}
}

// Submit blocks until a worker slot is free. It returns false if ctx ends
// first or the pool is closed.
func (wp *WorkerPool) Submit(ctx context.Context, job func()) bool {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.closed {
		return false
	}
	select {
	case wp.jobs <- job:
		return true
	case <-ctx.Done():
		return false
	}
}

func (wp *WorkerPool) Close() {
	wp.once.Do(func() {
		wp.mu.Lock()
		wp.closed = true
		close(wp.jobs)
		wp.mu.Unlock()
	})
}

// Wait closes the pool and waits for running and queued jobs, or for ctx.
func (wp *WorkerPool) Wait(ctx context.Context) error {
	wp.Close()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
