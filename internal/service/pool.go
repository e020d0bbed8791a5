package service

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"
)

// WorkerPool bounds concurrent background command execution using a weighted
// semaphore. Async-allowed command batches go through a shared pool so a
// burst of tool calls cannot exhaust the process.
type WorkerPool struct {
	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewWorkerPool creates a pool that allows at most limit concurrent jobs.
func NewWorkerPool(limit int, logger *slog.Logger) *WorkerPool {
	if limit < 1 {
		limit = 1
	}
	return &WorkerPool{
		sem:    semaphore.NewWeighted(int64(limit)),
		logger: logger.With("component", "pool"),
	}
}

// Run acquires a slot, runs fn, and releases the slot. Blocks if all slots
// are busy. Returns ctx.Err() if the context is cancelled while waiting.
// If the pool is nil, fn is executed directly without concurrency control.
func (p *WorkerPool) Run(ctx context.Context, fn func() error) error {
	if p == nil || p.sem == nil {
		return fn()
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	return fn()
}

// Go runs fn on a background goroutine through the pool. Errors are logged,
// not returned; callers that need the result use Run directly.
func (p *WorkerPool) Go(ctx context.Context, label string, fn func() error) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.Run(ctx, fn); err != nil {
			p.logger.Error("background job failed", "job", label, "error", err)
		}
	}()
}

// Wait blocks until every job started with Go has finished.
func (p *WorkerPool) Wait() {
	if p == nil {
		return
	}
	p.wg.Wait()
}
