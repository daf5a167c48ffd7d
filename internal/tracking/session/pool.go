package session

import (
	"log/slog"
	"sync"
)

// WorkerPool runs store round trips with bounded parallelism. Jobs never run
// on the loop goroutine.
type WorkerPool struct {
	slots  chan struct{}
	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewWorkerPool allows up to size concurrent jobs.
func NewWorkerPool(size int, logger *slog.Logger) *WorkerPool {
	if size <= 0 {
		size = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerPool{slots: make(chan struct{}, size), logger: logger}
}

// Go schedules job. It does not block the caller.
func (p *WorkerPool) Go(job func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.slots <- struct{}{}
		defer func() { <-p.slots }()
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("session job panicked", "panic", r)
			}
		}()
		job()
	}()
}

// Wait blocks until every scheduled job returned.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}
