package executor

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Pool bounds concurrent executions overall and per activity type
type Pool struct {
	logger  *zap.Logger
	sem     chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running map[string]int
}

// NewPool creates a pool running at most size executions at once
func NewPool(size int, logger *zap.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		logger:  logger.Named("pool"),
		sem:     make(chan struct{}, size),
		running: make(map[string]int),
	}
}

// Size returns the pool capacity
func (p *Pool) Size() int {
	return cap(p.sem)
}

// Available returns the number of free slots
func (p *Pool) Available() int {
	return cap(p.sem) - len(p.sem)
}

// Running returns the number of executions of a type in flight
func (p *Pool) Running(activityType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running[activityType]
}

// Total returns the number of executions in flight
func (p *Pool) Total() int {
	return len(p.sem)
}

// HasCapacity reports whether an execution of the given type could start now.
// A limit of zero leaves the type bounded only by the pool size.
func (p *Pool) HasCapacity(activityType string, limit int) bool {
	if p.Available() == 0 {
		return false
	}
	if limit <= 0 {
		return true
	}
	return p.Running(activityType) < limit
}

// Go runs fn on a pool slot, blocking until one is free or ctx ends
func (p *Pool) Go(ctx context.Context, activityType string, fn func()) error {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	p.mu.Lock()
	p.running[activityType]++
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer func() {
			p.mu.Lock()
			p.running[activityType]--
			if p.running[activityType] == 0 {
				delete(p.running, activityType)
			}
			p.mu.Unlock()
			<-p.sem
			p.wg.Done()
		}()
		fn()
	}()
	return nil
}

// Wait blocks until every execution finished or ctx ends. It reports whether
// the pool drained.
func (p *Pool) Wait(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		p.logger.Warn("Executions still running", zap.Int("running", p.Total()))
		return false
	}
}
