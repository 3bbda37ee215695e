package engine

import (
	"context"
	"errors"
	"sync"
)

// ErrPoolStopped is delivered to submissions that never ran because the pool
// was stopped first.
var ErrPoolStopped = errors.New("worker pool stopped")

// JobHandler is a function that processes a TransferJob.
type JobHandler func(context.Context, *TransferJob) error

// WorkerPool manages a dynamic set of workers processing jobs. Each worker
// runs one job at a time, so the worker count bounds concurrent jobs.
type WorkerPool struct {
	jobChan JobChannel
	handler JobHandler

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	workers     map[int]chan struct{}
	workerCount int
	nextID      int
	wg          sync.WaitGroup
}

// NewWorkerPool creates a new dynamic worker pool.
func NewWorkerPool(ctx context.Context, jobChan JobChannel, handler JobHandler) *WorkerPool {
	ctx, cancel := context.WithCancel(ctx)
	return &WorkerPool{
		jobChan: jobChan,
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
		workers: make(map[int]chan struct{}),
	}
}

// SetWorkerCount scales the number of workers up or down gracefully.
func (p *WorkerPool) SetWorkerCount(count int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.workerCount < count {
		p.addWorker()
	}

	for p.workerCount > count {
		p.removeWorker()
	}
}

// WorkerCount returns the current target number of workers.
func (p *WorkerPool) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workerCount
}

// Queued returns the number of submissions waiting for a worker.
func (p *WorkerPool) Queued() int {
	return len(p.jobChan)
}

// Submit queues job and returns the channel its handler error is delivered
// on. The channel is buffered and receives exactly one value. ctx is handed
// to the handler; it only bounds the wait for a free queue slot when the
// queue is full.
func (p *WorkerPool) Submit(ctx context.Context, job *TransferJob) (<-chan error, error) {
	sub := Submission{Ctx: ctx, Job: job, Result: make(chan error, 1)}

	select {
	case <-p.ctx.Done():
		return nil, ErrPoolStopped
	default:
	}

	select {
	case p.jobChan <- sub:
		return sub.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.ctx.Done():
		return nil, ErrPoolStopped
	}
}

// Run submits job and waits for it to finish.
func (p *WorkerPool) Run(ctx context.Context, job *TransferJob) error {
	result, err := p.Submit(ctx, job)
	if err != nil {
		return err
	}
	return <-result
}

func (p *WorkerPool) addWorker() {
	quitChan := make(chan struct{})
	id := p.nextID
	p.nextID++
	p.workers[id] = quitChan
	p.workerCount++
	p.wg.Add(1)

	go func(id int, quit chan struct{}) {
		defer p.wg.Done()
		for {
			// Prioritize quit and context cancellation checking
			select {
			case <-quit:
				return
			case <-p.ctx.Done():
				return
			default:
			}

			select {
			case <-quit:
				return
			case <-p.ctx.Done():
				return
			case sub, ok := <-p.jobChan:
				if !ok {
					return
				}
				p.execute(sub)
			}
		}
	}(id, quitChan)
}

func (p *WorkerPool) execute(sub Submission) {
	// A stopping pool may still hand over a queued submission.
	if p.ctx.Err() != nil {
		if sub.Result != nil {
			sub.Result <- ErrPoolStopped
		}
		return
	}

	ctx := sub.Ctx
	if ctx == nil {
		ctx = p.ctx
	}
	err := p.handler(ctx, sub.Job)
	if sub.Result != nil {
		sub.Result <- err
	}
}

func (p *WorkerPool) removeWorker() {
	for id, quit := range p.workers {
		close(quit) // worker exits once its current job is finished
		delete(p.workers, id)
		p.workerCount--
		return
	}
}

// Stop initiates termination of all workers and waits for them to exit.
// Submissions still queued receive ErrPoolStopped right away, without
// waiting for running jobs to finish.
func (p *WorkerPool) Stop() {
	p.cancel()
	p.drain()
	p.wg.Wait()
	p.drain()
}

func (p *WorkerPool) drain() {
	for {
		select {
		case sub, ok := <-p.jobChan:
			if !ok {
				return
			}
			if sub.Result != nil {
				sub.Result <- ErrPoolStopped
			}
		default:
			return
		}
	}
}
