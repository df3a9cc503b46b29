//go:build !nogpu

package rhi

import (
	"errors"
	"fmt"

	"github.com/gogpu/rhi/internal/parallel"
)

// WorkerPool runs recording jobs on goroutines that each own a Recorder.
// Workers lock their OS thread, so a recorder is only ever used by one
// thread.
//
// Example:
//
//	pool, err := ctx.NewWorkerPool(4)
//	...
//	err = pool.Run(
//	    func(r *rhi.Recorder) error { return shadowPass(r) },
//	    func(r *rhi.Recorder) error { return uploadTextures(r) },
//	)
type WorkerPool struct {
	pool *parallel.Pool[*Recorder]
}

// NewWorkerPool starts workers goroutines, each with its own recorder. If
// workers is 0 or negative, GOMAXPROCS is used. Each recorder counts
// against WithMaxRecorders.
func (c *Context) NewWorkerPool(workers int) (*WorkerPool, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	p, err := parallel.NewPool(workers,
		func(id int) (*Recorder, error) {
			return c.NewRecorder(fmt.Sprintf("%s_worker%d", c.opts.label, id))
		},
		func(r *Recorder) error {
			return r.Close()
		},
	)
	if err != nil {
		return nil, err
	}
	return &WorkerPool{pool: p}, nil
}

// Run executes every job and waits for all of them. A job typically
// brackets its work with Acquire and Release on the recorder it is given.
func (p *WorkerPool) Run(jobs ...func(*Recorder) error) error {
	errs := make([]error, len(jobs))
	work := make([]func(*Recorder), len(jobs))
	for i, job := range jobs {
		work[i] = func(r *Recorder) {
			errs[i] = job(r)
		}
	}
	p.pool.ExecuteAll(work)
	return errors.Join(errs...)
}

// Go queues one job without waiting for it.
func (p *WorkerPool) Go(job func(*Recorder)) {
	p.pool.Submit(job)
}

// Workers returns the number of workers.
func (p *WorkerPool) Workers() int { return p.pool.Workers() }

// Close runs queued jobs, then closes every worker's recorder.
func (p *WorkerPool) Close() error { return p.pool.Close() }
