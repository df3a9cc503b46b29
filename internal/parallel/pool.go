// Package parallel provides a worker pool whose goroutines each own private
// state, such as a command recorder.
package parallel

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
)

// Pool is a pool of goroutines, each pinned to an OS thread and owning one
// S created on that thread.
//
// Work items receive the state of the worker that runs them. Each worker
// pulls from its own queue and steals from others when idle, so an item may
// run on any worker; it always gets that worker's state.
//
// Thread safety: Pool is safe for concurrent use. A state is only touched by
// its worker goroutine.
type Pool[S any] struct {
	workers    int
	workQueues []chan func(S)
	done       chan struct{}
	wg         sync.WaitGroup
	running    atomic.Bool
	closeErr   error
	closeErrMu sync.Mutex
}

// NewPool starts workers goroutines. Each locks its OS thread and calls init
// to build its state; fini is called on the same goroutine at Close. If
// workers is 0 or negative, GOMAXPROCS is used. If any init fails, the pool
// is shut down and the joined errors returned.
func NewPool[S any](workers int, init func(id int) (S, error), fini func(S) error) (*Pool[S], error) {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	queueSize := max(workers*4, 8)

	p := &Pool[S]{
		workers:    workers,
		workQueues: make([]chan func(S), workers),
		done:       make(chan struct{}),
	}
	for i := range workers {
		p.workQueues[i] = make(chan func(S), queueSize)
	}

	ready := make(chan error, workers)
	p.wg.Add(workers)
	for i := range workers {
		go p.worker(i, init, fini, ready)
	}

	var errs []error
	for range workers {
		if err := <-ready; err != nil {
			errs = append(errs, err)
		}
	}
	p.running.Store(true)
	if len(errs) > 0 {
		_ = p.Close()
		return nil, errors.Join(errs...)
	}
	return p, nil
}

func (p *Pool[S]) worker(id int, init func(int) (S, error), fini func(S) error, ready chan<- error) {
	defer p.wg.Done()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	state, err := init(id)
	ready <- err
	if err != nil {
		<-p.done
		return
	}
	defer func() {
		if fini == nil {
			return
		}
		if err := fini(state); err != nil {
			p.closeErrMu.Lock()
			p.closeErr = errors.Join(p.closeErr, err)
			p.closeErrMu.Unlock()
		}
	}()

	myQueue := p.workQueues[id]
	for {
		select {
		case <-p.done:
			p.drainQueue(myQueue, state)
			return

		case work := <-myQueue:
			work(state)

		default:
			if stolen := p.steal(id); stolen != nil {
				stolen(state)
				continue
			}
			select {
			case <-p.done:
				p.drainQueue(myQueue, state)
				return
			case work := <-myQueue:
				work(state)
			}
		}
	}
}

// drainQueue executes all remaining work in a queue.
func (p *Pool[S]) drainQueue(queue chan func(S), state S) {
	for {
		select {
		case work := <-queue:
			work(state)
		default:
			return
		}
	}
}

// steal takes work from another worker's queue, or returns nil.
func (p *Pool[S]) steal(myID int) func(S) {
	for i := range p.workers {
		if i == myID {
			continue
		}
		select {
		case work := <-p.workQueues[i]:
			return work
		default:
		}
	}
	return nil
}

// ExecuteAll distributes work round-robin and waits for all of it.
// If the pool is closed, this is a no-op.
func (p *Pool[S]) ExecuteAll(work []func(S)) {
	if len(work) == 0 || !p.running.Load() {
		return
	}

	var completion sync.WaitGroup
	completion.Add(len(work))
	for i, fn := range work {
		wrapped := func(s S) {
			defer completion.Done()
			fn(s)
		}
		select {
		case p.workQueues[i%p.workers] <- wrapped:
		case <-p.done:
			completion.Done()
		}
	}
	completion.Wait()
}

// Submit queues one item on the worker with the shortest queue.
// If the pool is closed, this is a no-op.
func (p *Pool[S]) Submit(fn func(S)) {
	if fn == nil || !p.running.Load() {
		return
	}

	minIdx := 0
	minLen := len(p.workQueues[0])
	for i := 1; i < p.workers; i++ {
		if n := len(p.workQueues[i]); n < minLen {
			minLen, minIdx = n, i
		}
	}

	select {
	case p.workQueues[minIdx] <- fn:
	case <-p.done:
	}
}

// Close stops accepting work, runs what is queued, then calls fini on each
// worker. It is safe to call multiple times.
func (p *Pool[S]) Close() error {
	if !p.running.CompareAndSwap(true, false) {
		return nil
	}
	close(p.done)
	p.wg.Wait()

	p.closeErrMu.Lock()
	defer p.closeErrMu.Unlock()
	return p.closeErr
}

// Workers returns the number of workers.
func (p *Pool[S]) Workers() int { return p.workers }

// IsRunning reports whether the pool accepts work.
func (p *Pool[S]) IsRunning() bool { return p.running.Load() }

// QueuedWork approximates the number of queued items.
func (p *Pool[S]) QueuedWork() int {
	total := 0
	for _, q := range p.workQueues {
		total += len(q)
	}
	return total
}
