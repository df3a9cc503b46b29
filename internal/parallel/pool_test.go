package parallel

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
)

// workerState counts the items a worker ran.
type workerState struct {
	id  int
	ran atomic.Int64
}

func newStatePool(t *testing.T, workers int) (*Pool[*workerState], *[]*workerState) {
	t.Helper()
	var mu sync.Mutex
	var states []*workerState
	p, err := NewPool(workers,
		func(id int) (*workerState, error) {
			s := &workerState{id: id}
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
			return s, nil
		},
		nil,
	)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	return p, &states
}

// =============================================================================
// Creation
// =============================================================================

func TestPool_Create(t *testing.T) {
	p, states := newStatePool(t, 4)
	defer p.Close()

	if p.Workers() != 4 {
		t.Errorf("Workers() = %d, want 4", p.Workers())
	}
	if !p.IsRunning() {
		t.Error("pool should be running after creation")
	}
	if len(*states) != 4 {
		t.Errorf("init called %d times, want 4", len(*states))
	}
}

func TestPool_CreateZeroWorkers(t *testing.T) {
	p, _ := newStatePool(t, 0)
	defer p.Close()

	if want := runtime.GOMAXPROCS(0); p.Workers() != want {
		t.Errorf("Workers() = %d, want %d (GOMAXPROCS)", p.Workers(), want)
	}
}

func TestPool_InitFailure(t *testing.T) {
	var finis atomic.Int32
	p, err := NewPool(3,
		func(id int) (int, error) {
			if id == 1 {
				return 0, errors.New("no recorder")
			}
			return id, nil
		},
		func(int) error {
			finis.Add(1)
			return nil
		},
	)
	if err == nil {
		t.Fatal("expected init error")
	}
	if p != nil {
		t.Error("pool returned despite init failure")
	}
	if finis.Load() != 2 {
		t.Errorf("fini called %d times, want 2 (successful workers only)", finis.Load())
	}
}

// =============================================================================
// Execution
// =============================================================================

func TestPool_ExecuteAll(t *testing.T) {
	p, states := newStatePool(t, 4)
	defer p.Close()

	const tasks = 200
	var counter atomic.Int64
	work := make([]func(*workerState), tasks)
	for i := range work {
		work[i] = func(s *workerState) {
			s.ran.Add(1)
			counter.Add(1)
		}
	}
	p.ExecuteAll(work)

	if counter.Load() != tasks {
		t.Errorf("counter = %d, want %d", counter.Load(), tasks)
	}
	var sum int64
	for _, s := range *states {
		sum += s.ran.Load()
	}
	if sum != tasks {
		t.Errorf("per-worker total = %d, want %d", sum, tasks)
	}
}

func TestPool_StateStaysOnWorker(t *testing.T) {
	// Every item sees a state whose owner goroutine is the one running it,
	// so unsynchronized per-state data must never race.
	type owned struct{ items []int }
	p, err := NewPool(4, func(int) (*owned, error) { return &owned{}, nil }, nil)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	var seen sync.Map
	work := make([]func(*owned), 100)
	for i := range work {
		work[i] = func(o *owned) {
			o.items = append(o.items, i)
			seen.Store(o, true)
		}
	}
	p.ExecuteAll(work)
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	total := 0
	seen.Range(func(k, _ any) bool {
		total += len(k.(*owned).items)
		return true
	})
	if total != 100 {
		t.Errorf("items recorded = %d, want 100", total)
	}
}

func TestPool_Submit(t *testing.T) {
	p, _ := newStatePool(t, 2)

	var wg sync.WaitGroup
	var counter atomic.Int64
	for range 50 {
		wg.Add(1)
		p.Submit(func(*workerState) {
			defer wg.Done()
			counter.Add(1)
		})
	}
	wg.Wait()
	p.Submit(nil)
	_ = p.Close()

	if counter.Load() != 50 {
		t.Errorf("counter = %d, want 50", counter.Load())
	}
}

// =============================================================================
// Close
// =============================================================================

func TestPool_CloseRunsFiniAndIsIdempotent(t *testing.T) {
	var finis atomic.Int32
	p, err := NewPool(3,
		func(id int) (int, error) { return id, nil },
		func(id int) error {
			finis.Add(1)
			if id == 2 {
				return errors.New("flush failed")
			}
			return nil
		},
	)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	if err := p.Close(); err == nil {
		t.Error("Close should report fini errors")
	}
	if finis.Load() != 3 {
		t.Errorf("fini called %d times, want 3", finis.Load())
	}
	if err := p.Close(); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}
	if p.IsRunning() {
		t.Error("pool running after Close")
	}

	// Closed pools ignore work.
	p.ExecuteAll([]func(int){func(int) { t.Error("work ran on closed pool") }})
	p.Submit(func(int) { t.Error("work ran on closed pool") })
}

func TestPool_QueuedWork(t *testing.T) {
	p, _ := newStatePool(t, 2)
	defer p.Close()

	if p.QueuedWork() < 0 {
		t.Error("QueuedWork negative")
	}
}
