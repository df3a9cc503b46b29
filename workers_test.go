//go:build !nogpu

package rhi

import (
	"errors"
	"testing"
)

func TestWorkerPoolRun(t *testing.T) {
	ctx, _ := newTestContext(t)
	pool, err := ctx.NewWorkerPool(3)
	if err != nil {
		t.Fatalf("NewWorkerPool: %v", err)
	}
	if pool.Workers() != 3 {
		t.Errorf("Workers = %d, want 3", pool.Workers())
	}
	if got := ctx.Stats().Recorders; got != 4 {
		t.Errorf("Recorders = %d, want 4 (main and workers)", got)
	}

	const jobs = 8
	work := make([]func(*Recorder) error, jobs)
	for i := range work {
		work[i] = func(r *Recorder) error {
			if err := r.Acquire(); err != nil {
				return err
			}
			if _, err := r.WriteUniform(make([]byte, 64)); err != nil {
				_ = r.Release()
				return err
			}
			return r.Release()
		}
	}
	if err := pool.Run(work...); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := ctx.Stats().Submissions; got != jobs {
		t.Errorf("Submissions = %d, want %d", got, jobs)
	}

	boom := errors.New("boom")
	err = pool.Run(
		func(*Recorder) error { return nil },
		func(*Recorder) error { return boom },
	)
	if !errors.Is(err, boom) {
		t.Errorf("Run error = %v, want boom", err)
	}

	if err := pool.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := ctx.Stats().Recorders; got != 1 {
		t.Errorf("Recorders after Close = %d, want 1", got)
	}
}

func TestWorkerPoolCapacity(t *testing.T) {
	ctx, _ := newTestContext(t, WithMaxRecorders(2))
	if _, err := ctx.NewWorkerPool(2); !errors.Is(err, ErrCapacity) {
		t.Fatalf("error = %v, want ErrCapacity", err)
	}
	if got := ctx.Stats().Recorders; got != 1 {
		t.Errorf("Recorders = %d, want 1 after failed pool", got)
	}
}
