// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

//go:build !nogpu

package texstate

import (
	"sync"
	"testing"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// barrierEncoder captures TransitionTextures calls. Other encoder methods
// are not used by this package.
type barrierEncoder struct {
	hal.CommandEncoder

	calls    int
	barriers []hal.TextureBarrier
}

func (e *barrierEncoder) TransitionTextures(b []hal.TextureBarrier) {
	e.calls++
	e.barriers = append(e.barriers, b...)
}

func TestTransitionSequence(t *testing.T) {
	s := NewState(false)
	if !s.FirstUse() {
		t.Error("new state should report first use")
	}

	tests := []struct {
		target  Layout
		want    Barrier
		emitted bool
	}{
		{TransferDst, Barrier{Undefined, TransferDst}, true},
		{TransferDst, Barrier{}, false},
		{ShaderRead, Barrier{TransferDst, ShaderRead}, true},
		{ColorAttachment, Barrier{ShaderRead, ColorAttachment}, true},
		{ShaderRead, Barrier{ColorAttachment, ShaderRead}, true},
	}
	for i, tt := range tests {
		got, ok := s.Transition(tt.target)
		if ok != tt.emitted || got != tt.want {
			t.Errorf("step %d: Transition(%v) = %v, %v; want %v, %v", i, tt.target, got, ok, tt.want, tt.emitted)
		}
	}
	if s.FirstUse() {
		t.Error("state still reports first use")
	}
	if s.Layout() != ShaderRead {
		t.Errorf("Layout = %v, want shader_read", s.Layout())
	}
}

func TestTransientAlwaysFromUndefined(t *testing.T) {
	usage := gputypes.TextureUsageRenderAttachment
	if !IsTransient(usage, 4, false) {
		t.Fatal("multisampled write-only attachment should be transient")
	}
	s := NewState(IsTransient(usage, 4, false))

	for _, target := range []Layout{ColorAttachment, ColorAttachment, TransferSrc, ColorAttachment} {
		b, ok := s.Transition(target)
		if !ok {
			t.Fatalf("Transition(%v) emitted nothing", target)
		}
		if b.Old != Undefined {
			t.Errorf("Transition(%v) old = %v, want undefined", target, b.Old)
		}
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name    string
		usage   gputypes.TextureUsage
		samples uint32
		depth   bool
		want    bool
	}{
		{"msaa color", gputypes.TextureUsageRenderAttachment, 4, false, true},
		{"depth", gputypes.TextureUsageRenderAttachment, 1, true, true},
		{"single sample color", gputypes.TextureUsageRenderAttachment, 1, false, false},
		{"sampled msaa", gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageTextureBinding, 4, false, false},
		{"copyable depth", gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageCopySrc, 1, true, false},
		{"not an attachment", gputypes.TextureUsageTextureBinding, 4, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.usage, tt.samples, tt.depth); got != tt.want {
				t.Errorf("IsTransient = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNotifyEmitsNothing(t *testing.T) {
	s := NewState(false)
	s.Notify(ColorAttachment)
	if s.Layout() != ColorAttachment {
		t.Errorf("Layout = %v, want color_attachment", s.Layout())
	}
	if _, ok := s.Transition(ColorAttachment); ok {
		t.Error("transition to the notified layout should be a no-op")
	}
}

func TestEmitSkipsPresent(t *testing.T) {
	enc := &barrierEncoder{}
	n := Emit(enc, nil,
		Barrier{Old: Undefined, New: ColorAttachment},
		Barrier{Old: ColorAttachment, New: Present},
	)
	if n != 1 || len(enc.barriers) != 1 {
		t.Fatalf("emitted %d barriers, want 1", len(enc.barriers))
	}
	u := enc.barriers[0].Usage
	if u.OldUsage != 0 || u.NewUsage != gputypes.TextureUsageRenderAttachment {
		t.Errorf("usage = %v -> %v, want 0 -> render attachment", u.OldUsage, u.NewUsage)
	}

	if Emit(enc, nil, Barrier{Old: ShaderRead, New: Present}) != 0 {
		t.Error("present-only transition should not be recorded")
	}
	if enc.calls != 1 {
		t.Errorf("TransitionTextures calls = %d, want 1", enc.calls)
	}
}

func TestLayoutUsage(t *testing.T) {
	tests := []struct {
		layout Layout
		want   gputypes.TextureUsage
	}{
		{Undefined, 0},
		{TransferSrc, gputypes.TextureUsageCopySrc},
		{TransferDst, gputypes.TextureUsageCopyDst},
		{ColorAttachment, gputypes.TextureUsageRenderAttachment},
		{DepthAttachment, gputypes.TextureUsageRenderAttachment},
		{ShaderRead, gputypes.TextureUsageTextureBinding},
		{General, gputypes.TextureUsageStorageBinding},
		{Present, 0},
	}
	for _, tt := range tests {
		if got := tt.layout.Usage(); got != tt.want {
			t.Errorf("%v.Usage() = %v, want %v", tt.layout, got, tt.want)
		}
	}
}

// =============================================================================
// Queue
// =============================================================================

func TestQueueDeduplicatesAndStorageWins(t *testing.T) {
	a, b := NewState(false), NewState(false)
	var q Queue
	q.Enqueue(a, nil, Read)
	q.Enqueue(a, nil, Storage)
	q.Enqueue(a, nil, Read)
	q.Enqueue(b, nil, Read)
	if q.Len() != 2 {
		t.Fatalf("Len = %d, want 2", q.Len())
	}

	enc := &barrierEncoder{}
	if n := q.Flush(enc); n != 2 {
		t.Errorf("Flush recorded %d barriers, want 2", n)
	}
	if a.Layout() != General {
		t.Errorf("a layout = %v, want general", a.Layout())
	}
	if b.Layout() != ShaderRead {
		t.Errorf("b layout = %v, want shader_read", b.Layout())
	}
	if q.Len() != 0 {
		t.Errorf("Len after Flush = %d, want 0", q.Len())
	}

	// Already in place: nothing to record.
	q.Enqueue(b, nil, Read)
	if n := q.Flush(enc); n != 0 {
		t.Errorf("second Flush recorded %d barriers, want 0", n)
	}
}

func TestQueueRemove(t *testing.T) {
	a, b, c := NewState(false), NewState(false), NewState(false)
	var q Queue
	q.Enqueue(a, nil, Read)
	q.Enqueue(b, nil, Read)
	q.Enqueue(c, nil, Read)
	q.Remove(b)
	q.Remove(b)
	q.Enqueue(c, nil, Storage)

	if q.Len() != 2 {
		t.Fatalf("Len = %d, want 2", q.Len())
	}
	q.Flush(&barrierEncoder{})
	if b.Layout() != Undefined {
		t.Error("removed state was transitioned")
	}
	if c.Layout() != General {
		t.Errorf("c layout = %v, want general", c.Layout())
	}
}

func TestQueueConcurrentEnqueue(t *testing.T) {
	states := make([]*State, 16)
	for i := range states {
		states[i] = NewState(false)
	}
	var q Queue
	var wg sync.WaitGroup
	for w := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i, s := range states {
				access := Read
				if (i+w)%5 == 0 {
					access = Storage
				}
				q.Enqueue(s, nil, access)
			}
		}()
	}
	wg.Wait()
	if q.Len() != len(states) {
		t.Errorf("Len = %d, want %d", q.Len(), len(states))
	}
}
