// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

//go:build !nogpu

// Package texstate tracks the layout of each texture and emits the barriers
// needed to move it between uses.
//
// Transitions requested while a render pass is open cannot be recorded, so
// they go through a Queue that is flushed just before the next pass begins.
package texstate

import (
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// Layout is the access pattern a texture is prepared for.
type Layout uint8

// Layouts.
const (
	Undefined Layout = iota
	TransferSrc
	TransferDst
	ColorAttachment
	DepthAttachment
	ShaderRead
	General
	Present
)

var layoutNames = [...]string{
	Undefined:       "undefined",
	TransferSrc:     "transfer_src",
	TransferDst:     "transfer_dst",
	ColorAttachment: "color_attachment",
	DepthAttachment: "depth_attachment",
	ShaderRead:      "shader_read",
	General:         "general",
	Present:         "present",
}

func (l Layout) String() string {
	if int(l) < len(layoutNames) {
		return layoutNames[l]
	}
	return fmt.Sprintf("Layout(%d)", l)
}

// Usage maps a layout to the texture usage hal transitions between.
// Undefined maps to zero, which hal treats as "contents may be discarded".
func (l Layout) Usage() gputypes.TextureUsage {
	switch l {
	case TransferSrc:
		return gputypes.TextureUsageCopySrc
	case TransferDst:
		return gputypes.TextureUsageCopyDst
	case ColorAttachment, DepthAttachment:
		return gputypes.TextureUsageRenderAttachment
	case ShaderRead:
		return gputypes.TextureUsageTextureBinding
	case General:
		return gputypes.TextureUsageStorageBinding
	default:
		return 0
	}
}

// Barrier is one layout change.
type Barrier struct {
	Old Layout
	New Layout
}

// State is the tracked layout of one texture. It is safe for concurrent use
// so uploads on worker goroutines may update it.
type State struct {
	mu        sync.Mutex
	layout    Layout
	used      bool
	transient bool
}

// NewState returns the state of a freshly created texture. Transient textures
// never keep their contents, so every transition starts from Undefined.
func NewState(transient bool) *State {
	return &State{transient: transient}
}

// IsTransient reports whether texture contents are discarded between uses.
// A texture qualifies when it is written as an attachment but never sampled
// or copied, and is multisampled or a depth target.
func IsTransient(usage gputypes.TextureUsage, samples uint32, depth bool) bool {
	const readable = gputypes.TextureUsageTextureBinding | gputypes.TextureUsageCopySrc | gputypes.TextureUsageStorageBinding
	writable := usage&gputypes.TextureUsageRenderAttachment != 0
	return writable && usage&readable == 0 && (samples > 1 || depth)
}

// Layout returns the current layout.
func (s *State) Layout() Layout {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.layout
}

// Transient reports whether the state discards contents on every transition.
func (s *State) Transient() bool { return s.transient }

// FirstUse reports whether the texture has never been transitioned.
func (s *State) FirstUse() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.used
}

// Transition moves the state to target. It returns false when the texture
// is already there and no barrier is needed.
func (s *State) Transition(target Layout) (Barrier, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.used = true
	if s.transient {
		s.layout = target
		return Barrier{Old: Undefined, New: target}, true
	}
	if s.layout == target {
		return Barrier{}, false
	}
	b := Barrier{Old: s.layout, New: target}
	s.layout = target
	return b, true
}

// Notify records a layout change performed implicitly, e.g. by a render pass
// resolve or the presentation engine. No barrier is emitted.
func (s *State) Notify(layout Layout) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.used = true
	s.layout = layout
}

// Emit records barriers for texture. Transitions into Present are left to
// the surface, which performs them as part of presentation.
func Emit(enc hal.CommandEncoder, texture hal.Texture, barriers ...Barrier) int {
	out := make([]hal.TextureBarrier, 0, len(barriers))
	for _, b := range barriers {
		if b.New == Present {
			continue
		}
		out = append(out, hal.TextureBarrier{
			Texture: texture,
			Usage: hal.TextureUsageTransition{
				OldUsage: b.Old.Usage(),
				NewUsage: b.New.Usage(),
			},
		})
	}
	if len(out) > 0 {
		enc.TransitionTextures(out)
	}
	return len(out)
}

// Access is the shader access requested through a Queue.
type Access uint8

// Accesses. Storage subsumes Read.
const (
	Read Access = iota
	Storage
)

func (a Access) layout() Layout {
	if a == Storage {
		return General
	}
	return ShaderRead
}

type pending struct {
	state   *State
	texture hal.Texture
	access  Access
}

// Queue collects shader-access transitions until the next render pass.
// Entries are deduplicated per state; storage access wins over read.
type Queue struct {
	mu      sync.Mutex
	entries []pending
	index   map[*State]int
}

// Enqueue requests that texture be made readable (or writable) by shaders
// before the next pass.
func (q *Queue) Enqueue(state *State, texture hal.Texture, access Access) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.index == nil {
		q.index = make(map[*State]int)
	}
	if i, ok := q.index[state]; ok {
		q.entries[i].access = max(q.entries[i].access, access)
		return
	}
	q.index[state] = len(q.entries)
	q.entries = append(q.entries, pending{state: state, texture: texture, access: access})
}

// Len returns the number of queued textures.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Flush transitions every queued texture on enc and empties the queue.
// It returns the number of barriers recorded.
func (q *Queue) Flush(enc hal.CommandEncoder) int {
	q.mu.Lock()
	entries := q.entries
	q.entries = nil
	clear(q.index)
	q.mu.Unlock()

	n := 0
	for _, e := range entries {
		if b, ok := e.state.Transition(e.access.layout()); ok {
			n += Emit(enc, e.texture, b)
		}
	}
	return n
}

// Remove drops any queued transition for state, e.g. when its texture is
// destroyed before the next pass.
func (q *Queue) Remove(state *State) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i, ok := q.index[state]
	if !ok {
		return
	}
	q.entries = append(q.entries[:i], q.entries[i+1:]...)
	delete(q.index, state)
	for j := i; j < len(q.entries); j++ {
		q.index[q.entries[j].state] = j
	}
}
