// Package renderlist sorts draw requests and merges them into instanced
// batches.
//
// Items are ordered by (queue order, mesh id, material id, sub-range) using
// stable logical ids, never addresses, so batching is reproducible. After
// sorting, per-instance payloads are compacted into sort order with one block
// copy per contiguous source run, and the arenas are swapped.
package renderlist

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
)

// SubRange selects part of an indexed mesh. The zero value draws the whole
// mesh.
type SubRange struct {
	FirstIndex   uint32
	IndexCount   uint32
	VertexOffset int32
}

// Item is one draw request. Ref carries the caller's objects through to the
// emitted batch.
type Item[R any] struct {
	Ref      R
	Order    int32
	Mesh     uint64
	Material uint64
	Range    SubRange

	instanceOffset int
	instanceCount  uint32
}

// InstanceCount returns the number of instances the item draws.
func (it *Item[R]) InstanceCount() uint32 { return it.instanceCount }

// Batch is a run of merged items drawn with one instanced call.
type Batch[R any] struct {
	Ref           R
	Mesh          uint64
	Material      uint64
	Range         SubRange
	FirstInstance uint32
	InstanceCount uint32
}

// List is not safe for concurrent use.
type List[R any] struct {
	stride int

	items   []Item[R]
	arena   []byte
	spare   []byte
	batches []Batch[R]
	total   int
	dirty   bool
	sorts   int
}

// New creates a list whose instance payloads are stride bytes each. A zero
// stride means items carry no per-instance data.
func New[R any](stride int) *List[R] {
	return &List[R]{stride: stride}
}

// Stride returns the per-instance payload size.
func (l *List[R]) Stride() int { return l.stride }

// Len returns the number of items.
func (l *List[R]) Len() int { return len(l.items) }

// Sorts returns how many times the list was sorted.
func (l *List[R]) Sorts() int { return l.sorts }

// Add appends a draw of count instances. payload must hold count*stride
// bytes.
func (l *List[R]) Add(it Item[R], count uint32, payload []byte) error {
	if count == 0 {
		return errors.New("renderlist: zero instances")
	}
	if want := int(count) * l.stride; len(payload) != want {
		return fmt.Errorf("renderlist: payload is %d bytes, want %d", len(payload), want)
	}
	it.instanceOffset = l.total
	it.instanceCount = count
	l.total += int(count)
	l.arena = append(l.arena, payload...)
	l.items = append(l.items, it)
	l.dirty = true
	return nil
}

// Instances returns the total instance count.
func (l *List[R]) Instances() int { return l.total }

// Clear removes every item, keeping allocated storage.
func (l *List[R]) Clear() {
	clear(l.items)
	l.items = l.items[:0]
	l.arena = l.arena[:0]
	l.total = 0
	clear(l.batches)
	l.batches = l.batches[:0]
	l.dirty = false
}

// Prepare sorts, compacts and batches the list if items were added since the
// last call, and returns the batches and the instance payload in batch order.
func (l *List[R]) Prepare() ([]Batch[R], []byte) {
	if l.dirty {
		l.sort()
		l.compact()
		l.batch()
		l.dirty = false
		l.sorts++
	}
	return l.batches, l.arena
}

func compare[R any](a, b Item[R]) int {
	return cmp.Or(
		cmp.Compare(a.Order, b.Order),
		cmp.Compare(a.Mesh, b.Mesh),
		cmp.Compare(a.Material, b.Material),
		cmp.Compare(a.Range.FirstIndex, b.Range.FirstIndex),
		cmp.Compare(a.Range.IndexCount, b.Range.IndexCount),
		cmp.Compare(a.Range.VertexOffset, b.Range.VertexOffset),
	)
}

func (l *List[R]) sort() {
	slices.SortStableFunc(l.items, compare[R])
}

// compact rewrites the instance arena in item order. Items whose payloads
// were already adjacent in the source are copied together.
func (l *List[R]) compact() {
	if l.stride == 0 {
		next := 0
		for i := range l.items {
			l.items[i].instanceOffset = next
			next += int(l.items[i].instanceCount)
		}
		return
	}

	dst := slices.Grow(l.spare[:0], len(l.arena))[:len(l.arena)]
	w := 0
	for i := 0; i < len(l.items); {
		runStart := l.items[i].instanceOffset
		runEnd := runStart + int(l.items[i].instanceCount)
		j := i + 1
		for j < len(l.items) && l.items[j].instanceOffset == runEnd {
			runEnd += int(l.items[j].instanceCount)
			j++
		}
		copy(dst[w*l.stride:], l.arena[runStart*l.stride:runEnd*l.stride])
		for k := i; k < j; k++ {
			l.items[k].instanceOffset = w
			w += int(l.items[k].instanceCount)
		}
		i = j
	}
	l.arena, l.spare = dst, l.arena
}

func mergeable[R any](a, b *Item[R]) bool {
	return a.Mesh == b.Mesh && a.Material == b.Material && a.Range == b.Range
}

func (l *List[R]) batch() {
	clear(l.batches)
	l.batches = l.batches[:0]
	for i := range l.items {
		it := &l.items[i]
		if i > 0 && mergeable(&l.items[i-1], it) {
			l.batches[len(l.batches)-1].InstanceCount += it.instanceCount
			continue
		}
		l.batches = append(l.batches, Batch[R]{
			Ref:           it.Ref,
			Mesh:          it.Mesh,
			Material:      it.Material,
			Range:         it.Range,
			FirstInstance: uint32(it.instanceOffset), //nolint:gosec // instance counts fit in uint32
			InstanceCount: it.instanceCount,
		})
	}
}
