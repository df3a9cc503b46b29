//go:build !nogpu

package pipecache

// Handle indexes one slot of a dimension table.
type Handle int32

// InvalidHandle is returned when registration fails.
const InvalidHandle Handle = -1

// Valid reports whether h may refer to a slot.
func (h Handle) Valid() bool { return h >= 0 }

type description interface {
	comparable
	hash() uint64
}

type tableEntry[D description, V any] struct {
	desc D
	val  V
	hash uint64
	refs int
	live bool
}

// table deduplicates descriptions into a fixed number of reference-counted
// slots. Lookup goes hash bucket first, then full equality.
type table[D description, V any] struct {
	entries []tableEntry[D, V]
	buckets map[uint64][]Handle
	free    []Handle
}

func newTable[D description, V any](capacity int) *table[D, V] {
	t := &table[D, V]{
		entries: make([]tableEntry[D, V], capacity),
		buckets: make(map[uint64][]Handle),
		free:    make([]Handle, capacity),
	}
	for i := range capacity {
		t.free[i] = Handle(capacity - 1 - i)
	}
	return t
}

func (t *table[D, V]) capacity() int { return len(t.entries) }

func (t *table[D, V]) len() int { return len(t.entries) - len(t.free) }

// find returns the slot holding d.
func (t *table[D, V]) find(d D, h uint64) (Handle, bool) {
	for _, idx := range t.buckets[h] {
		if t.entries[idx].desc == d {
			return idx, true
		}
	}
	return InvalidHandle, false
}

// acquire bumps the reference of an existing equal description.
func (t *table[D, V]) acquire(d D) (Handle, uint64, bool) {
	h := d.hash()
	idx, ok := t.find(d, h)
	if ok {
		t.entries[idx].refs++
	}
	return idx, h, ok
}

// insert stores a new description. It returns false when the table is full.
func (t *table[D, V]) insert(d D, h uint64, v V) (Handle, bool) {
	if len(t.free) == 0 {
		return InvalidHandle, false
	}
	idx := t.free[len(t.free)-1]
	t.free = t.free[:len(t.free)-1]
	t.entries[idx] = tableEntry[D, V]{desc: d, val: v, hash: h, refs: 1, live: true}
	t.buckets[h] = append(t.buckets[h], idx)
	return idx, true
}

func (t *table[D, V]) get(idx Handle) (*tableEntry[D, V], bool) {
	if idx < 0 || int(idx) >= len(t.entries) || !t.entries[idx].live {
		return nil, false
	}
	return &t.entries[idx], true
}

// release drops one reference. When it was the last, the slot is freed and
// its value returned with last set.
func (t *table[D, V]) release(idx Handle) (v V, last, ok bool) {
	e, ok := t.get(idx)
	if !ok {
		return v, false, false
	}
	e.refs--
	if e.refs > 0 {
		return v, false, true
	}

	v = e.val
	bucket := t.buckets[e.hash]
	for i, b := range bucket {
		if b == idx {
			bucket = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	if len(bucket) == 0 {
		delete(t.buckets, e.hash)
	} else {
		t.buckets[e.hash] = bucket
	}
	*e = tableEntry[D, V]{}
	t.free = append(t.free, idx)
	return v, true, true
}

func (t *table[D, V]) each(fn func(Handle, *tableEntry[D, V])) {
	for i := range t.entries {
		if t.entries[i].live {
			fn(Handle(i), &t.entries[i])
		}
	}
}
