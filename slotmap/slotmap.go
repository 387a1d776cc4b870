// Package slotmap is a fixed capacity arena with a free list of indices.
// Keys carry a generation so a key for a released slot never resolves to
// whatever occupies the slot next.
package slotmap

import "errors"

var (
	ErrFull       = errors.New("slotmap: no free slot")
	ErrOccupied   = errors.New("slotmap: slot occupied")
	ErrOutOfRange = errors.New("slotmap: index out of range")
)

// Key addresses a slot. The zero Key is never issued.
type Key struct {
	Index uint16
	Gen   uint16
}

// Valid reports whether k could have been issued by a Map.
func (k Key) Valid() bool {
	return k.Gen != 0
}

type slot[T any] struct {
	gen  uint16
	used bool
	val  T
}

// Map holds up to Cap values of T.
type Map[T any] struct {
	slots []slot[T]
	free  []uint16
	n     int
}

// New returns a Map with the given capacity.
func New[T any](capacity int) *Map[T] {
	m := &Map[T]{
		slots: make([]slot[T], capacity),
		free:  make([]uint16, 0, capacity),
	}
	// lowest index is handed out first
	for i := capacity - 1; i >= 0; i-- {
		m.slots[i].gen = 1
		m.free = append(m.free, uint16(i))
	}
	return m
}

// Insert stores v in a free slot.
func (m *Map[T]) Insert(v T) (Key, error) {
	if len(m.free) == 0 {
		return Key{}, ErrFull
	}
	i := m.free[len(m.free)-1]
	m.free = m.free[:len(m.free)-1]
	return m.occupy(i, v), nil
}

// InsertAt stores v in slot i, which must be free.
func (m *Map[T]) InsertAt(i int, v T) (Key, error) {
	if i < 0 || i >= len(m.slots) {
		return Key{}, ErrOutOfRange
	}
	if m.slots[i].used {
		return Key{}, ErrOccupied
	}
	for j, f := range m.free {
		if int(f) == i {
			m.free = append(m.free[:j], m.free[j+1:]...)
			break
		}
	}
	return m.occupy(uint16(i), v), nil
}

func (m *Map[T]) occupy(i uint16, v T) Key {
	s := &m.slots[i]
	s.used = true
	s.val = v
	m.n++
	return Key{Index: i, Gen: s.gen}
}

// Get returns a pointer to the value for k, valid until the slot is removed.
func (m *Map[T]) Get(k Key) (*T, bool) {
	if int(k.Index) >= len(m.slots) {
		return nil, false
	}
	s := &m.slots[k.Index]
	if !s.used || s.gen != k.Gen {
		return nil, false
	}
	return &s.val, true
}

// At returns the key and value stored in slot i, if any.
func (m *Map[T]) At(i int) (Key, *T, bool) {
	if i < 0 || i >= len(m.slots) {
		return Key{}, nil, false
	}
	s := &m.slots[i]
	if !s.used {
		return Key{}, nil, false
	}
	return Key{Index: uint16(i), Gen: s.gen}, &s.val, true
}

// Remove releases the slot for k. It returns false if k is stale.
func (m *Map[T]) Remove(k Key) bool {
	if _, ok := m.Get(k); !ok {
		return false
	}
	s := &m.slots[k.Index]
	var zero T
	s.val = zero
	s.used = false
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	m.free = append(m.free, k.Index)
	m.n--
	return true
}

// Each calls fn for every occupied slot in index order until fn returns false.
func (m *Map[T]) Each(fn func(Key, *T) bool) {
	for i := range m.slots {
		s := &m.slots[i]
		if !s.used {
			continue
		}
		if !fn(Key{Index: uint16(i), Gen: s.gen}, &s.val) {
			return
		}
	}
}

// Len returns the number of occupied slots.
func (m *Map[T]) Len() int {
	return m.n
}

// Cap returns the capacity.
func (m *Map[T]) Cap() int {
	return len(m.slots)
}
