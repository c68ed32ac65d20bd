// Package correlate matches asynchronous native completions to the requests
// that are waiting for them.
//
// A Table holds at most one pending Slot per Key. Resolving a key consumes its
// slot, so memory is bounded by the number of distinct outstanding keys.
// Table is not safe for concurrent use: the session confines it to its event
// loop goroutine. Slots are safe to wait on from any goroutine.
package correlate

import (
	"fmt"
	"sort"

	"github.com/srg/gattlink/internal/gatt"
)

// Key identifies one pending operation: the completion event name plus an
// optional target (empty for operations that are single-outstanding per session).
type Key struct {
	Op     string
	Target string
}

// OpKey builds a key with no target.
func OpKey(op string) Key { return Key{Op: op} }

// HandleKey builds a key targeting an attribute handle.
func HandleKey(op string, handle uint16) Key {
	return Key{Op: op, Target: HandleTarget(handle)}
}

// HandleTarget renders an attribute handle as a key target.
func HandleTarget(handle uint16) string { return fmt.Sprintf("0x%04x", handle) }

func (k Key) String() string {
	if k.Target == "" {
		return k.Op
	}
	return k.Op + "/" + k.Target
}

// Table maps operation keys to pending slots and remembers the last successful
// value observed per key.
type Table[T any] struct {
	pending map[Key]*Slot[T]
	last    map[Key]T
}

// NewTable returns an empty table.
func NewTable[T any]() *Table[T] {
	return &Table[T]{
		pending: make(map[Key]*Slot[T]),
		last:    make(map[Key]T),
	}
}

// Prepare registers a new unset slot for key. It fails with gatt.ErrAlreadyPending
// if a slot for key is outstanding.
func (t *Table[T]) Prepare(key Key) (*Slot[T], error) {
	if _, ok := t.pending[key]; ok {
		return nil, fmt.Errorf("%s: %w", key, gatt.ErrAlreadyPending)
	}
	s := NewSlot[T]()
	t.pending[key] = s
	return s, nil
}

// Pending returns the outstanding slot for key, if any.
func (t *Table[T]) Pending(key Key) (*Slot[T], bool) {
	s, ok := t.pending[key]
	return s, ok
}

// Resolve settles and removes the slot for key: resolved(v) when err is nil,
// failed(err) otherwise. It returns false when no slot is pending, meaning the
// completion was unsolicited and should be routed elsewhere.
func (t *Table[T]) Resolve(key Key, v T, err error) bool {
	s, ok := t.pending[key]
	if !ok {
		return false
	}
	delete(t.pending, key)
	if err != nil {
		delete(t.last, key)
		_ = s.Fail(err)
		return true
	}
	t.last[key] = v
	// a slot can already be settled by FailAll racing a late callback; keep the first outcome
	_ = s.Resolve(v)
	return true
}

// Remove drops the pending slot for key without settling it and returns it.
func (t *Table[T]) Remove(key Key) (*Slot[T], bool) {
	s, ok := t.pending[key]
	if ok {
		delete(t.pending, key)
	}
	return s, ok
}

// FailAll fails every pending slot with err and empties the table. The last
// value cache is cleared too. It returns the number of slots failed.
func (t *Table[T]) FailAll(err error) int {
	n := 0
	for key, s := range t.pending {
		if s.Fail(err) == nil {
			n++
		}
		delete(t.pending, key)
	}
	clear(t.last)
	return n
}

// Broadcast fails every pending slot with err, like FailAll, but keeps the
// last value cache. It returns the keys that were failed, sorted.
func (t *Table[T]) Broadcast(err error) []Key {
	keys := t.Keys()
	for _, key := range keys {
		_ = t.pending[key].Fail(err)
		delete(t.pending, key)
	}
	return keys
}

// Last returns the last successful value recorded for key.
func (t *Table[T]) Last(key Key) (T, bool) {
	v, ok := t.last[key]
	return v, ok
}

// Remember records v as the last value for key without touching pending slots.
// Used for unsolicited completions that still update known state.
func (t *Table[T]) Remember(key Key, v T) { t.last[key] = v }

// Len returns the number of pending slots.
func (t *Table[T]) Len() int { return len(t.pending) }

// Keys returns pending keys in a stable order.
func (t *Table[T]) Keys() []Key {
	keys := make([]Key, 0, len(t.pending))
	for k := range t.pending {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Op != keys[j].Op {
			return keys[i].Op < keys[j].Op
		}
		return keys[i].Target < keys[j].Target
	})
	return keys
}
