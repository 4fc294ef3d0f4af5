package isolate

import (
	"fmt"

	"github.com/dop251/goja"
	"go.uber.org/multierr"
)

// WeakID identifies a weak callback registration. The zero value is never a
// live registration.
type WeakID struct {
	index uint32
	gen   uint32
}

// Valid reports whether id was returned by a successful registration.
func (id WeakID) Valid() bool { return id.gen != 0 }

type weakSlot struct {
	gen uint32
	fn  func()
}

// weakTable is an arena of teardown callbacks. Slots are reused; the
// generation counter keeps stale ids from removing a newer registration.
// It is only touched under the isolate's executor.
type weakTable struct {
	slots []weakSlot
	free  []uint32
	swept bool
}

func (t *weakTable) add(fn func()) WeakID {
	if t.swept || fn == nil {
		return WeakID{}
	}
	var index uint32
	if n := len(t.free); n > 0 {
		index = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		t.slots = append(t.slots, weakSlot{})
		index = uint32(len(t.slots) - 1)
	}
	slot := &t.slots[index]
	slot.gen++
	if slot.gen == 0 {
		slot.gen = 1
	}
	slot.fn = fn
	return WeakID{index: index, gen: slot.gen}
}

func (t *weakTable) remove(id WeakID) bool {
	if !id.Valid() || int(id.index) >= len(t.slots) {
		return false
	}
	slot := &t.slots[id.index]
	if slot.gen != id.gen || slot.fn == nil {
		return false
	}
	slot.fn = nil
	t.free = append(t.free, id.index)
	return true
}

func (t *weakTable) live() int {
	n := 0
	for _, slot := range t.slots {
		if slot.fn != nil {
			n++
		}
	}
	return n
}

// sweep invokes every live callback exactly once and clears the table.
// Callbacks are detached before any of them runs, so a callback that touches
// the table sees it already empty.
func (t *weakTable) sweep() (err error) {
	if t.swept {
		return nil
	}
	t.swept = true
	callbacks := make([]func(), 0, len(t.slots))
	for i := range t.slots {
		if fn := t.slots[i].fn; fn != nil {
			callbacks = append(callbacks, fn)
		}
	}
	t.slots = nil
	t.free = nil

	for _, fn := range callbacks {
		err = multierr.Append(err, runWeak(fn))
	}
	return err
}

func runWeak(fn func()) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("weak callback panicked: %v", p)
		}
	}()
	fn()
	return nil
}

// objectTable pins script values that other isolates hold references to.
// Slots are never reused, so a stale slot can only miss.
type objectTable struct {
	next    uint64
	objects map[uint64]goja.Value
}

func (t *objectTable) put(v goja.Value) uint64 {
	if t.objects == nil {
		t.objects = make(map[uint64]goja.Value)
	}
	t.next++
	t.objects[t.next] = v
	return t.next
}

func (t *objectTable) get(slot uint64) (goja.Value, bool) {
	v, ok := t.objects[slot]
	return v, ok
}

func (t *objectTable) remove(slot uint64) {
	delete(t.objects, slot)
}

func (t *objectTable) clear() {
	t.objects = nil
}
