package syncutil

import (
	"iter"
	"sync"
	"sync/atomic"
)

// Observers is a list of callbacks that is read far more often than changed.
// Iteration never blocks registration and sees a snapshot of the list.
// The zero value is ready to use.
type Observers[T any] struct {
	mu     sync.Mutex
	list   atomic.Pointer[[]observer[T]]
	nextID uint64
}

type observer[T any] struct {
	id uint64
	fn T
}

// Add registers the callback. The returned function unregisters it and is safe to call many times.
func (o *Observers[T]) Add(fn T) (remove func()) {
	o.mu.Lock()
	o.nextID++
	id := o.nextID
	var cur []observer[T]
	if p := o.list.Load(); p != nil {
		cur = *p
	}
	next := make([]observer[T], len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, observer[T]{id, fn})
	o.list.Store(&next)
	o.mu.Unlock()

	return func() { o.remove(id) }
}

func (o *Observers[T]) remove(id uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	p := o.list.Load()
	if p == nil {
		return
	}
	next := make([]observer[T], 0, len(*p))
	for _, ob := range *p {
		if ob.id != id {
			next = append(next, ob)
		}
	}
	if len(next) != len(*p) {
		o.list.Store(&next)
	}
}

// Len returns the number of registered callbacks.
func (o *Observers[T]) Len() int {
	if p := o.list.Load(); p != nil {
		return len(*p)
	}
	return 0
}

// All iterates the callbacks in registration order.
func (o *Observers[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		p := o.list.Load()
		if p == nil {
			return
		}
		for _, ob := range *p {
			if !yield(ob.fn) {
				return
			}
		}
	}
}
