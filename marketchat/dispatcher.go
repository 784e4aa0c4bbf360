package marketchat

import (
	"fmt"
	"sync"
)

// listeners is a registry of callbacks for one event kind. Callbacks run in
// registration order, outside any lock, and a panicking callback is logged
// instead of tearing down the goroutine that emitted the event.
type listeners[T any] struct {
	mu     sync.Mutex
	nextID int
	items  []listener[T]
}

type listener[T any] struct {
	id int
	fn func(T)
}

// add registers fn and returns a func that unregisters it.
func (l *listeners[T]) add(fn func(T)) func() {
	if fn == nil {
		return func() {}
	}
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	l.items = append(l.items, listener[T]{id: id, fn: fn})
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { l.remove(id) })
	}
}

func (l *listeners[T]) remove(id int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, it := range l.items {
		if it.id == id {
			l.items = append(l.items[:i:i], l.items[i+1:]...)
			return
		}
	}
}

func (l *listeners[T]) clear() {
	l.mu.Lock()
	l.items = nil
	l.mu.Unlock()
}

func (l *listeners[T]) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

func (l *listeners[T]) emit(log Logger, kind string, v T) {
	l.mu.Lock()
	snapshot := make([]listener[T], len(l.items))
	copy(snapshot, l.items)
	l.mu.Unlock()

	for _, it := range snapshot {
		callListener(log, kind, it.fn, v)
	}
}

func callListener[T any](log Logger, kind string, fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("listener panicked", map[string]any{"kind": kind, "panic": fmt.Sprint(r)})
		}
	}()
	fn(v)
}
