package synctyped

import "sync"

type Map[T any] struct {
	sync.Map
}

func (m *Map[T]) Store(k string, t T) {
	m.Map.Store(k, t)
}

func (m *Map[T]) Load(k string) (t T, ok bool) {
	v, ok := m.Map.Load(k)
	if !ok {
		return t, ok
	}

	return v.(T), true
}

func (m *Map[T]) LoadAndDelete(k string) (t T, ok bool) {
	v, ok := m.Map.LoadAndDelete(k)
	if !ok {
		return t, ok
	}

	return v.(T), true
}

func (m *Map[T]) Range(fn func(k string, t T) bool) {
	m.Map.Range(func(k, v any) bool {
		return fn(k.(string), v.(T))
	})
}

func (m *Map[T]) Len() (n int) {
	m.Map.Range(func(any, any) bool {
		n++
		return true
	})

	return n
}
