package pubsub

import (
	"context"
	"sync"
)

// Value is an observable state cell.
// Subscribers receive every distinct value set after subscribing, in the order the values were stored,
// so that the last value received equals the current one.
type Value[T comparable] struct {
	// setMutex serializes Set calls including the publication of their change.
	setMutex sync.Mutex
	mutex    sync.Mutex
	value    T
	changes  *PubSub[T]
}

func NewValue[T comparable](initial T) *Value[T] {
	return &Value[T]{
		value:   initial,
		changes: New[T](),
	}
}

func (v *Value[T]) Get() T {
	v.mutex.Lock()
	defer v.mutex.Unlock()

	return v.value
}

// Set stores the value and notifies subscribers when it differs from the previous one.
func (v *Value[T]) Set(value T) bool {
	v.setMutex.Lock()
	defer v.setMutex.Unlock()

	v.mutex.Lock()
	if v.value == value {
		v.mutex.Unlock()
		return false
	}
	v.value = value
	v.mutex.Unlock()

	v.changes.Publish(value)

	return true
}

func (v *Value[T]) Subscribe(ctx context.Context) Subscription[T] {
	return v.changes.Subscribe(ctx)
}

func (v *Value[T]) Stop() {
	v.changes.Stop()
}
