// Package events broadcasts supervisor activity to in-process observers.
package events

import (
	"github.com/kelindar/event"
)

// Bus delivers events to subscribers. Every subscriber has its own queue
// and goroutine, so a slow subscriber delays only itself, and it sees
// events in the order they were published.
type Bus struct {
	dispatcher *event.Dispatcher
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{dispatcher: event.NewDispatcher()}
}

// Publish sends ev to every subscriber of its type.
func Publish[T Event](b *Bus, ev T) {
	event.Publish(b.dispatcher, ev)
}

// Subscribe calls fn for every published T until the returned function
// is called.
func Subscribe[T Event](b *Bus, fn func(T)) (unsubscribe func()) {
	return event.Subscribe(b.dispatcher, fn)
}

// SubscribeSupervisor is Subscribe restricted to the events of one
// supervisor, for buses shared by several supervisors.
func SubscribeSupervisor[T SupervisorEvent](b *Bus, name string, fn func(T)) (unsubscribe func()) {
	return Subscribe(b, func(ev T) {
		if ev.SupervisorName() == name {
			fn(ev)
		}
	})
}

// SubscribeToChannel forwards events of type T to ch. Events are dropped
// when ch is full so a slow reader never blocks the bus.
func SubscribeToChannel[T Event](b *Bus, ch chan<- T) (unsubscribe func()) {
	return Subscribe(b, func(ev T) {
		select {
		case ch <- ev:
		default:
		}
	})
}
