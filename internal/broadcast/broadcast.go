// Package broadcast fans out queue events to observers keyed by a filter.
//
// Observers registered with Subscribe are held weakly: once the owner is
// garbage collected its subscription is dropped on the next Publish that
// would have reached it. Callbacks run synchronously on the publishing
// goroutine, outside of the broadcaster lock, and must not block.
package broadcast

import (
	"slices"
	"sync"
	"weak"
)

// AllKeys subscribes to every event regardless of its key.
const AllKeys = ""

// Handle identifies a subscription for Unsubscribe.
type Handle uint64

type subscription[E any] struct {
	handle  Handle
	key     string
	deliver func(E) bool
}

// Broadcaster delivers events of type E to subscribers.
type Broadcaster[E any] struct {
	mu   sync.Mutex
	next Handle
	subs []*subscription[E]
}

func New[E any]() *Broadcaster[E] {
	return &Broadcaster[E]{}
}

// Subscribe registers fn for events published under key, or all events when
// key is AllKeys. The owner is passed back to fn on every delivery and is not
// kept alive by the subscription, so fn must not capture it.
func Subscribe[O, E any](b *Broadcaster[E], owner *O, key string, fn func(owner *O, event E)) Handle {
	wp := weak.Make(owner)

	return b.add(key, func(e E) bool {
		o := wp.Value()
		if o == nil {
			return false
		}

		fn(o, e)

		return true
	})
}

// SubscribeFunc registers fn with no owner. It stays until Unsubscribe.
func (b *Broadcaster[E]) SubscribeFunc(key string, fn func(event E)) Handle {
	return b.add(key, func(e E) bool {
		fn(e)

		return true
	})
}

func (b *Broadcaster[E]) add(key string, deliver func(E) bool) Handle {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.next++
	b.subs = append(b.subs, &subscription[E]{handle: b.next, key: key, deliver: deliver})

	return b.next
}

// Unsubscribe removes a subscription. Unknown handles are ignored.
func (b *Broadcaster[E]) Unsubscribe(h Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subs = slices.DeleteFunc(b.subs, func(s *subscription[E]) bool {
		return s.handle == h
	})
}

// Publish delivers e to every subscriber of key and to AllKeys subscribers,
// in subscription order.
func (b *Broadcaster[E]) Publish(key string, e E) {
	b.mu.Lock()

	targets := make([]*subscription[E], 0, len(b.subs))
	for _, s := range b.subs {
		if s.key == AllKeys || s.key == key {
			targets = append(targets, s)
		}
	}

	b.mu.Unlock()

	for _, s := range targets {
		if !s.deliver(e) {
			b.Unsubscribe(s.handle)
		}
	}
}

// Len returns the number of registered subscriptions, including ones whose
// owner has died but were not pruned yet.
func (b *Broadcaster[E]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.subs)
}
