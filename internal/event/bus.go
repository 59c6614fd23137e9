package event

// Subscription is one downstream consumer's attachment to a Bus. Events
// arrive on C in broadcast order. The bus owns and eventually closes C;
// consumers must never close it themselves.
type Subscription[T any] struct {
	C    chan T
	dead bool
}

// Bus broadcasts values to an ordered list of subscriber channels.
// It is confined to the main loop goroutine; other goroutines reach it
// through the loop's command funnel.
type Bus[T any] struct {
	subscribers []*Subscription[T]
}

// NewBus creates an empty bus.
func NewBus[T any]() *Bus[T] {
	return &Bus[T]{}
}

// Subscribe appends a new subscriber with the given channel buffer size
// and returns its subscription. Existing subscribers are unaffected.
func (b *Bus[T]) Subscribe(buffer int) *Subscription[T] {
	sub := &Subscription[T]{C: make(chan T, buffer)}
	b.subscribers = append(b.subscribers, sub)
	return sub
}

// Unsubscribe marks the subscription dead so the next broadcast prunes it.
// Safe to call for a subscription that was already pruned.
func (b *Bus[T]) Unsubscribe(sub *Subscription[T]) {
	sub.dead = true
}

// Broadcast delivers value to every live subscriber. A subscriber whose
// channel cannot accept the value (consumer gone or wedged) is considered
// dead; at most one dead subscriber is pruned per call, by swap-remove.
// Pruning closes the subscriber's channel.
func (b *Bus[T]) Broadcast(value T) {
	toRemove := -1

	for i, sub := range b.subscribers {
		if sub.dead {
			toRemove = i
			continue
		}

		select {
		case sub.C <- value:
		default:
			sub.dead = true
			toRemove = i
		}
	}

	if toRemove >= 0 {
		sub := b.subscribers[toRemove]
		last := len(b.subscribers) - 1
		b.subscribers[toRemove] = b.subscribers[last]
		b.subscribers = b.subscribers[:last]
		close(sub.C)
	}
}

// Len returns the number of attached subscribers, including any marked
// dead but not yet pruned.
func (b *Bus[T]) Len() int {
	return len(b.subscribers)
}
