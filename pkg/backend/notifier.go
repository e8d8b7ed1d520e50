package backend

import "sync"

// subscriberBuffer is how many notifications a subscriber may fall behind
// before Publish waits for it.
const subscriberBuffer = 16

// Notifier fans transport notifications out to every subscriber. Drivers
// embed it to implement Database.Subscribe; the zero value is ready to use.
//
// A link shared through the connection cache is read by several engines, and
// each of them must see every notification, so a single channel will not do.
type Notifier struct {
	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	closed bool
}

type subscriber struct {
	ch   chan Notification
	done chan struct{}
	once sync.Once
}

// Subscribe returns a channel receiving every notification published from
// now on, and a function that ends the subscription. The channel is closed
// when the Notifier is closed; after that Subscribe returns a closed channel.
func (n *Notifier) Subscribe() (<-chan Notification, func()) {
	sub := &subscriber{
		ch:   make(chan Notification, subscriberBuffer),
		done: make(chan struct{}),
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}
	if n.subs == nil {
		n.subs = map[*subscriber]struct{}{}
	}
	n.subs[sub] = struct{}{}

	cancel := func() {
		// done goes first so a Publish blocked on this subscriber lets go
		// of the read lock.
		sub.once.Do(func() { close(sub.done) })
		n.mu.Lock()
		delete(n.subs, sub)
		n.mu.Unlock()
	}
	return sub.ch, cancel
}

// Publish delivers note to every current subscriber. It waits for
// subscribers whose buffer is full unless they unsubscribe. Notifications
// published after Close are dropped.
func (n *Notifier) Publish(note Notification) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.closed {
		return
	}
	for sub := range n.subs {
		select {
		case sub.ch <- note:
		case <-sub.done:
		}
	}
}

// Close closes every subscriber channel. Later calls do nothing.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return
	}
	n.closed = true
	for sub := range n.subs {
		close(sub.ch)
	}
	n.subs = nil
}

// Subscribers returns the number of live subscriptions.
func (n *Notifier) Subscribers() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subs)
}
