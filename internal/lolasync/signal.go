package lolasync

import "sync"

// Broadcaster fans sync signals out to attached clients. The lifecycle
// manager publishes a claim on activation and the connectivity watcher
// publishes the configured sync tag; the reconciler subscribes.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[int]chan SyncMessage
	nextID int
	closed bool
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: map[int]chan SyncMessage{}}
}

// Subscribe registers a listener. The returned cancel func must be called
// when the listener goes away.
func (b *Broadcaster) Subscribe() (<-chan SyncMessage, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan SyncMessage, 8)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// Publish delivers msg to every subscriber. A subscriber with a full
// buffer misses the message; a sync signal is a retry hint, not a record.
func (b *Broadcaster) Publish(msg SyncMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
