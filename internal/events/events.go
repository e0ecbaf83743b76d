// Package events fans out versioned-hash revision changes to subscribers.
//
// It sits at the interface boundary the state machine hands revisions to
// (spec §4.D "the tracker is handed to the pub/sub fan-out at commit
// time") — the broadcast surface itself is external to the core, but the
// state machine needs something concrete to call during tests.
package events

import (
	"sync"
)

// FieldChange is one field mutation within a single VHSET/VHDEL commit.
type FieldChange struct {
	Field     string
	Value     []byte // nil means the field was deleted (tombstone)
	Tombstone bool
}

// Revision is the set of field changes produced by one versioned-hash
// mutation, tagged with the key and the version it produced.
type Revision struct {
	Key     string
	Version uint64
	Changes []FieldChange
}

// Subscriber is a channel that receives revisions for keys it is
// subscribed to.
type Subscriber chan *Revision

// Broker distributes committed revisions to subscribers. Delivery is
// best-effort: a slow subscriber drops events rather than stall the
// commit path.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]map[string]bool // sub -> set of keys, nil set = all keys
	revCh       chan *Revision
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates a broker with the given internal queue depth.
func NewBroker(queueDepth int) *Broker {
	if queueDepth <= 0 {
		queueDepth = 256
	}
	return &Broker{
		subscribers: make(map[Subscriber]map[string]bool),
		revCh:       make(chan *Revision, queueDepth),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop halts the broker and closes all subscriber channels.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
		b.mu.Lock()
		defer b.mu.Unlock()
		for sub := range b.subscribers {
			delete(b.subscribers, sub)
			close(sub)
		}
	})
}

// Subscribe registers a new subscriber. If keys is empty the subscriber
// receives revisions for every key.
func (b *Broker) Subscribe(keys ...string) Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 64)
	var filter map[string]bool
	if len(keys) > 0 {
		filter = make(map[string]bool, len(keys))
		for _, k := range keys {
			filter[k] = true
		}
	}
	b.subscribers[sub] = filter
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish is the Publisher implementation the state machine calls at
// commit time for versioned-hash mutations.
func (b *Broker) Publish(rev *Revision) {
	select {
	case b.revCh <- rev:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case rev := <-b.revCh:
			b.broadcast(rev)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(rev *Revision) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub, filter := range b.subscribers {
		if filter != nil && !filter[rev.Key] {
			continue
		}
		select {
		case sub <- rev:
		default:
		}
	}
}

// SubscriberCount reports the number of active subscriptions.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
