package docstore

import (
	"sync"
)

// =============================================================================
// SUBSCRIPTION - Cancellable stream of committed snapshots
// =============================================================================

// Snapshot is one committed view of a subscribed document set.
type Snapshot struct {
	Docs []Document
}

// Subscription delivers snapshots on C until Cancel is called or the store
// closes. Delivery is latest-wins: a slow consumer sees the newest committed
// state, not every intermediate one.
type Subscription struct {
	C <-chan Snapshot

	cancelOnce sync.Once
	cancel     func()
}

// Cancel detaches the subscription and closes C. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.cancelOnce.Do(s.cancel)
}

// =============================================================================
// HUB - Commit notification fan-out shared by store implementations
// =============================================================================

// Hub tracks live subscriptions per collection and pushes fresh snapshots
// after commits. Implementations call Publish with the post-commit document
// set for each touched collection; the hub filters per subscriber.
type Hub struct {
	mu     sync.Mutex
	closed bool
	subs   map[string]map[*hubSub]struct{} // collection -> subscribers
}

type hubSub struct {
	filters []Filter
	ch      chan Snapshot
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*hubSub]struct{})}
}

// Attach registers a subscriber and delivers initial as its first snapshot.
func (h *Hub) Attach(collection string, filters []Filter, initial []Document) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrSubscriptionClosed
	}

	sub := &hubSub{filters: filters, ch: make(chan Snapshot, 1)}
	if h.subs[collection] == nil {
		h.subs[collection] = make(map[*hubSub]struct{})
	}
	h.subs[collection][sub] = struct{}{}
	sub.push(filterDocs(initial, filters))

	return &Subscription{
		C: sub.ch,
		cancel: func() {
			h.detach(collection, sub)
		},
	}, nil
}

// Publish fans the post-commit state of one collection out to its
// subscribers.
func (h *Hub) Publish(collection string, docs []Document) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for sub := range h.subs[collection] {
		sub.push(filterDocs(docs, sub.filters))
	}
}

// Close cancels every subscription and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, subs := range h.subs {
		for sub := range subs {
			close(sub.ch)
		}
	}
	h.subs = make(map[string]map[*hubSub]struct{})
}

func (h *Hub) detach(collection string, sub *hubSub) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if _, ok := h.subs[collection][sub]; !ok {
		return
	}
	delete(h.subs[collection], sub)
	close(sub.ch)
}

// push replaces any undelivered snapshot with the newer one.
func (s *hubSub) push(snap Snapshot) {
	select {
	case <-s.ch:
	default:
	}
	s.ch <- snap
}

func filterDocs(docs []Document, filters []Filter) Snapshot {
	out := make([]Document, 0, len(docs))
	for _, d := range docs {
		if Match(d.Fields, filters) {
			out = append(out, Document{ID: d.ID, Fields: Clone(d.Fields)})
		}
	}
	return Snapshot{Docs: out}
}
