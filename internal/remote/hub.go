package remote

import "sync"

// subscriberQueueSize bounds each subscriber's pending deliveries. When a
// slow subscriber falls behind, the oldest pending snapshot is dropped:
// order is preserved and the last delivered snapshot always wins.
const subscriberQueueSize = 16

type delivery struct {
	snap Snapshot
	err  error
}

// hub fans snapshot deliveries out to per-collection subscribers. Each
// subscriber gets its own dispatch goroutine so one slow callback never
// stalls the store or other subscribers, while deliveries to a single
// subscriber stay serialized and ordered.
type hub struct {
	mu   sync.Mutex
	subs map[string]map[*subscriber]struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[string]map[*subscriber]struct{})}
}

type subscriber struct {
	hub        *hub
	collection string
	queue      chan delivery
	done       chan struct{}
	once       sync.Once
}

func (h *hub) subscribe(collection string, fn SnapshotFunc) *subscriber {
	s := &subscriber{
		hub:        h,
		collection: collection,
		queue:      make(chan delivery, subscriberQueueSize),
		done:       make(chan struct{}),
	}

	h.mu.Lock()
	if h.subs[collection] == nil {
		h.subs[collection] = make(map[*subscriber]struct{})
	}
	h.subs[collection][s] = struct{}{}
	h.mu.Unlock()

	go s.run(fn)
	return s
}

func (s *subscriber) run(fn SnapshotFunc) {
	for {
		select {
		case <-s.done:
			return
		case d := <-s.queue:
			fn(d.snap, d.err)
		}
	}
}

// Cancel releases the subscription. Idempotent.
func (s *subscriber) Cancel() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs[s.collection], s)
		s.hub.mu.Unlock()
		close(s.done)
	})
}

// publish enqueues a delivery for every subscriber of the collection.
func (h *hub) publish(collection string, snap Snapshot, err error) {
	h.mu.Lock()
	targets := make([]*subscriber, 0, len(h.subs[collection]))
	for s := range h.subs[collection] {
		targets = append(targets, s)
	}
	h.mu.Unlock()

	for _, s := range targets {
		s.enqueue(delivery{snap: snap, err: err})
	}
}

func (s *subscriber) enqueue(d delivery) {
	for {
		select {
		case s.queue <- d:
			return
		default:
		}
		// Queue full: drop the oldest pending delivery and retry.
		select {
		case <-s.queue:
		default:
		}
	}
}
