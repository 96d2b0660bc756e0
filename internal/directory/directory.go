// Package directory maintains the local projection of the item
// collection: one live subscription, one wholesale-replaced snapshot,
// and cheap derived views (filter, search, per-owner) computed without
// touching the backend.
package directory

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/erazemk/najdeno/internal/codec"
	"github.com/erazemk/najdeno/internal/metrics"
	"github.com/erazemk/najdeno/internal/model"
	"github.com/erazemk/najdeno/internal/remote"
)

// Filter selects which statuses a directory listing shows. All excludes
// claimed items: those are archival, not part of the active directory.
type Filter string

const (
	FilterAll   Filter = "all"
	FilterLost  Filter = "lost"
	FilterFound Filter = "found"
)

// ParseFilter maps a query value to a Filter. Empty means all.
func ParseFilter(s string) (Filter, error) {
	switch Filter(s) {
	case "", FilterAll:
		return FilterAll, nil
	case FilterLost:
		return FilterLost, nil
	case FilterFound:
		return FilterFound, nil
	}
	return "", fmt.Errorf("unknown filter %q", s)
}

// SubscriptionError reports a transport failure on the live feed. The
// cache keeps serving the last good snapshot while one is pending.
type SubscriptionError struct {
	Err error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("directory subscription: %v", e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }

// Cache mirrors one remote collection. At most one subscription is
// active per cache; Start on a started cache releases the previous one.
type Cache struct {
	client     remote.Client
	collection string

	mu       sync.Mutex
	sub      remote.Subscription
	items    []model.Item
	lastErr  error
	filter   Filter
	watchers []chan struct{}
}

// New creates a cache over the given collection. The cache is idle until
// Start is called.
func New(client remote.Client, collection string) *Cache {
	return &Cache{client: client, collection: collection, filter: FilterAll}
}

// Start establishes the live subscription. The current collection
// snapshot is applied as the first delivery. Calling Start again
// restarts the feed, implicitly releasing the previous subscription.
func (c *Cache) Start() error {
	c.mu.Lock()
	if c.sub != nil {
		c.sub.Cancel()
		c.sub = nil
	}
	c.mu.Unlock()

	sub, err := c.client.Subscribe(c.collection, c.apply)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", c.collection, err)
	}

	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()
	return nil
}

// Stop releases the active subscription. Safe to call when none is
// active.
func (c *Cache) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub != nil {
		c.sub.Cancel()
		c.sub = nil
	}
}

// apply is the subscription callback: it decodes a whole-collection
// snapshot and replaces the held item list in one step, so readers never
// observe a partially updated directory. Records that fail to decode are
// skipped, never fatal.
func (c *Cache) apply(snap remote.Snapshot, err error) {
	if err != nil {
		metrics.SubscriptionErrors.Inc()
		slog.Warn("directory feed error, keeping last snapshot", "collection", c.collection, "error", err)

		c.mu.Lock()
		c.lastErr = &SubscriptionError{Err: err}
		c.mu.Unlock()
		c.notify()
		return
	}

	items := make([]model.Item, 0, len(snap.Records))
	for _, rec := range snap.Records {
		item, err := codec.Decode(rec.Attrs)
		if err != nil {
			metrics.RecordsSkipped.Inc()
			slog.Warn("skipping undecodable record", "key", rec.Key, "error", err)
			continue
		}
		item.ID = rec.Key
		items = append(items, item)
	}

	metrics.SnapshotsApplied.Inc()

	c.mu.Lock()
	c.items = items
	c.lastErr = nil
	c.mu.Unlock()
	c.notify()
}

// Snapshot returns a copy of the current item list in insertion order.
func (c *Cache) Snapshot() []model.Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.Item, len(c.items))
	copy(out, c.items)
	return out
}

// LastError returns the pending SubscriptionError, or nil when the feed
// is healthy. A good snapshot clears it.
func (c *Cache) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// SetFilter sets the active filter used when a search query is empty.
func (c *Cache) SetFilter(f Filter) {
	c.mu.Lock()
	c.filter = f
	c.mu.Unlock()
}

// ActiveFilter returns the currently active filter.
func (c *Cache) ActiveFilter() Filter {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filter
}

// Items returns the current snapshot narrowed by the active filter.
func (c *Cache) Items() []model.Item {
	return ApplyFilter(c.Snapshot(), c.ActiveFilter())
}

// Search returns items matching query under the active filter.
func (c *Cache) Search(query string) []model.Item {
	return Search(c.Snapshot(), c.ActiveFilter(), query)
}

// Get returns the item with the given id from the current snapshot.
func (c *Cache) Get(id string) (model.Item, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, item := range c.items {
		if item.ID == id {
			return item, true
		}
	}
	return model.Item{}, false
}

// Watch returns a channel that receives a signal after every applied
// snapshot or feed error. Signals are dropped for slow consumers; they
// re-read the accessors instead.
func (c *Cache) Watch() <-chan struct{} {
	ch := make(chan struct{}, 1)
	c.mu.Lock()
	c.watchers = append(c.watchers, ch)
	c.mu.Unlock()
	return ch
}

func (c *Cache) notify() {
	c.mu.Lock()
	watchers := c.watchers
	c.mu.Unlock()

	for _, ch := range watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// ApplyFilter narrows a snapshot to the statuses the filter admits,
// preserving order. FilterAll drops claimed items.
func ApplyFilter(items []model.Item, f Filter) []model.Item {
	out := make([]model.Item, 0, len(items))
	for _, item := range items {
		switch f {
		case FilterLost:
			if item.Status != model.StatusLost {
				continue
			}
		case FilterFound:
			if item.Status != model.StatusFound {
				continue
			}
		default:
			if item.Status == model.StatusClaimed {
				continue
			}
		}
		out = append(out, item)
	}
	return out
}

// Search performs a case-insensitive substring match over title,
// description and location, composed with the filter. An empty query is
// exactly ApplyFilter(items, f): search refines the filtered view, it
// never replaces it.
func Search(items []model.Item, f Filter, query string) []model.Item {
	filtered := ApplyFilter(items, f)
	if query == "" {
		return filtered
	}

	q := strings.ToLower(query)
	out := make([]model.Item, 0, len(filtered))
	for _, item := range filtered {
		if containsFold(item.Title, q) || containsFold(item.Description, q) || containsFold(item.Location, q) {
			out = append(out, item)
		}
	}
	return out
}

// ArchivedView returns the owner's claimed items, in snapshot order.
func ArchivedView(items []model.Item, ownerID string) []model.Item {
	out := make([]model.Item, 0)
	for _, item := range items {
		if item.OwnerID == ownerID && item.Status == model.StatusClaimed {
			out = append(out, item)
		}
	}
	return out
}

// OwnedActiveView returns the owner's not-yet-claimed items, in snapshot
// order.
func OwnedActiveView(items []model.Item, ownerID string) []model.Item {
	out := make([]model.Item, 0)
	for _, item := range items {
		if item.OwnerID == ownerID && item.Status != model.StatusClaimed {
			out = append(out, item)
		}
	}
	return out
}

// containsFold matches a lowercased needle against a field of any case.
// An absent field never matches.
func containsFold(field, lowered string) bool {
	if field == "" {
		return false
	}
	return strings.Contains(strings.ToLower(field), lowered)
}
