// Package remote provides the record store the directory engine syncs
// against: an opaque-keyed collection of attribute bags with live
// whole-collection snapshot subscriptions. Two implementations exist,
// an in-memory store for tests and development and a SQLite-backed one
// for persistent deployments.
package remote

import (
	"context"
	"errors"
)

// ErrNotFound is returned for operations against a record key that does
// not exist in the collection.
var ErrNotFound = errors.New("record not found")

// Record is one stored entry: an opaque key assigned by the store and an
// untyped attribute bag.
type Record struct {
	Key   string
	Attrs map[string]any
}

// Snapshot is one complete replacement delivery of a collection, in
// insertion order. Subscribers never receive deltas.
type Snapshot struct {
	Records []Record
}

// SnapshotFunc receives snapshot deliveries. A non-nil error indicates a
// transport failure on the feed; the snapshot is empty in that case.
// Deliveries to a single subscriber are serialized and arrive in order.
type SnapshotFunc func(Snapshot, error)

// Subscription is a handle on a live feed. Cancel is idempotent and safe
// to call concurrently with deliveries.
type Subscription interface {
	Cancel()
}

// Client is the store surface consumed by the directory cache and the
// mutation coordinator. Writes are synchronous here; bounded-wait
// behavior is layered on by the mutation coordinator.
type Client interface {
	// Subscribe registers fn on a collection's feed. The current snapshot
	// is delivered immediately, then one delivery per subsequent change.
	Subscribe(collection string, fn SnapshotFunc) (Subscription, error)

	// ReadOnce returns the current snapshot without subscribing.
	ReadOnce(ctx context.Context, collection string) (Snapshot, error)

	// Create stores a new record and returns its store-assigned key.
	Create(ctx context.Context, collection string, attrs map[string]any) (string, error)

	// Put replaces a record's attributes wholesale.
	Put(ctx context.Context, collection, key string, attrs map[string]any) error

	// Patch merges the given fields into an existing record, leaving all
	// other attributes untouched.
	Patch(ctx context.Context, collection, key string, fields map[string]any) error

	// Delete removes a record entirely.
	Delete(ctx context.Context, collection, key string) error
}

func cloneAttrs(attrs map[string]any) map[string]any {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}

func cloneSnapshot(records []Record) Snapshot {
	out := make([]Record, len(records))
	for i, r := range records {
		out[i] = Record{Key: r.Key, Attrs: cloneAttrs(r.Attrs)}
	}
	return Snapshot{Records: out}
}
