// Package mutate performs the write side of the directory engine:
// create, update, status transition and delete, each with client-side
// validation, a per-operation single-submission guard, and a safety
// deadline that force-resolves the caller if the backend stays silent.
package mutate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/erazemk/najdeno/internal/codec"
	"github.com/erazemk/najdeno/internal/metrics"
	"github.com/erazemk/najdeno/internal/model"
	"github.com/erazemk/najdeno/internal/remote"
)

// DefaultSafetyTimeout bounds how long a caller waits on a mutation.
// When it fires the operation is optimistically resolved as a success
// and the eventual backend outcome is logged and dropped.
const DefaultSafetyTimeout = 1000 * time.Millisecond

// ErrMutationInFlight is returned when an operation of the same kind is
// already running. The second call is rejected, not queued.
var ErrMutationInFlight = errors.New("mutation already in flight")

// Op identifies a mutation kind. The single-submission guard is held
// per kind, mirroring one form per operation in the UI.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpStatus Op = "status"
	OpDelete Op = "delete"
)

// ValidationError reports a client-side validation failure. It is
// returned synchronously, before any remote call is made.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// MutationError reports a backend-rejected write.
type MutationError struct {
	Op  Op
	Err error
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *MutationError) Unwrap() error { return e.Err }

// Result is the single resolution of a mutation. TimedOut marks an
// optimistic resolution by the safety deadline: the caller sees success
// while the real backend outcome is unknown.
type Result struct {
	Item     model.Item   // populated for create and update
	Status   model.Status // populated for transitions
	TimedOut bool
	Err      error
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithSafetyTimeout overrides the deadline armed around every mutation.
func WithSafetyTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.timeout = d }
}

// Coordinator issues mutations against the record store, one in flight
// per operation kind.
type Coordinator struct {
	client     remote.Client
	collection string
	timeout    time.Duration

	mu       sync.Mutex
	inFlight map[Op]bool
}

// New creates a coordinator for the given collection.
func New(client remote.Client, collection string, opts ...Option) *Coordinator {
	c := &Coordinator{
		client:     client,
		collection: collection,
		timeout:    DefaultSafetyTimeout,
		inFlight:   make(map[Op]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// InFlight reports whether an operation of the given kind is running.
// UI forms bind their submit control to this.
func (c *Coordinator) InFlight(op Op) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight[op]
}

// Create validates and submits a new report. The returned channel
// resolves exactly once: with the stored item, a backend error, or an
// optimistic timeout. photo may be nil.
func (c *Coordinator) Create(ctx context.Context, draft model.Item, photo io.Reader) (<-chan Result, error) {
	if err := validateDraft(draft); err != nil {
		return nil, err
	}
	if !model.ValidInitial(draft.Status) {
		return nil, &ValidationError{Field: "status", Reason: "a report must start as lost or found"}
	}

	if photo != nil {
		encoded, err := codec.EncodePhoto(photo)
		if err != nil {
			return nil, &ValidationError{Field: "photo", Reason: err.Error()}
		}
		draft.Photo = encoded
	}

	now := time.Now().UTC()
	draft.CreatedAt = now
	draft.UpdatedAt = now

	return c.submit(ctx, OpCreate, func(ctx context.Context) Result {
		key, err := c.client.Create(ctx, c.collection, codec.Encode(draft))
		if err != nil {
			return Result{Err: &MutationError{Op: OpCreate, Err: err}}
		}
		draft.ID = key
		return Result{Item: draft}
	})
}

// Update validates and submits a full-record replacement. A non-nil
// photo re-encodes and replaces the stored one; nil leaves it untouched.
func (c *Coordinator) Update(ctx context.Context, item model.Item, photo io.Reader) (<-chan Result, error) {
	if item.ID == "" {
		return nil, &ValidationError{Field: "id", Reason: "item has never been persisted"}
	}
	if err := validateDraft(item); err != nil {
		return nil, err
	}

	if photo != nil {
		encoded, err := codec.EncodePhoto(photo)
		if err != nil {
			return nil, &ValidationError{Field: "photo", Reason: err.Error()}
		}
		item.Photo = encoded
	}

	item.UpdatedAt = time.Now().UTC()

	return c.submit(ctx, OpUpdate, func(ctx context.Context) Result {
		if err := c.client.Put(ctx, c.collection, item.ID, codec.Encode(item)); err != nil {
			return Result{Err: &MutationError{Op: OpUpdate, Err: err}}
		}
		return Result{Item: item}
	})
}

// TransitionStatus advances an item one step along the lifecycle,
// writing only the status field to keep the write conflict surface
// minimal. A terminal current status returns ErrNoValidTransition
// synchronously; the item is untouched.
func (c *Coordinator) TransitionStatus(ctx context.Context, itemID string, current model.Status) (<-chan Result, error) {
	if itemID == "" {
		return nil, &ValidationError{Field: "id", Reason: "item has never been persisted"}
	}
	next, ok := model.Next(current)
	if !ok {
		return nil, model.ErrNoValidTransition
	}

	return c.submit(ctx, OpStatus, func(ctx context.Context) Result {
		err := c.client.Patch(ctx, c.collection, itemID, map[string]any{"status": string(next)})
		if err != nil {
			return Result{Err: &MutationError{Op: OpStatus, Err: err}}
		}
		return Result{Status: next}
	})
}

// Delete removes a report entirely. The directory does not archive
// deleted records.
func (c *Coordinator) Delete(ctx context.Context, itemID string) (<-chan Result, error) {
	if itemID == "" {
		return nil, &ValidationError{Field: "id", Reason: "item has never been persisted"}
	}

	return c.submit(ctx, OpDelete, func(ctx context.Context) Result {
		if err := c.client.Delete(ctx, c.collection, itemID); err != nil {
			return Result{Err: &MutationError{Op: OpDelete, Err: err}}
		}
		return Result{}
	})
}

// submit runs one operation under the in-flight guard with the safety
// deadline armed. The result channel is buffered and resolved exactly
// once, whichever of the real completion and the deadline comes first.
func (c *Coordinator) submit(ctx context.Context, op Op, run func(context.Context) Result) (<-chan Result, error) {
	c.mu.Lock()
	if c.inFlight[op] {
		c.mu.Unlock()
		return nil, ErrMutationInFlight
	}
	c.inFlight[op] = true
	c.mu.Unlock()

	ch := make(chan Result, 1)
	var once sync.Once
	resolve := func(res Result) bool {
		won := false
		once.Do(func() {
			won = true
			c.mu.Lock()
			c.inFlight[op] = false
			c.mu.Unlock()
			ch <- res
		})
		return won
	}

	timer := time.AfterFunc(c.timeout, func() {
		if resolve(Result{TimedOut: true}) {
			metrics.SafetyTimeouts.WithLabelValues(string(op)).Inc()
			slog.Warn("safety deadline fired, resolving optimistically",
				"op", op, "timeout", c.timeout)
		}
	})

	// The mutation itself is not cancellable; the deadline bounds the
	// caller's wait, not the request.
	go func() {
		res := run(context.WithoutCancel(ctx))

		outcome := "ok"
		if res.Err != nil {
			outcome = "error"
		}

		if resolve(res) {
			timer.Stop()
			metrics.Mutations.WithLabelValues(string(op), outcome).Inc()
			return
		}

		// The deadline already resolved the caller. Log the discrepancy
		// and drop the real outcome: no retry, no rollback.
		metrics.Mutations.WithLabelValues(string(op), "late").Inc()
		slog.Warn("backend completed after safety deadline, outcome dropped",
			"op", op, "outcome", outcome, "error", res.Err)
	}()

	return ch, nil
}

// validateDraft checks the required report fields. Errors are reported
// to the caller before any remote call is made.
func validateDraft(item model.Item) error {
	switch {
	case item.OwnerID == "":
		return &ValidationError{Field: "owner_id", Reason: "required"}
	case item.Title == "":
		return &ValidationError{Field: "title", Reason: "required"}
	case item.Description == "":
		return &ValidationError{Field: "description", Reason: "required"}
	case item.ContactName == "":
		return &ValidationError{Field: "contact_name", Reason: "required"}
	case item.ContactPhone == "":
		return &ValidationError{Field: "contact_phone", Reason: "required"}
	}
	return nil
}
