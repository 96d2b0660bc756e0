package remote

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// SQLiteStore is a persistent Client over a records table. Records keep
// insertion order via a monotonic position column. Mutations are
// serialized per store so snapshot deliveries reflect arrival order.
type SQLiteStore struct {
	db  *sql.DB
	hub *hub

	// writeMu serializes mutation+publish so subscribers observe
	// snapshots in the same order the writes were applied.
	writeMu sync.Mutex
}

// NewSQLiteStore wraps an open database. The records table must already
// exist (db.EnsureSchema).
func NewSQLiteStore(database *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: database, hub: newHub()}
}

// Subscribe registers fn and immediately delivers the current snapshot.
// The write mutex covers registration plus the initial read, so a
// concurrent write cannot publish a newer snapshot ahead of it.
func (s *SQLiteStore) Subscribe(collection string, fn SnapshotFunc) (Subscription, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	sub := s.hub.subscribe(collection, fn)
	snap, err := s.ReadOnce(context.Background(), collection)
	if err != nil {
		sub.Cancel()
		return nil, err
	}
	sub.enqueue(delivery{snap: snap})
	return sub, nil
}

// ReadOnce materializes the current collection snapshot.
func (s *SQLiteStore) ReadOnce(ctx context.Context, collection string) (Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, attrs FROM records WHERE collection = ? ORDER BY position`,
		collection,
	)
	if err != nil {
		return Snapshot{}, fmt.Errorf("reading records: %w", err)
	}
	defer rows.Close()

	var snap Snapshot
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return Snapshot{}, fmt.Errorf("scanning record: %w", err)
		}
		var attrs map[string]any
		if err := json.Unmarshal([]byte(raw), &attrs); err != nil {
			return Snapshot{}, fmt.Errorf("unmarshaling record %s: %w", key, err)
		}
		snap.Records = append(snap.Records, Record{Key: key, Attrs: attrs})
	}
	return snap, rows.Err()
}

// Create stores a new record under a fresh opaque key.
func (s *SQLiteStore) Create(ctx context.Context, collection string, attrs map[string]any) (string, error) {
	raw, err := json.Marshal(attrs)
	if err != nil {
		return "", fmt.Errorf("marshaling record: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	key := uuid.NewString()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO records (collection, key, attrs) VALUES (?, ?, ?)`,
		collection, key, string(raw),
	)
	if err != nil {
		return "", fmt.Errorf("creating record: %w", err)
	}

	s.publishLocked(ctx, collection)
	return key, nil
}

// Put replaces a record's attributes, keeping its position.
func (s *SQLiteStore) Put(ctx context.Context, collection, key string, attrs map[string]any) error {
	raw, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("marshaling record: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	result, err := s.db.ExecContext(ctx,
		`UPDATE records SET attrs = ? WHERE collection = ? AND key = ?`,
		string(raw), collection, key,
	)
	if err != nil {
		return fmt.Errorf("updating record: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	s.publishLocked(ctx, collection)
	return nil
}

// Patch merges fields into an existing record.
func (s *SQLiteStore) Patch(ctx context.Context, collection, key string, fields map[string]any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT attrs FROM records WHERE collection = ? AND key = ?`,
		collection, key,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("reading record: %w", err)
	}

	var attrs map[string]any
	if err := json.Unmarshal([]byte(raw), &attrs); err != nil {
		return fmt.Errorf("unmarshaling record %s: %w", key, err)
	}
	for k, v := range fields {
		attrs[k] = v
	}
	merged, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("marshaling record: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE records SET attrs = ? WHERE collection = ? AND key = ?`,
		string(merged), collection, key,
	)
	if err != nil {
		return fmt.Errorf("patching record: %w", err)
	}

	s.publishLocked(ctx, collection)
	return nil
}

// Delete removes a record.
func (s *SQLiteStore) Delete(ctx context.Context, collection, key string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	result, err := s.db.ExecContext(ctx,
		`DELETE FROM records WHERE collection = ? AND key = ?`,
		collection, key,
	)
	if err != nil {
		return fmt.Errorf("deleting record: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	s.publishLocked(ctx, collection)
	return nil
}

// publishLocked rematerializes the collection and fans it out. Caller
// holds writeMu. A read failure here is delivered as a transport error so
// subscribers keep their last good snapshot.
func (s *SQLiteStore) publishLocked(ctx context.Context, collection string) {
	snap, err := s.ReadOnce(ctx, collection)
	if err != nil {
		s.hub.publish(collection, Snapshot{}, err)
		return
	}
	s.hub.publish(collection, snap, nil)
}

// compile-time interface checks
var (
	_ Client = (*MemoryStore)(nil)
	_ Client = (*SQLiteStore)(nil)
)
