// Package store defines the replicated keyspace conversations run over.
// Records are eventually consistent and conflicts resolve last-writer-wins,
// so nothing above this interface may assume ordering, uniqueness or
// immediate visibility of writes.
package store

import (
	"context"
	"errors"
)

// ErrWriteFailed reports a put the backing store acknowledged as failed.
// Writes propagate before acknowledgement, so a failed put may still have
// been observed by other replicas.
var ErrWriteFailed = errors.New("store: write failed")

// Update is one record delivered on a subscription. A nil Value is the
// tombstone left by a nulled record.
type Update struct {
	Path  string
	ID    string
	Value []byte
}

// Subscription streams the records written under a single path. Existing
// records are replayed first, in no particular order, then live writes
// follow as they arrive. Replay and redelivery can repeat records, so
// consumers deduplicate.
type Subscription interface {
	Updates() <-chan Update
	Close()
}

type Store interface {
	// Put writes value under path/id. A nil value nulls the record.
	Put(ctx context.Context, path, id string, value []byte) error
	// Get reads the record at path/id. Absent and nulled records both
	// return nil.
	Get(ctx context.Context, path, id string) ([]byte, error)
	// Map snapshots the live records under path, keyed by id.
	Map(ctx context.Context, path string) (map[string][]byte, error)
	Subscribe(path string) (Subscription, error)
}
