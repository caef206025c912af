// Package catalog maps blob names to their durable records.
//
// A blob is registered as pending when its creation is prepared and becomes
// ready once its header has been written. Pending blobs cannot be opened.
package catalog

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no entry exists for a name.
	ErrNotFound = errors.New("catalog: entry not found")
	// ErrExists is returned by Create when the name is taken.
	ErrExists = errors.New("catalog: entry already exists")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("catalog: closed")
)

// State is the lifecycle state of a catalog entry.
type State uint8

const (
	// StatePending marks a blob whose creation has not finished.
	StatePending State = iota
	// StateReady marks a blob that can be opened.
	StateReady
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Entry describes one blob.
type Entry struct {
	Name      string    `json:"name"`
	Size      uint64    `json:"size"`
	ArenaSize uint64    `json:"arena_size"`
	State     State     `json:"state"`
	Created   time.Time `json:"created"`
}

// Catalog stores entries by name. Implementations must be safe for
// concurrent use.
type Catalog interface {
	// Create inserts e, failing with ErrExists if the name is taken.
	Create(ctx context.Context, e Entry) error
	// Get returns the entry for name or ErrNotFound.
	Get(ctx context.Context, name string) (Entry, error)
	// Put replaces an existing entry. Missing names yield ErrNotFound.
	Put(ctx context.Context, e Entry) error
	// Delete removes the entry for name or returns ErrNotFound.
	Delete(ctx context.Context, name string) error
	// List returns all entries ordered by name.
	List(ctx context.Context) ([]Entry, error)
}
