package admem

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hupe1980/admem/catalog"
	"github.com/hupe1980/admem/internal/format"
)

// Manager creates and opens blobs and keeps track of open handles.
type Manager struct {
	opts options

	mu   sync.Mutex
	open map[string]*Blob
}

// NewManager validates the options and returns a manager.
func NewManager(optFns ...Option) (*Manager, error) {
	o := applyOptions(optFns)
	if err := format.ValidateArenaSize(o.arenaSize); err != nil {
		return nil, translateError(err)
	}
	if err := format.ValidateClasses(o.classes, o.arenaSize); err != nil {
		return nil, translateError(err)
	}
	return &Manager{
		opts: o,
		open: make(map[string]*Blob),
	}, nil
}

// PrepareCreate lays out a new blob of size bytes and registers it as pending.
// The returned handle needs a store (Bind) and FinishCreate before use.
func (m *Manager) PrepareCreate(ctx context.Context, name string, size uint64) (*Blob, error) {
	if name == "" {
		return nil, misuse("empty blob name")
	}
	if _, err := m.opts.catalog.Get(ctx, name); err == nil {
		return nil, translateError(catalog.ErrExists)
	} else if !errors.Is(err, catalog.ErrNotFound) {
		return nil, err
	}

	hdr, err := format.NewHeader(size, m.opts.arenaSize, m.opts.classes)
	if err != nil {
		return nil, translateError(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.open[name]; ok {
		return nil, translateError(catalog.ErrExists)
	}
	entry := catalog.Entry{
		Name:      name,
		Size:      size,
		ArenaSize: hdr.ArenaSize,
		State:     catalog.StatePending,
		Created:   time.Now().UTC(),
	}
	if err := m.opts.catalog.Create(ctx, entry); err != nil {
		return nil, translateError(err)
	}

	b := newBlob(m, entry, true)
	b.hdr = hdr
	m.open[name] = b
	return b, nil
}

// PrepareOpen returns an unbound handle for an existing blob. A name the
// catalog does not know is resolved from the store header in FinishOpen and
// registered once the open succeeds, so a blob outlives the catalog of the
// process that created it. Pending names yield ErrNotFound.
func (m *Manager) PrepareOpen(ctx context.Context, name string) (*Blob, error) {
	if name == "" {
		return nil, misuse("empty blob name")
	}
	entry, err := m.opts.catalog.Get(ctx, name)
	unlisted := errors.Is(err, catalog.ErrNotFound)
	switch {
	case unlisted:
		entry = catalog.Entry{Name: name}
	case err != nil:
		return nil, translateError(err)
	case entry.State != catalog.StateReady:
		return nil, translateError(catalog.ErrNotFound)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.open[name]; ok {
		return nil, misuse("blob %q is already open", name)
	}
	b := newBlob(m, entry, false)
	b.unlisted = unlisted
	m.open[name] = b
	return b, nil
}

// Remove deletes the catalog entry of a blob that is not open. The store
// contents are left alone.
func (m *Manager) Remove(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.open[name]; ok {
		return misuse("blob %q is open", name)
	}
	return translateError(m.opts.catalog.Delete(ctx, name))
}

// List returns the catalog entries ordered by name.
func (m *Manager) List(ctx context.Context) ([]catalog.Entry, error) {
	return m.opts.catalog.List(ctx)
}

func (m *Manager) release(b *Blob) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.open[b.name] == b {
		delete(m.open, b.name)
	}
}
