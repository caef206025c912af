package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"
	"github.com/hupe1980/admem/codec"
	"github.com/hupe1980/admem/internal/badgerutil"
)

const keyPrefix = "blob/"

// BadgerOptions configures a Badger catalog.
type BadgerOptions struct {
	// Codec encodes new entries. Existing entries are decoded with the codec
	// they were written with.
	Codec codec.Codec
	// Logger receives Badger's internal log output.
	Logger *slog.Logger
}

// Badger is a catalog persisted in a Badger database.
type Badger struct {
	db    *badger.DB
	owned bool
	codec codec.Codec
}

var _ Catalog = (*Badger)(nil)

// OpenBadger opens (or creates) a Badger catalog at path. An empty path
// keeps the catalog in memory.
func OpenBadger(path string, optFns ...func(o *BadgerOptions)) (*Badger, error) {
	opts := BadgerOptions{Codec: codec.Default}
	for _, fn := range optFns {
		fn(&opts)
	}
	db, err := badgerutil.Open(path, opts.Logger)
	if err != nil {
		return nil, err
	}
	b := NewBadger(db, func(o *BadgerOptions) { *o = opts })
	b.owned = true
	return b, nil
}

// NewBadger wraps an existing database. The caller keeps ownership of db.
func NewBadger(db *badger.DB, optFns ...func(o *BadgerOptions)) *Badger {
	opts := BadgerOptions{Codec: codec.Default}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Codec == nil {
		opts.Codec = codec.Default
	}
	return &Badger{db: db, codec: opts.Codec}
}

// Close closes the database if it was opened by OpenBadger.
func (b *Badger) Close() error {
	if !b.owned {
		return nil
	}
	return b.db.Close()
}

func entryKey(name string) []byte {
	return []byte(keyPrefix + name)
}

func (b *Badger) encode(e Entry) ([]byte, error) {
	return codec.Seal(b.codec, e)
}

func decodeItem(item *badger.Item) (Entry, error) {
	var e Entry
	err := item.Value(func(val []byte) error {
		return codec.Open(val, &e)
	})
	if err != nil {
		return Entry{}, fmt.Errorf("decode %s: %w", item.Key(), err)
	}
	return e, nil
}

// Create implements Catalog.
func (b *Badger) Create(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	val, err := b.encode(e)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(entryKey(e.Name))
		switch {
		case err == nil:
			return ErrExists
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		return txn.Set(entryKey(e.Name), val)
	})
}

// Get implements Catalog.
func (b *Badger) Get(ctx context.Context, name string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	var e Entry
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(entryKey(name))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		e, err = decodeItem(item)
		return err
	})
	return e, err
}

// Put implements Catalog.
func (b *Badger) Put(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	val, err := b.encode(e)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(entryKey(e.Name)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return txn.Set(entryKey(e.Name), val)
	})
}

// Delete implements Catalog.
func (b *Badger) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(entryKey(name)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return txn.Delete(entryKey(name))
	})
}

// List implements Catalog.
func (b *Badger) List(ctx context.Context) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Entry
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(keyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			e, err := decodeItem(it.Item())
			if err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}
