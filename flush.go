package admem

import (
	"context"
	"fmt"
	"time"

	"github.com/hupe1980/admem/internal/arena"
	"github.com/hupe1980/admem/store"
)

// dirtyArenas returns the published arenas with unflushed changes in id
// order. Caller holds b.mu.
func (b *Blob) dirtyArenas() []*arena.Arena {
	var out []*arena.Arena
	for _, a := range b.arenas {
		if a != nil && a.Dirty() {
			out = append(out, a)
		}
	}
	return out
}

// writeArenas persists the headers of the given arenas. Each arena is marked
// flushed only with the generation it was snapshotted at.
func (b *Blob) writeArenas(ctx context.Context, list []*arena.Arena) (int, error) {
	if len(list) == 0 {
		return 0, nil
	}
	start := time.Now()
	n := 0
	var err error
	for _, a := range list {
		buf, gen := a.Snapshot()
		r := store.Region{Addr: uint64(a.ID()) * b.hdr.ArenaSize, Size: uint64(len(buf))}
		if werr := b.st.Write(ctx, r, buf); werr != nil {
			err = storeError(fmt.Sprintf("write arena %d", a.ID()), werr)
			break
		}
		a.MarkFlushed(gen)
		n++
	}
	b.metrics.RecordFlush(n, time.Since(start), err)
	return n, err
}

func (b *Blob) flushArenas(ctx context.Context) (int, error) {
	b.mu.RLock()
	list := b.dirtyArenas()
	b.mu.RUnlock()
	return b.writeArenas(ctx, list)
}

// flush writes dirty arena headers and, if the directory changed, the blob
// header. The committed sequence in the header is left alone. Requires
// commitMu.
func (b *Blob) flush(ctx context.Context) error {
	n, err := b.flushArenas(ctx)
	if err == nil {
		err = b.flushDirectory(ctx)
	}
	b.logger.LogFlush(ctx, n, err)
	return err
}

func (b *Blob) flushDirectory(ctx context.Context) error {
	b.mu.RLock()
	if !b.dirty {
		b.mu.RUnlock()
		return nil
	}
	next := *b.hdr
	next.Directory = append([]uint8(nil), b.hdr.Directory...)
	b.mu.RUnlock()

	if err := b.writeHeader(ctx, &next); err != nil {
		return err
	}
	b.mu.Lock()
	b.dirty = false
	b.mu.Unlock()
	return nil
}
