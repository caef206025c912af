package admem

import (
	"context"
	"errors"
	"fmt"

	"github.com/hupe1980/admem/internal/format"
	"github.com/hupe1980/admem/store"
)

// replay re-applies WAL batches newer than the header's committed sequence.
// Every mutation is idempotent, so batches whose effects already reached the
// arena headers are harmless. Caller holds b.mu.
func (b *Blob) replay(ctx context.Context) (err error) {
	b.seq = b.hdr.Committed
	r, ok := b.st.(store.Replayer)
	if !ok {
		return nil
	}

	count := 0
	defer func() { b.logger.LogReplay(ctx, b.hdr.Committed, count, err) }()

	err = r.Replay(ctx, b.hdr.Committed, func(batch *store.Batch) error {
		if batch.Seq <= b.seq {
			return fmt.Errorf("%w: batch %d after %d", store.ErrSequence, batch.Seq, b.seq)
		}
		for _, m := range batch.Mutations {
			if err := b.replayMutation(m); err != nil {
				return &CorruptHeaderError{Arena: m.Arena, cause: fmt.Errorf("batch %d: %w", batch.Seq, err)}
			}
		}
		b.seq = batch.Seq
		count++
		return nil
	})
	if err != nil && !errors.Is(err, ErrCorruptHeader) {
		return storeError("replay", err)
	}
	return err
}

func (b *Blob) replayMutation(m store.Mutation) error {
	if m.Arena == 0 || int(m.Arena) >= len(b.arenas) {
		return fmt.Errorf("%w: %s of arena %d", format.ErrLayout, m.Kind, m.Arena)
	}
	a := b.arenas[m.Arena]

	switch m.Kind {
	case store.MutationArenaCreate:
		if int(m.Class) >= len(b.hdr.Classes) {
			return fmt.Errorf("%w: class %d", format.ErrLayout, m.Class)
		}
		if a != nil {
			if a.Class() != uint32(m.Class) {
				return fmt.Errorf("%w: arena %d has class %d, batch says %d", format.ErrLayout, m.Arena, a.Class(), m.Class)
			}
			return nil
		}
		a = b.newArena(m.Arena, uint32(m.Class))
		a.Publish()
		b.hdr.Directory[m.Arena] = m.Class + 1
		b.dirty = true
		return nil
	case store.MutationReserve, store.MutationFree:
		if a == nil {
			return fmt.Errorf("%w: %s in missing arena %d", format.ErrLayout, m.Kind, m.Arena)
		}
		if m.Kind == store.MutationReserve {
			return a.ReplayReserve(m.Addr)
		}
		return a.ReplayFree(m.Addr)
	default:
		return fmt.Errorf("%w: mutation kind %d", format.ErrLayout, m.Kind)
	}
}
