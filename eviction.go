package tierstore

import (
	"context"
	"errors"
	"time"

	"github.com/hupe1980/tierstore/kv"
	"github.com/hupe1980/tierstore/slab"
)

// evictionLoop is the background task of two-tier configurations. It
// waits for SetAllocLen to derive the tier-0 capacity, then periodically
// migrates the coldest keys down to tier 1 whenever the resident count
// exceeds it.
func (m *Manager[K]) evictionLoop(ctx context.Context) {
	defer close(m.evictDone)

	select {
	case <-ctx.Done():
		return
	case <-m.capReady:
	}

	ticker := time.NewTicker(m.opts.EvictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.evictBatch(ctx)
		}
	}
}

// evictBatch migrates up to one batch of cold keys from tier 0 to tier 1.
//
// Order matters: the slab is committed to tier 1 before the tier-0 entry
// is removed, so a concurrent reader always finds the key in some tier.
// Readers that grabbed the tier-0 reference just before removal may race
// the release of a disk-consumed copy; serving paths that cannot tolerate
// that hold keys hot via the cache instead.
func (m *Manager[K]) evictBatch(ctx context.Context) {
	start := time.Now()

	resident := m.tiers[0].store.Size()
	capacity := m.capacity.Load()
	m.metrics.OnCacheDepth(resident, capacity)

	over := int(resident - capacity)
	if over <= 0 {
		return
	}
	if over > m.opts.EvictionBatchSize {
		over = m.opts.EvictionBatchSize
	}

	var (
		moved    int
		firstErr error
	)
	recordBytes := int(m.totalDims.Load() * slab.ScalarSize)

	for _, key := range m.cache.EvictCandidates(over) {
		if err := m.rc.AcquireIO(ctx, recordBytes); err != nil {
			// Shutdown cancels the context; stop mid-batch.
			if errors.Is(err, context.Canceled) {
				break
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		s, err := m.tiers[0].store.Lookup(key)
		if err != nil {
			// Removed since it went cold; nothing to migrate.
			if errors.Is(err, kv.ErrNotFound) {
				continue
			}
			// Still resident; keep it tracked so a later cycle retries.
			m.cache.Touch(key)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		target := s
		if m.tiers[1].retains {
			// The spill tier keeps references, so the payload must move
			// into its allocator (e.g. the persistent-memory pool).
			c, cerr := cloneSlab(m.tiers[1].alloc, s)
			if cerr != nil {
				m.cache.Touch(key)
				if firstErr == nil {
					firstErr = cerr
				}
				continue
			}
			target = c
		}

		if err := m.tiers[1].store.Commit(key, target); err != nil {
			// The key stays resident and hot so a later cycle retries.
			if target != s {
				target.Destroy()
			}
			m.cache.Touch(key)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := m.tiers[0].store.Remove(key); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		// Tier 0 dropped its reference and tier 1 holds its own copy
		// (clone or record), so the source slab goes away.
		s.Destroy()
		moved++
	}

	m.metrics.OnEviction(time.Since(start), moved, firstErr)
	m.logger.LogEviction(ctx, moved, m.tiers[0].store.Size(), capacity, firstErr)
}

// cloneSlab copies a slab, payload and metadata, into a.
func cloneSlab(a slab.Allocator, src *slab.Slab) (*slab.Slab, error) {
	c, err := slab.New(a, src.Len())
	if err != nil {
		return nil, err
	}
	copy(c.Data(), src.Data())
	c.SetStep(src.Step())
	c.AddFreq(src.Freq())
	c.SetSlotMask(src.SlotMask())
	return c, nil
}
