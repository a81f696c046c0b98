package tierstore

import (
	"context"
	"time"

	"github.com/hupe1980/tierstore/slab"
)

// TableConfig carries the per-table checkpoint and shrink policy knobs.
type TableConfig struct {
	// SlotIndex is the logical column holding the embedding vector.
	SlotIndex int

	// PrimarySlotIndex is the column whose initialization marks a key as
	// fully populated. Keys whose primary slot was never written are
	// skipped by filtered snapshots.
	PrimarySlotIndex int

	// FilterFreq, when non-zero, requests frequency collection so the
	// restore side can filter rarely touched keys.
	FilterFreq int64

	// StepsToLive, when non-zero, requests update-step collection and
	// enables staleness shrink.
	StepsToLive int64

	// L2WeightThreshold is the half squared L2 norm below which magnitude
	// shrink drops a key.
	L2WeightThreshold float32

	// MultiLevel marks tables running a two-tier layout; frequency is
	// collected for them regardless of FilterFreq.
	MultiLevel bool
}

// FreqGetter resolves the access frequency of a key when an external
// admission counter exists. When nil, the slab's own counter is used.
type FreqGetter[K any] interface {
	Freq(key K, s *slab.Slab) int64
}

// CheckpointSnapshot is the filtered table state handed to checkpoint
// writers. Values slices alias the slabs enumerated by the snapshot; the
// caller releases disk-materialized slabs with FreeValuePtr when done.
type CheckpointSnapshot[K any] struct {
	Keys     []K
	Values   [][]float32
	Slabs    []*slab.Slab
	Versions []int64
	Freqs    []int64
}

// GetSnapshot enumerates every key and slab across all tiers. Slabs from
// a disk tier are fresh materializations released with FreeValuePtr.
func (m *Manager[K]) GetSnapshot() ([]K, []*slab.Slab, error) {
	if err := m.ready(); err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		keys  []K
		slabs []*slab.Slab
	)
	for _, t := range m.tiers {
		tk, ts, err := t.store.Snapshot()
		if err != nil {
			return nil, nil, err
		}
		keys = append(keys, tk...)
		slabs = append(slabs, ts...)
	}
	return keys, slabs, nil
}

// GetSnapshotFiltered enumerates all tiers and keeps only keys whose
// value and primary slots are both initialized. Versions are collected
// when the table expires by steps, frequencies when the table filters by
// frequency or runs multi-tier. freq may be nil.
func (m *Manager[K]) GetSnapshotFiltered(cfg TableConfig, freq FreqGetter[K]) (*CheckpointSnapshot[K], error) {
	if err := m.ready(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	valueLen := m.allocLen.Load()
	valueOff := m.GetOffset(cfg.SlotIndex)
	primaryOff := m.GetOffset(cfg.PrimarySlotIndex)

	collectVersion := cfg.StepsToLive != 0
	collectFreq := cfg.FilterFreq != 0 || cfg.MultiLevel

	snap := &CheckpointSnapshot[K]{}
	for _, t := range m.tiers {
		tk, ts, err := t.store.Snapshot()
		if err != nil {
			return nil, err
		}

		for i, s := range ts {
			val := s.Slot(cfg.SlotIndex, valueOff)
			prim := s.Slot(cfg.PrimarySlotIndex, primaryOff)
			if val == nil || prim == nil {
				// Never populated; not checkpoint material.
				t.store.FreeSlab(s)
				continue
			}

			snap.Keys = append(snap.Keys, tk[i])
			snap.Values = append(snap.Values, val[:valueLen])
			snap.Slabs = append(snap.Slabs, s)

			if collectVersion {
				snap.Versions = append(snap.Versions, s.Step())
			}
			if collectFreq {
				f := s.Freq()
				if freq != nil {
					f = freq.Freq(tk[i], s)
				}
				snap.Freqs = append(snap.Freqs, f)
			}
		}
	}
	return snap, nil
}

// ReleaseSnapshot releases the slabs of a filtered snapshot according to
// the tier ownership rules.
func (m *Manager[K]) ReleaseSnapshot(snap *CheckpointSnapshot[K]) {
	if snap == nil {
		return
	}
	for _, s := range snap.Slabs {
		m.FreeValuePtr(s)
	}
}

// Shrink drops keys whose embedding magnitude fell below the configured
// threshold. The score is half the squared L2 norm over the first
// valueLen scalars of the primary slot.
func (m *Manager[K]) Shrink(cfg TableConfig, valueLen int) (int, error) {
	if err := m.ready(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	start := time.Now()
	primaryOff := m.GetOffset(cfg.PrimarySlotIndex)

	var removed int
	for level, t := range m.tiers {
		tk, ts, err := t.store.Snapshot()
		if err != nil {
			m.metrics.OnShrink(time.Since(start), removed, err)
			return removed, err
		}

		for i, s := range ts {
			vec := s.Slot(cfg.PrimarySlotIndex, primaryOff)
			if vec == nil || len(vec) < valueLen {
				t.store.FreeSlab(s)
				continue
			}

			var sum float32
			for _, v := range vec[:valueLen] {
				sum += v * v
			}

			if sum/2 < cfg.L2WeightThreshold {
				if err := t.store.Remove(tk[i]); err != nil {
					m.metrics.OnShrink(time.Since(start), removed, err)
					return removed, err
				}
				if level == 0 && m.cache != nil {
					m.cache.Remove(tk[i])
				}
				s.Destroy()
				removed++
			} else {
				t.store.FreeSlab(s)
			}
		}
	}

	m.metrics.OnShrink(time.Since(start), removed, nil)
	m.logger.LogShrink(context.Background(), "l2_norm", removed, nil)
	return removed, nil
}

// ShrinkBySteps drops keys whose update step lags the global step by more
// than stepsToLive. Keys never stamped are stamped with the current
// global step instead of being dropped, so freshly restored tables get a
// full horizon before expiry.
func (m *Manager[K]) ShrinkBySteps(globalStep, stepsToLive int64) (int, error) {
	if err := m.ready(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	start := time.Now()

	var removed int
	for level, t := range m.tiers {
		tk, ts, err := t.store.Snapshot()
		if err != nil {
			m.metrics.OnShrink(time.Since(start), removed, err)
			return removed, err
		}

		for i, s := range ts {
			step := s.Step()
			switch {
			case step == slab.UnsetStep:
				s.SetStep(globalStep)
				// Persist the stamp for record-backed tiers; memory
				// tiers see the in-place store as a self-assign.
				if err := t.store.Commit(tk[i], s); err != nil {
					m.metrics.OnShrink(time.Since(start), removed, err)
					return removed, err
				}
				t.store.FreeSlab(s)

			case globalStep-step > stepsToLive:
				if err := t.store.Remove(tk[i]); err != nil {
					m.metrics.OnShrink(time.Since(start), removed, err)
					return removed, err
				}
				if level == 0 && m.cache != nil {
					m.cache.Remove(tk[i])
				}
				s.Destroy()
				removed++

			default:
				t.store.FreeSlab(s)
			}
		}
	}

	m.metrics.OnShrink(time.Since(start), removed, nil)
	m.logger.LogShrink(context.Background(), "steps_to_live", removed, nil)
	return removed, nil
}

// Destroy releases every resident slab of the memory tiers and closes
// the manager. The table is unusable afterwards.
func (m *Manager[K]) Destroy() error {
	m.mu.Lock()
	for _, t := range m.tiers {
		if !t.retains {
			continue
		}
		_, ts, err := t.store.Snapshot()
		if err != nil {
			continue
		}
		for _, s := range ts {
			s.Destroy()
		}
	}
	m.mu.Unlock()

	return m.Close()
}
