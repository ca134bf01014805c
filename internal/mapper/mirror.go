package mapper

import (
	"sort"

	"github.com/jeniawhite/noobaa-core/internal/types"
	"go.uber.org/zap"
)

// Mirror write weights. Higher wins the write mirror selection.
const (
	weightDatabase = 1
	weightCloud    = 2
	weightRegular  = 3
)

// MirrorMapper maps chunks onto the spread pools of one mirror.
type MirrorMapper struct {
	mirror         *types.Mirror
	poolsByID      map[string]*types.Pool
	redundantPools []*types.Pool
	regularPools   []*types.Pool
	opts           *options
}

// MirrorStatus is the per-call status of a mirror.
type MirrorStatus struct {
	RegularPoolsValid   bool
	RedundantPoolsValid bool
	Weight              int
}

func newMirrorMapper(mirror *types.Mirror, tier *types.Tier, opts *options) *MirrorMapper {
	m := &MirrorMapper{
		mirror:    mirror,
		poolsByID: make(map[string]*types.Pool, len(mirror.Pools)),
		opts:      opts,
	}
	if len(mirror.Pools) == 0 {
		opts.logger.Debug("mirror has no pools",
			zap.String("tier", tier.ID), zap.String("mirror", mirror.ID))
	}
	for _, p := range mirror.Pools {
		m.poolsByID[p.ID] = p
		if p.HasRedundancy() {
			m.redundantPools = append(m.redundantPools, p)
		} else {
			m.regularPools = append(m.regularPools, p)
		}
	}
	return m
}

// UpdateStatus evaluates which pool partitions accept allocations and the
// mirror's write weight: the lowest weight among valid redundant pools when
// there is one, otherwise 3 when a regular pool is valid, otherwise 0.
func (m *MirrorMapper) UpdateStatus(ts types.TierStatus) MirrorStatus {
	var st MirrorStatus

	regularWeight := 0
	for _, p := range m.regularPools {
		if ts.PoolValid(p.ID) {
			st.RegularPoolsValid = true
			regularWeight = weightRegular
		}
	}

	redundantWeight := 0
	for _, p := range m.redundantPools {
		if !ts.PoolValid(p.ID) {
			continue
		}
		st.RedundantPoolsValid = true
		w := weightCloud
		if p.Kind == types.PoolKindDatabase {
			w = weightDatabase
		}
		if redundantWeight == 0 || w < redundantWeight {
			redundantWeight = w
		}
	}

	st.Weight = regularWeight
	if redundantWeight > 0 {
		st.Weight = redundantWeight
	}
	return st
}

// IsBestWriteMapper reports whether a mirror with status st should replace
// the current best. Equal weights are broken by a coin flip to spread writes.
func (m *MirrorMapper) IsBestWriteMapper(st MirrorStatus, best *MirrorStatus) bool {
	if best == nil {
		return true
	}
	if st.Weight != best.Weight {
		return st.Weight > best.Weight
	}
	return m.opts.chooser.Coin()
}

// MapMirror adds the mirror's decisions for every fragment of the desired
// coder config to acc.
func (m *MirrorMapper) MapMirror(cm *ChunkMapper, desired types.CoderConfig, st MirrorStatus, acc *TierMapping) {
	maxReplicas := desired.Replicas
	if cm.Chunk.IsSpecial {
		maxReplicas *= m.opts.specialMultiplier
	}

	for i := 0; i < desired.DataFrags; i++ {
		m.mapFrag(acc, cm, types.DataIndex(i), desired.Replicas, maxReplicas, st)
	}
	for i := 0; i < desired.ParityFrags; i++ {
		m.mapFrag(acc, cm, types.ParityIndex(i), desired.Replicas, maxReplicas, st)
	}
}

func (m *MirrorMapper) mapFrag(acc *TierMapping, cm *ChunkMapper, idx types.FragIndex, replicas, maxReplicas int, st MirrorStatus) {
	var accessibleBlocks []*types.Block
	for _, b := range cm.Blocks(idx) {
		if b.Accessible() {
			accessibleBlocks = append(accessibleBlocks, b)
		}
	}

	// Blocks on pools that left the mirror stay readable but are not used,
	// so they end up as deletion candidates.
	var usedBlocks []*types.Block
	usedReplicas := 0
	usedRedundant := false
	for _, b := range accessibleBlocks {
		pool := m.poolsByID[b.PoolID]
		if pool == nil || !b.OnGoodNode() {
			continue
		}
		usedBlocks = append(usedBlocks, b)
		if pool.HasRedundancy() {
			usedRedundant = true
			usedReplicas += maxReplicas
		} else {
			usedReplicas++
		}
	}

	switch {
	case usedReplicas == maxReplicas:
		acc.BlocksInUse = append(acc.BlocksInUse, usedBlocks...)

	case usedReplicas < maxReplicas:
		acc.BlocksInUse = append(acc.BlocksInUse, usedBlocks...)

		sources := &AllocationSources{Blocks: accessibleBlocks}
		frag := cm.Frag(idx)

		pools := m.regularPools
		if !st.RegularPoolsValid || usedRedundant {
			pools = m.pickPools(st)
		}

		// One block in a redundant backend fulfils the whole policy.
		redundant := allRedundant(pools)
		numMissing := 1
		if !redundant {
			numMissing = max(0, replicas-usedReplicas)
		}
		for i := 0; i < numMissing; i++ {
			acc.Allocations = append(acc.Allocations, Allocation{
				Index: idx, Frag: frag, Pools: pools, Sources: sources,
			})
		}

		if !redundant {
			extraMissing := max(0, maxReplicas-numMissing-usedReplicas)
			for i := 0; i < extraMissing; i++ {
				acc.ExtraAllocations = append(acc.ExtraAllocations, Allocation{
					Index: idx, Frag: frag, Pools: pools, Sources: sources, SpecialReplica: true,
				})
			}
		}

	default:
		// Over replicated: keep the newest blocks, older placements reflect
		// older decisions.
		sort.SliceStable(usedBlocks, func(i, j int) bool {
			return usedBlocks[i].NewerThan(usedBlocks[j])
		})
		kept := 0
		for _, b := range usedBlocks {
			if kept >= maxReplicas {
				break
			}
			if m.poolsByID[b.PoolID].HasRedundancy() {
				kept += maxReplicas
			} else {
				kept++
			}
			acc.BlocksInUse = append(acc.BlocksInUse, b)
		}
	}
}

// pickPools picks a random spread pool and returns the partition it belongs
// to, falling back to the other partition when that one is not valid.
func (m *MirrorMapper) pickPools(st MirrorStatus) []*types.Pool {
	var picked *types.Pool
	if n := len(m.mirror.Pools); n > 0 {
		picked = m.mirror.Pools[m.opts.chooser.Intn(n)]
	}
	if picked.HasRedundancy() {
		if st.RedundantPoolsValid {
			return m.redundantPools
		}
		return m.regularPools
	}
	if st.RegularPoolsValid {
		return m.regularPools
	}
	return m.redundantPools
}

// allRedundant is true for an empty set, which makes a mirror with no usable
// pool request a single allocation per fragment.
func allRedundant(pools []*types.Pool) bool {
	for _, p := range pools {
		if !p.HasRedundancy() {
			return false
		}
	}
	return true
}
