package mapper

import (
	"fmt"

	"github.com/jeniawhite/noobaa-core/internal/metrics"
	"github.com/jeniawhite/noobaa-core/internal/types"
	"go.uber.org/zap"
)

// TierMapper owns the mirror mappers of one tier.
type TierMapper struct {
	tier      *types.Tier
	order     int
	spillover bool
	mirrors   []*MirrorMapper
	opts      *options
}

// TierState is the per-call status of a tier.
type TierState struct {
	Mirrors            []MirrorStatus
	WriteMirror        int
	ValidForAllocation bool
}

func newTierMapper(tier *types.Tier, opts *options) (*TierMapper, error) {
	if len(tier.Mirrors) == 0 {
		return nil, fmt.Errorf("%w: tier %q has no mirrors", ErrBadPolicy, tier.ID)
	}
	t := &TierMapper{
		tier:      tier,
		order:     tier.Order,
		spillover: tier.Spillover,
		opts:      opts,
	}
	for _, mirror := range tier.Mirrors {
		t.mirrors = append(t.mirrors, newMirrorMapper(mirror, tier, opts))
	}
	return t, nil
}

// UpdateStatus evaluates every mirror, selects the write mirror and decides
// whether the tier has room. Room is judged on the maximum free space across
// mirrors so one full mirror does not block writes into its siblings.
func (t *TierMapper) UpdateStatus(ts types.TierStatus) TierState {
	state := TierState{
		Mirrors:     make([]MirrorStatus, len(t.mirrors)),
		WriteMirror: -1,
	}
	for i, mm := range t.mirrors {
		state.Mirrors[i] = mm.UpdateStatus(ts)
		var best *MirrorStatus
		if state.WriteMirror >= 0 {
			best = &state.Mirrors[state.WriteMirror]
		}
		if mm.IsBestWriteMapper(state.Mirrors[i], best) {
			state.WriteMirror = i
		}
	}

	var maxFree int64
	for _, s := range ts.MirrorsStorage {
		if s.Free > maxFree {
			maxFree = s.Free
		}
	}
	state.ValidForAllocation = maxFree > 0 &&
		maxFree > t.opts.minTierFree &&
		maxFree > t.opts.tierFreeHeadroom
	return state
}

// MapTier maps the chunk onto the tier. New chunks only go to the write
// mirror; existing chunks are mapped against every mirror so they can be
// served and repaired from wherever they reside.
func (t *TierMapper) MapTier(cm *ChunkMapper, state TierState) *TierMapping {
	mapping := &TierMapping{
		TierID:     t.tier.ID,
		Accessible: cm.Accessible,
	}

	coder := t.desiredCoder(cm, mapping)
	if cm.IsWrite {
		w := state.WriteMirror
		t.mirrors[w].MapMirror(cm, coder, state.Mirrors[w], mapping)
	} else {
		for i, mm := range t.mirrors {
			mm.MapMirror(cm, coder, state.Mirrors[i], mapping)
		}
	}

	if cm.Accessible && !mapping.NeedsAllocations() {
		for _, b := range cm.Chunk.Blocks {
			if !mapping.inUse(b) {
				mapping.Deletions = append(mapping.Deletions, b)
			}
		}
	}

	return mapping
}

// desiredCoder returns the tier's coder config, or the chunk's own when the
// fragment layouts differ. Recoding between layouts is not implemented; the
// gap is logged and recorded on the mapping.
func (t *TierMapper) desiredCoder(cm *ChunkMapper, mapping *TierMapping) types.CoderConfig {
	desired := t.tier.CoderConfig.Normalized()
	chunkCoder := cm.Chunk.CoderConfig.Normalized()
	if desired.DataFrags == chunkCoder.DataFrags && desired.ParityFrags == chunkCoder.ParityFrags {
		return desired
	}
	t.opts.logger.Info("tier coder config requires recoding chunk, not implemented",
		zap.Stringer("chunk", cm.Chunk.ID),
		zap.String("tier", t.tier.ID),
		zap.Int("tier_data_frags", desired.DataFrags),
		zap.Int("tier_parity_frags", desired.ParityFrags),
		zap.Int("chunk_data_frags", chunkCoder.DataFrags),
		zap.Int("chunk_parity_frags", chunkCoder.ParityFrags),
	)
	metrics.RecodingGaps.WithLabelValues(t.tier.ID).Inc()
	mapping.RecodingGap = true
	return chunkCoder
}

// TierResult bundles a tier's state and mapping for tier selection.
type TierResult struct {
	Mapper  *TierMapper
	State   TierState
	Mapping *TierMapping
}

// IsBestTier reports whether candidate beats best. The first matching rule
// decides:
//
//  1. a non-spillover tier with room beats a spillover leader (spill back)
//  2. a spillover tier never beats a non-spillover leader that has room
//  3. a mapping with no allocations beats one that needs allocations
//  4. a tier with room beats one without
//  5. a non-spillover tier beats a spillover tier
//  6. the lower order wins
//
// The table is tuned for a primary tier plus one spillover tier; more tiers
// are handled on a best effort basis.
func IsBestTier(candidate, best TierResult) bool {
	c, b := candidate.Mapper, best.Mapper
	cValid, bValid := candidate.State.ValidForAllocation, best.State.ValidForAllocation

	if !c.spillover && b.spillover && cValid {
		return true
	}
	if c.spillover && !b.spillover && bValid {
		return false
	}

	cAlloc, bAlloc := candidate.Mapping.NeedsAllocations(), best.Mapping.NeedsAllocations()
	if !cAlloc && bAlloc {
		return true
	}
	if cAlloc && !bAlloc {
		return false
	}

	if cValid && !bValid {
		return true
	}
	if !cValid && bValid {
		return false
	}

	if !c.spillover && b.spillover {
		return true
	}
	if c.spillover && !b.spillover {
		return false
	}

	return c.order <= b.order
}
