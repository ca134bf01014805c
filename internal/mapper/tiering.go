package mapper

import (
	"fmt"
	"sort"

	"github.com/jeniawhite/noobaa-core/internal/types"
)

// TieringMapper is the immutable mapper graph of one tiering policy.
// Status is never stored on it; callers thread a TieringState instead, so one
// TieringMapper can be shared by any number of concurrent MapChunk calls.
type TieringMapper struct {
	policyID string
	revision uint64
	tiers    []*TierMapper
}

// TieringState is the per-call status of every tier, aligned with the
// mapper's tier order.
type TieringState struct {
	Tiers []TierState
}

// NewTieringMapper builds mappers for the policy's enabled tiers sorted by
// order.
func NewTieringMapper(policy *types.TieringPolicy, opts *options) (*TieringMapper, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	var tiers []*types.Tier
	for _, t := range policy.Tiers {
		if !t.Disabled {
			tiers = append(tiers, t)
		}
	}
	if len(tiers) == 0 {
		return nil, fmt.Errorf("%w: policy %q has no enabled tiers", ErrBadPolicy, policy.ID)
	}
	sort.SliceStable(tiers, func(i, j int) bool { return tiers[i].Order < tiers[j].Order })

	tm := &TieringMapper{policyID: policy.ID, revision: policy.Revision}
	for _, t := range tiers {
		m, err := newTierMapper(t, opts)
		if err != nil {
			return nil, err
		}
		tm.tiers = append(tm.tiers, m)
	}
	return tm, nil
}

// UpdateStatus evaluates each tier against its status snapshot. A tier missing
// from status is treated as having no valid pools.
func (tm *TieringMapper) UpdateStatus(status types.TieringStatus) TieringState {
	state := TieringState{Tiers: make([]TierState, len(tm.tiers))}
	for i, t := range tm.tiers {
		state.Tiers[i] = t.UpdateStatus(status[t.tier.ID])
	}
	return state
}

// MapTiering maps the chunk on every tier and returns the winning tier's
// mapping.
func (tm *TieringMapper) MapTiering(cm *ChunkMapper, state TieringState) *TierMapping {
	var best TierResult
	for i, t := range tm.tiers {
		res := TierResult{
			Mapper:  t,
			State:   state.Tiers[i],
			Mapping: t.MapTier(cm, state.Tiers[i]),
		}
		if best.Mapper == nil || IsBestTier(res, best) {
			best = res
		}
	}
	return best.Mapping
}
