package mapper

import (
	"errors"

	"github.com/jeniawhite/noobaa-core/internal/types"
)

var (
	// ErrBadFragment marks a chunk whose fragment or block data violates the
	// model, such as a duplicated index or a block of an unknown fragment.
	ErrBadFragment = errors.New("bad fragment")

	// ErrBadPolicy marks a tiering policy that cannot be mapped against.
	ErrBadPolicy = types.ErrBadPolicy
)

// TierMapping is the placement decision for one chunk in one tier.
type TierMapping struct {
	TierID           string
	Accessible       bool
	BlocksInUse      []*types.Block
	Deletions        []*types.Block
	Allocations      []Allocation
	ExtraAllocations []Allocation

	// RecodingGap is set when the tier's fragment layout differs from the
	// chunk's and the chunk was mapped against its own layout.
	RecodingGap bool
}

// NeedsAllocations reports whether mandatory replicas are missing.
func (m *TierMapping) NeedsAllocations() bool {
	return len(m.Allocations) > 0
}

func (m *TierMapping) inUse(b *types.Block) bool {
	for _, u := range m.BlocksInUse {
		if u == b {
			return true
		}
	}
	return false
}

// Allocation requests one new block for a fragment on one of Pools.
type Allocation struct {
	Index          types.FragIndex
	Frag           *types.Fragment // nil when the fragment is not recorded yet
	Pools          []*types.Pool
	Sources        *AllocationSources
	SpecialReplica bool
}

// AllocationSources lists the accessible blocks of a fragment that can serve
// as copy sources. It is shared by every allocation of the same fragment.
type AllocationSources struct {
	Blocks []*types.Block
	next   int
}

// Next returns the next source block in round robin order, or nil when the
// fragment has no accessible block.
func (s *AllocationSources) Next() *types.Block {
	if s == nil || len(s.Blocks) == 0 {
		return nil
	}
	b := s.Blocks[s.next%len(s.Blocks)]
	s.next++
	return b
}
