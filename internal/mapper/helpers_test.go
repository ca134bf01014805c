package mapper

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jeniawhite/noobaa-core/internal/config"
	"github.com/jeniawhite/noobaa-core/internal/types"
	"go.uber.org/zap"
)

// fixedChooser always returns the same answers so mappings are reproducible.
type fixedChooser struct {
	coin bool
	n    int
}

func (c fixedChooser) Coin() bool { return c.coin }

func (c fixedChooser) Intn(n int) int {
	if c.n >= n {
		return n - 1
	}
	return c.n
}

const (
	testMinTierFree = 10
	testHeadroom    = 100
	plentyFree      = 1 << 40
)

func newTestMapper(t *testing.T, multiplier int) *Mapper {
	t.Helper()
	return New(Config{
		Policy: config.MapperConfig{
			SpecialChunkReplicaMultiplier: multiplier,
			MinTierFree:                   testMinTierFree,
			TierFreeHeadroom:              testHeadroom,
			CacheTTL:                      config.Duration(time.Minute),
		},
		Chooser: fixedChooser{},
		Logger:  zap.NewNop(),
	})
}

func testOptions() *options {
	return &options{
		logger:            zap.NewNop(),
		chooser:           fixedChooser{},
		specialMultiplier: 2,
		minTierFree:       testMinTierFree,
		tierFreeHeadroom:  testHeadroom,
	}
}

func regularPool(id string) *types.Pool {
	return &types.Pool{ID: id, Kind: types.PoolKindNodes}
}

func cloudPool(id string) *types.Pool {
	return &types.Pool{ID: id, Kind: types.PoolKindCloud, Cloud: &types.CloudPoolInfo{Bucket: id}}
}

func dbPool(id string) *types.Pool {
	return &types.Pool{ID: id, Kind: types.PoolKindDatabase}
}

func singleTierPolicy(id string, coder types.CoderConfig, pools ...*types.Pool) *types.TieringPolicy {
	return &types.TieringPolicy{
		ID: id,
		Tiers: []*types.Tier{{
			ID:          id + "-tier",
			Mirrors:     []*types.Mirror{{ID: id + "-mirror", Pools: pools}},
			CoderConfig: coder,
		}},
	}
}

// statusFor marks every listed pool valid and gives each tier plenty of room.
func statusFor(policy *types.TieringPolicy, validPools ...string) types.TieringStatus {
	pools := make(map[string]types.PoolStatus, len(validPools))
	for _, id := range validPools {
		pools[id] = types.PoolStatus{ValidForAllocation: true}
	}
	st := types.TieringStatus{}
	for _, tier := range policy.Tiers {
		storage := make([]types.Storage, len(tier.Mirrors))
		for i := range storage {
			storage[i] = types.Storage{Free: plentyFree}
		}
		st[tier.ID] = types.TierStatus{Pools: pools, MirrorsStorage: storage}
	}
	return st
}

func goodNode(id, pool string) *types.Node {
	return &types.Node{ID: id, PoolID: pool, Readable: true, Writable: true, Online: true}
}

// newChunk returns an existing chunk with fragments for every data and parity
// index of coder.
func newChunk(coder types.CoderConfig) *types.Chunk {
	c := &types.Chunk{ID: uuid.New(), Size: 1 << 20, CoderConfig: coder}
	n := coder.Normalized()
	for i := 0; i < n.DataFrags; i++ {
		idx := types.DataIndex(i)
		c.Frags = append(c.Frags, &types.Fragment{ID: "f-" + idx.String(), Index: idx})
	}
	for i := 0; i < n.ParityFrags; i++ {
		idx := types.ParityIndex(i)
		c.Frags = append(c.Frags, &types.Fragment{ID: "f-" + idx.String(), Index: idx})
	}
	return c
}

func addBlock(c *types.Chunk, idx types.FragIndex, pool string, created time.Time) *types.Block {
	b := &types.Block{
		ID:      types.NewBlockIDAt(created),
		ChunkID: c.ID,
		FragID:  "f-" + idx.String(),
		Node:    goodNode("node-"+pool, pool),
		PoolID:  pool,
	}
	c.Blocks = append(c.Blocks, b)
	return b
}

func allocIndexes(allocs []Allocation) map[string]int {
	out := make(map[string]int)
	for _, a := range allocs {
		out[a.Index.String()]++
	}
	return out
}
