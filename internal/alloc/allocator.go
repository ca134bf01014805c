package alloc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jeniawhite/noobaa-core/internal/metrics"
	"github.com/jeniawhite/noobaa-core/internal/types"
	"go.uber.org/zap"
)

// ErrPoolNotFound means a node refers to a pool the system does not know.
var ErrPoolNotFound = errors.New("pool not found")

// AllocRequest describes the chunk a block is allocated for.
type AllocRequest struct {
	TierID    string    `json:"tier_id"`
	ChunkID   uuid.UUID `json:"chunk_id"`
	FragID    string    `json:"frag_id,omitempty"`
	Size      int64     `json:"size"`
	DataFrags int       `json:"data_frags"`
}

// AllocatorConfig holds dependencies for the allocator.
type AllocatorConfig struct {
	Candidates *CandidatePool
	Blocks     BlockStore
	Now        func() time.Time
	Logger     *zap.Logger
}

// Allocator picks nodes for new blocks round robin over a tier's candidates.
type Allocator struct {
	candidates *CandidatePool
	blocks     BlockStore
	now        func() time.Time
	logger     *zap.Logger
}

// NewAllocator creates an allocator.
func NewAllocator(cfg AllocatorConfig) *Allocator {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Allocator{
		candidates: cfg.Candidates,
		blocks:     cfg.Blocks,
		now:        now,
		logger:     logger,
	}
}

// Allocate returns a new building block on the next candidate of the tier
// that is not in avoid. The block is not persisted.
//
// The cursor advances once per call. When every candidate is avoided it
// returns (nil, false, nil); the caller should try another pool or tier.
func (a *Allocator) Allocate(ctx context.Context, req AllocRequest, avoid []string) (*types.Block, bool, error) {
	list, err := a.candidates.Refresh(ctx, req.TierID)
	if err != nil {
		metrics.Allocations.WithLabelValues(req.TierID, "error").Inc()
		return nil, false, err
	}

	avoidSet := make(map[string]struct{}, len(avoid))
	for _, id := range avoid {
		avoidSet[id] = struct{}{}
	}

	n := uint64(len(list.Nodes))
	start := list.next()
	for i := uint64(0); i < n; i++ {
		node := list.Nodes[(start+i)%n]
		if _, skip := avoidSet[node.ID]; skip {
			continue
		}
		blk := a.newBlock(req, node)
		metrics.Allocations.WithLabelValues(req.TierID, "allocated").Inc()
		a.logger.Debug("allocated block",
			zap.Stringer("block", blk.ID),
			zap.Stringer("chunk", req.ChunkID),
			zap.String("node", node.ID),
		)
		return blk, true, nil
	}

	metrics.Allocations.WithLabelValues(req.TierID, "exhausted").Inc()
	a.logger.Info("no available node",
		zap.String("tier", req.TierID),
		zap.Stringer("chunk", req.ChunkID),
		zap.Int("candidates", len(list.Nodes)),
		zap.Int("avoid", len(avoid)),
	)
	return nil, false, nil
}

func (a *Allocator) newBlock(req AllocRequest, node *types.Node) *types.Block {
	dataFrags := int64(req.DataFrags)
	if dataFrags <= 0 {
		dataFrags = 1
	}
	fragID := req.FragID
	if fragID == "" {
		fragID = types.DataIndex(0).String()
	}
	now := a.now()
	return &types.Block{
		ID:       types.NewBlockIDAt(now),
		ChunkID:  req.ChunkID,
		FragID:   fragID,
		Node:     node,
		PoolID:   node.PoolID,
		TierID:   node.TierID,
		Size:     req.Size / dataFrags,
		Building: &now,
	}
}

// Retire soft-deletes blocks by stamping their deletion time. Records are
// kept until the lifecycle purge.
func (a *Allocator) Retire(ctx context.Context, blocks []*types.Block) error {
	if len(blocks) == 0 {
		return nil
	}
	at := a.now()
	ids := make([]uuid.UUID, len(blocks))
	for i, b := range blocks {
		ids[i] = b.ID
	}
	if err := a.blocks.RetireBlocks(ctx, ids, at); err != nil {
		return fmt.Errorf("retire %d blocks: %w", len(blocks), err)
	}
	for _, b := range blocks {
		b.Deleted = &at
	}
	metrics.RetiredBlocks.Add(float64(len(blocks)))
	return nil
}

// PoolResolver looks up pools by ID.
type PoolResolver interface {
	Pool(id string) (*types.Pool, bool)
}

// PoolIndex is a PoolResolver over a fixed set of pools.
type PoolIndex map[string]*types.Pool

func (ix PoolIndex) Pool(id string) (*types.Pool, bool) {
	p, ok := ix[id]
	return p, ok
}

// PoolsOf indexes every pool referenced by the policy.
func PoolsOf(policy *types.TieringPolicy) PoolIndex {
	ix := make(PoolIndex)
	if policy == nil {
		return ix
	}
	for _, t := range policy.Tiers {
		for _, m := range t.Mirrors {
			for _, p := range m.Pools {
				ix[p.ID] = p
			}
		}
	}
	return ix
}

// AssignNodeToBlock places block on node. A node whose pool cannot be
// resolved is a configuration error.
func AssignNodeToBlock(block *types.Block, node *types.Node, pools PoolResolver) error {
	pool, ok := pools.Pool(node.PoolID)
	if !ok {
		return fmt.Errorf("%w: %q of node %s", ErrPoolNotFound, node.PoolID, node.ID)
	}
	block.Node = node
	block.PoolID = pool.ID
	return nil
}
