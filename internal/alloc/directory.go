package alloc

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jeniawhite/noobaa-core/internal/types"
)

// NodeQuery selects allocation candidates.
type NodeQuery struct {
	TierID       string // empty matches every tier
	PoolID       string // empty matches every pool
	MinHeartbeat time.Time
	Limit        int
}

// NodeDirectory answers node queries. QueryNodes returns non-deleted nodes
// whose heartbeat is after MinHeartbeat, sorted by ascending used storage and
// capped to Limit when positive.
type NodeDirectory interface {
	QueryNodes(ctx context.Context, q NodeQuery) ([]*types.Node, error)
}

// BlockStore persists block soft-deletion.
type BlockStore interface {
	RetireBlocks(ctx context.Context, ids []uuid.UUID, at time.Time) error
}
