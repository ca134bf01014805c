package alloc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jeniawhite/noobaa-core/internal/metrics"
	"github.com/jeniawhite/noobaa-core/internal/types"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrInsufficientNodes is returned when a tier has fewer live nodes than the
// configured minimum. It is recoverable: the next call queries again.
var ErrInsufficientNodes = errors.New("insufficient nodes")

// CandidateList is an immutable snapshot of a tier's allocation candidates
// plus the round robin cursor shared by every allocation against it.
type CandidateList struct {
	TierID      string
	Nodes       []*types.Node
	RefreshedAt time.Time

	cursor atomic.Uint64
}

// next advances the cursor exactly once and returns the position the scan
// starts from.
func (l *CandidateList) next() uint64 {
	return l.cursor.Add(1) - 1
}

// Cursor returns the number of allocations made against the list.
func (l *CandidateList) Cursor() uint64 {
	return l.cursor.Load()
}

type tierCandidates struct {
	list *CandidateList
}

// CandidatePoolConfig holds dependencies for the candidate pool.
type CandidatePoolConfig struct {
	Directory       NodeDirectory
	MinNodes        int
	MaxCandidates   int
	RefreshTTL      time.Duration
	HeartbeatWindow time.Duration
	Now             func() time.Time
	Logger          *zap.Logger
}

// CandidatePool caches the allocation candidates of each tier. Concurrent
// refreshes of one tier share a single directory query, and the next query
// for a tier only starts once the previous one has committed, so refreshes of
// a tier are totally ordered.
type CandidatePool struct {
	dir             NodeDirectory
	minNodes        int
	maxCandidates   int
	ttl             time.Duration
	heartbeatWindow time.Duration
	now             func() time.Time
	logger          *zap.Logger

	mu     sync.Mutex
	tiers  map[string]*tierCandidates
	flight singleflight.Group
}

// NewCandidatePool creates a candidate pool.
func NewCandidatePool(cfg CandidatePoolConfig) *CandidatePool {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CandidatePool{
		dir:             cfg.Directory,
		minNodes:        cfg.MinNodes,
		maxCandidates:   cfg.MaxCandidates,
		ttl:             cfg.RefreshTTL,
		heartbeatWindow: cfg.HeartbeatWindow,
		now:             now,
		logger:          logger,
		tiers:           make(map[string]*tierCandidates),
	}
}

// Refresh returns the tier's candidate list, querying the directory when the
// cached one is older than the TTL. An empty tierID spans every node.
//
// A failed refresh leaves the cache as it was, including its freshness, so
// the next call queries again. The caller's ctx only bounds its own wait;
// a shared query runs to completion for the other waiters.
func (p *CandidatePool) Refresh(ctx context.Context, tierID string) (*CandidateList, error) {
	p.mu.Lock()
	tc := p.tiers[tierID]
	if tc == nil {
		tc = &tierCandidates{}
		p.tiers[tierID] = tc
	}
	if tc.list != nil && p.now().Sub(tc.list.RefreshedAt) < p.ttl {
		list := tc.list
		p.mu.Unlock()
		return list, nil
	}
	p.mu.Unlock()

	fetchCtx := context.WithoutCancel(ctx)
	ch := p.flight.DoChan(tierID, func() (interface{}, error) {
		return p.fetch(fetchCtx, tierID)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*CandidateList), nil
	}
}

func (p *CandidatePool) fetch(ctx context.Context, tierID string) (*CandidateList, error) {
	nodes, err := p.dir.QueryNodes(ctx, NodeQuery{
		TierID:       tierID,
		MinHeartbeat: p.now().Add(-p.heartbeatWindow),
		Limit:        p.maxCandidates,
	})
	if err != nil {
		metrics.CandidateRefreshes.WithLabelValues(tierID, "error").Inc()
		return nil, fmt.Errorf("query nodes for tier %q: %w", tierID, err)
	}
	sort.SliceStable(nodes, func(i, j int) bool {
		return nodes[i].Storage.Used < nodes[j].Storage.Used
	})
	if p.maxCandidates > 0 && len(nodes) > p.maxCandidates {
		nodes = nodes[:p.maxCandidates]
	}

	if len(nodes) < p.minNodes {
		metrics.CandidateRefreshes.WithLabelValues(tierID, "insufficient").Inc()
		p.logger.Warn("not enough nodes for allocation",
			zap.String("tier", tierID),
			zap.Int("nodes", len(nodes)),
			zap.Int("min_nodes", p.minNodes),
		)
		return nil, fmt.Errorf("%w: tier %q has %d nodes, need %d",
			ErrInsufficientNodes, tierID, len(nodes), p.minNodes)
	}

	list := &CandidateList{TierID: tierID, Nodes: nodes, RefreshedAt: p.now()}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.tiers[tierID].list = list
	metrics.CandidateRefreshes.WithLabelValues(tierID, "ok").Inc()
	metrics.CandidateNodes.WithLabelValues(tierID).Set(float64(len(nodes)))
	p.logger.Debug("refreshed allocation candidates",
		zap.String("tier", tierID), zap.Int("nodes", len(nodes)))
	return list, nil
}

// LastRefresh returns when the tier's candidates were last refreshed
// successfully, or the zero time.
func (p *CandidatePool) LastRefresh(tierID string) time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	if tc := p.tiers[tierID]; tc != nil && tc.list != nil {
		return tc.list.RefreshedAt
	}
	return time.Time{}
}
