// Package status builds tiering status snapshots: per pool validity and
// capacity, aggregated per mirror.
package status

import (
	"context"
	"time"

	"github.com/jeniawhite/noobaa-core/internal/config"
	"github.com/jeniawhite/noobaa-core/internal/metrics"
	"github.com/jeniawhite/noobaa-core/internal/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// NodeLister lists every known node.
type NodeLister interface {
	ListNodes(ctx context.Context) ([]*types.Node, error)
}

// CloudProber checks that the bucket behind a cloud pool answers.
type CloudProber interface {
	Probe(ctx context.Context, info types.CloudPoolInfo) error
}

// Pinger checks the database behind database pools.
type Pinger interface {
	Ping() error
}

// BuilderConfig holds dependencies for the status builder.
type BuilderConfig struct {
	Nodes           NodeLister
	Cloud           CloudProber // nil marks every cloud pool invalid
	Database        Pinger      // nil marks every database pool invalid
	Policy          config.StatusConfig
	HeartbeatWindow time.Duration
	Now             func() time.Time
	Logger          *zap.Logger
}

// Builder computes TieringStatus snapshots.
type Builder struct {
	nodes           NodeLister
	cloud           CloudProber
	database        Pinger
	policy          config.StatusConfig
	heartbeatWindow time.Duration
	now             func() time.Time
	logger          *zap.Logger
}

// NewBuilder creates a status builder.
func NewBuilder(cfg BuilderConfig) *Builder {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{
		nodes:           cfg.Nodes,
		cloud:           cfg.Cloud,
		database:        cfg.Database,
		policy:          cfg.Policy,
		heartbeatWindow: cfg.HeartbeatWindow,
		now:             now,
		logger:          logger,
	}
}

// Build evaluates every pool of the policy. Probe failures make the pool
// invalid; only a failure to list nodes fails the build.
func (b *Builder) Build(ctx context.Context, policy *types.TieringPolicy) (types.TieringStatus, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()

	nodes, err := b.nodes.ListNodes(ctx)
	if err != nil {
		return nil, err
	}
	byPool := make(map[string][]*types.Node)
	for _, n := range nodes {
		byPool[n.PoolID] = append(byPool[n.PoolID], n)
	}

	pools := make(map[string]*types.Pool)
	for _, t := range policy.Tiers {
		for _, m := range t.Mirrors {
			for _, p := range m.Pools {
				pools[p.ID] = p
			}
		}
	}

	results := make(map[string]*types.PoolStatus, len(pools))
	for id := range pools {
		results[id] = &types.PoolStatus{}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for id, p := range pools {
		res := results[id]
		switch p.Kind {
		case types.PoolKindNodes:
			*res = b.nodePoolStatus(byPool[id])
		case types.PoolKindCloud:
			g.Go(func() error {
				*res = b.redundantStatus(p, b.probeCloud(gctx, p))
				return nil
			})
		case types.PoolKindDatabase:
			*res = b.redundantStatus(p, b.pingDatabase())
		}
	}
	g.Wait()

	status := make(types.TieringStatus, len(policy.Tiers))
	for _, t := range policy.Tiers {
		ts := types.TierStatus{
			Pools:          make(map[string]types.PoolStatus),
			MirrorsStorage: make([]types.Storage, len(t.Mirrors)),
		}
		for i, m := range t.Mirrors {
			for _, p := range m.Pools {
				ps := *results[p.ID]
				ts.Pools[p.ID] = ps
				ts.MirrorsStorage[i].Total += ps.Storage.Total
				ts.MirrorsStorage[i].Used += ps.Storage.Used
				ts.MirrorsStorage[i].Free += ps.Storage.Free
			}
		}
		status[t.ID] = ts
	}

	for id, p := range pools {
		v := 0.0
		if results[id].ValidForAllocation {
			v = 1
		}
		metrics.PoolValid.WithLabelValues(id, p.Kind.String()).Set(v)
	}
	metrics.StatusBuildDuration.WithLabelValues(policy.ID).Observe(time.Since(start).Seconds())
	b.logger.Debug("built tiering status",
		zap.String("policy", policy.ID),
		zap.Int("tiers", len(status)),
		zap.Int("pools", len(pools)),
		zap.Duration("took", time.Since(start)),
	)
	return status, nil
}

// nodePoolStatus sums storage over the pool's live nodes and marks the pool
// valid when enough of them are writable with free space above the floor.
func (b *Builder) nodePoolStatus(nodes []*types.Node) types.PoolStatus {
	var st types.PoolStatus
	minHeartbeat := b.now().Add(-b.heartbeatWindow)
	good := 0
	for _, n := range nodes {
		if n.Deleted != nil {
			continue
		}
		st.Storage.Total += n.Storage.Total
		st.Storage.Used += n.Storage.Used
		st.Storage.Free += n.Storage.Free
		if n.Online && n.Writable && n.Heartbeat.After(minHeartbeat) &&
			n.Storage.Free > int64(b.policy.PoolMinFree) {
			good++
		}
	}
	st.ValidForAllocation = good > 0 && good >= b.policy.MinPoolNodes
	return st
}

// redundantStatus reports a nominal free capacity for a reachable redundant
// backend; such backends do not report their own.
func (b *Builder) redundantStatus(p *types.Pool, err error) types.PoolStatus {
	if err != nil {
		b.logger.Warn("redundant pool unavailable",
			zap.String("pool", p.ID),
			zap.Stringer("kind", p.Kind),
			zap.Error(err),
		)
		return types.PoolStatus{}
	}
	free := int64(b.policy.RedundantPoolFree)
	return types.PoolStatus{
		ValidForAllocation: true,
		Storage:            types.Storage{Total: free, Free: free},
	}
}

func (b *Builder) probeCloud(ctx context.Context, p *types.Pool) error {
	if b.cloud == nil {
		return errNoProber
	}
	if p.Cloud == nil {
		return errNoCloudInfo
	}
	if timeout := b.policy.ProbeTimeout.Duration(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return b.cloud.Probe(ctx, *p.Cloud)
}

func (b *Builder) pingDatabase() error {
	if b.database == nil {
		return errNoProber
	}
	return b.database.Ping()
}
