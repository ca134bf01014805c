package mapper

import (
	"time"

	"github.com/jeniawhite/noobaa-core/internal/config"
	"github.com/jeniawhite/noobaa-core/internal/metrics"
	"github.com/jeniawhite/noobaa-core/internal/types"
	"go.uber.org/zap"
)

// Config holds dependencies for the chunk mapper.
type Config struct {
	Policy  config.MapperConfig
	Chooser Chooser          // defaults to a RandChooser seeded from Policy.RandomSeed
	Now     func() time.Time // defaults to time.Now
	Logger  *zap.Logger
}

// options are the settings shared by every node of a mapper graph.
type options struct {
	logger            *zap.Logger
	chooser           Chooser
	specialMultiplier int
	minTierFree       int64
	tierFreeHeadroom  int64
}

// Mapper decides how chunks are placed under a tiering policy.
type Mapper struct {
	opts   *options
	cache  *Cache
	logger *zap.Logger
}

// New creates a Mapper.
func New(cfg Config) *Mapper {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	chooser := cfg.Chooser
	if chooser == nil {
		chooser = NewRandChooser(cfg.Policy.RandomSeed)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	multiplier := cfg.Policy.SpecialChunkReplicaMultiplier
	if multiplier < 1 {
		multiplier = 1
	}

	opts := &options{
		logger:            logger,
		chooser:           chooser,
		specialMultiplier: multiplier,
		minTierFree:       int64(cfg.Policy.MinTierFree),
		tierFreeHeadroom:  int64(cfg.Policy.TierFreeHeadroom),
	}
	return &Mapper{
		opts:   opts,
		cache:  newCache(cfg.Policy.CacheTTL.Duration(), now, opts),
		logger: logger,
	}
}

// Cache exposes the mapper graph cache.
func (m *Mapper) Cache() *Cache { return m.cache }

// MapChunk decides which blocks of chunk to keep, which to delete and which
// to allocate under policy given the current status. A new chunk (nil ID) is
// mapped for writing. Errors leave no partial mapping behind.
func (m *Mapper) MapChunk(chunk *types.Chunk, policy *types.TieringPolicy, status types.TieringStatus) (*TierMapping, error) {
	start := time.Now()

	tm, err := m.cache.Get(policy)
	if err != nil {
		return nil, err
	}
	cm, err := NewChunkMapper(chunk)
	if err != nil {
		return nil, err
	}

	state := tm.UpdateStatus(status)
	mapping := tm.MapTiering(cm, state)

	metrics.MapChunkDuration.WithLabelValues(policy.ID).Observe(time.Since(start).Seconds())
	metrics.ChunkMappings.WithLabelValues(string(ChunkHealth(mapping))).Inc()

	if ce := m.logger.Check(zap.DebugLevel, "mapped chunk"); ce != nil {
		ce.Write(
			zap.Stringer("chunk", chunk.ID),
			zap.String("tier", mapping.TierID),
			zap.Bool("accessible", mapping.Accessible),
			zap.Int("in_use", len(mapping.BlocksInUse)),
			zap.Int("deletions", len(mapping.Deletions)),
			zap.Int("allocations", len(mapping.Allocations)),
			zap.Int("extra_allocations", len(mapping.ExtraAllocations)),
		)
	}
	return mapping, nil
}

// IsChunkGoodForDedup reports whether chunk is accessible and needs no new
// allocations, so a new write may reference it instead of storing a copy.
func (m *Mapper) IsChunkGoodForDedup(chunk *types.Chunk, policy *types.TieringPolicy, status types.TieringStatus) (bool, error) {
	mapping, err := m.MapChunk(chunk, policy, status)
	if err != nil {
		return false, err
	}
	return mapping.Accessible && !mapping.NeedsAllocations(), nil
}

// NumBlocksPerChunk is replicas * (data + parity) under the tier's coder
// config, with zero values defaulted.
func NumBlocksPerChunk(tier *types.Tier) int {
	c := tier.CoderConfig.Normalized()
	return c.Replicas * (c.DataFrags + c.ParityFrags)
}
