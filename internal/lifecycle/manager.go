package lifecycle

import (
	"context"
	"time"

	"github.com/jeniawhite/noobaa-core/internal/config"
	"github.com/jeniawhite/noobaa-core/internal/metrics"
	"go.uber.org/zap"
)

// Purger removes retired block records older than a cutoff.
type Purger interface {
	PurgeRetired(ctx context.Context, before time.Time) (int, error)
}

// Manager periodically purges block records that were retired longer ago
// than the configured retention.
type Manager struct {
	store     Purger
	retention time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

// NewManager creates a new lifecycle manager.
func NewManager(store Purger, cfg config.LifecycleConfig, logger *zap.Logger) *Manager {
	return &Manager{
		store:     store,
		retention: cfg.RetiredRetention.Duration(),
		now:       time.Now,
		logger:    logger,
	}
}

// Run starts the periodic purge loop.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := m.gcCycle(ctx); err != nil {
				m.logger.Error("gc cycle error", zap.Error(err))
			}
		}
	}
}

func (m *Manager) gcCycle(ctx context.Context) (int, error) {
	cutoff := m.now().Add(-m.retention)
	purged, err := m.store.PurgeRetired(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		metrics.PurgedBlocks.Add(float64(purged))
		m.logger.Info("purged retired blocks",
			zap.Int("count", purged),
			zap.Time("cutoff", cutoff),
		)
	}
	return purged, nil
}
