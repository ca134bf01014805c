package lifecycle

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jeniawhite/noobaa-core/internal/config"
	"github.com/jeniawhite/noobaa-core/internal/meta"
	"github.com/jeniawhite/noobaa-core/internal/types"
	"go.uber.org/zap"
)

func newTestMeta(t *testing.T) *meta.BoltStore {
	t.Helper()
	store, err := meta.NewBoltStore(config.MetadataConfig{
		Path: filepath.Join(t.TempDir(), "test.db"),
	}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestManager(store Purger, retention time.Duration, now time.Time) *Manager {
	mgr := NewManager(store, config.LifecycleConfig{
		Enabled:          true,
		RetiredRetention: config.Duration(retention),
	}, zap.NewNop())
	mgr.now = func() time.Time { return now }
	return mgr
}

func recordBlock(t *testing.T, store *meta.BoltStore, chunkID uuid.UUID) uuid.UUID {
	t.Helper()
	id := types.NewBlockIDAt(time.Now())
	err := store.RecordBlocks(context.Background(), []*types.Block{{
		ID: id, ChunkID: chunkID, FragID: "D0", PoolID: "p1", Size: 100,
	}})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestManager_GCCycle_PurgesExpired(t *testing.T) {
	store := newTestMeta(t)
	ctx := context.Background()
	now := time.Now()
	chunkID := uuid.New()

	old := recordBlock(t, store, chunkID)
	recent := recordBlock(t, store, chunkID)
	live := recordBlock(t, store, chunkID)

	if err := store.RetireBlocks(ctx, []uuid.UUID{old}, now.Add(-2*time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := store.RetireBlocks(ctx, []uuid.UUID{recent}, now.Add(-10*time.Minute)); err != nil {
		t.Fatal(err)
	}

	mgr := newTestManager(store, time.Hour, now)
	purged, err := mgr.gcCycle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if purged != 1 {
		t.Fatalf("expected 1 purged block, got %d", purged)
	}

	if _, err := store.GetBlock(ctx, old); !errors.Is(err, meta.ErrNotFound) {
		t.Errorf("expired block should be purged, got %v", err)
	}
	for _, id := range []uuid.UUID{recent, live} {
		if _, err := store.GetBlock(ctx, id); err != nil {
			t.Errorf("block %s should be kept: %v", id, err)
		}
	}

	blocks, err := store.ListBlocksByChunk(ctx, chunkID)
	if err != nil {
		t.Fatal(err)
	}
	if len(blocks) != 2 {
		t.Errorf("expected 2 blocks left on the chunk, got %d", len(blocks))
	}
}

func TestManager_GCCycle_NothingToPurge(t *testing.T) {
	store := newTestMeta(t)
	recordBlock(t, store, uuid.New())

	mgr := newTestManager(store, time.Hour, time.Now())
	purged, err := mgr.gcCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if purged != 0 {
		t.Errorf("expected nothing purged, got %d", purged)
	}
}

type failingPurger struct{ err error }

func (f failingPurger) PurgeRetired(context.Context, time.Time) (int, error) { return 0, f.err }

func TestManager_GCCycle_Error(t *testing.T) {
	boom := errors.New("database not open")
	mgr := newTestManager(failingPurger{boom}, time.Hour, time.Now())
	if _, err := mgr.gcCycle(context.Background()); !errors.Is(err, boom) {
		t.Errorf("expected purge error, got %v", err)
	}
}

func TestManager_Run_StopsOnCancel(t *testing.T) {
	store := newTestMeta(t)
	mgr := newTestManager(store, time.Hour, time.Now())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- mgr.Run(ctx, 10*time.Millisecond)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
