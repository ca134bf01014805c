package meta

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jeniawhite/noobaa-core/internal/config"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

func TestMigrateV1toV2(t *testing.T) {
	// Create a v1 database manually (blocks only, no indexes)
	path := filepath.Join(t.TempDir(), "meta.db")
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatal(err)
	}

	chunk := uuid.New()
	deletedAt := time.Now().Add(-72 * time.Hour)
	live := BlockEntry{ID: uuid.New(), ChunkID: chunk, FragID: "D0"}
	retired := BlockEntry{ID: uuid.New(), ChunkID: chunk, FragID: "D0", Deleted: &deletedAt}

	err = db.Update(func(tx *bbolt.Tx) error {
		sys, err := tx.CreateBucketIfNotExists(bucketSystem)
		if err != nil {
			return err
		}
		if err := sys.Put(keySchemaVersion, uint64ToBytes(1)); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketNodes); err != nil {
			return err
		}
		blocks, err := tx.CreateBucketIfNotExists(bucketBlocks)
		if err != nil {
			return err
		}
		for _, e := range []BlockEntry{live, retired} {
			data, err := encode(&e)
			if err != nil {
				return err
			}
			if err := blocks.Put(e.ID[:], data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	db.Close()

	// Now open with NewBoltStore which should trigger migration
	store, err := NewBoltStore(config.MetadataConfig{Path: path}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewBoltStore after migration: %v", err)
	}
	defer store.Close()

	var version uint64
	store.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketSystem).Get(keySchemaVersion)
		if v != nil {
			version = bytesToUint64(v)
		}
		return nil
	})
	if version != 2 {
		t.Errorf("schema version = %d, want 2", version)
	}

	ctx := context.Background()
	blocks, err := store.ListBlocksByChunk(ctx, chunk)
	if err != nil {
		t.Fatalf("ListBlocksByChunk: %v", err)
	}
	if len(blocks) != 2 {
		t.Errorf("expected chunk index backfilled with 2 blocks, got %d", len(blocks))
	}

	n, err := store.PurgeRetired(ctx, time.Now())
	if err != nil {
		t.Fatalf("PurgeRetired: %v", err)
	}
	if n != 1 {
		t.Errorf("expected retired index backfilled, purged %d", n)
	}
}

func TestMigrateIdempotent(t *testing.T) {
	store := newTestStore(t)

	// Running migrate again should be a no-op (already at v2)
	if err := store.Migrate(); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}

	var version uint64
	store.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketSystem).Get(keySchemaVersion)
		if v != nil {
			version = bytesToUint64(v)
		}
		return nil
	})
	if version != 2 {
		t.Errorf("schema version = %d after idempotent migrate, want 2", version)
	}
}
