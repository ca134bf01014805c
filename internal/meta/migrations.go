package meta

import (
	"fmt"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// Migrate runs any pending schema migrations.
func (s *BoltStore) Migrate() error {
	var version uint64
	s.db.View(func(tx *bbolt.Tx) error {
		sys := tx.Bucket(bucketSystem)
		if sys == nil {
			return nil
		}
		v := sys.Get(keySchemaVersion)
		if v != nil {
			version = bytesToUint64(v)
		}
		return nil
	})

	if version < 2 {
		if err := s.migrateV1toV2(); err != nil {
			return fmt.Errorf("migration v1→v2: %w", err)
		}
	}

	return nil
}

// migrateV1toV2 adds the chunk and retired indexes and backfills them from
// the existing block records.
func (s *BoltStore) migrateV1toV2() error {
	indexed := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		chunks, err := tx.CreateBucketIfNotExists(bucketChunkIndex)
		if err != nil {
			return err
		}
		retired, err := tx.CreateBucketIfNotExists(bucketRetiredIndex)
		if err != nil {
			return err
		}

		if blocks := tx.Bucket(bucketBlocks); blocks != nil {
			err := blocks.ForEach(func(_, v []byte) error {
				entry, err := decodeBlockEntry(v)
				if err != nil {
					return err
				}
				if err := chunks.Put(chunkIndexKey(entry.ChunkID, entry.ID), nil); err != nil {
					return err
				}
				if entry.Deleted != nil {
					if err := retired.Put(retiredIndexKey(*entry.Deleted, entry.ID), nil); err != nil {
						return err
					}
				}
				indexed++
				return nil
			})
			if err != nil {
				return err
			}
		}

		// Update schema version
		sys := tx.Bucket(bucketSystem)
		if sys == nil {
			return fmt.Errorf("system bucket not found")
		}
		return sys.Put(keySchemaVersion, uint64ToBytes(2))
	})
	if err == nil {
		s.logger.Info("migrated metadata schema to v2", zap.Int("blocks_indexed", indexed))
	}
	return err
}
