package meta

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jeniawhite/noobaa-core/internal/alloc"
	"github.com/jeniawhite/noobaa-core/internal/config"
	"github.com/jeniawhite/noobaa-core/internal/types"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// ErrNotFound is returned for unknown nodes and blocks.
var ErrNotFound = errors.New("not found")

// Store is the node directory and block record store.
type Store interface {
	alloc.NodeDirectory
	alloc.BlockStore

	PutNode(ctx context.Context, node *types.Node) error
	GetNode(ctx context.Context, id string) (*types.Node, error)
	DeleteNode(ctx context.Context, id string, at time.Time) error
	ListNodes(ctx context.Context) ([]*types.Node, error)

	RecordBlocks(ctx context.Context, blocks []*types.Block) error
	GetBlock(ctx context.Context, id uuid.UUID) (*types.Block, error)
	ListBlocksByChunk(ctx context.Context, chunkID uuid.UUID) ([]*types.Block, error)
	PurgeRetired(ctx context.Context, before time.Time) (int, error)

	Ping() error
	Close() error
}

// BoltStore implements Store using bbolt (BoltDB).
type BoltStore struct {
	db     *bbolt.DB
	logger *zap.Logger
}

// NewBoltStore opens or creates a BoltDB metadata store.
func NewBoltStore(cfg config.MetadataConfig, logger *zap.Logger) (*BoltStore, error) {
	db, err := bbolt.Open(cfg.Path, 0600, &bbolt.Options{Timeout: 5 * time.Second, NoSync: cfg.NoSync})
	if err != nil {
		return nil, fmt.Errorf("opening bolt db: %w", err)
	}

	s := &BoltStore{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *BoltStore) initSchema() error {
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		sys, err := tx.CreateBucketIfNotExists(bucketSystem)
		if err != nil {
			return err
		}
		fresh := sys.Get(keySchemaVersion) == nil
		for _, name := range [][]byte{bucketNodes, bucketBlocks} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		if fresh {
			for _, name := range [][]byte{bucketChunkIndex, bucketRetiredIndex} {
				if _, err := tx.CreateBucketIfNotExists(name); err != nil {
					return err
				}
			}
			return sys.Put(keySchemaVersion, uint64ToBytes(currentSchemaVersion))
		}
		return nil
	}); err != nil {
		return err
	}
	return s.Migrate()
}

func encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeNode(data []byte) (*types.Node, error) {
	var node types.Node
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&node); err != nil {
		return nil, err
	}
	return &node, nil
}

func decodeBlockEntry(data []byte) (*BlockEntry, error) {
	var entry BlockEntry
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// PutNode stores node. A soft-deleted node stays deleted: reports arriving
// after DeleteNode keep the stored deletion time.
func (s *BoltStore) PutNode(_ context.Context, node *types.Node) error {
	if node.ID == "" {
		return fmt.Errorf("node without id")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		nodes := tx.Bucket(bucketNodes)
		n := *node
		if raw := nodes.Get([]byte(n.ID)); raw != nil && n.Deleted == nil {
			prev, err := decodeNode(raw)
			if err != nil {
				return err
			}
			n.Deleted = prev.Deleted
		}
		data, err := encode(&n)
		if err != nil {
			return err
		}
		return nodes.Put([]byte(n.ID), data)
	})
}

func (s *BoltStore) GetNode(_ context.Context, id string) (*types.Node, error) {
	var node *types.Node
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketNodes).Get([]byte(id))
		if raw == nil {
			return fmt.Errorf("node %q: %w", id, ErrNotFound)
		}
		var err error
		node, err = decodeNode(raw)
		return err
	})
	return node, err
}

// DeleteNode soft-deletes a node so it stops being an allocation candidate.
func (s *BoltStore) DeleteNode(_ context.Context, id string, at time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		nodes := tx.Bucket(bucketNodes)
		raw := nodes.Get([]byte(id))
		if raw == nil {
			return fmt.Errorf("node %q: %w", id, ErrNotFound)
		}
		node, err := decodeNode(raw)
		if err != nil {
			return err
		}
		node.Deleted = &at
		data, err := encode(node)
		if err != nil {
			return err
		}
		return nodes.Put([]byte(id), data)
	})
}

func (s *BoltStore) ListNodes(_ context.Context) ([]*types.Node, error) {
	var out []*types.Node
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(_, v []byte) error {
			node, err := decodeNode(v)
			if err != nil {
				return err
			}
			out = append(out, node)
			return nil
		})
	})
	return out, err
}

// QueryNodes implements alloc.NodeDirectory.
func (s *BoltStore) QueryNodes(_ context.Context, q alloc.NodeQuery) ([]*types.Node, error) {
	var out []*types.Node
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(_, v []byte) error {
			node, err := decodeNode(v)
			if err != nil {
				return err
			}
			if node.Deleted != nil || !node.Heartbeat.After(q.MinHeartbeat) {
				return nil
			}
			if !node.Online || !node.Writable {
				return nil
			}
			if q.TierID != "" && node.TierID != q.TierID {
				return nil
			}
			if q.PoolID != "" && node.PoolID != q.PoolID {
				return nil
			}
			out = append(out, node)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Storage.Used < out[j].Storage.Used
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// RecordBlocks stores new or updated blocks with their indexes.
func (s *BoltStore) RecordBlocks(_ context.Context, blocks []*types.Block) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, b := range blocks {
			if err := putBlockEntry(tx, blockEntryOf(b)); err != nil {
				return fmt.Errorf("record block %s: %w", b.ID, err)
			}
		}
		return nil
	})
}

func putBlockEntry(tx *bbolt.Tx, entry BlockEntry) error {
	blocks := tx.Bucket(bucketBlocks)
	retired := tx.Bucket(bucketRetiredIndex)

	if raw := blocks.Get(entry.ID[:]); raw != nil {
		prev, err := decodeBlockEntry(raw)
		if err != nil {
			return err
		}
		if prev.Deleted != nil {
			if err := retired.Delete(retiredIndexKey(*prev.Deleted, prev.ID)); err != nil {
				return err
			}
		}
	}

	data, err := encode(&entry)
	if err != nil {
		return err
	}
	if err := blocks.Put(entry.ID[:], data); err != nil {
		return err
	}
	if err := tx.Bucket(bucketChunkIndex).Put(chunkIndexKey(entry.ChunkID, entry.ID), nil); err != nil {
		return err
	}
	if entry.Deleted != nil {
		return retired.Put(retiredIndexKey(*entry.Deleted, entry.ID), nil)
	}
	return nil
}

func (s *BoltStore) GetBlock(_ context.Context, id uuid.UUID) (*types.Block, error) {
	var blk *types.Block
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketBlocks).Get(id[:])
		if raw == nil {
			return fmt.Errorf("block %s: %w", id, ErrNotFound)
		}
		var err error
		blk, err = s.resolveBlock(tx, raw)
		return err
	})
	return blk, err
}

// ListBlocksByChunk returns every block of the chunk, retired ones included.
func (s *BoltStore) ListBlocksByChunk(_ context.Context, chunkID uuid.UUID) ([]*types.Block, error) {
	var out []*types.Block
	err := s.db.View(func(tx *bbolt.Tx) error {
		blocks := tx.Bucket(bucketBlocks)
		c := tx.Bucket(bucketChunkIndex).Cursor()
		prefix := chunkID[:]
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			raw := blocks.Get(k[len(prefix):])
			if raw == nil {
				continue
			}
			blk, err := s.resolveBlock(tx, raw)
			if err != nil {
				return err
			}
			out = append(out, blk)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) resolveBlock(tx *bbolt.Tx, raw []byte) (*types.Block, error) {
	entry, err := decodeBlockEntry(raw)
	if err != nil {
		return nil, err
	}
	var node *types.Node
	if entry.NodeID != "" {
		if nraw := tx.Bucket(bucketNodes).Get([]byte(entry.NodeID)); nraw != nil {
			if node, err = decodeNode(nraw); err != nil {
				return nil, err
			}
		}
	}
	return entry.Block(node), nil
}

// RetireBlocks implements alloc.BlockStore. Unknown IDs are skipped.
func (s *BoltStore) RetireBlocks(_ context.Context, ids []uuid.UUID, at time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		blocks := tx.Bucket(bucketBlocks)
		for _, id := range ids {
			raw := blocks.Get(id[:])
			if raw == nil {
				s.logger.Debug("retire: unknown block", zap.Stringer("block", id))
				continue
			}
			entry, err := decodeBlockEntry(raw)
			if err != nil {
				return err
			}
			entry.Deleted = &at
			if err := putBlockEntry(tx, *entry); err != nil {
				return fmt.Errorf("retire block %s: %w", id, err)
			}
		}
		return nil
	})
}

// PurgeRetired removes block records retired before the cutoff and returns
// how many were removed.
func (s *BoltStore) PurgeRetired(_ context.Context, before time.Time) (int, error) {
	purged := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		blocks := tx.Bucket(bucketBlocks)
		chunks := tx.Bucket(bucketChunkIndex)
		retired := tx.Bucket(bucketRetiredIndex)

		cutoff := uint64ToBytes(uint64(before.UnixNano()))
		var keys [][]byte
		c := retired.Cursor()
		for k, _ := c.First(); k != nil && bytes.Compare(k[:8], cutoff) < 0; k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}

		for _, k := range keys {
			id := k[8:]
			if raw := blocks.Get(id); raw != nil {
				entry, err := decodeBlockEntry(raw)
				if err != nil {
					return err
				}
				if err := chunks.Delete(chunkIndexKey(entry.ChunkID, entry.ID)); err != nil {
					return err
				}
				if err := blocks.Delete(id); err != nil {
					return err
				}
				purged++
			}
			if err := retired.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return purged, nil
}

func (s *BoltStore) Ping() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketSystem) == nil {
			return fmt.Errorf("system bucket missing")
		}
		return nil
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
