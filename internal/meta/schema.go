package meta

import (
	"encoding/binary"
	"time"

	"github.com/google/uuid"
	"github.com/jeniawhite/noobaa-core/internal/types"
)

// Bucket names in BoltDB.
var (
	bucketSystem     = []byte("system")
	bucketNodes      = []byte("nodes")
	bucketBlocks     = []byte("blocks")
	keySchemaVersion = []byte("schema_version")

	// Schema v2: secondary indexes
	bucketChunkIndex   = []byte("chunk_index")   // chunkID|blockID -> nil
	bucketRetiredIndex = []byte("retired_index") // deletedAt|blockID -> nil
)

const currentSchemaVersion = 2

// BlockEntry is the persisted form of a block. The node is stored by ID and
// resolved from the nodes bucket on read.
type BlockEntry struct {
	ID       uuid.UUID
	ChunkID  uuid.UUID
	FragID   string
	NodeID   string
	PoolID   string
	TierID   string
	Size     int64
	Missing  bool
	Tampered bool
	Building *time.Time
	Deleted  *time.Time
}

func blockEntryOf(b *types.Block) BlockEntry {
	e := BlockEntry{
		ID:       b.ID,
		ChunkID:  b.ChunkID,
		FragID:   b.FragID,
		PoolID:   b.PoolID,
		TierID:   b.TierID,
		Size:     b.Size,
		Missing:  b.Missing,
		Tampered: b.Tampered,
		Building: b.Building,
		Deleted:  b.Deleted,
	}
	if b.Node != nil {
		e.NodeID = b.Node.ID
	}
	return e
}

// Block converts the entry back, attaching node when known.
func (e *BlockEntry) Block(node *types.Node) *types.Block {
	if node == nil && e.NodeID != "" {
		node = &types.Node{ID: e.NodeID, PoolID: e.PoolID}
	}
	return &types.Block{
		ID:       e.ID,
		ChunkID:  e.ChunkID,
		FragID:   e.FragID,
		Node:     node,
		PoolID:   e.PoolID,
		TierID:   e.TierID,
		Size:     e.Size,
		Missing:  e.Missing,
		Tampered: e.Tampered,
		Building: e.Building,
		Deleted:  e.Deleted,
	}
}

func uint64ToBytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func bytesToUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

func chunkIndexKey(chunkID, blockID uuid.UUID) []byte {
	k := make([]byte, 0, 32)
	k = append(k, chunkID[:]...)
	return append(k, blockID[:]...)
}

// retiredIndexKey sorts by deletion time so purges scan a prefix.
func retiredIndexKey(at time.Time, blockID uuid.UUID) []byte {
	k := make([]byte, 0, 24)
	k = append(k, uint64ToBytes(uint64(at.UnixNano()))...)
	return append(k, blockID[:]...)
}
