package mapper

import (
	"fmt"

	"github.com/jeniawhite/noobaa-core/internal/types"
)

// ChunkMapper is a read-only classification of one chunk's block layout.
type ChunkMapper struct {
	Chunk      *types.Chunk
	IsWrite    bool
	Accessible bool

	fragsByIndex  map[string]*types.Fragment
	blocksByIndex map[string][]*types.Block
}

// NewChunkMapper indexes the chunk's fragments and blocks and computes its
// accessibility. Malformed fragment data returns ErrBadFragment.
func NewChunkMapper(chunk *types.Chunk) (*ChunkMapper, error) {
	if chunk == nil {
		return nil, fmt.Errorf("%w: nil chunk", ErrBadFragment)
	}
	cm := &ChunkMapper{
		Chunk:         chunk,
		IsWrite:       chunk.IsNew(),
		fragsByIndex:  make(map[string]*types.Fragment, len(chunk.Frags)),
		blocksByIndex: make(map[string][]*types.Block, len(chunk.Frags)),
	}

	fragsByID := make(map[string]*types.Fragment, len(chunk.Frags))
	for _, f := range chunk.Frags {
		if f == nil || !f.Index.Valid() {
			return nil, fmt.Errorf("%w: chunk %s has fragment with invalid index", ErrBadFragment, chunk.ID)
		}
		key := f.Index.String()
		if _, dup := cm.fragsByIndex[key]; dup {
			return nil, fmt.Errorf("%w: chunk %s has duplicate fragment %s", ErrBadFragment, chunk.ID, key)
		}
		cm.fragsByIndex[key] = f
		fragsByID[f.ID] = f
	}

	for i, b := range chunk.Blocks {
		if b == nil {
			return nil, fmt.Errorf("%w: chunk %s has nil block at %d", ErrBadFragment, chunk.ID, i)
		}
		f, ok := fragsByID[b.FragID]
		if !ok {
			return nil, fmt.Errorf("%w: block %s of chunk %s refers to unknown fragment %q",
				ErrBadFragment, b.ID, chunk.ID, b.FragID)
		}
		key := f.Index.String()
		cm.blocksByIndex[key] = append(cm.blocksByIndex[key], b)
	}

	cm.Accessible = cm.isAccessible()
	return cm, nil
}

// Frag returns the recorded fragment at idx, if any.
func (cm *ChunkMapper) Frag(idx types.FragIndex) *types.Fragment {
	return cm.fragsByIndex[idx.String()]
}

// Blocks returns every block of the fragment at idx.
func (cm *ChunkMapper) Blocks(idx types.FragIndex) []*types.Block {
	return cm.blocksByIndex[idx.String()]
}

// isAccessible counts fragment indexes holding at least one accessible block:
// data fragments first, then parity as a fallback, against data_frags.
func (cm *ChunkMapper) isAccessible() bool {
	coder := cm.Chunk.CoderConfig.Normalized()

	numAccessible := 0
	for i := 0; i < coder.DataFrags; i++ {
		if anyAccessible(cm.Blocks(types.DataIndex(i))) {
			numAccessible++
		}
	}
	if numAccessible >= coder.DataFrags {
		return true
	}

	for i := 0; i < coder.ParityFrags; i++ {
		if anyAccessible(cm.Blocks(types.ParityIndex(i))) {
			numAccessible++
		}
	}
	return numAccessible >= coder.DataFrags
}

func anyAccessible(blocks []*types.Block) bool {
	for _, b := range blocks {
		if b.Accessible() {
			return true
		}
	}
	return false
}
