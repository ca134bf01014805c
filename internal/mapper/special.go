package mapper

import (
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/jeniawhite/noobaa-core/internal/types"
)

// Health summarizes a chunk mapping for admin views.
type Health string

const (
	HealthUnavailable Health = "unavailable"
	HealthBuilding    Health = "building"
	HealthAvailable   Health = "available"
)

// ChunkHealth is unavailable when the chunk cannot be read, building while
// mandatory allocations are pending, and available otherwise.
func ChunkHealth(mapping *TierMapping) Health {
	switch {
	case !mapping.Accessible:
		return HealthUnavailable
	case mapping.NeedsAllocations():
		return HealthBuilding
	default:
		return HealthAvailable
	}
}

// MarkSpecialChunks sets IsSpecial on every chunk holding the first or last
// part of an object whose content type is listed. Such chunks (e.g. video
// headers and trailers) are read far more often and get extra replicas.
func MarkSpecialChunks(chunks []*types.Chunk, parts []*types.Part, objects []*types.ObjectMD, contentTypes []string) {
	objectsByID := make(map[string]*types.ObjectMD, len(objects))
	for _, o := range objects {
		if o == nil {
			continue
		}
		objectsByID[o.ID] = o
	}
	special := make(map[uuid.UUID]bool)
	for _, p := range parts {
		if p == nil {
			continue
		}
		o := objectsByID[p.ObjectID]
		if o == nil || !containsFold(contentTypes, o.ContentType) {
			continue
		}
		if p.Start == 0 || p.End == o.Size {
			special[p.ChunkID] = true
		}
	}
	for _, c := range chunks {
		if c == nil {
			continue
		}
		c.IsSpecial = special[c.ID]
	}
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// SortBlocksForRead orders blocks so readable nodes come first, most recent
// heartbeat first.
func SortBlocksForRead(blocks []*types.Block) {
	sort.SliceStable(blocks, func(i, j int) bool {
		ri, rj := readable(blocks[i]), readable(blocks[j])
		if ri != rj {
			return ri
		}
		if !ri {
			return false
		}
		return blocks[i].Node.Heartbeat.After(blocks[j].Node.Heartbeat)
	})
}

func readable(b *types.Block) bool {
	return b.Node != nil && b.Node.Readable
}
