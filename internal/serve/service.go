package serve

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jeniawhite/noobaa-core/internal/alloc"
	"github.com/jeniawhite/noobaa-core/internal/mapper"
	"github.com/jeniawhite/noobaa-core/internal/meta"
	"github.com/jeniawhite/noobaa-core/internal/status"
	"github.com/jeniawhite/noobaa-core/internal/types"
	"go.uber.org/zap"
)

// ServiceConfig holds dependencies for the placement service.
type ServiceConfig struct {
	Mapper              *mapper.Mapper
	Allocator           *alloc.Allocator
	Status              *status.Builder
	Meta                meta.Store
	SpecialContentTypes []string
	Logger              *zap.Logger
}

// Service implements the operations exposed over HTTP and NATS.
type Service struct {
	mapper       *mapper.Mapper
	allocator    *alloc.Allocator
	status       *status.Builder
	meta         meta.Store
	specialTypes []string
	logger       *zap.Logger
}

// NewService creates the placement service.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Service{
		mapper:       cfg.Mapper,
		allocator:    cfg.Allocator,
		status:       cfg.Status,
		meta:         cfg.Meta,
		specialTypes: cfg.SpecialContentTypes,
		logger:       cfg.Logger,
	}
}

var errBadRequest = errors.New("bad request")

// MapRequest carries a chunk and the policy graph it is placed under. Status
// is built from the node directory when omitted. Parts and objects, when
// given, are used to detect special chunks.
type MapRequest struct {
	Chunk   *types.Chunk         `json:"chunk"`
	Policy  *types.TieringPolicy `json:"policy"`
	Status  types.TieringStatus  `json:"status,omitempty"`
	Parts   []*types.Part        `json:"parts,omitempty"`
	Objects []*types.ObjectMD    `json:"objects,omitempty"`
}

// AllocationView is the wire form of a mapper.Allocation.
type AllocationView struct {
	FragIndex      types.FragIndex `json:"frag_index"`
	FragID         string          `json:"frag_id,omitempty"`
	Pools          []string        `json:"pools"`
	Sources        []uuid.UUID     `json:"sources,omitempty"`
	SpecialReplica bool            `json:"special_replica,omitempty"`
}

// MapResponse is the wire form of a mapper.TierMapping.
type MapResponse struct {
	TierID           string           `json:"tier_id"`
	Accessible       bool             `json:"accessible"`
	Health           mapper.Health    `json:"health"`
	BlocksInUse      []uuid.UUID      `json:"blocks_in_use"`
	Deletions        []uuid.UUID      `json:"deletions"`
	Allocations      []AllocationView `json:"allocations"`
	ExtraAllocations []AllocationView `json:"extra_allocations"`
	RecodingGap      bool             `json:"recoding_gap,omitempty"`
}

// DedupResponse answers whether a chunk can be reused as is.
type DedupResponse struct {
	Good bool `json:"good"`
}

// AllocateRequest asks for one block. When Policy is set the chosen node's
// pool must belong to it.
type AllocateRequest struct {
	alloc.AllocRequest
	Avoid  []string             `json:"avoid,omitempty"`
	Policy *types.TieringPolicy `json:"policy,omitempty"`
}

// AllocateResponse carries the allocated block, or Allocated=false when every
// candidate was avoided.
type AllocateResponse struct {
	Allocated bool         `json:"allocated"`
	Block     *types.Block `json:"block,omitempty"`
}

// RetireRequest lists blocks to soft-delete.
type RetireRequest struct {
	BlockIDs []uuid.UUID `json:"block_ids"`
}

// RetireResponse reports how many blocks were retired.
type RetireResponse struct {
	Retired int `json:"retired"`
}

// DeleteNodeResponse reports when a node was soft-deleted.
type DeleteNodeResponse struct {
	NodeID  string    `json:"node_id"`
	Deleted time.Time `json:"deleted"`
}

func (s *Service) Map(ctx context.Context, req *MapRequest) (*MapResponse, error) {
	mapping, err := s.mapChunk(ctx, req)
	if err != nil {
		return nil, err
	}
	return newMapResponse(mapping), nil
}

func (s *Service) Dedup(ctx context.Context, req *MapRequest) (*DedupResponse, error) {
	if err := s.prepare(ctx, req); err != nil {
		return nil, err
	}
	good, err := s.mapper.IsChunkGoodForDedup(req.Chunk, req.Policy, req.Status)
	if err != nil {
		return nil, err
	}
	return &DedupResponse{Good: good}, nil
}

func (s *Service) mapChunk(ctx context.Context, req *MapRequest) (*mapper.TierMapping, error) {
	if err := s.prepare(ctx, req); err != nil {
		return nil, err
	}
	return s.mapper.MapChunk(req.Chunk, req.Policy, req.Status)
}

// prepare fills in what the caller left out: stored blocks of an existing
// chunk, special chunk marking, and the tiering status.
func (s *Service) prepare(ctx context.Context, req *MapRequest) error {
	if req.Chunk == nil || req.Policy == nil {
		return fmt.Errorf("%w: chunk and policy are required", errBadRequest)
	}
	if err := req.Policy.Validate(); err != nil {
		return err
	}
	for i, b := range req.Chunk.Blocks {
		if b == nil {
			return fmt.Errorf("%w: chunk %s has nil block at %d", mapper.ErrBadFragment, req.Chunk.ID, i)
		}
	}
	if !req.Chunk.IsNew() && len(req.Chunk.Blocks) == 0 && s.meta != nil {
		blocks, err := s.meta.ListBlocksByChunk(ctx, req.Chunk.ID)
		if err != nil {
			return fmt.Errorf("loading blocks of chunk %s: %w", req.Chunk.ID, err)
		}
		for _, b := range blocks {
			if b.Deleted == nil {
				req.Chunk.Blocks = append(req.Chunk.Blocks, b)
			}
		}
	}
	if len(req.Parts) > 0 {
		mapper.MarkSpecialChunks([]*types.Chunk{req.Chunk}, req.Parts, req.Objects, s.specialTypes)
	}
	if req.Status == nil {
		if s.status == nil {
			return fmt.Errorf("%w: status is required", errBadRequest)
		}
		st, err := s.status.Build(ctx, req.Policy)
		if err != nil {
			return fmt.Errorf("building tiering status: %w", err)
		}
		req.Status = st
	}
	return nil
}

func (s *Service) Allocate(ctx context.Context, req *AllocateRequest) (*AllocateResponse, error) {
	if req.Policy != nil {
		if err := req.Policy.Validate(); err != nil {
			return nil, err
		}
	}
	blk, ok, err := s.allocator.Allocate(ctx, req.AllocRequest, req.Avoid)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &AllocateResponse{}, nil
	}
	if req.Policy != nil {
		if err := alloc.AssignNodeToBlock(blk, blk.Node, alloc.PoolsOf(req.Policy)); err != nil {
			return nil, err
		}
	}
	if s.meta != nil {
		if err := s.meta.RecordBlocks(ctx, []*types.Block{blk}); err != nil {
			return nil, fmt.Errorf("recording block %s: %w", blk.ID, err)
		}
	}
	return &AllocateResponse{Allocated: true, Block: blk}, nil
}

func (s *Service) Retire(ctx context.Context, req *RetireRequest) (*RetireResponse, error) {
	blocks := make([]*types.Block, len(req.BlockIDs))
	for i, id := range req.BlockIDs {
		blocks[i] = &types.Block{ID: id}
	}
	if err := s.allocator.Retire(ctx, blocks); err != nil {
		return nil, err
	}
	return &RetireResponse{Retired: len(blocks)}, nil
}

// DeleteNode soft-deletes a node. It stops being an allocation candidate once
// its tier's candidate list is next refreshed.
func (s *Service) DeleteNode(ctx context.Context, id string) (*DeleteNodeResponse, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: node id is required", errBadRequest)
	}
	at := time.Now()
	if err := s.meta.DeleteNode(ctx, id, at); err != nil {
		return nil, err
	}
	s.logger.Info("deleted node", zap.String("node", id))
	return &DeleteNodeResponse{NodeID: id, Deleted: at}, nil
}

// ChunkBlocks returns the live blocks of a stored chunk in read order.
func (s *Service) ChunkBlocks(ctx context.Context, chunkID uuid.UUID) ([]*types.Block, error) {
	blocks, err := s.meta.ListBlocksByChunk(ctx, chunkID)
	if err != nil {
		return nil, err
	}
	live := blocks[:0]
	for _, b := range blocks {
		if b.Deleted == nil {
			live = append(live, b)
		}
	}
	mapper.SortBlocksForRead(live)
	return live, nil
}

func newMapResponse(m *mapper.TierMapping) *MapResponse {
	resp := &MapResponse{
		TierID:           m.TierID,
		Accessible:       m.Accessible,
		Health:           mapper.ChunkHealth(m),
		BlocksInUse:      blockIDs(m.BlocksInUse),
		Deletions:        blockIDs(m.Deletions),
		Allocations:      allocationViews(m.Allocations),
		ExtraAllocations: allocationViews(m.ExtraAllocations),
		RecodingGap:      m.RecodingGap,
	}
	return resp
}

func blockIDs(blocks []*types.Block) []uuid.UUID {
	ids := make([]uuid.UUID, len(blocks))
	for i, b := range blocks {
		ids[i] = b.ID
	}
	return ids
}

func allocationViews(allocs []mapper.Allocation) []AllocationView {
	views := make([]AllocationView, len(allocs))
	for i, a := range allocs {
		v := AllocationView{
			FragIndex:      a.Index,
			Pools:          make([]string, len(a.Pools)),
			SpecialReplica: a.SpecialReplica,
		}
		if a.Frag != nil {
			v.FragID = a.Frag.ID
		}
		for j, p := range a.Pools {
			v.Pools[j] = p.ID
		}
		if a.Sources != nil {
			v.Sources = blockIDs(a.Sources.Blocks)
		}
		views[i] = v
	}
	return views
}

// errorStatus maps service errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, alloc.ErrInsufficientNodes):
		return http.StatusConflict
	case errors.Is(err, mapper.ErrBadFragment),
		errors.Is(err, mapper.ErrBadPolicy),
		errors.Is(err, alloc.ErrPoolNotFound):
		return http.StatusUnprocessableEntity
	case errors.Is(err, meta.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
