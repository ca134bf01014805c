package types

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PoolKind identifies the storage backend behind a pool.
type PoolKind int

const (
	PoolKindNodes PoolKind = iota
	PoolKindCloud
	PoolKindDatabase
)

func (k PoolKind) String() string {
	switch k {
	case PoolKindNodes:
		return "nodes"
	case PoolKindCloud:
		return "cloud"
	case PoolKindDatabase:
		return "database"
	default:
		return "unknown"
	}
}

// HasRedundancy reports whether the backend provides its own durability, in
// which case a single stored block satisfies any replication policy.
func (k PoolKind) HasRedundancy() bool {
	return k == PoolKindCloud || k == PoolKindDatabase
}

func (k PoolKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *PoolKind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "nodes", "":
		*k = PoolKindNodes
	case "cloud":
		*k = PoolKindCloud
	case "database":
		*k = PoolKindDatabase
	default:
		return fmt.Errorf("unknown pool kind %q", text)
	}
	return nil
}

// Storage reports capacity in bytes.
type Storage struct {
	Total int64 `json:"total"`
	Used  int64 `json:"used"`
	Free  int64 `json:"free"`
}

// Node is a storage node as reported by the node directory.
type Node struct {
	ID        string     `json:"id"`
	Name      string     `json:"name,omitempty"`
	PoolID    string     `json:"pool_id"`
	TierID    string     `json:"tier_id,omitempty"`
	Readable  bool       `json:"readable"`
	Writable  bool       `json:"writable"`
	Online    bool       `json:"online"`
	Heartbeat time.Time  `json:"heartbeat"`
	Storage   Storage    `json:"storage"`
	Deleted   *time.Time `json:"deleted,omitempty"`
}

// CloudPoolInfo locates the bucket backing a cloud pool.
type CloudPoolInfo struct {
	Endpoint string `json:"endpoint,omitempty"`
	Region   string `json:"region,omitempty"`
	Bucket   string `json:"bucket"`
}

// Pool is either a set of nodes or an opaque redundant backend.
type Pool struct {
	ID    string         `json:"id"`
	Name  string         `json:"name,omitempty"`
	Kind  PoolKind       `json:"kind"`
	Cloud *CloudPoolInfo `json:"cloud,omitempty"`
}

func (p *Pool) HasRedundancy() bool {
	return p != nil && p.Kind.HasRedundancy()
}

// Mirror is a set of pools that together must hold one full replica set.
type Mirror struct {
	ID    string  `json:"id"`
	Pools []*Pool `json:"spread_pools"`
}

// CoderConfig describes how a chunk is split and replicated.
type CoderConfig struct {
	Replicas    int `json:"replicas,omitempty"`
	DataFrags   int `json:"data_frags,omitempty"`
	ParityFrags int `json:"parity_frags,omitempty"`
	LRCFrags    int `json:"lrc_frags,omitempty"`
}

// Normalized fills unset fields with replicas=1, data_frags=1, parity_frags=0.
func (c CoderConfig) Normalized() CoderConfig {
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	if c.DataFrags <= 0 {
		c.DataFrags = 1
	}
	if c.ParityFrags < 0 {
		c.ParityFrags = 0
	}
	return c
}

// Tier is an ordered list of mirrors sharing one coding policy.
type Tier struct {
	ID          string      `json:"id"`
	Name        string      `json:"name,omitempty"`
	Mirrors     []*Mirror   `json:"mirrors"`
	CoderConfig CoderConfig `json:"chunk_coder_config"`
	Order       int         `json:"order"`
	Spillover   bool        `json:"spillover,omitempty"`
	Disabled    bool        `json:"disabled,omitempty"`
}

// TieringPolicy is the ordered set of tiers of one bucket. Revision must be
// bumped by the owner whenever the policy graph changes.
type TieringPolicy struct {
	ID       string  `json:"id"`
	Revision uint64  `json:"revision"`
	Tiers    []*Tier `json:"tiers"`
}

// ErrBadPolicy marks a tiering policy that cannot be mapped against.
var ErrBadPolicy = errors.New("bad tiering policy")

// Validate checks that the policy graph has no missing tier, mirror or pool
// references.
func (p *TieringPolicy) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: nil policy", ErrBadPolicy)
	}
	for i, t := range p.Tiers {
		if t == nil {
			return fmt.Errorf("%w: policy %q has nil tier at %d", ErrBadPolicy, p.ID, i)
		}
		for j, m := range t.Mirrors {
			if m == nil {
				return fmt.Errorf("%w: tier %q has nil mirror at %d", ErrBadPolicy, t.ID, j)
			}
			for k, pool := range m.Pools {
				if pool == nil {
					return fmt.Errorf("%w: mirror %q of tier %q has nil pool at %d",
						ErrBadPolicy, m.ID, t.ID, k)
				}
			}
		}
	}
	return nil
}

// FragKind is the kind of a fragment: data, parity or LRC.
type FragKind byte

const (
	FragData   FragKind = 'D'
	FragParity FragKind = 'P'
	FragLRC    FragKind = 'L'
)

// FragIndex identifies a fragment within a chunk, e.g. D0, P1, L2.
type FragIndex struct {
	Kind FragKind
	N    int
}

func DataIndex(n int) FragIndex   { return FragIndex{Kind: FragData, N: n} }
func ParityIndex(n int) FragIndex { return FragIndex{Kind: FragParity, N: n} }
func LRCIndex(n int) FragIndex    { return FragIndex{Kind: FragLRC, N: n} }

func (i FragIndex) Valid() bool {
	switch i.Kind {
	case FragData, FragParity, FragLRC:
		return i.N >= 0
	}
	return false
}

func (i FragIndex) String() string {
	if !i.Valid() {
		return fmt.Sprintf("BAD(%d:%d)", i.Kind, i.N)
	}
	return fmt.Sprintf("%c%d", i.Kind, i.N)
}

// ParseFragIndex parses the D/P/L string form.
func ParseFragIndex(s string) (FragIndex, error) {
	if len(s) < 2 {
		return FragIndex{}, fmt.Errorf("invalid fragment index %q", s)
	}
	idx := FragIndex{Kind: FragKind(s[0])}
	if _, err := fmt.Sscanf(s[1:], "%d", &idx.N); err != nil {
		return FragIndex{}, fmt.Errorf("invalid fragment index %q: %w", s, err)
	}
	if !idx.Valid() || fmt.Sprintf("%c%d", idx.Kind, idx.N) != s {
		return FragIndex{}, fmt.Errorf("invalid fragment index %q", s)
	}
	return idx, nil
}

func (i FragIndex) MarshalText() ([]byte, error) {
	if !i.Valid() {
		return nil, fmt.Errorf("invalid fragment index %s", i)
	}
	return []byte(i.String()), nil
}

func (i *FragIndex) UnmarshalText(text []byte) error {
	parsed, err := ParseFragIndex(string(text))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}

// Fragment is one data, parity or LRC slice of a chunk.
type Fragment struct {
	ID     string    `json:"id"`
	Index  FragIndex `json:"index"`
	Digest []byte    `json:"digest,omitempty"`
}

// Block is one physical replica of a fragment on a node.
type Block struct {
	ID       uuid.UUID  `json:"id"`
	ChunkID  uuid.UUID  `json:"chunk_id"`
	FragID   string     `json:"frag_id"`
	Node     *Node      `json:"node,omitempty"`
	PoolID   string     `json:"pool_id"`
	TierID   string     `json:"tier_id,omitempty"`
	Size     int64      `json:"size"`
	Missing  bool       `json:"missing,omitempty"`
	Tampered bool       `json:"tampered,omitempty"`
	Building *time.Time `json:"building,omitempty"`
	Deleted  *time.Time `json:"deleted,omitempty"`
}

// Accessible reports whether the block can currently be read.
func (b *Block) Accessible() bool {
	return b.Node != nil && b.Node.Readable && !b.Missing && !b.Tampered
}

// OnGoodNode reports whether the block's node accepts writes.
func (b *Block) OnGoodNode() bool {
	return b.Node != nil && b.Node.Writable
}

// CreatedAt returns the creation time embedded in a v7 block ID, or the zero
// time for IDs that carry none.
func (b *Block) CreatedAt() time.Time {
	if b.ID.Version() != 7 {
		return time.Time{}
	}
	return time.Unix(b.ID.Time().UnixTime())
}

// NewerThan orders blocks by embedded creation time, newest first; ties fall
// back to ID byte order, which is monotonic for IDs minted in one process.
func (b *Block) NewerThan(o *Block) bool {
	bt, ot := b.CreatedAt(), o.CreatedAt()
	if !bt.Equal(ot) {
		return bt.After(ot)
	}
	return bytes.Compare(b.ID[:], o.ID[:]) > 0
}

// NewBlockIDAt mints a v7 UUID whose timestamp is t.
func NewBlockIDAt(t time.Time) uuid.UUID {
	id := uuid.New()
	ms := uint64(t.UnixMilli())
	id[0] = byte(ms >> 40)
	id[1] = byte(ms >> 32)
	id[2] = byte(ms >> 24)
	id[3] = byte(ms >> 16)
	id[4] = byte(ms >> 8)
	id[5] = byte(ms)
	id[6] = (id[6] & 0x0f) | 0x70
	id[8] = (id[8] & 0x3f) | 0x80
	return id
}

// Chunk is a logical unit of object data with its fragments and blocks
// populated. A nil ID marks a chunk that has not been placed yet.
type Chunk struct {
	ID          uuid.UUID   `json:"id"`
	BucketID    string      `json:"bucket_id,omitempty"`
	Size        int64       `json:"size"`
	CoderConfig CoderConfig `json:"chunk_coder_config"`
	Frags       []*Fragment `json:"frags"`
	Blocks      []*Block    `json:"blocks"`
	IsSpecial   bool        `json:"is_special,omitempty"`
}

func (c *Chunk) IsNew() bool {
	return c.ID == uuid.Nil
}

// ObjectMD is the part of object metadata needed for special chunk analysis.
type ObjectMD struct {
	ID          string `json:"id"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
}

// Part maps a byte range of an object onto a chunk.
type Part struct {
	ObjectID string    `json:"obj"`
	ChunkID  uuid.UUID `json:"chunk"`
	Start    int64     `json:"start"`
	End      int64     `json:"end"`
}
