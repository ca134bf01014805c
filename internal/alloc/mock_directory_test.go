package alloc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jeniawhite/noobaa-core/internal/types"
)

// mockDirectory is a thread-safe in-memory NodeDirectory for testing.
type mockDirectory struct {
	mu       sync.Mutex
	nodes    []*types.Node
	queryErr error
	queries  []NodeQuery
	calls    atomic.Int32

	active    atomic.Int32
	maxActive atomic.Int32

	// gate, when set, blocks every query until closed.
	gate chan struct{}
}

func (m *mockDirectory) setNodes(nodes []*types.Node) {
	m.mu.Lock()
	m.nodes = nodes
	m.mu.Unlock()
}

func (m *mockDirectory) QueryNodes(_ context.Context, q NodeQuery) ([]*types.Node, error) {
	m.calls.Add(1)
	n := m.active.Add(1)
	defer m.active.Add(-1)
	for {
		cur := m.maxActive.Load()
		if n <= cur || m.maxActive.CompareAndSwap(cur, n) {
			break
		}
	}
	if m.gate != nil {
		<-m.gate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries = append(m.queries, q)
	if m.queryErr != nil {
		return nil, m.queryErr
	}
	var out []*types.Node
	for _, n := range m.nodes {
		if q.TierID != "" && n.TierID != q.TierID {
			continue
		}
		if n.Deleted != nil || !n.Heartbeat.After(q.MinHeartbeat) {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

// mockBlockStore records retirements.
type mockBlockStore struct {
	mu      sync.Mutex
	retired map[uuid.UUID]time.Time
	err     error
}

func newMockBlockStore() *mockBlockStore {
	return &mockBlockStore{retired: make(map[uuid.UUID]time.Time)}
}

func (m *mockBlockStore) RetireBlocks(_ context.Context, ids []uuid.UUID, at time.Time) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		m.retired[id] = at
	}
	return nil
}
