package alloc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jeniawhite/noobaa-core/internal/types"
	"go.uber.org/zap"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func liveNodes(clock *testClock, tier string, used ...int64) []*types.Node {
	nodes := make([]*types.Node, len(used))
	for i, u := range used {
		nodes[i] = &types.Node{
			ID:        fmt.Sprintf("node-%d", i),
			PoolID:    "pool-a",
			TierID:    tier,
			Readable:  true,
			Writable:  true,
			Online:    true,
			Heartbeat: clock.Now(),
			Storage:   types.Storage{Used: u},
		}
	}
	return nodes
}

func newTestPool(dir NodeDirectory, clock *testClock, minNodes int) *CandidatePool {
	return NewCandidatePool(CandidatePoolConfig{
		Directory:       dir,
		MinNodes:        minNodes,
		MaxCandidates:   100,
		RefreshTTL:      time.Minute,
		HeartbeatWindow: 10 * time.Minute,
		Now:             clock.Now,
		Logger:          zap.NewNop(),
	})
}

func TestRefreshReusesWithinTTL(t *testing.T) {
	clock := newTestClock()
	dir := &mockDirectory{nodes: liveNodes(clock, "t1", 1, 2, 3)}
	pool := newTestPool(dir, clock, 1)
	ctx := context.Background()

	first, err := pool.Refresh(ctx, "t1")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	clock.Advance(30 * time.Second)
	second, err := pool.Refresh(ctx, "t1")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if first != second {
		t.Error("expected cached list within TTL")
	}
	if n := dir.calls.Load(); n != 1 {
		t.Errorf("expected 1 query, got %d", n)
	}

	clock.Advance(time.Minute)
	third, err := pool.Refresh(ctx, "t1")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if third == first {
		t.Error("expected a new list after TTL")
	}
	if n := dir.calls.Load(); n != 2 {
		t.Errorf("expected 2 queries, got %d", n)
	}
}

func TestRefreshInsufficientNodes(t *testing.T) {
	clock := newTestClock()
	dir := &mockDirectory{nodes: liveNodes(clock, "t1", 1, 2)}
	pool := newTestPool(dir, clock, 3)
	ctx := context.Background()

	if _, err := pool.Refresh(ctx, "t1"); !errors.Is(err, ErrInsufficientNodes) {
		t.Fatalf("expected ErrInsufficientNodes, got %v", err)
	}
	if !pool.LastRefresh("t1").IsZero() {
		t.Error("failed refresh must not set the refresh time")
	}

	// The very next call retries instead of waiting out the TTL.
	if _, err := pool.Refresh(ctx, "t1"); !errors.Is(err, ErrInsufficientNodes) {
		t.Fatalf("expected ErrInsufficientNodes, got %v", err)
	}
	if n := dir.calls.Load(); n != 2 {
		t.Errorf("expected 2 queries, got %d", n)
	}

	dir.setNodes(liveNodes(clock, "t1", 1, 2, 3))
	list, err := pool.Refresh(ctx, "t1")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	refreshed := pool.LastRefresh("t1")
	if !refreshed.Equal(clock.Now()) {
		t.Errorf("expected refresh time %v, got %v", clock.Now(), refreshed)
	}

	// Once expired, a failing refresh keeps the old timestamp and list.
	clock.Advance(2 * time.Minute)
	dir.setNodes(liveNodes(clock, "t1", 1))
	if _, err := pool.Refresh(ctx, "t1"); !errors.Is(err, ErrInsufficientNodes) {
		t.Fatalf("expected ErrInsufficientNodes, got %v", err)
	}
	if !pool.LastRefresh("t1").Equal(refreshed) {
		t.Error("failed refresh must not advance the refresh time")
	}
	pool.mu.Lock()
	cached := pool.tiers["t1"].list
	pool.mu.Unlock()
	if cached != list {
		t.Error("failed refresh must not replace the cached list")
	}
}

func TestRefreshQueryError(t *testing.T) {
	clock := newTestClock()
	boom := errors.New("directory down")
	dir := &mockDirectory{queryErr: boom}
	pool := newTestPool(dir, clock, 1)

	if _, err := pool.Refresh(context.Background(), "t1"); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped directory error, got %v", err)
	}
	if !pool.LastRefresh("t1").IsZero() {
		t.Error("failed refresh must not set the refresh time")
	}
}

func TestRefreshQueryAndOrdering(t *testing.T) {
	clock := newTestClock()
	nodes := liveNodes(clock, "t1", 30, 10, 20)
	stale := liveNodes(clock, "t1", 0)[0]
	stale.ID = "stale"
	stale.Heartbeat = clock.Now().Add(-time.Hour)
	deleted := liveNodes(clock, "t1", 0)[0]
	deleted.ID = "deleted"
	now := clock.Now()
	deleted.Deleted = &now
	other := liveNodes(clock, "t2", 0)[0]
	other.ID = "other-tier"

	dir := &mockDirectory{nodes: append(nodes, stale, deleted, other)}
	pool := newTestPool(dir, clock, 1)

	list, err := pool.Refresh(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if len(list.Nodes) != 3 {
		t.Fatalf("expected 3 candidates, got %d", len(list.Nodes))
	}
	for i, want := range []int64{10, 20, 30} {
		if list.Nodes[i].Storage.Used != want {
			t.Errorf("candidate %d: used = %d, want %d", i, list.Nodes[i].Storage.Used, want)
		}
	}

	q := dir.queries[0]
	if q.TierID != "t1" || q.Limit != 100 {
		t.Errorf("unexpected query %+v", q)
	}
	if !q.MinHeartbeat.Equal(clock.Now().Add(-10 * time.Minute)) {
		t.Errorf("unexpected heartbeat floor %v", q.MinHeartbeat)
	}
}

func TestRefreshCapsCandidates(t *testing.T) {
	clock := newTestClock()
	used := make([]int64, 150)
	for i := range used {
		used[i] = int64(150 - i)
	}
	dir := &mockDirectory{nodes: liveNodes(clock, "", used...)}
	pool := newTestPool(dir, clock, 1)

	list, err := pool.Refresh(context.Background(), "")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if len(list.Nodes) != 100 {
		t.Errorf("expected 100 candidates, got %d", len(list.Nodes))
	}
	if list.Nodes[0].Storage.Used != 1 {
		t.Errorf("expected least used node first, got %d", list.Nodes[0].Storage.Used)
	}
}

func TestRefreshCoalescesConcurrentCalls(t *testing.T) {
	clock := newTestClock()
	dir := &mockDirectory{
		nodes: liveNodes(clock, "t1", 1, 2, 3),
		gate:  make(chan struct{}),
	}
	pool := newTestPool(dir, clock, 1)

	const callers = 8
	var wg sync.WaitGroup
	lists := make([]*CandidateList, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			lists[i], errs[i] = pool.Refresh(context.Background(), "t1")
		}(i)
	}

	waitFor(t, func() bool { return dir.calls.Load() == 1 })
	time.Sleep(50 * time.Millisecond)
	close(dir.gate)
	wg.Wait()

	if n := dir.calls.Load(); n != 1 {
		t.Errorf("expected 1 shared query, got %d", n)
	}
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if lists[i] != lists[0] {
			t.Errorf("caller %d got a different list", i)
		}
	}
}

func TestRefreshWaiterCanGiveUp(t *testing.T) {
	clock := newTestClock()
	dir := &mockDirectory{
		nodes: liveNodes(clock, "t1", 1),
		gate:  make(chan struct{}),
	}
	pool := newTestPool(dir, clock, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := pool.Refresh(ctx, "t1")
		done <- err
	}()
	waitFor(t, func() bool { return dir.calls.Load() == 1 })
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not return after cancel")
	}

	// The shared query still completes and commits.
	close(dir.gate)
	waitFor(t, func() bool { return !pool.LastRefresh("t1").IsZero() })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRefreshesOfOneTierAreOrdered(t *testing.T) {
	clock := newTestClock()
	dir := &mockDirectory{
		nodes: liveNodes(clock, "t1", 1, 2),
		gate:  make(chan struct{}),
	}
	pool := newTestPool(dir, clock, 1)

	// The first caller gives up while its query is still running.
	ctx, cancel := context.WithCancel(context.Background())
	abandoned := make(chan error, 1)
	go func() {
		_, err := pool.Refresh(ctx, "t1")
		abandoned <- err
	}()
	waitFor(t, func() bool { return dir.calls.Load() == 1 })
	cancel()
	if err := <-abandoned; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	// A caller arriving later joins the running query instead of racing it.
	joined := make(chan *CandidateList, 1)
	go func() {
		list, err := pool.Refresh(context.Background(), "t1")
		if err != nil {
			t.Error(err)
		}
		joined <- list
	}()
	time.Sleep(50 * time.Millisecond)
	close(dir.gate)
	first := <-joined

	if n := dir.calls.Load(); n != 1 {
		t.Fatalf("expected 1 query, got %d", n)
	}
	if first == nil || len(first.Nodes) != 2 {
		t.Fatalf("unexpected list %+v", first)
	}

	// Once the TTL expires the next refresh commits a newer list.
	clock.Advance(2 * time.Minute)
	dir.setNodes(liveNodes(clock, "t1", 1, 2, 3))
	second, err := pool.Refresh(context.Background(), "t1")
	if err != nil {
		t.Fatal(err)
	}
	if len(second.Nodes) != 3 || !second.RefreshedAt.After(first.RefreshedAt) {
		t.Errorf("expected the newer list, got %d nodes at %v", len(second.Nodes), second.RefreshedAt)
	}
	if got := pool.LastRefresh("t1"); !got.Equal(second.RefreshedAt) {
		t.Errorf("LastRefresh = %v, want %v", got, second.RefreshedAt)
	}
	if m := dir.maxActive.Load(); m != 1 {
		t.Errorf("queries overlapped: %d at once", m)
	}
}
