package serve

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jeniawhite/noobaa-core/internal/alloc"
	"github.com/jeniawhite/noobaa-core/internal/config"
	"github.com/jeniawhite/noobaa-core/internal/types"
	"github.com/jeniawhite/noobaa-core/pkg/natsutil"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

func startEmbeddedNATS(t *testing.T) string {
	t.Helper()
	ns, err := server.NewServer(&server.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		t.Fatalf("failed to create nats-server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats-server failed to start")
	}
	t.Cleanup(ns.Shutdown)
	return ns.ClientURL()
}

// startResponder runs the responder under prefix "test" and waits until its
// subscriptions are live.
func startResponder(t *testing.T, env *testEnv) *nats.Conn {
	t.Helper()
	url := startEmbeddedNATS(t)

	serverConn, err := nats.Connect(url)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(serverConn.Close)
	clientConn, err := nats.Connect(url)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(clientConn.Close)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- RunNATSResponder(ctx, serverConn, config.NATSResponderConfig{SubjectPrefix: "test"}, env.svc, zap.NewNop())
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	deadline := time.Now().Add(5 * time.Second)
	for {
		err := natsutil.RequestJSON(context.Background(), clientConn, "test.retire", RetireRequest{}, nil)
		if err == nil {
			return clientConn
		}
		if !errors.Is(err, nats.ErrNoResponders) || time.Now().After(deadline) {
			t.Fatalf("responder not ready: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNATSResponderMapAndAllocate(t *testing.T) {
	env := newTestEnv(t)
	nc := startResponder(t, env)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var mapped MapResponse
	err := natsutil.RequestJSON(ctx, nc, "test.map", MapRequest{
		Chunk:  &types.Chunk{CoderConfig: env.policy.Tiers[0].CoderConfig},
		Policy: env.policy,
	}, &mapped)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if len(mapped.Allocations) != 3 {
		t.Errorf("expected 3 allocations, got %d", len(mapped.Allocations))
	}

	var allocated AllocateResponse
	err = natsutil.RequestJSON(ctx, nc, "test.allocate", AllocateRequest{
		AllocRequest: alloc.AllocRequest{TierID: "t1", ChunkID: uuid.New(), Size: 1024},
		Avoid:        []string{"n1", "n2"},
	}, &allocated)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if !allocated.Allocated || allocated.Block.Node.ID != "n3" {
		t.Errorf("expected allocation on n3, got %+v", allocated)
	}

	var dedup DedupResponse
	err = natsutil.RequestJSON(ctx, nc, "test.dedup", MapRequest{
		Chunk:  &types.Chunk{ID: uuid.New()},
		Policy: env.policy,
	}, &dedup)
	if err != nil {
		t.Fatalf("dedup: %v", err)
	}
}

func TestNATSResponderErrors(t *testing.T) {
	env := newTestEnv(t)
	nc := startResponder(t, env)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msg, err := nc.RequestWithContext(ctx, "test.map", []byte("not json"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if string(msg.Data) == "" {
		t.Fatal("expected an error reply body")
	}

	err = natsutil.RequestJSON(ctx, nc, "test.map", MapRequest{Chunk: &types.Chunk{}}, nil)
	var remote *natsutil.RemoteError
	if !errors.As(err, &remote) || remote.Code != http.StatusBadRequest {
		t.Errorf("expected a 400 remote error, got %v", err)
	}

	err = natsutil.RequestJSON(ctx, nc, "test.allocate", AllocateRequest{
		AllocRequest: alloc.AllocRequest{TierID: "empty-tier"},
	}, nil)
	if !errors.As(err, &remote) || remote.Code != http.StatusConflict {
		t.Errorf("expected a 409 remote error, got %v", err)
	}

	// A policy with a null tier is rejected and the responder keeps serving.
	msg, err = nc.RequestWithContext(ctx, "test.map", []byte(`{"chunk":{},"policy":{"id":"x","tiers":[null]}}`))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var reply natsutil.ErrorReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil || reply.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected a 422 reply, got %s", msg.Data)
	}
	err = natsutil.RequestJSON(ctx, nc, "test.retire", RetireRequest{}, nil)
	if err != nil {
		t.Errorf("responder stopped serving: %v", err)
	}
}
