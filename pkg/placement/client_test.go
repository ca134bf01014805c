package placement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jeniawhite/noobaa-core/internal/alloc"
	"github.com/jeniawhite/noobaa-core/internal/serve"
	"github.com/jeniawhite/noobaa-core/internal/types"
	"github.com/jeniawhite/noobaa-core/pkg/natsutil"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

func startEmbeddedNATS(t *testing.T) (*nats.Conn, jetstream.JetStream) {
	t.Helper()

	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  filepath.Join(t.TempDir(), "jetstream"),
		NoLog:     true,
		NoSigs:    true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		t.Fatalf("failed to create nats-server: %v", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats-server failed to start")
	}

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		t.Fatal(err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		ns.Shutdown()
		t.Fatal(err)
	}

	t.Cleanup(func() {
		nc.Close()
		ns.Shutdown()
	})

	return nc, js
}

// fakeResponder answers the placement subjects with canned replies.
func fakeResponder(t *testing.T, nc *nats.Conn, prefix string, handlers map[string]nats.MsgHandler) {
	t.Helper()
	for op, h := range handlers {
		sub, err := nc.Subscribe(prefix+"."+op, h)
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { sub.Unsubscribe() })
	}
	if err := nc.Flush(); err != nil {
		t.Fatal(err)
	}
}

func TestClient_New(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without a connection")
	}

	nc, _ := startEmbeddedNATS(t)
	client, err := New(Config{NC: nc})
	if err != nil {
		t.Fatal(err)
	}
	if client.prefix != "placement" || client.nodesPrefix != "placement.nodes" {
		t.Errorf("unexpected default prefixes %q, %q", client.prefix, client.nodesPrefix)
	}
	if client.timeout != 5*time.Second {
		t.Errorf("expected default timeout 5s, got %v", client.timeout)
	}
}

func TestClient_MapAndAllocate(t *testing.T) {
	nc, _ := startEmbeddedNATS(t)
	blockID := uuid.New()

	fakeResponder(t, nc, "test", map[string]nats.MsgHandler{
		"map": func(msg *nats.Msg) {
			var req serve.MapRequest
			if err := json.Unmarshal(msg.Data, &req); err != nil || req.Policy == nil {
				natsutil.RespondError(msg, http.StatusBadRequest, fmt.Errorf("bad request"))
				return
			}
			natsutil.RespondJSON(msg, serve.MapResponse{TierID: req.Policy.Tiers[0].ID, Accessible: true})
		},
		"allocate": func(msg *nats.Msg) {
			var req serve.AllocateRequest
			json.Unmarshal(msg.Data, &req)
			if len(req.Avoid) > 0 {
				natsutil.RespondJSON(msg, serve.AllocateResponse{})
				return
			}
			natsutil.RespondJSON(msg, serve.AllocateResponse{
				Allocated: true,
				Block:     &types.Block{ID: blockID, ChunkID: req.ChunkID, TierID: req.TierID},
			})
		},
		"retire": func(msg *nats.Msg) {
			var req serve.RetireRequest
			json.Unmarshal(msg.Data, &req)
			natsutil.RespondJSON(msg, serve.RetireResponse{Retired: len(req.BlockIDs)})
		},
	})

	client, err := New(Config{NC: nc, SubjectPrefix: "test", Timeout: 2 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	mapping, err := client.Map(ctx, &serve.MapRequest{
		Chunk:  &types.Chunk{},
		Policy: &types.TieringPolicy{ID: "p", Tiers: []*types.Tier{{ID: "t1"}}},
	})
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if mapping.TierID != "t1" || !mapping.Accessible {
		t.Errorf("unexpected mapping %+v", mapping)
	}

	_, err = client.Map(ctx, &serve.MapRequest{Chunk: &types.Chunk{}})
	if !IsInvalid(err) {
		t.Errorf("expected an invalid request error, got %v", err)
	}

	blk, err := client.Allocate(ctx, &serve.AllocateRequest{
		AllocRequest: alloc.AllocRequest{TierID: "t1", ChunkID: uuid.New()},
	})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if blk == nil || blk.ID != blockID {
		t.Errorf("unexpected block %+v", blk)
	}

	blk, err = client.Allocate(ctx, &serve.AllocateRequest{Avoid: []string{"n1"}})
	if err != nil || blk != nil {
		t.Errorf("expected no block and no error when every node is avoided, got %v, %v", blk, err)
	}

	n, err := client.Retire(ctx, []*types.Block{{ID: uuid.New()}, {ID: uuid.New()}})
	if err != nil || n != 2 {
		t.Errorf("Retire = %d, %v; want 2, nil", n, err)
	}
}

func TestClient_NoResponder(t *testing.T) {
	nc, _ := startEmbeddedNATS(t)
	client, _ := New(Config{NC: nc, SubjectPrefix: "nobody"})

	_, err := client.Dedup(context.Background(), &serve.MapRequest{})
	if !errors.Is(err, nats.ErrNoResponders) {
		t.Errorf("expected ErrNoResponders, got %v", err)
	}
}

func TestClient_ReportNode(t *testing.T) {
	nc, js := startEmbeddedNATS(t)
	ctx := context.Background()

	stream, err := js.CreateStream(ctx, jetstream.StreamConfig{
		Name:     "NODES",
		Subjects: []string{"placement.nodes.>"},
	})
	if err != nil {
		t.Fatal(err)
	}

	client, _ := New(Config{NC: nc, JS: js})
	if err := client.ReportNode(ctx, &types.Node{ID: "n1", PoolID: "p1", Online: true}); err != nil {
		t.Fatalf("ReportNode: %v", err)
	}

	msg, err := stream.GetLastMsgForSubject(ctx, "placement.nodes.n1")
	if err != nil {
		t.Fatalf("report not stored: %v", err)
	}
	var node types.Node
	if err := json.Unmarshal(msg.Data, &node); err != nil {
		t.Fatal(err)
	}
	if node.PoolID != "p1" || !node.Online {
		t.Errorf("unexpected report %+v", node)
	}

	if err := client.ReportNode(ctx, &types.Node{}); err == nil {
		t.Error("expected error for a node without id")
	}

	noJS, _ := New(Config{NC: nc})
	if err := noJS.ReportNode(ctx, &types.Node{ID: "n1"}); err == nil {
		t.Error("expected error without JetStream")
	}
}
