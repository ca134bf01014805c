// Package placement is a Go client for the placement service's NATS
// request-reply surface.
//
// # Basic Usage
//
//	nc, _ := nats.Connect("nats://localhost:4222")
//	js, _ := jetstream.New(nc)
//
//	client, _ := placement.New(placement.Config{NC: nc, JS: js})
//
//	// Decide what to keep, delete and allocate for a chunk
//	mapping, _ := client.Map(ctx, &serve.MapRequest{Chunk: chunk, Policy: policy})
//
//	// Allocate a block for each pending allocation
//	resp, _ := client.Allocate(ctx, &serve.AllocateRequest{...})
//
//	// Storage nodes report their heartbeat and capacity
//	client.ReportNode(ctx, &types.Node{ID: "n1", PoolID: "pool-a", ...})
//
// # Subjects
//
//	placement.map            - map a chunk
//	placement.dedup          - check whether a chunk can be reused
//	placement.allocate       - allocate one block
//	placement.retire         - soft-delete blocks
//	placement.nodes.{nodeID} - node reports, consumed through JetStream
//
// The request prefix defaults to "placement" and can be configured via
// [Config.SubjectPrefix].
package placement
