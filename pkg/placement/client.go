package placement

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jeniawhite/noobaa-core/internal/serve"
	"github.com/jeniawhite/noobaa-core/internal/types"
	"github.com/jeniawhite/noobaa-core/pkg/natsutil"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Config configures the placement client.
type Config struct {
	// NC is the NATS connection.
	NC *nats.Conn

	// JS is the JetStream context. Only required for ReportNode.
	JS jetstream.JetStream

	// SubjectPrefix is the prefix for request subjects. Defaults to "placement".
	SubjectPrefix string

	// NodeSubjectPrefix is the prefix node reports are published under.
	// Defaults to "placement.nodes".
	NodeSubjectPrefix string

	// Timeout for requests without a deadline. Defaults to 5s.
	Timeout time.Duration
}

// Client calls the placement service over NATS.
type Client struct {
	nc          *nats.Conn
	js          jetstream.JetStream
	prefix      string
	nodesPrefix string
	timeout     time.Duration
}

// New creates a new placement client.
func New(cfg Config) (*Client, error) {
	if cfg.NC == nil {
		return nil, fmt.Errorf("placement: NC (NATS connection) is required")
	}
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "placement"
	}
	nodesPrefix := cfg.NodeSubjectPrefix
	if nodesPrefix == "" {
		nodesPrefix = "placement.nodes"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		nc:          cfg.NC,
		js:          cfg.JS,
		prefix:      prefix,
		nodesPrefix: nodesPrefix,
		timeout:     timeout,
	}, nil
}

// Map asks the service how a chunk should be placed.
func (c *Client) Map(ctx context.Context, req *serve.MapRequest) (*serve.MapResponse, error) {
	var resp serve.MapResponse
	if err := c.request(ctx, "map", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Dedup reports whether a chunk can be reused without new allocations.
func (c *Client) Dedup(ctx context.Context, req *serve.MapRequest) (bool, error) {
	var resp serve.DedupResponse
	if err := c.request(ctx, "dedup", req, &resp); err != nil {
		return false, err
	}
	return resp.Good, nil
}

// Allocate requests one block. A nil block with a nil error means every
// candidate was avoided.
func (c *Client) Allocate(ctx context.Context, req *serve.AllocateRequest) (*types.Block, error) {
	var resp serve.AllocateResponse
	if err := c.request(ctx, "allocate", req, &resp); err != nil {
		return nil, err
	}
	if !resp.Allocated {
		return nil, nil
	}
	return resp.Block, nil
}

// Retire soft-deletes the given blocks.
func (c *Client) Retire(ctx context.Context, blocks []*types.Block) (int, error) {
	req := serve.RetireRequest{}
	for _, b := range blocks {
		req.BlockIDs = append(req.BlockIDs, b.ID)
	}
	var resp serve.RetireResponse
	if err := c.request(ctx, "retire", &req, &resp); err != nil {
		return 0, err
	}
	return resp.Retired, nil
}

// ReportNode publishes a node's heartbeat and capacity to the node report
// stream.
func (c *Client) ReportNode(ctx context.Context, node *types.Node) error {
	if c.js == nil {
		return fmt.Errorf("placement: JS (JetStream context) is required to report nodes")
	}
	if node.ID == "" {
		return fmt.Errorf("placement: node id is required")
	}
	data, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("placement: encoding node report: %w", err)
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if _, err := c.js.Publish(ctx, c.nodesPrefix+"."+node.ID, data); err != nil {
		return fmt.Errorf("placement: publishing report for node %s: %w", node.ID, err)
	}
	return nil
}

func (c *Client) request(ctx context.Context, op string, req, resp interface{}) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if err := natsutil.RequestJSON(ctx, c.nc, c.prefix+"."+op, req, resp); err != nil {
		return fmt.Errorf("placement: %w", err)
	}
	return nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}
