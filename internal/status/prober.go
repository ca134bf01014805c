package status

import (
	"context"
	"errors"
	"sync"

	"github.com/jeniawhite/noobaa-core/internal/config"
	"github.com/jeniawhite/noobaa-core/internal/types"
	"github.com/jeniawhite/noobaa-core/pkg/s3util"
)

var (
	errNoProber    = errors.New("no prober configured")
	errNoCloudInfo = errors.New("cloud pool without bucket info")
)

// S3Prober probes cloud pools with HeadBucket, reusing one client per
// bucket location.
type S3Prober struct {
	cfg config.CloudConfig

	mu      sync.Mutex
	clients map[types.CloudPoolInfo]*s3util.Client
}

// NewS3Prober creates a prober using the global cloud settings.
func NewS3Prober(cfg config.CloudConfig) *S3Prober {
	return &S3Prober{cfg: cfg, clients: make(map[types.CloudPoolInfo]*s3util.Client)}
}

func (p *S3Prober) Probe(ctx context.Context, info types.CloudPoolInfo) error {
	client, err := p.client(ctx, info)
	if err != nil {
		return err
	}
	return client.Ping(ctx)
}

func (p *S3Prober) client(ctx context.Context, info types.CloudPoolInfo) (*s3util.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[info]; ok {
		return c, nil
	}
	c, err := s3util.NewClient(ctx, p.cfg, info)
	if err != nil {
		return nil, err
	}
	p.clients[info] = c
	return c, nil
}
