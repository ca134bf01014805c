// Package ingest consumes node heartbeat reports from JetStream and keeps the
// node directory current.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/jeniawhite/noobaa-core/internal/config"
	"github.com/jeniawhite/noobaa-core/internal/metrics"
	"github.com/jeniawhite/noobaa-core/internal/types"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

// NodeWriter stores reported nodes.
type NodeWriter interface {
	PutNode(ctx context.Context, node *types.Node) error
}

// PipelineConfig holds dependencies for the ingest pipeline.
type PipelineConfig struct {
	JS      jetstream.JetStream
	Nodes   NodeWriter
	Reports config.NodeReportsConfig
	Logger  *zap.Logger
}

// Pipeline consumes node reports with a durable pull consumer.
type Pipeline struct {
	js     jetstream.JetStream
	nodes  NodeWriter
	cfg    config.NodeReportsConfig
	logger *zap.Logger

	// consecutive store failures, drives the redelivery backoff
	failures int
}

// NewPipeline creates a new ingest pipeline.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	return &Pipeline{
		js:     cfg.JS,
		nodes:  cfg.Nodes,
		cfg:    cfg.Reports,
		logger: cfg.Logger,
	}
}

// Run consumes reports until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := ensureReportStream(ctx, p.js, p.cfg, p.logger); err != nil {
		return err
	}

	batchSize := p.cfg.FetchBatch
	if batchSize <= 0 {
		batchSize = 64
	}
	fetchTimeout := p.cfg.FetchTimeout.Duration()
	if fetchTimeout <= 0 {
		fetchTimeout = 5 * time.Second
	}

	cons, err := p.js.CreateOrUpdateConsumer(ctx, p.cfg.Stream, jetstream.ConsumerConfig{
		Durable:       p.cfg.ConsumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		MaxAckPending: batchSize * 4,
	})
	if err != nil {
		return fmt.Errorf("creating consumer %s on stream %s: %w", p.cfg.ConsumerName, p.cfg.Stream, err)
	}

	p.logger.Info("node report ingest started",
		zap.String("stream", p.cfg.Stream),
		zap.String("consumer", p.cfg.ConsumerName),
		zap.Int("fetch_batch", batchSize),
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msgs, err := cons.Fetch(batchSize, jetstream.FetchMaxWait(fetchTimeout))
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			p.logger.Warn("fetch error, retrying", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		for msg := range msgs.Messages() {
			p.handle(ctx, msg)
		}

		if err := msgs.Error(); err != nil && !errors.Is(err, jetstream.ErrNoMessages) {
			p.logger.Warn("batch error", zap.Error(err))
		}
	}
}

func (p *Pipeline) handle(ctx context.Context, msg jetstream.Msg) {
	published := time.Now()
	if md, err := msg.Metadata(); err == nil {
		published = md.Timestamp
	}

	node, err := decodeReport(msg.Subject(), msg.Data(), published)
	if err != nil {
		metrics.NodeReports.WithLabelValues("invalid").Inc()
		p.logger.Warn("dropping node report", zap.String("subject", msg.Subject()), zap.Error(err))
		if err := msg.Term(); err != nil {
			p.logger.Warn("failed to terminate report", zap.Error(err))
		}
		return
	}

	if err := p.nodes.PutNode(ctx, node); err != nil {
		p.failures++
		delay := calcBackoff(p.failures, time.Second, 30*time.Second)
		metrics.NodeReports.WithLabelValues("error").Inc()
		p.logger.Error("failed to store node report",
			zap.String("node", node.ID),
			zap.Duration("retry_in", delay),
			zap.Error(err),
		)
		if err := msg.NakWithDelay(delay); err != nil {
			p.logger.Warn("failed to nak report", zap.Error(err))
		}
		return
	}
	p.failures = 0

	if err := msg.Ack(); err != nil {
		p.logger.Warn("failed to ack report", zap.Error(err))
	}
	metrics.NodeReports.WithLabelValues("stored").Inc()
	p.logger.Debug("node report stored",
		zap.String("node", node.ID),
		zap.String("pool", node.PoolID),
		zap.Time("heartbeat", node.Heartbeat),
	)
}

// calcBackoff returns initial * 2^(n-1) capped at max, plus up to 25% jitter
// (still capped at max). It returns 0 for n <= 0.
func calcBackoff(n int, initial, max time.Duration) time.Duration {
	if n <= 0 || initial <= 0 {
		return 0
	}
	d := initial
	for i := 1; i < n && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	d += time.Duration(rand.Int64N(int64(d)/4 + 1))
	if d > max {
		d = max
	}
	return d
}
