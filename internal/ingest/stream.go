package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/jeniawhite/noobaa-core/internal/config"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

// defaultReportMaxAge bounds how long an unconsumed report is kept when the
// configuration leaves max_age unset.
const defaultReportMaxAge = time.Hour

// ensureReportStream creates or updates the stream holding node reports.
// Only the latest report of each node is retained.
func ensureReportStream(ctx context.Context, js jetstream.JetStream, cfg config.NodeReportsConfig, logger *zap.Logger) error {
	maxAge := cfg.MaxAge.Duration()
	if maxAge <= 0 {
		maxAge = defaultReportMaxAge
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:              cfg.Stream,
		Subjects:          cfg.Subjects,
		Retention:         jetstream.LimitsPolicy,
		MaxAge:            maxAge,
		MaxMsgsPerSubject: 1,
		Discard:           jetstream.DiscardOld,
	})
	if err != nil {
		return fmt.Errorf("creating node report stream %s: %w", cfg.Stream, err)
	}

	info, err := stream.Info(ctx)
	if err != nil {
		return fmt.Errorf("getting info for stream %s: %w", cfg.Stream, err)
	}
	logger.Info("node report stream ready",
		zap.String("stream", cfg.Stream),
		zap.Strings("subjects", cfg.Subjects),
		zap.Uint64("pending_reports", info.State.Msgs),
		zap.Duration("max_age", maxAge),
	)
	return nil
}
