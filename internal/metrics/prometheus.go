package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/jeniawhite/noobaa-core/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Mapper metrics
	MapperCacheOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "placement_mapper_cache_ops_total",
		Help: "Tiering mapper cache lookups by result (hit, miss)",
	}, []string{"result"})

	MapChunkDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "placement_map_chunk_duration_seconds",
		Help:    "Time to compute a chunk mapping",
		Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01},
	}, []string{"policy"})

	ChunkMappings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "placement_chunk_mappings_total",
		Help: "Chunk mappings by resulting health (available, building, unavailable)",
	}, []string{"health"})

	RecodingGaps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "placement_recoding_gaps_total",
		Help: "Mappings where the tier coder config differs from the chunk's own",
	}, []string{"tier"})

	// Allocator metrics
	Allocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "placement_allocations_total",
		Help: "Node allocations by tier and outcome (allocated, exhausted, error)",
	}, []string{"tier", "outcome"})

	CandidateRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "placement_candidate_refreshes_total",
		Help: "Candidate list refreshes by tier and outcome (ok, insufficient, error, stale)",
	}, []string{"tier", "outcome"})

	CandidateNodes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "placement_candidate_nodes",
		Help: "Number of nodes in the cached candidate list of each tier",
	}, []string{"tier"})

	RetiredBlocks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "placement_retired_blocks_total",
		Help: "Blocks soft-deleted through retire",
	})

	// Status metrics
	StatusBuildDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "placement_status_build_duration_seconds",
		Help:    "Time to build a tiering status snapshot",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"policy"})

	PoolValid = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "placement_pool_valid_for_allocation",
		Help: "1 when the pool was valid for allocation in the last status build",
	}, []string{"pool", "kind"})

	// Lifecycle metrics
	PurgedBlocks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "placement_purged_blocks_total",
		Help: "Retired block records purged from the metadata store",
	})

	// Node report ingest metrics
	NodeReports = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "placement_node_reports_total",
		Help: "Node reports consumed by outcome",
	}, []string{"outcome"})

	// Request metrics
	Requests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "placement_requests_total",
		Help: "API requests by transport, operation and status",
	}, []string{"transport", "op", "status"})
)

// RunServer starts the Prometheus metrics HTTP server.
func RunServer(ctx context.Context, cfg config.MetricsConfig) error {
	mux := http.NewServeMux()
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux.Handle(path, promhttp.Handler())

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
