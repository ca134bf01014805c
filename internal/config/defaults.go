package config

import "time"

func DefaultConfig() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:            "nats://localhost:4222",
			ConnectionName: "placementd",
			MaxReconnects:  -1,
			ReconnectWait:  Duration(2 * time.Second),
		},
		Mapper: MapperConfig{
			SpecialChunkReplicaMultiplier: 2,
			SpecialContentTypes:           []string{"video/mp4", "video/webm"},
			MinTierFree:                   ByteSize(10 * 1024 * 1024 * 1024),  // 10GB
			TierFreeHeadroom:              ByteSize(100 * 1024 * 1024 * 1024), // 100GB
			CacheTTL:                      Duration(10 * time.Minute),
		},
		Allocator: AllocatorConfig{
			MinNodes:        3,
			MaxCandidates:   100,
			RefreshTTL:      Duration(time.Minute),
			HeartbeatWindow: Duration(10 * time.Minute),
		},
		Status: StatusConfig{
			PoolMinFree:       ByteSize(1024 * 1024 * 1024), // 1GB
			MinPoolNodes:      1,
			RedundantPoolFree: ByteSize(1024 * 1024 * 1024 * 1024 * 1024), // 1PB
			ProbeTimeout:      Duration(5 * time.Second),
		},
		Cloud: CloudConfig{
			Region: "us-east-1",
		},
		Metadata: MetadataConfig{
			Path: "/var/lib/placementd/meta.db",
		},
		Lifecycle: LifecycleConfig{
			Enabled:          true,
			Interval:         Duration(time.Hour),
			RetiredRetention: Duration(7 * 24 * time.Hour),
		},
		NodeReports: NodeReportsConfig{
			Enabled:      false,
			Stream:       "PLACEMENT_NODES",
			Subjects:     []string{"placement.nodes.>"},
			ConsumerName: "placementd",
			FetchBatch:   64,
			FetchTimeout: Duration(5 * time.Second),
			MaxAge:       Duration(time.Hour),
		},
		API: APIConfig{
			Enabled: true,
			Listen:  ":8080",
			NATSResponder: NATSResponderConfig{
				Enabled:       false,
				SubjectPrefix: "placement",
			},
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Listen:  ":9090",
				Path:    "/metrics",
			},
			Health: HealthConfig{
				Enabled:       true,
				Listen:        ":8081",
				LivenessPath:  "/healthz",
				ReadinessPath: "/readyz",
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
				Output: "stderr",
			},
		},
	}
}
