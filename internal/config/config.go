package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

type Config struct {
	NATS          NATSConfig          `yaml:"nats"`
	Mapper        MapperConfig        `yaml:"mapper"`
	Allocator     AllocatorConfig     `yaml:"allocator"`
	Status        StatusConfig        `yaml:"status"`
	Cloud         CloudConfig         `yaml:"cloud"`
	Metadata      MetadataConfig      `yaml:"metadata"`
	Lifecycle     LifecycleConfig     `yaml:"lifecycle"`
	NodeReports   NodeReportsConfig   `yaml:"node_reports"`
	API           APIConfig           `yaml:"api"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type NATSConfig struct {
	Enabled         bool      `yaml:"enabled"`
	URL             string    `yaml:"url"`
	CredentialsFile string    `yaml:"credentials_file"`
	NKeySeedFile    string    `yaml:"nkey_seed_file"`
	TLS             TLSConfig `yaml:"tls"`
	ConnectionName  string    `yaml:"connection_name"`
	MaxReconnects   int       `yaml:"max_reconnects"`
	ReconnectWait   Duration  `yaml:"reconnect_wait"`
}

type TLSConfig struct {
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// MapperConfig tunes chunk mapping decisions.
type MapperConfig struct {
	SpecialChunkReplicaMultiplier int      `yaml:"special_chunk_replica_multiplier"`
	SpecialContentTypes           []string `yaml:"special_content_types"`
	MinTierFree                   ByteSize `yaml:"min_tier_free"`
	TierFreeHeadroom              ByteSize `yaml:"tier_free_headroom"`
	CacheTTL                      Duration `yaml:"cache_ttl"`
	RandomSeed                    uint64   `yaml:"random_seed"`
}

// AllocatorConfig tunes node candidate selection.
type AllocatorConfig struct {
	MinNodes        int      `yaml:"min_nodes"`
	MaxCandidates   int      `yaml:"max_candidates"`
	RefreshTTL      Duration `yaml:"refresh_ttl"`
	HeartbeatWindow Duration `yaml:"heartbeat_window"`
}

// StatusConfig tunes how tiering status snapshots are computed.
type StatusConfig struct {
	PoolMinFree       ByteSize `yaml:"pool_min_free"`
	MinPoolNodes      int      `yaml:"min_pool_nodes"`
	RedundantPoolFree ByteSize `yaml:"redundant_pool_free"`
	ProbeTimeout      Duration `yaml:"probe_timeout"`
}

// CloudConfig holds defaults for the S3-compatible backends of cloud pools.
type CloudConfig struct {
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
}

type MetadataConfig struct {
	Path   string `yaml:"path"`
	NoSync bool   `yaml:"no_sync"`
}

// NodeReportsConfig controls ingestion of node heartbeat reports from a
// JetStream stream into the node directory.
type NodeReportsConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Stream       string   `yaml:"stream"`
	Subjects     []string `yaml:"subjects"`
	ConsumerName string   `yaml:"consumer_name"`
	FetchBatch   int      `yaml:"fetch_batch"`
	FetchTimeout Duration `yaml:"fetch_timeout"`
	MaxAge       Duration `yaml:"max_age"`
}

type LifecycleConfig struct {
	Enabled          bool     `yaml:"enabled"`
	Interval         Duration `yaml:"interval"`
	RetiredRetention Duration `yaml:"retired_retention"`
}

type APIConfig struct {
	Enabled       bool                `yaml:"enabled"`
	Listen        string              `yaml:"listen"`
	NATSResponder NATSResponderConfig `yaml:"nats_responder"`
}

type NATSResponderConfig struct {
	Enabled       bool   `yaml:"enabled"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Health  HealthConfig  `yaml:"health"`
	Logging LoggingConfig `yaml:"logging"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Path    string `yaml:"path"`
}

type HealthConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Listen        string `yaml:"listen"`
	LivenessPath  string `yaml:"liveness_path"`
	ReadinessPath string `yaml:"readiness_path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Mapper.SpecialChunkReplicaMultiplier < 1 {
		return fmt.Errorf("mapper.special_chunk_replica_multiplier must be >= 1")
	}
	if c.Mapper.MinTierFree < 0 || c.Mapper.TierFreeHeadroom < 0 {
		return fmt.Errorf("mapper free space thresholds must be >= 0")
	}
	if c.Mapper.CacheTTL <= 0 {
		return fmt.Errorf("mapper.cache_ttl must be > 0")
	}

	if c.Allocator.MinNodes < 0 {
		return fmt.Errorf("allocator.min_nodes must be >= 0")
	}
	if c.Allocator.MaxCandidates <= 0 {
		return fmt.Errorf("allocator.max_candidates must be > 0")
	}
	if c.Allocator.MinNodes > c.Allocator.MaxCandidates {
		return fmt.Errorf("allocator.min_nodes (%d) exceeds allocator.max_candidates (%d)",
			c.Allocator.MinNodes, c.Allocator.MaxCandidates)
	}
	if c.Allocator.RefreshTTL <= 0 {
		return fmt.Errorf("allocator.refresh_ttl must be > 0")
	}
	if c.Allocator.HeartbeatWindow <= 0 {
		return fmt.Errorf("allocator.heartbeat_window must be > 0")
	}

	if c.Metadata.Path == "" {
		return fmt.Errorf("metadata.path is required")
	}

	if c.Lifecycle.Enabled && c.Lifecycle.Interval <= 0 {
		return fmt.Errorf("lifecycle.interval must be > 0")
	}

	if c.NATS.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when nats is enabled")
	}
	if c.API.NATSResponder.Enabled && !c.NATS.Enabled {
		return fmt.Errorf("api.nats_responder requires nats.enabled")
	}
	if c.NodeReports.Enabled {
		if !c.NATS.Enabled {
			return fmt.Errorf("node_reports requires nats.enabled")
		}
		if c.NodeReports.Stream == "" || len(c.NodeReports.Subjects) == 0 {
			return fmt.Errorf("node_reports.stream and node_reports.subjects are required")
		}
		if c.NodeReports.ConsumerName == "" {
			return fmt.Errorf("node_reports.consumer_name is required")
		}
	}

	return nil
}

// SpecialContentType reports whether chunks of objects with this content type
// get extra opportunistic replicas.
func (c MapperConfig) SpecialContentType(contentType string) bool {
	for _, ct := range c.SpecialContentTypes {
		if strings.EqualFold(ct, contentType) {
			return true
		}
	}
	return false
}

// Duration wraps time.Duration for YAML unmarshaling of strings like "5m", "24h".
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// ByteSize wraps int64 for YAML unmarshaling of strings like "256MB", "10GiB".
type ByteSize int64

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		// Try as integer
		var n int64
		if err2 := value.Decode(&n); err2 != nil {
			return err
		}
		*b = ByteSize(n)
		return nil
	}
	parsed, err := parseByteSize(s)
	if err != nil {
		return err
	}
	*b = ByteSize(parsed)
	return nil
}

func (b ByteSize) MarshalYAML() (interface{}, error) {
	return humanize.IBytes(uint64(b)), nil
}

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// parseByteSize treats the short units (KB, MB, ...) as binary multiples to
// stay compatible with existing configs; explicit SI or IEC suffixes
// (kB, KiB, ...) are handled by humanize.
func parseByteSize(s string) (int64, error) {
	if len(s) == 0 {
		return 0, fmt.Errorf("empty byte size")
	}
	for _, unit := range []string{"KB", "MB", "GB", "TB", "PB"} {
		if strings.HasSuffix(s, unit) {
			s = strings.TrimSuffix(s, unit) + unit[:1] + "iB"
			break
		}
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	return int64(n), nil
}
