package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	NATS          NATSConfig          `yaml:"nats"`
	Placement     PlacementConfig     `yaml:"placement"`
	Policy        PolicyConfig        `yaml:"policy"`
	Mover         MoverConfig         `yaml:"mover"`
	Ingest        IngestConfig        `yaml:"ingest"`
	API           APIConfig           `yaml:"api"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type NATSConfig struct {
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

// PlacementConfig bounds the per-file tracking structures.
type PlacementConfig struct {
	// MaxExtentsPerMap caps each placement map. 0 = unbounded.
	MaxExtentsPerMap int `yaml:"max_extents_per_map"`
	// MaxStatsEntries caps each access table. 0 = unbounded.
	MaxStatsEntries int `yaml:"max_stats_entries"`
	// DefaultBlockSize is used for files whose reporter never sent one.
	DefaultBlockSize ByteSize `yaml:"default_block_size"`
	// DebugValidate re-checks map invariants after every assignment.
	DebugValidate bool `yaml:"debug_validate"`
}

type PolicyConfig struct {
	Percentile      int      `yaml:"percentile"`
	EvalInterval    Duration `yaml:"eval_interval"`
	StrictAdjacency bool     `yaml:"strict_adjacency"`
}

const (
	MoverLog     = "log"
	MoverNATS    = "nats"
	MoverJournal = "journal"
)

// MoverConfig selects where relocation requests go. Kinds may be combined
// with commas, e.g. "log,journal".
type MoverConfig struct {
	Kind        string `yaml:"kind"`
	NATSSubject string `yaml:"nats_subject"`
	JournalPath string `yaml:"journal_path"`
	NoSync      bool   `yaml:"no_sync"`
}

// Kinds returns the configured mover kinds.
func (m MoverConfig) Kinds() []string {
	var out []string
	for _, k := range strings.Split(m.Kind, ",") {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}

// Has reports whether kind is among the configured movers.
func (m MoverConfig) Has(kind string) bool {
	for _, k := range m.Kinds() {
		if k == kind {
			return true
		}
	}
	return false
}

// IngestConfig configures the durable JetStream path for access and
// placement events. The core NATS subjects of the responder stay available
// for best-effort reporters.
type IngestConfig struct {
	Enabled          bool     `yaml:"enabled"`
	Stream           string   `yaml:"stream"`
	CreateStream     bool     `yaml:"create_stream"`
	MaxAge           Duration `yaml:"max_age"`
	AccessSubject    string   `yaml:"access_subject"`
	PlacementSubject string   `yaml:"placement_subject"`
	ConsumerName     string   `yaml:"consumer_name"`
	FetchBatch       int      `yaml:"fetch_batch"`
	FetchTimeout     Duration `yaml:"fetch_timeout"`
}

// Subjects returns the subjects the ingest consumer filters on.
func (i IngestConfig) Subjects() []string {
	var out []string
	for _, s := range []string{i.AccessSubject, i.PlacementSubject} {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
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

// NeedsNATS reports whether any enabled component uses the NATS connection.
func (c *Config) NeedsNATS() bool {
	return c.Mover.Has(MoverNATS) || c.Ingest.Enabled || (c.API.Enabled && c.API.NATSResponder.Enabled)
}

func (c *Config) Validate() error {
	if c.NeedsNATS() && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required")
	}

	if c.Placement.MaxExtentsPerMap < 0 {
		return fmt.Errorf("placement.max_extents_per_map must be >= 0")
	}
	if c.Placement.MaxStatsEntries < 0 {
		return fmt.Errorf("placement.max_stats_entries must be >= 0")
	}
	if c.Placement.DefaultBlockSize < 0 || c.Placement.DefaultBlockSize > 1<<31 {
		return fmt.Errorf("placement.default_block_size out of range: %d", c.Placement.DefaultBlockSize)
	}

	if c.Policy.Percentile < 0 || c.Policy.Percentile > 100 {
		return fmt.Errorf("policy.percentile must be between 0 and 100, got %d", c.Policy.Percentile)
	}
	if c.Policy.EvalInterval < 0 {
		return fmt.Errorf("policy.eval_interval must be >= 0")
	}

	kinds := c.Mover.Kinds()
	if len(kinds) == 0 {
		return fmt.Errorf("mover.kind is required")
	}
	for _, k := range kinds {
		switch k {
		case MoverLog:
		case MoverNATS:
			if c.Mover.NATSSubject == "" {
				return fmt.Errorf("mover.nats_subject is required for the nats mover")
			}
		case MoverJournal:
			if c.Mover.JournalPath == "" {
				return fmt.Errorf("mover.journal_path is required for the journal mover")
			}
		default:
			return fmt.Errorf("mover.kind: unknown mover %q", k)
		}
	}

	if c.Ingest.Enabled {
		if c.Ingest.Stream == "" {
			return fmt.Errorf("ingest.stream is required")
		}
		if c.Ingest.ConsumerName == "" {
			return fmt.Errorf("ingest.consumer_name is required")
		}
		if len(c.Ingest.Subjects()) == 0 {
			return fmt.Errorf("ingest needs access_subject or placement_subject")
		}
		if c.Ingest.AccessSubject != "" && c.Ingest.AccessSubject == c.Ingest.PlacementSubject {
			return fmt.Errorf("ingest.access_subject and ingest.placement_subject must differ")
		}
		if c.Ingest.FetchBatch < 0 {
			return fmt.Errorf("ingest.fetch_batch must be >= 0")
		}
	}

	if c.API.NATSResponder.Enabled && c.API.NATSResponder.SubjectPrefix == "" {
		return fmt.Errorf("api.nats_responder.subject_prefix is required")
	}

	return nil
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

// ByteSize wraps int64 for YAML unmarshaling of strings like "4KB", "1MB".
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

func parseByteSize(s string) (int64, error) {
	if len(s) == 0 {
		return 0, fmt.Errorf("empty byte size")
	}

	var multiplier int64 = 1
	numStr := s

	switch {
	case strings.HasSuffix(s, "KB"):
		multiplier = 1 << 10
		numStr = s[:len(s)-2]
	case strings.HasSuffix(s, "MB"):
		multiplier = 1 << 20
		numStr = s[:len(s)-2]
	case strings.HasSuffix(s, "GB"):
		multiplier = 1 << 30
		numStr = s[:len(s)-2]
	case strings.HasSuffix(s, "B"):
		numStr = s[:len(s)-1]
	}

	var n int64
	_, err := fmt.Sscanf(numStr, "%d", &n)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	return n * multiplier, nil
}
