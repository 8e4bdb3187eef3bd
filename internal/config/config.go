package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// Config is the top-level streamworkd configuration, decoded from HCL.
type Config struct {
	Log         *Log         `hcl:"log,block"`
	Checkpoint  *Checkpoint  `hcl:"checkpoint,block"`
	Policy      *Policy      `hcl:"policy,block"`
	Index       *Index       `hcl:"index,block"`
	Meilisearch *Meilisearch `hcl:"meilisearch,block"`
}

// Log selects and configures the stream log backend.
type Log struct {
	// Kind is "inmem" or "kafka".
	Kind       string   `hcl:"kind"`
	Brokers    []string `hcl:"brokers,optional"`
	Partitions int      `hcl:"partitions,optional"`
}

// Checkpoint configures the durable checkpoint and bulk status store.
type Checkpoint struct {
	Path string `hcl:"path,optional"`
}

// Policy configures the per-record retry policy. MaxRetries is a pointer
// so an explicit zero (retries disabled) is distinguishable from unset.
type Policy struct {
	MaxRetries        *int `hcl:"max_retries,optional"`
	BackoffDelayMs    int  `hcl:"backoff_delay_ms,optional"`
	BackoffMaxDelayMs int  `hcl:"backoff_max_delay_ms,optional"`
	ContinueOnFailure bool `hcl:"continue_on_failure,optional"`
}

// Index configures the bulk index pipeline.
type Index struct {
	BulkSizeBytes        int    `hcl:"bulk_size_bytes,optional"`
	BulkActions          int    `hcl:"bulk_actions,optional"`
	FlushIntervalSeconds int    `hcl:"flush_interval_seconds,optional"`
	WriteIndex           string `hcl:"write_index,optional"`
	SearchAlias          string `hcl:"search_alias,optional"`
}

// Meilisearch configures the search sink.
type Meilisearch struct {
	Host   string `hcl:"host"`
	APIKey string `hcl:"api_key,optional"`
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	var cfg Config
	if err := hclsimple.DecodeFile(path, nil, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Log == nil {
		c.Log = &Log{Kind: "inmem"}
	}
	if c.Log.Partitions <= 0 {
		c.Log.Partitions = 1
	}
	if c.Checkpoint == nil {
		c.Checkpoint = &Checkpoint{}
	}
	if c.Checkpoint.Path == "" {
		c.Checkpoint.Path = "streamwork.db"
	}
	if c.Policy == nil {
		c.Policy = &Policy{}
	}
	if c.Policy.MaxRetries == nil {
		defaultRetries := 3
		c.Policy.MaxRetries = &defaultRetries
	}
	if c.Policy.BackoffDelayMs <= 0 {
		c.Policy.BackoffDelayMs = 1000
	}
	if c.Policy.BackoffMaxDelayMs <= 0 {
		c.Policy.BackoffMaxDelayMs = 10000
	}
	if c.Index == nil {
		c.Index = &Index{}
	}
	if c.Index.BulkSizeBytes <= 0 {
		c.Index.BulkSizeBytes = 5_242_880
	}
	if c.Index.BulkActions <= 0 {
		c.Index.BulkActions = 1000
	}
	if c.Index.FlushIntervalSeconds <= 0 {
		c.Index.FlushIntervalSeconds = 10
	}
	if c.Index.WriteIndex == "" {
		c.Index.WriteIndex = "documents-write"
	}
}

func (c *Config) validate() error {
	switch c.Log.Kind {
	case "inmem":
	case "kafka":
		if len(GetBrokers(c)) == 0 {
			return fmt.Errorf("log kind %q requires brokers", c.Log.Kind)
		}
	default:
		return fmt.Errorf("unknown log kind %q", c.Log.Kind)
	}
	return nil
}

// FlushInterval returns the batch flush interval as a duration.
func (i *Index) FlushInterval() time.Duration {
	return time.Duration(i.FlushIntervalSeconds) * time.Second
}

// Retries returns the effective retry count.
func (p *Policy) Retries() int {
	if p.MaxRetries == nil {
		return 3
	}
	return *p.MaxRetries
}

// BackoffDelay returns the initial retry backoff as a duration.
func (p *Policy) BackoffDelay() time.Duration {
	return time.Duration(p.BackoffDelayMs) * time.Millisecond
}

// BackoffMaxDelay returns the retry backoff cap as a duration.
func (p *Policy) BackoffMaxDelay() time.Duration {
	return time.Duration(p.BackoffMaxDelayMs) * time.Millisecond
}

// GetBrokers returns the Kafka/Redpanda broker addresses.
// It checks environment variables first, then falls back to config.
func GetBrokers(cfg *Config) []string {
	if brokers := os.Getenv("STREAMWORK_BROKERS"); brokers != "" {
		return strings.Split(brokers, ",")
	}
	if cfg.Log != nil && len(cfg.Log.Brokers) > 0 {
		return cfg.Log.Brokers
	}
	return nil
}

// GetCheckpointPath returns the checkpoint database path.
// It checks environment variables first, then falls back to config, then default.
func GetCheckpointPath(cfg *Config) string {
	if path := os.Getenv("STREAMWORK_CHECKPOINT_PATH"); path != "" {
		return path
	}
	if cfg.Checkpoint != nil && cfg.Checkpoint.Path != "" {
		return cfg.Checkpoint.Path
	}
	return "streamwork.db"
}
