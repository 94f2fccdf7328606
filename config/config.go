package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the collaboration engine. Zero values are
// replaced with defaults by Defaults, so an empty Config is usable.
type Config struct {
	// MaxPathDepth caps how deep an operation path may reach into the tree.
	MaxPathDepth int `json:"max_path_depth" yaml:"max_path_depth"`

	// MaxValueBytes caps the serialized size of a single operation payload.
	MaxValueBytes int `json:"max_value_bytes" yaml:"max_value_bytes"`

	// MaxSnapshotBytes caps the serialized size of a snapshot payload.
	MaxSnapshotBytes int `json:"max_snapshot_bytes" yaml:"max_snapshot_bytes"`

	// SnapshotRetention is how many snapshots a branch keeps before the
	// oldest are pruned.
	SnapshotRetention int `json:"snapshot_retention" yaml:"snapshot_retention"`

	// SnapshotEvery takes an automatic snapshot every N commits on a branch.
	// 0 disables automatic snapshots.
	SnapshotEvery int `json:"snapshot_every" yaml:"snapshot_every"`

	// MaxBranches caps branches per room.
	MaxBranches int `json:"max_branches" yaml:"max_branches"`

	// MaxPresences caps concurrent presences per room.
	MaxPresences int `json:"max_presences" yaml:"max_presences"`

	// PresenceTTL is how long a presence stays active without a heartbeat
	// before it is marked idle. A presence idle for another PresenceTTL is
	// evicted.
	PresenceTTL time.Duration `json:"presence_ttl" yaml:"presence_ttl"`

	// SweepInterval is how often the presence sweeper runs.
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval"`

	// PresenceSyncInterval throttles presence writes to the durable store:
	// at most one persist per session per interval.
	PresenceSyncInterval time.Duration `json:"presence_sync_interval" yaml:"presence_sync_interval"`

	// ConflictWindowOps bounds how many recent operations are considered
	// when detecting conflicts.
	ConflictWindowOps int `json:"conflict_window_ops" yaml:"conflict_window_ops"`

	// ConflictWindowAge bounds how old a recent operation may be and still
	// be considered concurrent.
	ConflictWindowAge time.Duration `json:"conflict_window_age" yaml:"conflict_window_age"`

	// AdjacentIndexThreshold is the index distance at which two array
	// operations are treated as conflicting.
	AdjacentIndexThreshold int `json:"adjacent_index_threshold" yaml:"adjacent_index_threshold"`

	// CommitTimeout bounds how long a submission may wait for its branch's
	// commit lock.
	CommitTimeout time.Duration `json:"commit_timeout" yaml:"commit_timeout"`

	// CacheTTL is the transformation-cache entry lifetime.
	CacheTTL time.Duration `json:"cache_ttl" yaml:"cache_ttl"`

	// DatabaseURL and RedisAddr configure the external collaborators. Unused
	// by the engine itself; read by the server binary.
	DatabaseURL string `json:"database_url" yaml:"database_url"`
	RedisAddr   string `json:"redis_addr" yaml:"redis_addr"`
	Port        string `json:"port" yaml:"port"`

	// Logger for the engine and its subsystems.
	Logger *slog.Logger `json:"-" yaml:"-"`
}

// Defaults fills in zero-valued fields. Returns the receiver for chaining.
func (c *Config) Defaults() *Config {
	if c.MaxPathDepth <= 0 {
		c.MaxPathDepth = 16
	}
	if c.MaxValueBytes <= 0 {
		c.MaxValueBytes = 256 * 1024
	}
	if c.MaxSnapshotBytes <= 0 {
		c.MaxSnapshotBytes = 1024 * 1024
	}
	if c.SnapshotRetention <= 0 {
		c.SnapshotRetention = 50
	}
	if c.MaxBranches <= 0 {
		c.MaxBranches = 20
	}
	if c.MaxPresences <= 0 {
		c.MaxPresences = 100
	}
	if c.PresenceTTL <= 0 {
		c.PresenceTTL = 30 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 10 * time.Second
	}
	if c.PresenceSyncInterval <= 0 {
		c.PresenceSyncInterval = 15 * time.Second
	}
	if c.ConflictWindowOps <= 0 {
		c.ConflictWindowOps = 200
	}
	if c.ConflictWindowAge <= 0 {
		c.ConflictWindowAge = 5 * time.Minute
	}
	if c.AdjacentIndexThreshold <= 0 {
		c.AdjacentIndexThreshold = 1
	}
	if c.CommitTimeout <= 0 {
		c.CommitTimeout = 5 * time.Second
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 60 * time.Second
	}
	if c.Port == "" {
		c.Port = "8080"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Load reads an optional YAML file, then applies environment overrides, then
// defaults. An empty path skips the file.
func Load(path string) (*Config, error) {
	var c Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	c.applyEnv()
	return c.Defaults(), nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("PORT"); v != "" {
		c.Port = v
	}
	if v := os.Getenv("COMMIT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.CommitTimeout = d
		}
	}
	if v := os.Getenv("PRESENCE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.PresenceTTL = d
		}
	}
	if v := os.Getenv("MAX_PRESENCES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxPresences = n
		}
	}
}
