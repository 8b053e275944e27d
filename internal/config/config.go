// Package config loads the shardex configuration from a YAML file and
// SHARDEX_ environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/dreamware/shardex/internal/cluster"
	"github.com/dreamware/shardex/internal/region"
)

// EnvPrefix prefixes the environment overrides: region.total_num_buckets
// is read from SHARDEX_REGION_TOTAL_NUM_BUCKETS.
const EnvPrefix = "SHARDEX"

// Config is the configuration of a shardex process.
type Config struct {
	Cluster   ClusterConfig   `mapstructure:"cluster"`
	Region    RegionConfig    `mapstructure:"region"`
	Messaging MessagingConfig `mapstructure:"messaging"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Log       LogConfig       `mapstructure:"log"`
}

// ClusterConfig sizes the in-process cluster.
type ClusterConfig struct {
	IDPrefix string `mapstructure:"id_prefix"`
	Members  int    `mapstructure:"members"`
}

// RegionConfig holds the defaults of regions created through the API.
type RegionConfig struct {
	DiskDir         string `mapstructure:"disk_dir"`
	TotalNumBuckets int    `mapstructure:"total_num_buckets"`
	RedundantCopies int    `mapstructure:"redundant_copies"`
	LocalMaxMemory  int    `mapstructure:"local_max_memory"`
	Persistent      bool   `mapstructure:"persistent"`
}

// MessagingConfig tunes the distribution managers.
type MessagingConfig struct {
	AckWaitThreshold time.Duration `mapstructure:"ack_wait_threshold"`
}

// MonitorConfig tunes the health monitor.
type MonitorConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	MaxFailures int           `mapstructure:"max_failures"`
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("cluster.members", 3)
	v.SetDefault("cluster.id_prefix", "member-")

	v.SetDefault("region.total_num_buckets", region.DefaultTotalNumBuckets)
	v.SetDefault("region.redundant_copies", 1)
	v.SetDefault("region.local_max_memory", region.DefaultLocalMaxMemory)
	v.SetDefault("region.persistent", false)
	v.SetDefault("region.disk_dir", "data")

	v.SetDefault("messaging.ack_wait_threshold", 15*time.Second)

	v.SetDefault("monitor.interval", 5*time.Second)
	v.SetDefault("monitor.max_failures", 3)

	v.SetDefault("http.addr", ":8080")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Default returns the configuration used when no file or environment
// override is present.
func Default() Config {
	cfg, err := load(viper.New())
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads path, if not empty, then applies the environment overrides.
func Load(path string) (Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Wrapf(err, "read config %s", path)
		}
	}
	return load(v)
}

func load(v *viper.Viper) (Config, error) {
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the ranges of the configured values.
func (c Config) Validate() error {
	switch {
	case c.Cluster.Members < 1:
		return errors.Errorf("cluster.members must be at least 1, got %d", c.Cluster.Members)
	case c.Region.TotalNumBuckets < 1:
		return errors.Errorf("region.total_num_buckets must be at least 1, got %d", c.Region.TotalNumBuckets)
	case c.Region.RedundantCopies < 0 || c.Region.RedundantCopies > 3:
		return errors.Errorf("region.redundant_copies must be in [0, 3], got %d", c.Region.RedundantCopies)
	case c.Monitor.Interval <= 0:
		return errors.Errorf("monitor.interval must be positive, got %s", c.Monitor.Interval)
	case c.Log.Format != "json" && c.Log.Format != "console":
		return errors.Errorf("log.format must be json or console, got %q", c.Log.Format)
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrap(err, "log.level")
	}
	return nil
}

// MemberIDs returns the ids of the in-process members.
func (c ClusterConfig) MemberIDs() []cluster.MemberID {
	ids := make([]cluster.MemberID, c.Members)
	for i := range ids {
		ids[i] = cluster.MemberID(fmt.Sprintf("%s%d", c.IDPrefix, i+1))
	}
	return ids
}

// Attributes returns region attributes carrying the configured defaults. A
// local max memory of zero or less makes every member a proxy.
func (c RegionConfig) Attributes() region.Attributes {
	attrs := region.Attributes{
		Shortcut: region.Partition,
		Partition: region.PartitionAttributes{
			TotalNumBuckets: c.TotalNumBuckets,
			RedundantCopies: c.RedundantCopies,
			LocalMaxMemory:  c.LocalMaxMemory,
		},
	}
	switch {
	case c.LocalMaxMemory <= 0:
		attrs.Shortcut = region.PartitionProxy
		attrs.Partition.LocalMaxMemory = 0
	case c.Persistent:
		attrs.Shortcut = region.PartitionPersistent
	}
	return attrs
}
