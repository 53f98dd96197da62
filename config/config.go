package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Simflow    SimflowConfig    `yaml:"simflow"`
	Run        RunConfig        `yaml:"run"`
	Transport  TransportConfig  `yaml:"transport"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Sources    []SourceSpec     `yaml:"sources"`
	Transforms TransformsConfig `yaml:"transforms"`
	Strategy   StrategyConfig   `yaml:"strategy"`
	Artifacts  ArtifactsConfig  `yaml:"artifacts"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type SimflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type RunConfig struct {
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Replay    ReplayConfig    `yaml:"replay"`
}

type HeartbeatConfig struct {
	Interval      time.Duration `yaml:"interval"`
	MissThreshold int           `yaml:"miss_threshold"`
}

type ReplayConfig struct {
	EventsPerSecond int `yaml:"events_per_second"`
	Burst           int `yaml:"burst"`
}

type TransportConfig struct {
	PoolSize        int `yaml:"pool_size"`
	MailboxCapacity int `yaml:"mailbox_capacity"`
}

type MetricsConfig struct {
	MailboxDepth   bool          `yaml:"mailbox_depth"`
	ResourceReport bool          `yaml:"resource_report"`
	Interval       time.Duration `yaml:"interval"`
}

type SourceSpec struct {
	Name       string          `yaml:"name"`
	Type       string          `yaml:"type"`
	SID        int64           `yaml:"sid"`
	Symbol     string          `yaml:"symbol"`
	Ticks      int             `yaml:"ticks"`
	Start      time.Time       `yaml:"start"`
	Interval   time.Duration   `yaml:"interval"`
	Price      float64         `yaml:"price"`
	Volume     int64           `yaml:"volume"`
	Drift      float64         `yaml:"drift"`
	Volatility float64         `yaml:"volatility"`
	Seed       int64           `yaml:"seed"`
	Kline      KlineConfig     `yaml:"kline"`
	RateLimit  RateLimitConfig `yaml:"rate_limit"`
}

type KlineConfig struct {
	Interval string `yaml:"interval"`
	Limit    int    `yaml:"limit"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type TransformsConfig struct {
	Fill FillConfig `yaml:"fill"`
}

type FillConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Commission float64 `yaml:"commission"`
}

type StrategyConfig struct {
	SID         int64   `yaml:"sid"`
	OrderCount  int     `yaml:"order_count"`
	OrderAmount int64   `yaml:"order_amount"`
	Cash        float64 `yaml:"cash"`
}

type ArtifactsConfig struct {
	Dir     string        `yaml:"dir"`
	Parquet ParquetConfig `yaml:"parquet"`
	S3      S3Config      `yaml:"s3"`
}

type ParquetConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Compression string `yaml:"compression"`
	PageSize    int    `yaml:"page_size"`
}

type S3Config struct {
	Enabled           bool   `yaml:"enabled"`
	Bucket            string `yaml:"bucket"`
	Region            string `yaml:"region"`
	Endpoint          string `yaml:"endpoint"`
	PathStyle         bool   `yaml:"path_style"`
	UploadConcurrency int    `yaml:"upload_concurrency"`
	PartSize          string `yaml:"part_size"`
	AccessKeyID       string `yaml:"access_key_id"`
	SecretAccessKey   string `yaml:"secret_access_key"`
}

type MonitorConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Listen       string `yaml:"listen"`
	StreamBuffer int    `yaml:"stream_buffer"`
}

type LoggingConfig struct {
	Level         string                 `yaml:"level"`
	Format        string                 `yaml:"format"`
	Output        string                 `yaml:"output"`
	MaxAge        int                    `yaml:"max_age"`
	Fields        map[string]interface{} `yaml:"fields"`
	DashboardName string                 `yaml:"dashboard_name"`
}

const (
	SourceFlat       = "flat"
	SourceRandomWalk = "randomwalk"
	SourceBinance    = "binance"
	SourceBybit      = "bybit"
	SourceKucoin     = "kucoin"
)

var knownSourceTypes = map[string]bool{
	SourceFlat:       true,
	SourceRandomWalk: true,
	SourceBinance:    true,
	SourceBybit:      true,
	SourceKucoin:     true,
}

func LoadConfig(path string) (*Config, error) {
	// Read configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Run: RunConfig{
			Heartbeat: HeartbeatConfig{
				Interval:      250 * time.Millisecond,
				MissThreshold: 4,
			},
		},
		Transport: TransportConfig{
			PoolSize:        64,
			MailboxCapacity: 256,
		},
		Metrics: MetricsConfig{
			MailboxDepth:   true,
			ResourceReport: true,
			Interval:       time.Minute,
		},
		Transforms: TransformsConfig{
			Fill: FillConfig{
				Enabled:    true,
				Commission: 0.50,
			},
		},
		Strategy: StrategyConfig{
			Cash: 100000,
		},
		Monitor: MonitorConfig{
			Listen:       ":8880",
			StreamBuffer: 64,
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override S3 settings from environment variables if available
	if config.Artifacts.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Artifacts.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Artifacts.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Artifacts.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Artifacts.S3.Bucket = strings.TrimSpace(v)
		}
	}

	config.Artifacts.S3.Bucket = strings.TrimSpace(config.Artifacts.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Simflow.Name == "" {
		return fmt.Errorf("simflow.name is required")
	}

	if cfg.Simflow.Version == "" {
		return fmt.Errorf("simflow.version is required")
	}

	if cfg.Run.Heartbeat.Interval <= 0 {
		return fmt.Errorf("run.heartbeat.interval must be greater than 0")
	}
	if cfg.Run.Heartbeat.MissThreshold <= 0 {
		return fmt.Errorf("run.heartbeat.miss_threshold must be greater than 0")
	}
	if cfg.Run.Replay.EventsPerSecond < 0 {
		return fmt.Errorf("run.replay.events_per_second must not be negative")
	}

	if cfg.Transport.PoolSize <= 0 {
		return fmt.Errorf("transport.pool_size must be greater than 0")
	}
	if cfg.Transport.MailboxCapacity <= 0 {
		return fmt.Errorf("transport.mailbox_capacity must be greater than 0")
	}

	if len(cfg.Sources) == 0 {
		return fmt.Errorf("at least one source must be configured")
	}
	seen := make(map[string]bool, len(cfg.Sources))
	for i, src := range cfg.Sources {
		if src.Name == "" {
			return fmt.Errorf("sources[%d].name is required", i)
		}
		if seen[src.Name] {
			return fmt.Errorf("sources[%d].name '%s' is already used by another source", i, src.Name)
		}
		seen[src.Name] = true
		if !knownSourceTypes[src.Type] {
			return fmt.Errorf("sources[%d].type '%s' is unknown", i, src.Type)
		}
		if src.SID <= 0 {
			return fmt.Errorf("sources[%d].sid must be a positive security id", i)
		}
		switch src.Type {
		case SourceFlat, SourceRandomWalk:
			if src.Ticks <= 0 {
				return fmt.Errorf("sources[%d].ticks must be greater than 0", i)
			}
			if src.Price <= 0 {
				return fmt.Errorf("sources[%d].price must be greater than 0", i)
			}
		case SourceBinance, SourceBybit, SourceKucoin:
			if src.Symbol == "" {
				return fmt.Errorf("sources[%d].symbol is required for %s sources", i, src.Type)
			}
		}
	}

	if cfg.Strategy.OrderCount > 0 && cfg.Strategy.OrderAmount == 0 {
		return fmt.Errorf("strategy.order_amount must not be 0 when strategy.order_count is set")
	}
	if cfg.Strategy.Cash < 0 {
		return fmt.Errorf("strategy.cash must not be negative")
	}

	if cfg.Monitor.Enabled && cfg.Monitor.Listen == "" {
		return fmt.Errorf("monitor.listen is required when the monitor is enabled")
	}

	if IsProductionLike(AppEnvironment()) && cfg.Artifacts.Dir == "" {
		return fmt.Errorf("artifacts.dir is required in %s environments", AppEnvironment())
	}

	if cfg.Artifacts.S3.Enabled {
		if cfg.Artifacts.S3.Bucket == "" {
			return fmt.Errorf("artifacts.s3.bucket is required when S3 is enabled")
		}
		if cfg.Artifacts.S3.Region == "" {
			return fmt.Errorf("artifacts.s3.region is required when S3 is enabled")
		}
		if cfg.Artifacts.S3.AccessKeyID == "" || cfg.Artifacts.S3.SecretAccessKey == "" {
			return fmt.Errorf("artifacts.s3.access_key_id and artifacts.s3.secret_access_key are required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Artifacts.S3.Bucket) {
			return fmt.Errorf("artifacts.s3.bucket '%s' is invalid", cfg.Artifacts.S3.Bucket)
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
