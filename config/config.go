package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is the configuration file used when no -config flag is given.
const DefaultPath = "config/config.yml"

type Config struct {
	FundingLogger FundingLoggerConfig `yaml:"fundinglogger"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Windows       WindowsConfig       `yaml:"windows"`
	Source        SourceConfig        `yaml:"source"`
	Storage       StorageConfig       `yaml:"storage"`
	Logging       LoggingConfig       `yaml:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics"`
}

type FundingLoggerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type MetricsConfig struct {
	CloudWatch bool   `yaml:"cloudwatch"`
	Namespace  string `yaml:"namespace"`
	Dashboard  string `yaml:"dashboard"`
}

// SchedulerConfig drives the collection tick loop and its two lead-time
// windows. An event is ranked once when it first falls within RankLeadTime of
// its payout and captured once within CaptureLeadTime.
type SchedulerConfig struct {
	TickInterval    time.Duration `yaml:"tick_interval"`
	RankLeadTime    time.Duration `yaml:"rank_lead_time"`
	CaptureLeadTime time.Duration `yaml:"capture_lead_time"`
	TopNSymbols     int           `yaml:"top_n_symbols"`
	Retention       time.Duration `yaml:"retention"`
	CallTimeout     time.Duration `yaml:"call_timeout"`
}

// WindowsConfig sets the per-interval lookback spans for capture batches,
// measured relative to the funding time. The one minute window is the only
// one that extends past the payout.
type WindowsConfig struct {
	DailyDaysBack       int `yaml:"daily_days_back"`
	HourlyHoursBack     int `yaml:"hourly_hours_back"`
	TenMinHoursBefore   int `yaml:"ten_min_hours_before"`
	OneMinMinutesBefore int `yaml:"one_min_minutes_before"`
	OneMinMinutesAfter  int `yaml:"one_min_minutes_after"`
}

type SourceConfig struct {
	Mexc MexcSourceConfig `yaml:"mexc"`
}

type MexcSourceConfig struct {
	BaseURL        string               `yaml:"base_url"`
	Timeout        time.Duration        `yaml:"timeout"`
	MaxConcurrent  int                  `yaml:"max_concurrent"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

type StorageConfig struct {
	OutputDir string        `yaml:"output_dir"`
	Formats   FormatsConfig `yaml:"formats"`
	S3        S3Config      `yaml:"s3"`
}

type FormatsConfig struct {
	Parquet ParquetConfig `yaml:"parquet"`
}

type ParquetConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Compression string `yaml:"compression"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type LoggingConfig struct {
	Level          string        `yaml:"level"`
	Format         string        `yaml:"format"`
	Output         string        `yaml:"output"`
	MaxAge         int           `yaml:"max_age"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

// LoadConfig reads and validates the YAML configuration at path. Environment
// specific overrides (APP_ENV) resolve to config.<env>.yml beside the default
// file, and AWS credentials are taken from the environment when set.
func LoadConfig(path string) (*Config, error) {
	path = resolveEnvSpecificPath(path, DefaultPath, map[string]string{
		environmentProduction: "config/config.production.yml",
		environmentStaging:    "config/config.staging.yml",
	})

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override S3 settings from environment variables if available
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	if env := AppEnvironment(); IsProductionLike(env) && !config.Storage.S3.Enabled {
		return nil, fmt.Errorf("environment %s requires durable storage: storage.s3.enabled must be true", env)
	}

	return config, nil
}

// defaultConfig carries the operational defaults; YAML values override them
// field by field.
func defaultConfig() *Config {
	return &Config{
		Scheduler: SchedulerConfig{
			TickInterval:    5 * time.Minute,
			RankLeadTime:    15 * time.Minute,
			CaptureLeadTime: 10 * time.Minute,
			TopNSymbols:     3,
			Retention:       24 * time.Hour,
			CallTimeout:     10 * time.Second,
		},
		Windows: WindowsConfig{
			DailyDaysBack:       3,
			HourlyHoursBack:     4,
			TenMinHoursBefore:   1,
			OneMinMinutesBefore: 10,
			OneMinMinutesAfter:  10,
		},
		Source: SourceConfig{
			Mexc: MexcSourceConfig{
				BaseURL:       "https://contract.mexc.com",
				Timeout:       10 * time.Second,
				MaxConcurrent: 10,
				RateLimit: RateLimitConfig{
					RequestsPerSecond: 10,
					BurstSize:         10,
				},
				ConnectionPool: ConnectionPoolConfig{
					MaxIdleConns:    10,
					MaxConnsPerHost: 10,
					IdleConnTimeout: 90 * time.Second,
				},
			},
		},
		Storage: StorageConfig{
			OutputDir: "data",
		},
		Logging: LoggingConfig{
			Level:          "info",
			Format:         "json",
			Output:         "stdout",
			ReportInterval: 30 * time.Second,
		},
	}
}

func validateConfig(cfg *Config) error {
	if cfg.FundingLogger.Name == "" {
		return fmt.Errorf("fundinglogger.name is required")
	}
	if cfg.FundingLogger.Version == "" {
		return fmt.Errorf("fundinglogger.version is required")
	}

	if cfg.Scheduler.TickInterval <= 0 {
		return fmt.Errorf("scheduler.tick_interval must be greater than 0")
	}
	if cfg.Scheduler.RankLeadTime <= 0 {
		return fmt.Errorf("scheduler.rank_lead_time must be greater than 0")
	}
	if cfg.Scheduler.CaptureLeadTime <= 0 {
		return fmt.Errorf("scheduler.capture_lead_time must be greater than 0")
	}
	if cfg.Scheduler.CaptureLeadTime >= cfg.Scheduler.RankLeadTime {
		return fmt.Errorf("scheduler.capture_lead_time must be less than scheduler.rank_lead_time")
	}
	if cfg.Scheduler.TopNSymbols <= 0 {
		return fmt.Errorf("scheduler.top_n_symbols must be greater than 0")
	}
	if cfg.Scheduler.CallTimeout <= 0 {
		return fmt.Errorf("scheduler.call_timeout must be greater than 0")
	}

	if cfg.Windows.DailyDaysBack <= 0 {
		return fmt.Errorf("windows.daily_days_back must be greater than 0")
	}
	if cfg.Windows.HourlyHoursBack <= 0 {
		return fmt.Errorf("windows.hourly_hours_back must be greater than 0")
	}
	if cfg.Windows.TenMinHoursBefore <= 0 {
		return fmt.Errorf("windows.ten_min_hours_before must be greater than 0")
	}
	if cfg.Windows.OneMinMinutesBefore <= 0 {
		return fmt.Errorf("windows.one_min_minutes_before must be greater than 0")
	}
	if cfg.Windows.OneMinMinutesAfter < 0 {
		return fmt.Errorf("windows.one_min_minutes_after must not be negative")
	}

	if cfg.Source.Mexc.BaseURL == "" {
		return fmt.Errorf("source.mexc.base_url is required")
	}
	if cfg.Source.Mexc.MaxConcurrent <= 0 {
		return fmt.Errorf("source.mexc.max_concurrent must be greater than 0")
	}

	if cfg.Storage.OutputDir == "" {
		return fmt.Errorf("storage.output_dir is required")
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if cfg.Storage.S3.AccessKeyID == "" || cfg.Storage.S3.SecretAccessKey == "" {
			return fmt.Errorf("storage.s3.access_key_id and storage.s3.secret_access_key are required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
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
