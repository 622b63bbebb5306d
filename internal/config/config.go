package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Extractor ExtractorConfig `mapstructure:"extractor"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Merge     MergeConfig     `mapstructure:"merge"`
}

type ServerConfig struct {
	Port int        `mapstructure:"port"`
	Mode string     `mapstructure:"mode"`
	CORS CORSConfig `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	AllowAllOrigins bool     `mapstructure:"allow_all_origins"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Path            string        `mapstructure:"path"` // sqlite only
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// DSN builds the driver-specific connection string.
func (c *DatabaseConfig) DSN() string {
	if c.Driver == "postgres" {
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
	}
	return c.Path
}

type ExtractorConfig struct {
	Model         string        `mapstructure:"model"`
	APIKey        string        `mapstructure:"api_key"`
	BaseURL       string        `mapstructure:"base_url"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
}

type SchedulerConfig struct {
	Workers int `mapstructure:"workers"`
}

type PipelineConfig struct {
	ChunkSize          int  `mapstructure:"chunk_size"`
	ChunkOverlap       int  `mapstructure:"chunk_overlap"`
	SiteTextLimit      int  `mapstructure:"site_text_limit"`
	ExtractWorkers     int  `mapstructure:"extract_workers"`
	KeepPreamble       bool `mapstructure:"keep_preamble"`
	FailOnMandatoryGap bool `mapstructure:"fail_on_mandatory_gap"`
}

type MergeConfig struct {
	KeepOrphans       bool     `mapstructure:"keep_orphans"`
	NumericTolerance  float64  `mapstructure:"numeric_tolerance"`
	DescriptiveFields []string `mapstructure:"descriptive_fields"`
}

func Load(configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	v := viper.New()

	// Set config file path
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// Enable environment variable override
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.cors.allow_all_origins", true)
	v.SetDefault("server.cors.allowed_origins", []string{})
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/stratum.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("extractor.model", "gpt-4o-mini")
	v.SetDefault("extractor.base_url", "https://api.openai.com/v1")
	v.SetDefault("extractor.timeout", 2*time.Minute)
	v.SetDefault("extractor.retry_attempts", 3)
	v.SetDefault("extractor.retry_backoff", time.Second)
	v.SetDefault("scheduler.workers", 2)
	v.SetDefault("pipeline.chunk_size", 3000)
	v.SetDefault("pipeline.chunk_overlap", 300)
	v.SetDefault("pipeline.site_text_limit", 5000)
	v.SetDefault("pipeline.extract_workers", 2)
	v.SetDefault("pipeline.keep_preamble", false)
	v.SetDefault("pipeline.fail_on_mandatory_gap", false)
	v.SetDefault("merge.keep_orphans", false)
	v.SetDefault("merge.numeric_tolerance", 0.1)
	v.SetDefault("merge.descriptive_fields", []string{"description", "decoration_unit"})

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Bind environment variables explicitly for sensitive data
	v.BindEnv("database.driver", "DB_DRIVER")
	v.BindEnv("database.host", "DB_HOST")
	v.BindEnv("database.port", "DB_PORT")
	v.BindEnv("database.user", "DB_USER")
	v.BindEnv("database.password", "DB_PASSWORD")
	v.BindEnv("database.name", "DB_NAME")
	v.BindEnv("extractor.api_key", "OPENAI_API_KEY")
	v.BindEnv("extractor.base_url", "OPENAI_BASE_URL")
	v.BindEnv("extractor.model", "EXTRACTOR_MODEL")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}
