package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Extraction ExtractionConfig `mapstructure:"extraction"`
	Rasterizer RasterizerConfig `mapstructure:"rasterizer"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Letter     LetterConfig     `mapstructure:"letter"`
}

type ServerConfig struct {
	Port        int        `mapstructure:"port"`
	Mode        string     `mapstructure:"mode"`
	MaxUploadMB int        `mapstructure:"max_upload_mb"`
	CORS        CORSConfig `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	AllowAllOrigins bool     `mapstructure:"allow_all_origins"`
}

// StorageConfig describes the blob store. Type is one of s3, r2, s3compatible,
// minio or memory; empty means auto-detect from the endpoint.
type StorageConfig struct {
	Type      string `mapstructure:"type"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	UseTLS   bool   `mapstructure:"use_tls"`
}

type QueueConfig struct {
	Name         string        `mapstructure:"name"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	BlockTimeout time.Duration `mapstructure:"block_timeout"`
	// LeaseTTL bounds how long a crashed consumer keeps the queue locked.
	LeaseTTL time.Duration `mapstructure:"lease_ttl"`
}

type ExtractionConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	APIKey     string        `mapstructure:"api_key"`
	Model      string        `mapstructure:"model"`
	MaxTokens  int           `mapstructure:"max_tokens"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RetryCount int           `mapstructure:"retry_count"`
}

type RasterizerConfig struct {
	BaseURL          string        `mapstructure:"base_url"`
	APIKey           string        `mapstructure:"api_key"`
	Timeout          time.Duration `mapstructure:"timeout"`
	PageFetchRetries int           `mapstructure:"page_fetch_retries"`
}

type WorkerConfig struct {
	// Embedded runs the worker inside the API process.
	Embedded   bool   `mapstructure:"embedded"`
	StagingDir string `mapstructure:"staging_dir"`
}

type LetterConfig struct {
	TemplatesDir string `mapstructure:"templates_dir"`
}

func Load(configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Bind environment variables explicitly for sensitive data
	v.BindEnv("database.driver", "DATABASE_DRIVER")
	v.BindEnv("database.host", "DATABASE_HOST")
	v.BindEnv("database.user", "DATABASE_USER")
	v.BindEnv("database.password", "DATABASE_PASSWORD")
	v.BindEnv("database.name", "DATABASE_NAME")
	v.BindEnv("storage.endpoint", "STORAGE_ENDPOINT")
	v.BindEnv("storage.access_key", "STORAGE_ACCESS_KEY")
	v.BindEnv("storage.secret_key", "STORAGE_SECRET_KEY")
	v.BindEnv("storage.bucket", "STORAGE_BUCKET")
	v.BindEnv("redis.addr", "REDIS_ADDR")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("extraction.api_key", "OPENAI_API_KEY")
	v.BindEnv("extraction.base_url", "OPENAI_BASE_URL")
	v.BindEnv("extraction.model", "EXTRACTION_MODEL")
	v.BindEnv("rasterizer.api_key", "PDFCO_API_KEY")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 3001)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.max_upload_mb", 50)
	v.SetDefault("server.cors.allow_all_origins", true)
	v.SetDefault("server.cors.allowed_origins", []string{})

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/claimflow.db")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("storage.endpoint", "localhost:9000")
	v.SetDefault("storage.use_ssl", false)
	v.SetDefault("storage.bucket", "documents")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("queue.name", "document-processing")
	v.SetDefault("queue.max_attempts", 1)
	v.SetDefault("queue.block_timeout", 5*time.Second)
	v.SetDefault("queue.lease_ttl", 30*time.Second)

	v.SetDefault("extraction.base_url", "https://api.openai.com/v1")
	v.SetDefault("extraction.model", "gpt-4o")
	v.SetDefault("extraction.max_tokens", 2000)
	v.SetDefault("extraction.timeout", 120*time.Second)
	v.SetDefault("extraction.retry_count", 0)

	v.SetDefault("rasterizer.base_url", "https://api.pdf.co/v1")
	v.SetDefault("rasterizer.timeout", 30*time.Second)
	v.SetDefault("rasterizer.page_fetch_retries", 2)

	v.SetDefault("worker.embedded", true)
	v.SetDefault("worker.staging_dir", "")

	v.SetDefault("letter.templates_dir", "./assets")
}

// Validate reports every setting the pipeline cannot run without.
func (c *Config) Validate() error {
	var errs []error
	if c.Extraction.APIKey == "" {
		errs = append(errs, errors.New("extraction.api_key is required (OPENAI_API_KEY)"))
	}
	if c.Rasterizer.APIKey == "" {
		errs = append(errs, errors.New("rasterizer.api_key is required (PDFCO_API_KEY)"))
	}
	if c.Storage.Bucket == "" {
		errs = append(errs, errors.New("storage.bucket is required"))
	}
	if c.Queue.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("queue.max_attempts must be at least 1, got %d", c.Queue.MaxAttempts))
	}
	if c.Queue.LeaseTTL <= c.Queue.BlockTimeout {
		errs = append(errs, fmt.Errorf("queue.lease_ttl (%s) must exceed queue.block_timeout (%s)", c.Queue.LeaseTTL, c.Queue.BlockTimeout))
	}
	return errors.Join(errs...)
}
