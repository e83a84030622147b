package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuongbtq/parallax-avatar/internal/batch"
	"github.com/cuongbtq/parallax-avatar/internal/grid"
	"github.com/cuongbtq/parallax-avatar/internal/replicate"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535

	// TokenEnvVar overrides generation.replicate.api_token
	TokenEnvVar = "REPLICATE_API_TOKEN"
)

// Cache backends
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
	CacheNone   = "none"
)

// Config represents the complete application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	RabbitMQ   RabbitMQConfig   `yaml:"rabbitmq"`
	Logging    LoggingConfig    `yaml:"logging"`
	App        AppConfig        `yaml:"app"`
	Worker     WorkerConfig     `yaml:"worker"`
	Generation GenerationConfig `yaml:"generation"`
	Cache      CacheConfig      `yaml:"cache"`
	History    HistoryConfig    `yaml:"history"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxUploadBytes  int64         `yaml:"max_upload_bytes"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Enabled    bool             `yaml:"enabled"`
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings. Deliveries are always acknowledged manually.
type ConsumerConfig struct {
	PrefetchCount int  `yaml:"prefetch_count"`
	Exclusive     bool `yaml:"exclusive"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	Concurrency       int           `yaml:"concurrency"`
	MaxJobs           int           `yaml:"max_jobs"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// GenerationConfig groups the remote model, grid and batch settings
type GenerationConfig struct {
	Replicate ReplicateConfig `yaml:"replicate"`
	Grid      GridConfig      `yaml:"grid"`
	Batch     BatchConfig     `yaml:"batch"`
}

// ReplicateConfig holds the prediction API settings and model references
type ReplicateConfig struct {
	APIToken        string        `yaml:"api_token"`
	BaseURL         string        `yaml:"base_url"`
	Timeout         time.Duration `yaml:"timeout"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	FrameModel      string        `yaml:"frame_model"`
	RestyleModel    string        `yaml:"restyle_model"`
	RestylePrompt   string        `yaml:"restyle_prompt"`
	MeshModel       string        `yaml:"mesh_model"`
	MeshOutputField string        `yaml:"mesh_output_field"`
}

// GridConfig holds the defaults used to expand a grid
type GridConfig struct {
	XSteps        int     `yaml:"x_steps"`
	YSteps        int     `yaml:"y_steps"`
	Prefix        string  `yaml:"prefix"`
	RotateBound   float64 `yaml:"rotate_bound"`
	PupilBound    float64 `yaml:"pupil_bound"`
	CropFactor    float64 `yaml:"crop_factor"`
	OutputQuality int     `yaml:"output_quality"`
	SrcRatio      float64 `yaml:"src_ratio"`
	SampleRatio   float64 `yaml:"sample_ratio"`
	OutputFormat  string  `yaml:"output_format"`
}

// BatchConfig holds the orchestrator policy
type BatchConfig struct {
	Concurrency       int           `yaml:"concurrency"`
	MaxRetries        int           `yaml:"max_retries"`
	InitialBackoff    time.Duration `yaml:"initial_backoff"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	AttemptTimeout    time.Duration `yaml:"attempt_timeout"`
	BatchTimeout      time.Duration `yaml:"batch_timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	CostPerFrame      float64       `yaml:"cost_per_frame"`
}

// CacheConfig selects the restyle cache backend
type CacheConfig struct {
	Backend    string      `yaml:"backend"`
	MaxEntries int         `yaml:"max_entries"`
	Redis      RedisConfig `yaml:"redis"`
}

// RedisConfig holds redis connection settings
type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	TTL       time.Duration `yaml:"ttl"`
	KeyPrefix string        `yaml:"key_prefix"`
}

// HistoryConfig holds batch history retention
type HistoryConfig struct {
	MaxBatches      int  `yaml:"max_batches"`
	DefaultPageSize int  `yaml:"default_page_size"`
	MaxPageSize     int  `yaml:"max_page_size"`
	Migrate         bool `yaml:"migrate"`
}

// Load reads and parses the configuration file, applies the token
// environment override and fills defaults
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if token := strings.TrimSpace(os.Getenv(TokenEnvVar)); token != "" {
		config.Generation.Replicate.APIToken = token
	}

	config.ApplyDefaults()
	return &config, nil
}

// ApplyDefaults fills unset generation, cache and history settings
func (c *Config) ApplyDefaults() {
	r := &c.Generation.Replicate
	setDefault(&r.BaseURL, "https://api.replicate.com/v1")
	setDefault(&r.Timeout, 180*time.Second)
	setDefault(&r.PollInterval, 2*time.Second)
	setDefault(&r.FrameModel, "fofr/expression-editor")
	setDefault(&r.MeshOutputField, "model_file")

	g := &c.Generation.Grid
	setDefault(&g.XSteps, 5)
	setDefault(&g.YSteps, 5)
	setDefault(&g.Prefix, "avatar")
	setDefault(&g.RotateBound, 20.0)
	setDefault(&g.PupilBound, 15.0)
	setDefault(&g.CropFactor, 2.5)
	setDefault(&g.OutputQuality, 95)
	setDefault(&g.SrcRatio, 1.0)
	setDefault(&g.SampleRatio, 1.0)
	setDefault(&g.OutputFormat, "webp")

	b := &c.Generation.Batch
	setDefault(&b.Concurrency, 8)
	setDefault(&b.MaxRetries, 5)
	setDefault(&b.InitialBackoff, 5*time.Second)
	setDefault(&b.BackoffMultiplier, 2.0)
	setDefault(&b.MaxBackoff, 60*time.Second)
	setDefault(&b.AttemptTimeout, 120*time.Second)
	setDefault(&b.BatchTimeout, 300*time.Second)

	setDefault(&c.RabbitMQ.Exchange.Type, "direct")

	setDefault(&c.Cache.Backend, CacheMemory)
	setDefault(&c.Cache.MaxEntries, 32)
	setDefault(&c.Cache.Redis.TTL, 24*time.Hour)
	setDefault(&c.Cache.Redis.KeyPrefix, "parallax:")

	setDefault(&c.History.MaxBatches, 10)
	setDefault(&c.History.DefaultPageSize, 20)
	setDefault(&c.History.MaxPageSize, 100)

	setDefault(&c.Server.MaxUploadBytes, int64(20<<20))
}

func setDefault[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}

// GridRender returns the render parameters shared by every frame
func (g GridConfig) GridRender() grid.RenderParams {
	return grid.RenderParams{
		CropFactor:    g.CropFactor,
		OutputQuality: g.OutputQuality,
		SrcRatio:      g.SrcRatio,
		SampleRatio:   g.SampleRatio,
		OutputFormat:  g.OutputFormat,
	}
}

// Policy converts the batch settings into an orchestrator policy
func (b BatchConfig) Policy() batch.Policy {
	return batch.Policy{
		Concurrency:       b.Concurrency,
		MaxRetries:        b.MaxRetries,
		InitialBackoff:    b.InitialBackoff,
		Multiplier:        b.BackoffMultiplier,
		MaxBackoff:        b.MaxBackoff,
		AttemptTimeout:    b.AttemptTimeout,
		RequestsPerSecond: b.RequestsPerSecond,
	}
}

// ClientOptions converts the prediction API settings into client options
func (r ReplicateConfig) ClientOptions(logger *slog.Logger) replicate.Options {
	return replicate.Options{
		BaseURL:      r.BaseURL,
		APIToken:     r.APIToken,
		Timeout:      r.Timeout,
		PollInterval: r.PollInterval,
		Logger:       logger,
	}
}

// GridBounds returns the edge magnitudes of the grid
func (g GridConfig) GridBounds() grid.Bounds {
	return grid.Bounds{Rotate: g.RotateBound, Pupil: g.PupilBound}
}

// ValidateAPIConfig checks the settings the api-service needs
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if c.Database.Enabled {
		if err := c.validateDatabase(); err != nil {
			return err
		}
	}

	if c.RabbitMQ.Enabled {
		if !c.Database.Enabled {
			return fmt.Errorf("rabbitmq requires database to be enabled")
		}
		if err := c.validateRabbitMQ(); err != nil {
			return err
		}
	}

	switch c.Cache.Backend {
	case CacheMemory, CacheNone:
	case CacheRedis:
		if c.Cache.Redis.Addr == "" {
			return fmt.Errorf("cache redis addr is required")
		}
	default:
		return fmt.Errorf("invalid cache backend: %q (must be memory, redis or none)", c.Cache.Backend)
	}

	return c.validateGeneration()
}

// ValidateWorkerConfig checks the settings the worker-service needs
func (c *Config) ValidateWorkerConfig() error {
	if err := c.validateDatabase(); err != nil {
		return err
	}

	if err := c.validateRabbitMQ(); err != nil {
		return err
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.MaxJobs <= 0 {
		return fmt.Errorf("worker max_jobs must be greater than 0")
	}

	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker job_timeout must be greater than 0")
	}

	if c.Worker.HeartbeatInterval <= 0 {
		return fmt.Errorf("worker heartbeat_interval must be greater than 0")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	return c.validateGeneration()
}

func (c *Config) validateDatabase() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	return nil
}

func (c *Config) validateRabbitMQ() error {
	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	return nil
}

func (c *Config) validateGeneration() error {
	g := c.Generation.Grid
	if err := grid.Validate(g.XSteps, g.YSteps); err != nil {
		return fmt.Errorf("invalid default grid: %w", err)
	}

	if c.Generation.Replicate.FrameModel == "" {
		return fmt.Errorf("generation frame_model is required")
	}

	b := c.Generation.Batch
	if b.Concurrency <= 0 {
		return fmt.Errorf("generation batch concurrency must be greater than 0")
	}

	if b.MaxRetries < 0 {
		return fmt.Errorf("generation batch max_retries must not be negative")
	}

	if b.BackoffMultiplier < 1 {
		return fmt.Errorf("generation batch backoff_multiplier must be at least 1")
	}

	if b.InitialBackoff > b.MaxBackoff {
		return fmt.Errorf("generation batch initial_backoff must not exceed max_backoff")
	}

	return nil
}
