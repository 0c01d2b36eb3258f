package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	RabbitMQ   RabbitMQConfig   `yaml:"rabbitmq"`
	Redis      RedisConfig      `yaml:"redis"`
	Logging    LoggingConfig    `yaml:"logging"`
	App        AppConfig        `yaml:"app"`
	Worker     WorkerConfig     `yaml:"worker"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	Prompt     PromptConfig     `yaml:"prompt"`
	Provider   ProviderConfig   `yaml:"provider"`
	Storage    StorageConfig    `yaml:"storage"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
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
	// MigrateOnStart applies the embedded schema before serving
	MigrateOnStart bool `yaml:"migrate_on_start"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
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
	Name    string `yaml:"name"`
	Type    string `yaml:"type"`
	Durable bool   `yaml:"durable"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name    string `yaml:"name"`
	Durable bool   `yaml:"durable"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	Heartbeat     time.Duration `yaml:"heartbeat"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int `yaml:"prefetch_count"`
}

// RedisConfig holds the Redis connection used for the reconciler lease.
// An empty host disables the lease.
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	UseTLS   bool   `yaml:"use_tls"`
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

// WorkerConfig holds trigger consumer settings
type WorkerConfig struct {
	ID              string        `yaml:"id"`
	Concurrency     int           `yaml:"concurrency"`
	JobTimeout      time.Duration `yaml:"job_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DispatcherConfig holds concurrency caps and retry policy
type DispatcherConfig struct {
	GlobalCap         int           `yaml:"global_cap"`
	OwnerCap          int           `yaml:"owner_cap"`
	ClaimBatch        int           `yaml:"claim_batch"`
	SubmitConcurrency int           `yaml:"submit_concurrency"`
	PollConcurrency   int           `yaml:"poll_concurrency"`
	PollBatch         int           `yaml:"poll_batch"`
	CycleInterval     time.Duration `yaml:"cycle_interval"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	MaxAttempts       int           `yaml:"max_attempts"`
	Backoff           BackoffConfig `yaml:"backoff"`
}

// BackoffConfig holds the requeue delay policy
type BackoffConfig struct {
	Base       time.Duration `yaml:"base"`
	Max        time.Duration `yaml:"max"`
	Multiplier float64       `yaml:"multiplier"`
}

// ReconcilerConfig holds sweep timing
type ReconcilerConfig struct {
	Interval         time.Duration `yaml:"interval"`
	SubmittedTimeout time.Duration `yaml:"submitted_timeout"`
	RunningTimeout   time.Duration `yaml:"running_timeout"`
	BatchSize        int           `yaml:"batch_size"`
	LockKey          string        `yaml:"lock_key"`
	LockTTL          time.Duration `yaml:"lock_ttl"`
}

// PromptConfig holds prompt sub-queue and Gemini settings
type PromptConfig struct {
	Workers      int           `yaml:"workers"`
	Timeout      time.Duration `yaml:"timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxAttempts  int           `yaml:"max_attempts"`
	Model        string        `yaml:"model"`
	APIKey       string        `yaml:"api_key"`
	Temperature  float32       `yaml:"temperature"`
}

// ProviderConfig holds the image generation API settings
type ProviderConfig struct {
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	Timeout     time.Duration `yaml:"timeout"`
	CallbackURL string        `yaml:"callback_url"`
}

// StorageConfig holds the Supabase bucket settings
type StorageConfig struct {
	SupabaseURL  string        `yaml:"supabase_url"`
	ServiceKey   string        `yaml:"service_key"`
	Bucket       string        `yaml:"bucket"`
	SignedURLTTL time.Duration `yaml:"signed_url_ttl"`
}

// Load reads the configuration file, expands ${VAR} references from the
// environment and applies defaults
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Dispatcher.GlobalCap == 0 {
		c.Dispatcher.GlobalCap = 10
	}
	if c.Dispatcher.ClaimBatch == 0 {
		c.Dispatcher.ClaimBatch = c.Dispatcher.GlobalCap
	}
	if c.Dispatcher.PollBatch == 0 {
		c.Dispatcher.PollBatch = 100
	}
	if c.Dispatcher.MaxAttempts == 0 {
		c.Dispatcher.MaxAttempts = 3
	}
	if c.Dispatcher.CycleInterval == 0 {
		c.Dispatcher.CycleInterval = 5 * time.Second
	}
	if c.Dispatcher.PollInterval == 0 {
		c.Dispatcher.PollInterval = 10 * time.Second
	}
	if c.Reconciler.Interval == 0 {
		c.Reconciler.Interval = 30 * time.Second
	}
	if c.Reconciler.SubmittedTimeout == 0 {
		c.Reconciler.SubmittedTimeout = 5 * time.Minute
	}
	if c.Reconciler.RunningTimeout == 0 {
		c.Reconciler.RunningTimeout = 15 * time.Minute
	}
	if c.Reconciler.LockKey == "" {
		c.Reconciler.LockKey = "genqueue:reconciler:leader"
	}
	if c.Reconciler.LockTTL == 0 {
		c.Reconciler.LockTTL = 2 * c.Reconciler.Interval
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}
	if c.Worker.ShutdownTimeout == 0 {
		c.Worker.ShutdownTimeout = 30 * time.Second
	}
	if c.Storage.SignedURLTTL == 0 {
		c.Storage.SignedURLTTL = time.Hour
	}
}

func (c *Config) validateShared() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

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

	if c.Reconciler.SubmittedTimeout <= 0 {
		return fmt.Errorf("reconciler submitted_timeout must be greater than 0")
	}

	return nil
}

// ValidateAPIConfig checks the settings the API service needs
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	return c.validateShared()
}

// ValidateWorkerConfig checks the settings the worker service needs
func (c *Config) ValidateWorkerConfig() error {
	if err := c.validateShared(); err != nil {
		return err
	}

	var errs []error

	if c.Worker.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("worker concurrency must be greater than 0"))
	}

	if c.Worker.JobTimeout <= 0 {
		errs = append(errs, fmt.Errorf("worker job_timeout must be greater than 0"))
	}

	if c.Dispatcher.GlobalCap <= 0 {
		errs = append(errs, fmt.Errorf("dispatcher global_cap must be greater than 0"))
	}

	if c.Dispatcher.OwnerCap < 0 {
		errs = append(errs, fmt.Errorf("dispatcher owner_cap must not be negative"))
	}

	if c.Dispatcher.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("dispatcher max_attempts must be greater than 0"))
	}

	if c.Reconciler.RunningTimeout <= 0 {
		errs = append(errs, fmt.Errorf("reconciler running_timeout must be greater than 0"))
	}

	if c.Redis.Host != "" && c.Reconciler.LockTTL <= c.Reconciler.Interval {
		errs = append(errs, fmt.Errorf("reconciler lock_ttl must exceed the sweep interval"))
	}

	if c.Provider.BaseURL == "" {
		errs = append(errs, fmt.Errorf("provider base_url is required"))
	}

	if c.Storage.SupabaseURL == "" || c.Storage.Bucket == "" {
		errs = append(errs, fmt.Errorf("storage supabase_url and bucket are required"))
	}

	if c.Prompt.Workers > 0 && c.Prompt.APIKey == "" {
		errs = append(errs, fmt.Errorf("prompt api_key is required when prompt workers are enabled"))
	}

	return errors.Join(errs...)
}
