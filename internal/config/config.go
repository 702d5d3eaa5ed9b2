package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mehrshadmadani/telegram-downloader-bot/shared/postgresql"
	"github.com/mehrshadmadani/telegram-downloader-bot/shared/rabbitmq"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Provider types understood by the provider factory
const (
	ProviderTypeYtdlp   = "ytdlp"
	ProviderTypeYouTube = "youtube"
	ProviderTypeDirect  = "direct"
	ProviderTypeCobalt  = "cobalt"
)

// Delivery routes
const (
	RouteGroup = "group"
	RouteOwner = "owner"
)

// Dedup backends
const (
	DedupMemory = "memory"
	DedupRedis  = "redis"
	DedupBolt   = "bolt"
)

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	Logging   LoggingConfig   `yaml:"logging"`
	App       AppConfig       `yaml:"app"`
	Worker    WorkerConfig    `yaml:"worker"`
	Providers ProvidersConfig `yaml:"providers"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Dedup     DedupConfig     `yaml:"dedup"`
	Redis     RedisConfig     `yaml:"redis"`
	Dashboard DashboardConfig `yaml:"dashboard"`
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
}

// ClientConfig converts the section into the pool settings of the shared client
func (d DatabaseConfig) ClientConfig() *postgresql.Config {
	return &postgresql.Config{
		Host:            d.Host,
		Port:            d.Port,
		User:            d.User,
		Password:        d.Password,
		Database:        d.Database,
		SSLMode:         d.SSLMode,
		MaxOpenConns:    d.MaxOpenConns,
		MaxIdleConns:    d.MaxIdleConns,
		ConnMaxLifetime: d.ConnMaxLifetime,
		ConnMaxIdleTime: d.ConnMaxIdleTime,
	}
}

// ClientConfig flattens the section into the shared client settings
func (r RabbitMQConfig) ClientConfig() *rabbitmq.Config {
	return &rabbitmq.Config{
		Host:               r.Host,
		Port:               r.Port,
		User:               r.User,
		Password:           r.Password,
		VHost:              r.VHost,
		ExchangeName:       r.Exchange.Name,
		ExchangeType:       r.Exchange.Type,
		ExchangeDurable:    r.Exchange.Durable,
		ExchangeAutoDelete: r.Exchange.AutoDelete,
		QueueName:          r.Queue.Name,
		QueueDurable:       r.Queue.Durable,
		QueueAutoDelete:    r.Queue.AutoDelete,
		QueueExclusive:     r.Queue.Exclusive,
		DeadLetterExchange: r.Queue.DeadLetterExchange,
		RoutingKey:         r.RoutingKey,
		RetryAttempts:      r.Connection.RetryAttempts,
		RetryInterval:      r.Connection.RetryInterval,
		Heartbeat:          r.Connection.Heartbeat,
		ConnectionTimeout:  r.Connection.ConnectionTimeout,
		PublishRetries:     r.Publish.RetryAttempts,
		PublishRetryDelay:  r.Publish.RetryInterval,
		PublishBackoffMult: r.Publish.BackoffMultiplier,
	}
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
	// DeadLetterExchange receives messages the worker rejects as malformed
	DeadLetterExchange string `yaml:"dead_letter_exchange"`
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

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
	TimeFormat   string `yaml:"time_format"`
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
	QueueSize         int           `yaml:"queue_size"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	StatusPort        int           `yaml:"status_port"`
}

// ProvidersConfig holds the provider definitions and the chains that use them
type ProvidersConfig struct {
	DownloadDir    string           `yaml:"download_dir"`
	AttemptTimeout time.Duration    `yaml:"attempt_timeout"`
	Definitions    []ProviderConfig `yaml:"definitions"`
	Categories     []CategoryConfig `yaml:"categories"`
	Generic        []string         `yaml:"generic"`
}

// ProviderConfig defines one named provider instance
type ProviderConfig struct {
	Name        string `yaml:"name"`
	Type        string `yaml:"type"`
	Format      string `yaml:"format"`
	MergeFormat string `yaml:"merge_format"`
	CookiesFile string `yaml:"cookies_file"`
	Endpoint    string `yaml:"endpoint"`
	APIKey      string `yaml:"api_key"`
	MaxFileSize int64  `yaml:"max_file_size"`
}

// CategoryConfig routes matching hosts to an ordered provider chain
type CategoryConfig struct {
	Name      string   `yaml:"name"`
	Hosts     []string `yaml:"hosts"`
	Providers []string `yaml:"providers"`
}

// DeliveryConfig holds upload settings
type DeliveryConfig struct {
	Route             string        `yaml:"route"`
	MaxAttempts       int           `yaml:"max_attempts"`
	InitialBackoff    time.Duration `yaml:"initial_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	UploadTimeout     time.Duration `yaml:"upload_timeout"`
	CaptionLimit      int           `yaml:"caption_limit"`
	ProgressStep      int           `yaml:"progress_step"`
	FFprobePath       string        `yaml:"ffprobe_path"`
	ProbeTimeout      time.Duration `yaml:"probe_timeout"`
}

// TelegramConfig holds Bot API settings
type TelegramConfig struct {
	BotToken  string  `yaml:"bot_token"`
	APIURL    string  `yaml:"api_url"`
	ChatID    int64   `yaml:"chat_id"`
	ThreadID  int64   `yaml:"thread_id"`
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
}

// DedupConfig selects and sizes the admitted job id set
type DedupConfig struct {
	Backend   string        `yaml:"backend"`
	Capacity  int           `yaml:"capacity"`
	TTL       time.Duration `yaml:"ttl"`
	Path      string        `yaml:"path"`
	KeyPrefix string        `yaml:"key_prefix"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// DashboardConfig holds status board settings
type DashboardConfig struct {
	Interval       time.Duration `yaml:"interval"`
	GracePeriod    time.Duration `yaml:"grace_period"`
	MaxErrorLength int           `yaml:"max_error_length"`
	Output         string        `yaml:"output"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ApplyDefaults()
	config.applyEnv()

	return &config, nil
}

// ApplyDefaults fills unset optional values
func (c *Config) ApplyDefaults() {
	setDefault(&c.Worker.Concurrency, 2)
	setDefault(&c.Worker.JobTimeout, 30*time.Minute)
	setDefault(&c.Worker.HeartbeatInterval, 30*time.Second)
	setDefault(&c.Worker.ShutdownTimeout, 30*time.Second)

	setDefault(&c.Providers.DownloadDir, "downloads")
	setDefault(&c.Providers.AttemptTimeout, 10*time.Minute)

	setDefault(&c.Delivery.Route, RouteGroup)
	setDefault(&c.Delivery.MaxAttempts, 3)
	setDefault(&c.Delivery.InitialBackoff, 2*time.Second)
	setDefault(&c.Delivery.MaxBackoff, time.Minute)
	setDefault(&c.Delivery.BackoffMultiplier, 2.0)
	setDefault(&c.Delivery.UploadTimeout, 10*time.Minute)
	setDefault(&c.Delivery.CaptionLimit, 1024)
	setDefault(&c.Delivery.ProgressStep, 10)
	setDefault(&c.Delivery.FFprobePath, "ffprobe")
	setDefault(&c.Delivery.ProbeTimeout, 30*time.Second)

	setDefault(&c.Telegram.APIURL, "https://api.telegram.org")
	setDefault(&c.Telegram.RateLimit, 1.0)
	setDefault(&c.Telegram.Burst, 1)

	setDefault(&c.Dedup.Backend, DedupMemory)
	setDefault(&c.Dedup.Capacity, 10000)
	setDefault(&c.Dedup.TTL, 24*time.Hour)
	setDefault(&c.Dedup.Path, "dedup.db")
	setDefault(&c.Dedup.KeyPrefix, "fetchbot:dedup:")

	setDefault(&c.Dashboard.Interval, 2*time.Second)
	setDefault(&c.Dashboard.GracePeriod, 30*time.Second)
	setDefault(&c.Dashboard.MaxErrorLength, 50)
	setDefault(&c.Dashboard.Output, "stdout")
}

func setDefault[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}

// applyEnv lets secrets come from the environment instead of the YAML file
func (c *Config) applyEnv() {
	envOverride(&c.Telegram.BotToken, "TELEGRAM_BOT_TOKEN")
	envOverride(&c.Database.Password, "DATABASE_PASSWORD")
	envOverride(&c.RabbitMQ.Password, "RABBITMQ_PASSWORD")
	envOverride(&c.Redis.Password, "REDIS_PASSWORD")
}

func envOverride(field *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*field = v
	}
}

// Validate checks the settings shared by every service
func (c *Config) Validate() error {
	return c.ValidateAPIConfig()
}

// ValidateAPIConfig checks the settings the api-service needs
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateDatabase(); err != nil {
		return err
	}

	return c.validateRabbitMQ()
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

	if c.Worker.QueueSize < 0 {
		return fmt.Errorf("worker queue_size must not be negative")
	}

	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker job_timeout must be greater than 0")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	if c.Worker.StatusPort != 0 && (c.Worker.StatusPort < MinPort || c.Worker.StatusPort > MaxPort) {
		return fmt.Errorf("invalid worker status port: %d (must be between %d and %d)", c.Worker.StatusPort, MinPort, MaxPort)
	}

	if err := c.ValidateProviders(); err != nil {
		return err
	}

	if err := c.validateDelivery(); err != nil {
		return err
	}

	if err := c.validateDashboard(); err != nil {
		return err
	}

	return c.validateDedup()
}

// validateDashboard requires the grace period to cover at least one render,
// since the reporter sweeps before it renders
func (c *Config) validateDashboard() error {
	if c.Dashboard.Interval <= 0 {
		return fmt.Errorf("dashboard interval must be greater than 0")
	}

	if c.Dashboard.GracePeriod < c.Dashboard.Interval {
		return fmt.Errorf("dashboard grace_period (%s) must not be shorter than interval (%s)", c.Dashboard.GracePeriod, c.Dashboard.Interval)
	}

	if c.Dashboard.MaxErrorLength <= 0 {
		return fmt.Errorf("dashboard max_error_length must be greater than 0")
	}

	return nil
}

// ValidateProviders checks provider definitions and chain references
func (c *Config) ValidateProviders() error {
	if c.Providers.DownloadDir == "" {
		return fmt.Errorf("providers download_dir is required")
	}

	known := make(map[string]bool, len(c.Providers.Definitions))
	for _, p := range c.Providers.Definitions {
		if p.Name == "" {
			return fmt.Errorf("provider name is required")
		}
		if known[p.Name] {
			return fmt.Errorf("duplicate provider name: %s", p.Name)
		}
		known[p.Name] = true

		switch p.Type {
		case ProviderTypeYtdlp, ProviderTypeYouTube, ProviderTypeDirect:
		case ProviderTypeCobalt:
			if p.Endpoint == "" {
				return fmt.Errorf("provider %s: endpoint is required for type %s", p.Name, p.Type)
			}
		default:
			return fmt.Errorf("provider %s: unknown type %q", p.Name, p.Type)
		}
	}

	if len(c.Providers.Generic) == 0 {
		return fmt.Errorf("providers generic chain is required")
	}
	for _, name := range c.Providers.Generic {
		if !known[name] {
			return fmt.Errorf("generic chain references unknown provider: %s", name)
		}
	}

	for _, cat := range c.Providers.Categories {
		if cat.Name == "" {
			return fmt.Errorf("category name is required")
		}
		if len(cat.Hosts) == 0 {
			return fmt.Errorf("category %s: at least one host is required", cat.Name)
		}
		for _, name := range cat.Providers {
			if !known[name] {
				return fmt.Errorf("category %s references unknown provider: %s", cat.Name, name)
			}
		}
	}

	return nil
}

func (c *Config) validateDelivery() error {
	switch c.Delivery.Route {
	case RouteGroup:
		if c.Telegram.ChatID == 0 {
			return fmt.Errorf("telegram chat_id is required for route %q", RouteGroup)
		}
	case RouteOwner:
	default:
		return fmt.Errorf("invalid delivery route: %q", c.Delivery.Route)
	}

	if c.Delivery.MaxAttempts <= 0 {
		return fmt.Errorf("delivery max_attempts must be greater than 0")
	}

	if c.Delivery.ProgressStep <= 0 || c.Delivery.ProgressStep > 100 {
		return fmt.Errorf("delivery progress_step must be between 1 and 100")
	}

	if c.Telegram.BotToken == "" {
		return fmt.Errorf("telegram bot_token is required")
	}

	return nil
}

func (c *Config) validateDedup() error {
	switch c.Dedup.Backend {
	case DedupMemory:
	case DedupRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis addr is required for dedup backend %q", DedupRedis)
		}
	case DedupBolt:
		if c.Dedup.Path == "" {
			return fmt.Errorf("dedup path is required for backend %q", DedupBolt)
		}
	default:
		return fmt.Errorf("invalid dedup backend: %q", c.Dedup.Backend)
	}
	return nil
}
