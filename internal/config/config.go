package config

import "time"

// PipelineConfig is the root configuration shared by the originator and api binaries.
type PipelineConfig struct {
	Instance InstanceConfig `yaml:"instance"`
	Log      LogConfig      `yaml:"log"`
	Provider ProviderConfig `yaml:"provider"`
	Broker   BrokerConfig   `yaml:"broker"`
	Database DatabaseConfig `yaml:"database"`
	Cache    CacheConfig    `yaml:"cache"`
	Fetcher  FetcherConfig  `yaml:"fetcher"`
	Ingest   IngestConfig   `yaml:"ingest"`
	API      APIConfig      `yaml:"api"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// InstanceConfig identifies this process.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// ProviderConfig holds market-data provider settings.
type ProviderConfig struct {
	MarketsURL        string        `yaml:"markets_url"`
	APIKey            string        `yaml:"api_key"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryBackoff      time.Duration `yaml:"retry_backoff"`
	RequestsPerSecond float64       `yaml:"requests_per_second"` // 0 = unlimited
	EnforceAllowance  bool          `yaml:"enforce_allowance"`
}

// BrokerConfig holds AMQP connection and topology settings.
type BrokerConfig struct {
	URL      string         `yaml:"url"`
	Producer ProducerConfig `yaml:"producer"`
	Consumer ConsumerConfig `yaml:"consumer"`
}

// ProducerConfig names where the fetcher publishes.
type ProducerConfig struct {
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
}

// ConsumerConfig names the queue the ingest consumer reads from.
type ConsumerConfig struct {
	Exchange           string `yaml:"exchange"`
	Queue              string `yaml:"queue"`
	RoutingKey         string `yaml:"routing_key"`
	Prefetch           int    `yaml:"prefetch"`
	MaxDeliveries      int    `yaml:"max_deliveries"` // < 0 = requeue forever
	DeadLetterExchange string `yaml:"dead_letter_exchange"`
	DeadLetterQueue    string `yaml:"dead_letter_queue"`
}

// DatabaseConfig holds the price store connection.
type DatabaseConfig struct {
	Prices DBConfig `yaml:"prices"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// CacheConfig holds the optional rank cache.
type CacheConfig struct {
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig holds a Redis connection. An empty Addr disables caching.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	RankTTL  time.Duration `yaml:"rank_ttl"`
}

// FetcherConfig holds the scheduled market-data fetcher settings.
type FetcherConfig struct {
	Interval     time.Duration `yaml:"interval"`
	Concurrency  int           `yaml:"concurrency"`
	Timeout      time.Duration `yaml:"timeout"`
	AllowOverlap bool          `yaml:"allow_overlap"`
}

// IngestConfig holds the price ingest consumer settings.
type IngestConfig struct {
	Workers      int           `yaml:"workers"`
	StoreTimeout time.Duration `yaml:"store_timeout"`
	OnStoreError string        `yaml:"on_store_error"` // requeue or halt
}

// APIConfig holds read API settings.
type APIConfig struct {
	Port         int           `yaml:"port"`
	DetailWindow time.Duration `yaml:"detail_window"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}
