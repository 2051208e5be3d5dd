package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/Ramsey-B/clover/pkg/blocking"
	"github.com/Ramsey-B/clover/pkg/failures"
	"github.com/Ramsey-B/clover/pkg/graph"
	"github.com/Ramsey-B/clover/pkg/ingest"
	"github.com/Ramsey-B/clover/pkg/kafka"
	"github.com/Ramsey-B/clover/pkg/lock"
	"github.com/Ramsey-B/clover/pkg/matching"
	"github.com/Ramsey-B/clover/pkg/merging"
	"github.com/Ramsey-B/clover/pkg/pipeline"
	"github.com/Ramsey-B/clover/pkg/redis"
	"github.com/Ramsey-B/clover/pkg/semantic"
	"github.com/Ramsey-B/clover/pkg/server"
	"github.com/Ramsey-B/clover/pkg/tracing/exporters"
	"github.com/Ramsey-B/clover/pkg/utils"
)

type Config struct {
	AppName                 string        `mapstructure:"app_name" validate:"required"`
	AppVersion              string        `mapstructure:"app_version"`
	Port                    int           `mapstructure:"port" validate:"min=1,max=65535"`
	LogLevel                string        `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	PrettyLogs              bool          `mapstructure:"pretty_logs"`
	HttpServerReadTimeout   time.Duration `mapstructure:"http_server_read_timeout"`
	HttpServerWriteTimeout  time.Duration `mapstructure:"http_server_write_timeout"`
	HttpServerShutdownGrace time.Duration `mapstructure:"http_server_shutdown_grace"`
	StartupMaxAttempts      int           `mapstructure:"startup_max_attempts" validate:"min=1"`
	StartupRetryDelay       time.Duration `mapstructure:"startup_retry_delay"`

	// PostgreSQL
	DatabaseHost                  string        `mapstructure:"db_host" validate:"required"`
	DatabasePort                  int           `mapstructure:"db_port" validate:"min=1,max=65535"`
	DatabaseUserName              string        `mapstructure:"db_user_name"`
	DatabasePassword              string        `mapstructure:"db_password"`
	DatabaseName                  string        `mapstructure:"db_name" validate:"required"`
	DatabaseSSLMode               string        `mapstructure:"db_ssl_mode"`
	DatabaseMaxOpenConns          int           `mapstructure:"db_max_open_conns" validate:"min=1"`
	DatabaseMaxIdleConns          int           `mapstructure:"db_max_idle_conns" validate:"min=0"`
	DatabaseConnMaxLifetime       time.Duration `mapstructure:"db_conn_max_lifetime"`
	DatabaseMigrationFolderPath   string        `mapstructure:"db_migration_folder_path"`
	DatabaseMigrationVersion      uint          `mapstructure:"db_migration_version"`
	DatabaseMigrationForce        int           `mapstructure:"db_migration_force"`
	DatabaseMigrationAutoRollback bool          `mapstructure:"db_migration_auto_rollback"`

	// Redis. An empty host keeps locks in process, which only holds for a
	// single replica.
	RedisHost     string        `mapstructure:"redis_host"`
	RedisPort     int           `mapstructure:"redis_port"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	LockKeyPrefix string        `mapstructure:"lock_key_prefix"`
	LockTTL       time.Duration `mapstructure:"lock_ttl"`
	LockTimeout   time.Duration `mapstructure:"lock_timeout"`

	// Graph database (merge lineage)
	GraphDBEnabled  bool   `mapstructure:"graph_db_enabled"`
	GraphDBHost     string `mapstructure:"graph_db_host"`
	GraphDBPort     int    `mapstructure:"graph_db_port"`
	GraphDBUser     string `mapstructure:"graph_db_user"`
	GraphDBPassword string `mapstructure:"graph_db_password"`

	// Kafka
	KafkaBrokers         []string      `mapstructure:"kafka_brokers"`
	KafkaConsumerEnabled bool          `mapstructure:"kafka_consumer_enabled"`
	KafkaInputTopic      string        `mapstructure:"kafka_input_topic"`
	KafkaConsumerGroup   string        `mapstructure:"kafka_consumer_group"`
	KafkaProducerEnabled bool          `mapstructure:"kafka_producer_enabled"`
	KafkaLeadTopic       string        `mapstructure:"kafka_lead_topic"`
	KafkaMergeTopic      string        `mapstructure:"kafka_merge_topic"`
	KafkaBatchSize       int           `mapstructure:"kafka_batch_size"`
	KafkaBatchTimeout    time.Duration `mapstructure:"kafka_batch_timeout"`
	KafkaRequiredAcks    int           `mapstructure:"kafka_required_acks"`
	KafkaCompression     string        `mapstructure:"kafka_compression" validate:"oneof=snappy gzip lz4 zstd none"`

	// Ingest
	IngestBatchSize     int           `mapstructure:"ingest_batch_size" validate:"min=1"`
	IngestFlushInterval time.Duration `mapstructure:"ingest_flush_interval"`

	// Tracing. An empty endpoint disables export.
	OtelExporterEndpoint string `mapstructure:"otel_exporter_endpoint"`
	OtelExporterProtocol string `mapstructure:"otel_exporter_protocol" validate:"oneof=grpc http"`
	OtelExporterInsecure bool   `mapstructure:"otel_exporter_insecure"`

	// Semantic similarity
	SemanticEnabled    bool          `mapstructure:"semantic_enabled"`
	SemanticBaseURL    string        `mapstructure:"semantic_base_url"`
	SemanticAPIKey     string        `mapstructure:"semantic_api_key"`
	SemanticModel      string        `mapstructure:"semantic_model"`
	SemanticTimeout    time.Duration `mapstructure:"semantic_timeout"`
	SemanticRetryCount int           `mapstructure:"semantic_retry_count" validate:"min=0"`

	// Dedupe
	BlockingPrefixLength int     `mapstructure:"blocking_prefix_length" validate:"min=1"`
	BlockingMaxBlockSize int     `mapstructure:"blocking_max_block_size" validate:"min=2"`
	LexicalWeight        float64 `mapstructure:"lexical_weight"`
	SemanticWeight       float64 `mapstructure:"semantic_weight"`
	NameWeight           float64 `mapstructure:"name_weight"`
	AddressWeight        float64 `mapstructure:"address_weight"`
	PhoneWeight          float64 `mapstructure:"phone_weight"`
	MergeThreshold       float64 `mapstructure:"merge_threshold"`
	RejectThreshold      float64 `mapstructure:"reject_threshold"`

	// Pipeline
	PipelineWorkers      int           `mapstructure:"pipeline_workers"`
	PipelineDefaultLimit int           `mapstructure:"pipeline_default_limit" validate:"min=1"`
	RetryMaxAttempts     int           `mapstructure:"retry_max_attempts"`
	RetryBaseDelay       time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay        time.Duration `mapstructure:"retry_max_delay"`
	CostPerSemanticCall  float64       `mapstructure:"cost_per_semantic_call"`
	ScoringRulesPath     string        `mapstructure:"scoring_rules_path" validate:"required"`
}

var defaults = map[string]any{
	"app_name":                   "clover",
	"app_version":                "dev",
	"port":                       3004,
	"log_level":                  "info",
	"pretty_logs":                false,
	"http_server_read_timeout":   "10s",
	"http_server_write_timeout":  "5m",
	"http_server_shutdown_grace": "30s",
	"startup_max_attempts":       5,
	"startup_retry_delay":        "1s",

	"db_host":                    "localhost",
	"db_port":                    5432,
	"db_user_name":               "",
	"db_password":                "",
	"db_name":                    "clover",
	"db_ssl_mode":                "disable",
	"db_max_open_conns":          25,
	"db_max_idle_conns":          10,
	"db_conn_max_lifetime":       "10m",
	"db_migration_folder_path":   "db/pg",
	"db_migration_version":       0,
	"db_migration_force":         0,
	"db_migration_auto_rollback": true,

	"redis_host":      "",
	"redis_port":      6379,
	"redis_password":  "",
	"redis_db":        0,
	"lock_key_prefix": "clover",
	"lock_ttl":        "30s",
	"lock_timeout":    "5s",

	"graph_db_enabled":  false,
	"graph_db_host":     "localhost",
	"graph_db_port":     7687,
	"graph_db_user":     "",
	"graph_db_password": "",

	"kafka_brokers":          "localhost:9092",
	"kafka_consumer_enabled": false,
	"kafka_input_topic":      "enriched-businesses",
	"kafka_consumer_group":   "clover-consumer",
	"kafka_producer_enabled": false,
	"kafka_lead_topic":       "lead-events",
	"kafka_merge_topic":      "business-events",
	"kafka_batch_size":       100,
	"kafka_batch_timeout":    "100ms",
	"kafka_required_acks":    1,
	"kafka_compression":      "snappy",

	"ingest_batch_size":     500,
	"ingest_flush_interval": "30s",

	"otel_exporter_endpoint": "",
	"otel_exporter_protocol": "grpc",
	"otel_exporter_insecure": true,

	"semantic_enabled":     false,
	"semantic_base_url":    "",
	"semantic_api_key":     "",
	"semantic_model":       "text-embedding-3-small",
	"semantic_timeout":     "2s",
	"semantic_retry_count": 1,

	"blocking_prefix_length":  4,
	"blocking_max_block_size": 500,
	"lexical_weight":          0.7,
	"semantic_weight":         0.3,
	"name_weight":             0.5,
	"address_weight":          0.3,
	"phone_weight":            0.2,
	"merge_threshold":         0.92,
	"reject_threshold":        0.55,

	"pipeline_workers":       8,
	"pipeline_default_limit": 10000,
	"retry_max_attempts":     3,
	"retry_base_delay":       "100ms",
	"retry_max_delay":        "2s",
	"cost_per_semantic_call": 0.0001,
	"scoring_rules_path":     "config/rules/default.yaml",
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first when present; an explicit path must exist.
// Variables already set in the environment win over both.
func Load(envFile string) (*Config, error) {
	if err := loadEnvFile(envFile); err != nil {
		return nil, err
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, failures.Wrap(failures.ErrConfiguration, "config", "unmarshal", "", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadEnvFile(path string) error {
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			return failures.Wrap(failures.ErrConfiguration, "config", "load env file", path, err)
		}
		return nil
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return failures.Wrap(failures.ErrConfiguration, "config", "load env file", ".env", err)
	}
	return nil
}

// Validate checks field rules and the cross-field constraints of the
// dedupe and pipeline settings.
func (c *Config) Validate() error {
	if _, err := utils.Validate(*c); err != nil {
		return failures.Wrap(failures.ErrConfiguration, "config", "validate", "", err)
	}
	if err := c.Matching().Validate(); err != nil {
		return failures.Wrap(failures.ErrConfiguration, "config", "validate", "similarity weights", err)
	}
	if err := c.Thresholds().Validate(); err != nil {
		return err
	}
	if err := c.Pipeline().Validate(); err != nil {
		return err
	}
	if c.SemanticEnabled && strings.TrimSpace(c.SemanticBaseURL) == "" {
		return failures.Wrap(failures.ErrConfiguration, "config", "validate", "SEMANTIC_BASE_URL is required when SEMANTIC_ENABLED", nil)
	}
	if (c.KafkaConsumerEnabled || c.KafkaProducerEnabled) && len(c.KafkaBrokers) == 0 {
		return failures.Wrap(failures.ErrConfiguration, "config", "validate", "KAFKA_BROKERS is required when kafka is enabled", nil)
	}
	return nil
}

// DatabaseDSN is the lib/pq connection string.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DatabaseHost, c.DatabasePort, c.DatabaseUserName, c.DatabasePassword, c.DatabaseName, c.DatabaseSSLMode)
}

func (c *Config) Server() server.Config {
	return server.Config{
		Port:         c.Port,
		ServiceName:  c.AppName,
		ReadTimeout:  c.HttpServerReadTimeout,
		WriteTimeout: c.HttpServerWriteTimeout,
	}
}

func (c *Config) Redis() redis.Config {
	return redis.Config{
		Host:     c.RedisHost,
		Port:     c.RedisPort,
		Password: c.RedisPassword,
		DB:       c.RedisDB,
	}
}

func (c *Config) LockOptions() lock.Options {
	return lock.Options{TTL: c.LockTTL, Timeout: c.LockTimeout}
}

func (c *Config) Graph() graph.Config {
	return graph.Config{
		Host:     c.GraphDBHost,
		Port:     c.GraphDBPort,
		Username: c.GraphDBUser,
		Password: c.GraphDBPassword,
	}
}

func (c *Config) Consumer() kafka.ConsumerConfig {
	return kafka.ConsumerConfig{
		Brokers:       c.KafkaBrokers,
		Topic:         c.KafkaInputTopic,
		ConsumerGroup: c.KafkaConsumerGroup,
	}
}

// Producer returns the producer settings for one topic.
func (c *Config) Producer(topic string) kafka.ProducerConfig {
	return kafka.ProducerConfig{
		Brokers:      c.KafkaBrokers,
		Topic:        topic,
		BatchSize:    c.KafkaBatchSize,
		BatchTimeout: c.KafkaBatchTimeout,
		RequiredAcks: c.KafkaRequiredAcks,
		Compression:  c.KafkaCompression,
	}
}

func (c *Config) Ingest() ingest.Config {
	return ingest.Config{
		BatchSize:     c.IngestBatchSize,
		FlushInterval: c.IngestFlushInterval,
	}
}

func (c *Config) Tracing() exporters.OTLPConfig {
	return exporters.OTLPConfig{
		Endpoint: c.OtelExporterEndpoint,
		Protocol: c.OtelExporterProtocol,
		Insecure: c.OtelExporterInsecure,
	}
}

func (c *Config) Semantic() semantic.Config {
	return semantic.Config{
		BaseURL:    c.SemanticBaseURL,
		APIKey:     c.SemanticAPIKey,
		Model:      c.SemanticModel,
		Timeout:    c.SemanticTimeout,
		RetryCount: c.SemanticRetryCount,
	}
}

func (c *Config) Blocking() blocking.Config {
	return blocking.Config{
		PrefixLength: c.BlockingPrefixLength,
		MaxBlockSize: c.BlockingMaxBlockSize,
	}
}

func (c *Config) Matching() matching.Config {
	return matching.Config{
		LexicalWeight:  c.LexicalWeight,
		SemanticWeight: c.SemanticWeight,
		Fields: matching.FieldWeights{
			Name:    c.NameWeight,
			Address: c.AddressWeight,
			Phone:   c.PhoneWeight,
		},
		SemanticTimeout: c.SemanticTimeout,
	}
}

func (c *Config) Thresholds() merging.Thresholds {
	return merging.Thresholds{Merge: c.MergeThreshold, Reject: c.RejectThreshold}
}

func (c *Config) Pipeline() pipeline.Config {
	return pipeline.Config{
		Workers: c.PipelineWorkers,
		Retry: pipeline.RetryPolicy{
			MaxAttempts: c.RetryMaxAttempts,
			BaseDelay:   c.RetryBaseDelay,
			MaxDelay:    c.RetryMaxDelay,
		},
		CostPerSemanticCall: c.CostPerSemanticCall,
		DefaultLimit:        c.PipelineDefaultLimit,
	}
}
