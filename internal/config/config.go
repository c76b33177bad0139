// Package config loads the index scheduler configuration from YAML, .env files and
// environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/jonesrussell/north-cloud/index-scheduler/internal/logger"
)

// Job client backends.
const (
	JobClientLocal = "local"
	JobClientRedis = "redis"
)

// Worker pools a distributed worker can serve.
const (
	PoolPrimary   = "primary"
	PoolSecondary = "secondary"
)

const (
	defaultServiceName         = "index-scheduler"
	defaultServiceVersion      = "1.0.0"
	defaultServicePort         = 8095
	defaultDBHost              = "localhost"
	defaultDBPort              = 5432
	defaultDBUser              = "postgres"
	defaultDBName              = "danswer"
	defaultDBSSLMode           = "disable"
	defaultDBMaxConns          = 10
	defaultDBMaxIdleConns      = 5
	defaultDBConnLifetime      = 5 * time.Minute
	defaultRedisAddress        = "localhost:6379"
	defaultRedisPrefix         = "index-scheduler"
	defaultTickInterval        = 10 * time.Second
	defaultIndexingWorkers     = 1
	defaultCleanupTimeoutHours = 3
	defaultLeaderKey           = "index-scheduler:leader"
	defaultModelServerHost     = "localhost"
	defaultModelServerPort     = 9000
	defaultModelServerTimeout  = 60 * time.Second
	defaultBatchSize           = 16
	defaultHeartbeatInterval   = time.Minute
	defaultESURL               = "http://localhost:9200"
	defaultESMaxRetries        = 3
	defaultWorkerConcurrency   = 1
	defaultWorkerLeaseTTL      = 30 * time.Second
	defaultLogLevel            = "info"
)

// Config is the full service configuration.
type Config struct {
	Service       ServiceConfig       `yaml:"service"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Logging       logger.Config       `yaml:"logging"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Indexing      IndexingConfig      `yaml:"indexing"`
	Elasticsearch ElasticsearchConfig `yaml:"elasticsearch"`
	Worker        WorkerConfig        `yaml:"worker"`
}

// ServiceConfig holds identity and the health/metrics listener.
type ServiceConfig struct {
	Name    string `yaml:"name"`
	Version string `env:"APP_VERSION"           yaml:"version"`
	Port    int    `env:"INDEX_SCHEDULER_PORT"  yaml:"port"`
	Debug   bool   `env:"APP_DEBUG"             yaml:"debug"`
}

// DatabaseConfig holds the Postgres connection settings.
type DatabaseConfig struct {
	Host                  string        `env:"POSTGRES_HOST"     yaml:"host"`
	Port                  int           `env:"POSTGRES_PORT"     yaml:"port"`
	User                  string        `env:"POSTGRES_USER"     yaml:"user"`
	Password              string        `env:"POSTGRES_PASSWORD" yaml:"password"`
	Database              string        `env:"POSTGRES_DB"       yaml:"database"`
	SSLMode               string        `env:"POSTGRES_SSLMODE"  yaml:"sslmode"`
	MaxConnections        int           `yaml:"max_connections"`
	MaxIdleConns          int           `yaml:"max_idle_connections"`
	ConnectionMaxLifetime time.Duration `yaml:"connection_max_lifetime"`
}

// DSN renders the lib/pq connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode,
	)
}

// RedisConfig holds the Redis connection used by the distributed job client
// and leader election.
type RedisConfig struct {
	Address  string `env:"REDIS_ADDRESS"  yaml:"address"`
	Password string `env:"REDIS_PASSWORD" yaml:"password"`
	DB       int    `env:"REDIS_DB"       yaml:"db"`
	Prefix   string `env:"REDIS_PREFIX"   yaml:"prefix"`
}

// SchedulerConfig controls the dispatch loop.
type SchedulerConfig struct {
	TickInterval             time.Duration `env:"INDEXING_TICK_INTERVAL"         yaml:"tick_interval"`
	NumIndexingWorkers       int           `env:"NUM_INDEXING_WORKERS"           yaml:"num_indexing_workers"`
	NumSecondaryWorkers      int           `env:"NUM_SECONDARY_INDEXING_WORKERS" yaml:"num_secondary_indexing_workers"`
	CleanupTimeoutHours      int           `env:"CLEANUP_INDEXING_JOBS_TIMEOUT"  yaml:"cleanup_timeout_hours"`
	DisableIndexUpdateOnSwap bool          `env:"DISABLE_INDEX_UPDATE_ON_SWAP"   yaml:"disable_index_update_on_swap"`
	JobClient                string        `env:"INDEXING_JOB_CLIENT"            yaml:"job_client"`
	LeaderElection           bool          `env:"INDEXING_LEADER_ELECTION"       yaml:"leader_election"`
	LeaderKey                string        `yaml:"leader_key"`
}

// CleanupTimeout is the staleness bound for in-progress attempts.
func (s SchedulerConfig) CleanupTimeout() time.Duration {
	return time.Duration(s.CleanupTimeoutHours) * time.Hour
}

// IndexingConfig controls the indexing entrypoint run by workers.
type IndexingConfig struct {
	EnterpriseEdition  bool          `env:"ENABLE_PAID_ENTERPRISE_EDITION_FEATURES" yaml:"enterprise_edition"`
	ModelServerHost    string        `env:"INDEXING_MODEL_SERVER_HOST"              yaml:"model_server_host"`
	ModelServerPort    int           `env:"MODEL_SERVER_PORT"                       yaml:"model_server_port"`
	ModelServerTimeout time.Duration `env:"MODEL_SERVER_TIMEOUT"                    yaml:"model_server_timeout"`
	BatchSize          int           `env:"INDEX_BATCH_SIZE"                        yaml:"batch_size"`
	HeartbeatInterval  time.Duration `env:"INDEXING_HEARTBEAT_INTERVAL"             yaml:"heartbeat_interval"`
}

// ModelServerURL is the base URL of the embedding model server.
func (i IndexingConfig) ModelServerURL() string {
	return fmt.Sprintf("http://%s:%d", i.ModelServerHost, i.ModelServerPort)
}

// ElasticsearchConfig holds the document index connection.
type ElasticsearchConfig struct {
	URL        string `env:"ELASTICSEARCH_URL"      yaml:"url"`
	Username   string `env:"ELASTICSEARCH_USERNAME" yaml:"username"`
	Password   string `env:"ELASTICSEARCH_PASSWORD" yaml:"password"`
	MaxRetries int    `yaml:"max_retries"`
}

// WorkerConfig controls a distributed worker process.
type WorkerConfig struct {
	Pool        string        `env:"INDEXING_WORKER_POOL"        yaml:"pool"`
	Concurrency int           `env:"INDEXING_WORKER_CONCURRENCY" yaml:"concurrency"`
	LeaseTTL    time.Duration `env:"INDEXING_WORKER_LEASE_TTL"   yaml:"lease_ttl"`
}

// Load reads the configuration at path, applying defaults and env overrides.
func Load(path string) (*Config, error) {
	cfg, err := LoadWithDefaults[Config](path, SetDefaults)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// SetDefaults fills every unset field.
func SetDefaults(cfg *Config) {
	setServiceDefaults(&cfg.Service)
	setDatabaseDefaults(&cfg.Database)
	setRedisDefaults(&cfg.Redis)
	setLoggingDefaults(&cfg.Logging)
	setSchedulerDefaults(&cfg.Scheduler)
	setIndexingDefaults(&cfg.Indexing)
	setElasticsearchDefaults(&cfg.Elasticsearch)
	setWorkerDefaults(&cfg.Worker)
}

func setServiceDefaults(s *ServiceConfig) {
	if s.Name == "" {
		s.Name = defaultServiceName
	}
	if s.Version == "" {
		s.Version = defaultServiceVersion
	}
	if s.Port == 0 {
		s.Port = defaultServicePort
	}
}

func setDatabaseDefaults(d *DatabaseConfig) {
	if d.Host == "" {
		d.Host = defaultDBHost
	}
	if d.Port == 0 {
		d.Port = defaultDBPort
	}
	if d.User == "" {
		d.User = defaultDBUser
	}
	if d.Database == "" {
		d.Database = defaultDBName
	}
	if d.SSLMode == "" {
		d.SSLMode = defaultDBSSLMode
	}
	if d.MaxConnections == 0 {
		d.MaxConnections = defaultDBMaxConns
	}
	if d.MaxIdleConns == 0 {
		d.MaxIdleConns = defaultDBMaxIdleConns
	}
	if d.ConnectionMaxLifetime == 0 {
		d.ConnectionMaxLifetime = defaultDBConnLifetime
	}
}

func setRedisDefaults(r *RedisConfig) {
	if r.Address == "" {
		r.Address = defaultRedisAddress
	}
	if r.Prefix == "" {
		r.Prefix = defaultRedisPrefix
	}
}

func setLoggingDefaults(l *logger.Config) {
	if l.Level == "" {
		l.Level = defaultLogLevel
	}
}

func setSchedulerDefaults(s *SchedulerConfig) {
	if s.TickInterval == 0 {
		s.TickInterval = defaultTickInterval
	}
	if s.NumIndexingWorkers == 0 {
		s.NumIndexingWorkers = defaultIndexingWorkers
	}
	// The secondary pool mirrors the primary unless sized explicitly.
	if s.NumSecondaryWorkers == 0 {
		s.NumSecondaryWorkers = s.NumIndexingWorkers
	}
	if s.CleanupTimeoutHours == 0 {
		s.CleanupTimeoutHours = defaultCleanupTimeoutHours
	}
	if s.JobClient == "" {
		s.JobClient = JobClientLocal
	}
	if s.LeaderKey == "" {
		s.LeaderKey = defaultLeaderKey
	}
}

func setIndexingDefaults(i *IndexingConfig) {
	if i.ModelServerHost == "" {
		i.ModelServerHost = defaultModelServerHost
	}
	if i.ModelServerPort == 0 {
		i.ModelServerPort = defaultModelServerPort
	}
	if i.ModelServerTimeout == 0 {
		i.ModelServerTimeout = defaultModelServerTimeout
	}
	if i.BatchSize == 0 {
		i.BatchSize = defaultBatchSize
	}
	if i.HeartbeatInterval == 0 {
		i.HeartbeatInterval = defaultHeartbeatInterval
	}
}

func setElasticsearchDefaults(e *ElasticsearchConfig) {
	if e.URL == "" {
		e.URL = defaultESURL
	}
	if e.MaxRetries == 0 {
		e.MaxRetries = defaultESMaxRetries
	}
}

func setWorkerDefaults(w *WorkerConfig) {
	if w.Pool == "" {
		w.Pool = PoolPrimary
	}
	if w.Concurrency == 0 {
		w.Concurrency = defaultWorkerConcurrency
	}
	if w.LeaseTTL == 0 {
		w.LeaseTTL = defaultWorkerLeaseTTL
	}
}

// Validate checks the loaded configuration.
func (c *Config) Validate() error {
	if err := validatePort("service.port", c.Service.Port); err != nil {
		return err
	}
	if c.Database.Host == "" {
		return &ValidationError{Field: "database.host", Message: "is required"}
	}
	if err := validatePort("database.port", c.Database.Port); err != nil {
		return err
	}
	if err := validateLogLevel(c.Logging.Level); err != nil {
		return err
	}
	if err := validatePositive("scheduler.num_indexing_workers", c.Scheduler.NumIndexingWorkers); err != nil {
		return err
	}
	if err := validatePositive("scheduler.num_secondary_indexing_workers", c.Scheduler.NumSecondaryWorkers); err != nil {
		return err
	}
	if err := validatePositive("scheduler.cleanup_timeout_hours", c.Scheduler.CleanupTimeoutHours); err != nil {
		return err
	}
	if c.Scheduler.TickInterval <= 0 {
		return &ValidationError{Field: "scheduler.tick_interval", Message: "must be positive"}
	}
	switch c.Scheduler.JobClient {
	case JobClientLocal:
	case JobClientRedis:
		if c.Redis.Address == "" {
			return &ValidationError{Field: "redis.address", Message: "is required for the redis job client"}
		}
	default:
		return &ValidationError{Field: "scheduler.job_client", Message: "must be one of: local, redis"}
	}
	if c.Scheduler.LeaderElection && c.Redis.Address == "" {
		return &ValidationError{Field: "redis.address", Message: "is required for leader election"}
	}
	if c.Worker.Pool != PoolPrimary && c.Worker.Pool != PoolSecondary {
		return &ValidationError{Field: "worker.pool", Message: "must be one of: primary, secondary"}
	}
	if err := validatePositive("worker.concurrency", c.Worker.Concurrency); err != nil {
		return err
	}
	return validatePositive("indexing.batch_size", c.Indexing.BatchSize)
}
