package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	es "github.com/elastic/go-elasticsearch/v8"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/jonesrussell/north-cloud/index-scheduler/internal/config"
	"github.com/jonesrussell/north-cloud/index-scheduler/internal/database"
	"github.com/jonesrussell/north-cloud/index-scheduler/internal/docindex"
	"github.com/jonesrussell/north-cloud/index-scheduler/internal/server"
)

const redisConnectTimeout = 5 * time.Second

// ErrEmptyRedisAddress is returned when Redis is needed but not configured.
var ErrEmptyRedisAddress = errors.New("redis address is required")

// SetupDatabase opens the Postgres pool.
func SetupDatabase(cfg *config.Config) (*sqlx.DB, error) {
	db, err := database.NewPostgresConnection(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("database connection: %w", err)
	}
	return db, nil
}

// SetupRedis opens and pings a Redis client.
func SetupRedis(cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.Address == "" {
		return nil, ErrEmptyRedisAddress
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), redisConnectTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// SetupElasticsearch creates the document index client.
func SetupElasticsearch(cfg *config.Config) (*es.Client, error) {
	client, err := docindex.NewClient(docindex.Config{
		URL:        cfg.Elasticsearch.URL,
		Username:   cfg.Elasticsearch.Username,
		Password:   cfg.Elasticsearch.Password,
		MaxRetries: cfg.Elasticsearch.MaxRetries,
	})
	if err != nil {
		return nil, fmt.Errorf("elasticsearch client: %w", err)
	}
	return client, nil
}

// healthChecks registers a ping for every backing store that is configured.
func healthChecks(db *sqlx.DB, rdb *redis.Client) *server.Checker {
	checker := server.NewChecker()
	checker.Register("postgres", db.PingContext)
	if rdb != nil {
		checker.Register("redis", func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
	}
	return checker
}

func serverConfig(cfg *config.Config) server.Config {
	return server.Config{
		ServiceName:    cfg.Service.Name,
		ServiceVersion: cfg.Service.Version,
		Port:           cfg.Service.Port,
		Debug:          cfg.Service.Debug,
	}
}
