// Copyright 2025 James Ross
package redisclient

import (
	"fmt"
	"runtime"
	"time"

	"github.com/jobrelay/jobrelay/internal/config"
	"github.com/redis/go-redis/v9"
)

// New returns a configured go-redis client with pooling and retries.
// redis.url (QUEUE_URL) wins over the discrete addr fields when set.
func New(cfg *config.Config) (*redis.Client, error) {
	poolSize := cfg.Redis.PoolSizeMultiplier * runtime.NumCPU()
	if poolSize <= 0 {
		poolSize = 10 * runtime.NumCPU()
	}

	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("parse queue url: %w", err)
		}
		opts.PoolSize = poolSize
		opts.MinIdleConns = cfg.Redis.MinIdleConns
		opts.MaxRetries = cfg.Redis.MaxRetries
		return redis.NewClient(opts), nil
	}

	return redis.NewClient(&redis.Options{
		Addr:            cfg.Redis.Addr,
		Username:        cfg.Redis.Username,
		Password:        cfg.Redis.Password,
		DB:              cfg.Redis.DB,
		PoolSize:        poolSize,
		MinIdleConns:    cfg.Redis.MinIdleConns,
		DialTimeout:     cfg.Redis.DialTimeout,
		ReadTimeout:     cfg.Redis.ReadTimeout,
		WriteTimeout:    cfg.Redis.WriteTimeout,
		MaxRetries:      cfg.Redis.MaxRetries,
		ConnMaxIdleTime: 5 * time.Minute,
	}), nil
}
