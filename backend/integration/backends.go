// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package integration

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/efchatnet/efthreads/backend/config"
	"github.com/efchatnet/efthreads/backend/delivery"
	"github.com/efchatnet/efthreads/backend/delivery/amqp"
	"github.com/efchatnet/efthreads/backend/logging"
	"github.com/efchatnet/efthreads/backend/metrics"
	"github.com/efchatnet/efthreads/backend/storage"
	"github.com/efchatnet/efthreads/backend/storage/pebble"
	"github.com/efchatnet/efthreads/backend/storage/postgres"
	redischan "github.com/efchatnet/efthreads/backend/storage/redis"
)

// Open builds an Integration from cfg, opening the configured store and
// channel. Close releases both.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger, m *metrics.Metrics) (*Integration, error) {
	logger = logging.OrNop(logger)
	var closers []func() error
	fail := func(err error) (*Integration, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
		return nil, err
	}

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, closeStore)

	channel, closeChannel, err := openChannel(ctx, cfg, logger)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, closeChannel)

	e, err := New(&Config{
		Store:          store,
		Channel:        channel,
		Logger:         logger,
		Metrics:        m,
		JWTSecret:      cfg.Auth.JWTSecret,
		JWTIssuer:      cfg.Auth.JWTIssuer,
		CORSOrigins:    cfg.Server.CORSOrigins,
		KeyCacheSize:   cfg.Directory.CacheSize,
		KeyCacheTTL:    cfg.Directory.CacheTTL,
		LookupTimeout:  cfg.Messaging.LookupTimeout,
		StoreTimeout:   cfg.Messaging.StoreTimeout,
		RateLimitRPS:   cfg.RateLimit.RPS,
		RateLimitBurst: cfg.RateLimit.Burst,
	})
	if err != nil {
		return fail(err)
	}
	for _, fn := range closers {
		e.OnClose(fn)
	}

	logger.Info("thread service ready",
		zap.String("storage", cfg.Storage.Driver),
		zap.String("channel", cfg.Channel.Driver))
	return e, nil
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, func() error, error) {
	switch cfg.Storage.Driver {
	case config.StoragePostgres:
		db, err := sql.Open("postgres", cfg.Storage.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		store := postgres.NewStore(db)
		if err := store.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		return store, db.Close, nil
	case config.StoragePebble:
		store, err := pebble.Open(cfg.Storage.PebblePath, nil)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

func openChannel(ctx context.Context, cfg *config.Config, logger *zap.Logger) (delivery.Channel, func() error, error) {
	switch cfg.Channel.Driver {
	case config.ChannelMemory:
		hub := delivery.NewHub(cfg.Channel.Buffer)
		return hub, hub.Close, nil
	case config.ChannelRedis:
		opts, err := redisOptions(cfg.Channel.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		rdb := redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return redischan.NewChannel(rdb, cfg.Channel.Buffer, logger.Named("redis")), rdb.Close, nil
	case config.ChannelAMQP:
		ch, err := amqp.Dial(cfg.Channel.AMQPURL, cfg.Channel.Exchange, cfg.Channel.Buffer, logger.Named("amqp"))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to amqp: %w", err)
		}
		return ch, ch.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown channel driver %q", cfg.Channel.Driver)
	}
}

// redisOptions accepts either a redis:// URL or a bare host:port.
func redisOptions(raw string) (*redis.Options, error) {
	if strings.Contains(raw, "://") {
		opts, err := redis.ParseURL(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		return opts, nil
	}
	return &redis.Options{Addr: raw}, nil
}
