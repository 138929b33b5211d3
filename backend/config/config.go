// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package config loads server settings from defaults, an optional YAML
// file, a .env file and the environment, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	StoragePostgres = "postgres"
	StoragePebble   = "pebble"

	ChannelMemory = "memory"
	ChannelRedis  = "redis"
	ChannelAMQP   = "amqp"
)

type Config struct {
	Server struct {
		Port        int      `yaml:"port"`
		CORSOrigins []string `yaml:"cors_origins"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
		JWTIssuer string `yaml:"jwt_issuer"`
	} `yaml:"auth"`
	Storage struct {
		Driver      string `yaml:"driver"`
		DatabaseURL string `yaml:"database_url"`
		PebblePath  string `yaml:"pebble_path"`
	} `yaml:"storage"`
	Channel struct {
		Driver   string `yaml:"driver"`
		RedisURL string `yaml:"redis_url"`
		AMQPURL  string `yaml:"amqp_url"`
		Exchange string `yaml:"exchange"`
		Buffer   int    `yaml:"buffer"`
	} `yaml:"channel"`
	Messaging struct {
		FanOutWorkers int           `yaml:"fanout_workers"`
		LookupTimeout time.Duration `yaml:"lookup_timeout"`
		StoreTimeout  time.Duration `yaml:"store_timeout"`
	} `yaml:"messaging"`
	Directory struct {
		CacheSize int           `yaml:"cache_size"`
		CacheTTL  time.Duration `yaml:"cache_ttl"`
	} `yaml:"directory"`
	RateLimit struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	} `yaml:"rate_limit"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// Default returns a config that runs a single node on Pebble with the
// in-process channel. JWTSecret still has to be supplied.
func Default() *Config {
	c := &Config{}
	c.Server.Port = 8081
	c.Server.CORSOrigins = []string{"*"}
	c.Auth.JWTIssuer = "efchat"
	c.Storage.Driver = StoragePebble
	c.Storage.PebblePath = "data/efthreads"
	c.Channel.Driver = ChannelMemory
	c.Channel.Exchange = "efthreads.messages"
	c.Channel.Buffer = 64
	c.Messaging.FanOutWorkers = 8
	c.Messaging.LookupTimeout = 3 * time.Second
	c.Messaging.StoreTimeout = 5 * time.Second
	c.Directory.CacheSize = 4096
	c.Directory.CacheTTL = 5 * time.Minute
	c.RateLimit.RPS = 20
	c.RateLimit.Burst = 40
	c.Logging.Level = "info"
	c.Logging.Format = "json"
	return c
}

// Load builds the config. path may be empty.
func Load(path string) (*Config, error) {
	c := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	// .env never overrides variables that are already set
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}
	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Auth.JWTSecret, "JWT_SECRET")
	setString(&c.Auth.JWTIssuer, "JWT_ISSUER")
	setString(&c.Storage.DatabaseURL, "DATABASE_URL")
	setString(&c.Channel.RedisURL, "REDIS_URL")
	setString(&c.Channel.AMQPURL, "AMQP_URL")
	setString(&c.Storage.Driver, "EFTHREADS_STORAGE")
	setString(&c.Storage.PebblePath, "EFTHREADS_PEBBLE_PATH")
	setString(&c.Channel.Driver, "EFTHREADS_CHANNEL")
	setString(&c.Channel.Exchange, "EFTHREADS_AMQP_EXCHANGE")
	setString(&c.Logging.Level, "EFTHREADS_LOG_LEVEL")
	setString(&c.Logging.Format, "EFTHREADS_LOG_FORMAT")

	if v := os.Getenv("EFTHREADS_CORS_ORIGINS"); v != "" {
		c.Server.CORSOrigins = splitList(v)
	}

	if err := setInt(&c.Server.Port, "PORT"); err != nil {
		return err
	}
	if err := setInt(&c.Messaging.FanOutWorkers, "EFTHREADS_FANOUT_WORKERS"); err != nil {
		return err
	}
	if err := setDuration(&c.Messaging.LookupTimeout, "EFTHREADS_LOOKUP_TIMEOUT"); err != nil {
		return err
	}
	return setDuration(&c.Messaging.StoreTimeout, "EFTHREADS_STORE_TIMEOUT")
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}

	switch c.Storage.Driver {
	case StoragePostgres:
		if c.Storage.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for postgres storage")
		}
	case StoragePebble:
		if c.Storage.PebblePath == "" {
			return errors.New("pebble_path is required for pebble storage")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	switch c.Channel.Driver {
	case ChannelMemory:
	case ChannelRedis:
		if c.Channel.RedisURL == "" {
			return errors.New("REDIS_URL is required for the redis channel")
		}
	case ChannelAMQP:
		if c.Channel.AMQPURL == "" {
			return errors.New("AMQP_URL is required for the amqp channel")
		}
	default:
		return fmt.Errorf("unknown channel driver %q", c.Channel.Driver)
	}

	if c.Messaging.FanOutWorkers <= 0 {
		return fmt.Errorf("fanout_workers must be positive, got %d", c.Messaging.FanOutWorkers)
	}
	if c.Messaging.LookupTimeout <= 0 || c.Messaging.StoreTimeout <= 0 {
		return errors.New("lookup_timeout and store_timeout must be positive")
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		return errors.New("rate_limit values must not be negative")
	}
	return nil
}

func (c *Config) Addr() string {
	return ":" + strconv.Itoa(c.Server.Port)
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = d
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
