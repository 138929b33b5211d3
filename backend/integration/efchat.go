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

// Package integration assembles the thread service so it can be mounted
// into an existing efchat router or run standalone by cmd/server.
package integration

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/efchatnet/efthreads/backend/delivery"
	"github.com/efchatnet/efthreads/backend/directory"
	"github.com/efchatnet/efthreads/backend/handlers"
	"github.com/efchatnet/efthreads/backend/logging"
	"github.com/efchatnet/efthreads/backend/metrics"
	"github.com/efchatnet/efthreads/backend/middleware"
	"github.com/efchatnet/efthreads/backend/registry"
	"github.com/efchatnet/efthreads/backend/storage"
)

// Integration provides the encrypted thread API as a plugin for efchat.
type Integration struct {
	store     storage.Store
	directory *directory.Directory
	registry  *registry.Registry
	service   *delivery.Service
	limiter   *middleware.RateLimiter
	logger    *zap.Logger

	keyHandler     *handlers.KeyHandler
	threadHandler  *handlers.ThreadHandler
	messageHandler *handlers.MessageHandler

	jwtSecret string
	jwtIssuer string
	closers   []func() error
}

// Config holds the collaborators of an Integration. Store and Channel are
// required; everything else has a usable zero value.
type Config struct {
	Store   storage.Store
	Channel delivery.Channel
	Logger  *zap.Logger
	Metrics *metrics.Metrics

	JWTSecret   string
	JWTIssuer   string
	CORSOrigins []string

	KeyCacheSize  int
	KeyCacheTTL   time.Duration
	LookupTimeout time.Duration
	StoreTimeout  time.Duration

	RateLimitRPS   float64
	RateLimitBurst int
}

// New wires the directory, registry and delivery service around the
// configured store and channel.
func New(config *Config) (*Integration, error) {
	if config.Store == nil || config.Channel == nil {
		return nil, &ValidationError{Message: "store and channel are required"}
	}
	logger := logging.OrNop(config.Logger)

	dir := directory.New(config.Store, directory.Options{
		CacheSize:     config.KeyCacheSize,
		CacheTTL:      config.KeyCacheTTL,
		LookupTimeout: config.LookupTimeout,
		Logger:        logger.Named("directory"),
		Metrics:       config.Metrics,
	})
	reg := registry.New(config.Store, config.Store, logger.Named("registry"))
	svc := delivery.NewService(config.Store, config.Channel, logger.Named("delivery"), config.Metrics)

	return &Integration{
		store:          config.Store,
		directory:      dir,
		registry:       reg,
		service:        svc,
		limiter:        middleware.NewRateLimiter(config.RateLimitRPS, config.RateLimitBurst),
		logger:         logger,
		keyHandler:     handlers.NewKeyHandler(dir),
		threadHandler:  handlers.NewThreadHandler(reg),
		messageHandler: handlers.NewMessageHandler(reg, svc, logger.Named("handlers"), config.StoreTimeout, config.CORSOrigins),
		jwtSecret:      config.JWTSecret,
		jwtIssuer:      config.JWTIssuer,
	}, nil
}

// RegisterRoutes adds the API routes to an existing router.
// If authMiddleware is nil, it will use the built-in JWT validation.
func (e *Integration) RegisterRoutes(router *mux.Router, authMiddleware func(http.Handler) http.Handler) {
	api := router.PathPrefix(handlers.APIPrefix).Subrouter()

	if authMiddleware != nil {
		api.Use(authMiddleware)
	} else {
		api.Use(middleware.NewAuthMiddleware(e.jwtSecret, e.jwtIssuer))
	}
	api.Use(e.limiter.Middleware)

	handlers.Register(api, e.keyHandler, e.threadHandler, e.messageHandler)
}

// Health reports whether the store answers. Stores without a Ping method
// are assumed healthy.
func (e *Integration) Health(ctx context.Context) error {
	if p, ok := e.store.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

// ValidateSetup checks that the module is properly configured.
func (e *Integration) ValidateSetup() error {
	if e.jwtSecret == "" {
		return &ValidationError{Message: "JWT secret is not configured"}
	}
	return nil
}

func (e *Integration) Store() storage.Store {
	return e.store
}

func (e *Integration) Directory() *directory.Directory {
	return e.directory
}

func (e *Integration) Registry() *registry.Registry {
	return e.registry
}

func (e *Integration) Service() *delivery.Service {
	return e.service
}

// OnClose registers fn to run when the integration is closed. Close runs
// them in reverse order.
func (e *Integration) OnClose(fn func() error) {
	e.closers = append(e.closers, fn)
}

// Close releases the channel and store opened for this integration.
func (e *Integration) Close() error {
	var first error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	e.closers = nil
	return first
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}
