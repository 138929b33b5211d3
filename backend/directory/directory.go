// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package directory resolves users' current public keys.
package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/efchatnet/efthreads/backend/crypto"
	"github.com/efchatnet/efthreads/backend/logging"
	"github.com/efchatnet/efthreads/backend/metrics"
	"github.com/efchatnet/efthreads/backend/models"
	"github.com/efchatnet/efthreads/backend/storage"
)

// ErrKeyNotFound means the user has never published a key.
var ErrKeyNotFound = errors.New("directory: no public key registered")

// KeyResolutionError reports why one user's key could not be resolved.
// Senders skip that recipient and carry on.
type KeyResolutionError struct {
	UserID string
	Err    error
}

func (e *KeyResolutionError) Error() string {
	return fmt.Sprintf("resolve key for %s: %v", e.UserID, e.Err)
}

func (e *KeyResolutionError) Unwrap() error {
	return e.Err
}

const (
	DefaultCacheSize     = 4096
	DefaultCacheTTL      = 5 * time.Minute
	DefaultLookupTimeout = 2 * time.Second
)

type Options struct {
	CacheSize int
	// CacheTTL bounds how long a superseded key can still be handed out.
	CacheTTL      time.Duration
	LookupTimeout time.Duration
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
}

type Directory struct {
	keys    storage.KeyStore
	cache   *expirable.LRU[string, crypto.PublicKey]
	timeout time.Duration
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func New(keys storage.KeyStore, opts Options) *Directory {
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = DefaultLookupTimeout
	}
	return &Directory{
		keys:    keys,
		cache:   expirable.NewLRU[string, crypto.PublicKey](opts.CacheSize, nil, opts.CacheTTL),
		timeout: opts.LookupTimeout,
		logger:  logging.OrNop(opts.Logger),
		metrics: opts.Metrics,
	}
}

// ResolvePublicKey returns the user's current key. Every failure is a
// *KeyResolutionError; a lookup that outlives LookupTimeout fails with
// context.DeadlineExceeded even if the store ignores its context. Only
// successful lookups are cached.
func (d *Directory) ResolvePublicKey(ctx context.Context, userID string) (crypto.PublicKey, error) {
	if pub, ok := d.cache.Get(userID); ok {
		d.metrics.KeyLookup(metrics.LookupHit)
		return append(crypto.PublicKey(nil), pub...), nil
	}
	d.metrics.KeyLookup(metrics.LookupMiss)

	lctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	type result struct {
		identity *models.UserIdentity
		err      error
	}
	done := make(chan result, 1)
	go func() {
		identity, err := d.keys.GetCurrentPublicKey(lctx, userID)
		done <- result{identity, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-lctx.Done():
		res.err = lctx.Err()
	}

	switch {
	case res.err == nil:
	case errors.Is(res.err, storage.ErrNotFound):
		d.metrics.KeyLookup(metrics.LookupNotFound)
		return nil, &KeyResolutionError{UserID: userID, Err: ErrKeyNotFound}
	case errors.Is(res.err, context.DeadlineExceeded):
		d.metrics.KeyLookup(metrics.LookupTimeout)
		return nil, &KeyResolutionError{UserID: userID, Err: res.err}
	default:
		d.metrics.KeyLookup(metrics.LookupError)
		return nil, &KeyResolutionError{UserID: userID, Err: res.err}
	}

	pub := crypto.PublicKey(res.identity.PublicKey)
	if err := pub.Validate(); err != nil {
		d.metrics.KeyLookup(metrics.LookupError)
		d.logger.Warn("stored public key is malformed",
			zap.String("user_id", userID),
			zap.Int("key_version", res.identity.KeyVersion),
			zap.Error(err))
		return nil, &KeyResolutionError{UserID: userID, Err: err}
	}

	d.cache.Add(userID, append(crypto.PublicKey(nil), pub...))
	return pub, nil
}

// PublishPublicKey appends pub as the user's newest key version.
func (d *Directory) PublishPublicKey(ctx context.Context, userID string, pub crypto.PublicKey) (*models.UserIdentity, error) {
	if err := pub.Validate(); err != nil {
		return nil, err
	}

	identity, err := d.keys.AppendPublicKey(ctx, userID, pub)
	if err != nil {
		return nil, fmt.Errorf("failed to store public key: %w", err)
	}

	d.cache.Add(userID, append(crypto.PublicKey(nil), pub...))
	d.logger.Info("public key published",
		zap.String("user_id", userID),
		zap.Int("key_version", identity.KeyVersion))
	return identity, nil
}

// Invalidate drops any cached key for userID.
func (d *Directory) Invalidate(userID string) {
	d.cache.Remove(userID)
}
