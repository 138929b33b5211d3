// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package identity manages the local user's own key pair.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/efchatnet/efthreads/backend/crypto"
	"github.com/efchatnet/efthreads/backend/directory"
	"github.com/efchatnet/efthreads/backend/logging"
	"github.com/efchatnet/efthreads/backend/models"
)

// Directory is where the public half is published. *directory.Directory
// and the remote client both satisfy it.
type Directory interface {
	ResolvePublicKey(ctx context.Context, userID string) (crypto.PublicKey, error)
	PublishPublicKey(ctx context.Context, userID string, pub crypto.PublicKey) (*models.UserIdentity, error)
}

type keyFile struct {
	UserID     string    `json:"user_id"`
	PrivateKey string    `json:"private_key"`
	CreatedAt  time.Time `json:"created_at"`
}

// Provider loads or creates the key pair on first use. Once loaded the pair
// never changes and may be shared by concurrent decrypts.
type Provider struct {
	userID string
	path   string
	dir    Directory
	logger *zap.Logger

	mu sync.Mutex // serializes Load
	kp atomic.Pointer[crypto.KeyPair]
}

// NewProvider keeps the private key at path. An empty path keeps it in
// memory only.
func NewProvider(userID, path string, dir Directory, logger *zap.Logger) *Provider {
	return &Provider{
		userID: userID,
		path:   path,
		dir:    dir,
		logger: logging.OrNop(logger),
	}
}

func (p *Provider) UserID() string {
	return p.userID
}

// Ready returns the key pair if Load has completed.
func (p *Provider) Ready() (*crypto.KeyPair, bool) {
	kp := p.kp.Load()
	return kp, kp != nil
}

// Load returns the key pair, reading it from disk or generating and
// publishing a new one. Concurrent callers share one load.
func (p *Provider) Load(ctx context.Context) (*crypto.KeyPair, error) {
	if kp, ok := p.Ready(); ok {
		return kp, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if kp, ok := p.Ready(); ok {
		return kp, nil
	}

	kp, created, err := p.readOrCreate()
	if err != nil {
		return nil, err
	}
	if err := p.ensurePublished(ctx, kp, created); err != nil {
		return nil, err
	}

	p.kp.Store(kp)
	return kp, nil
}

func (p *Provider) readOrCreate() (*crypto.KeyPair, bool, error) {
	if p.path != "" {
		kp, err := p.read()
		if err == nil {
			return kp, false, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, false, err
		}
	}

	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, false, err
	}
	if p.path != "" {
		if err := p.write(kp); err != nil {
			return nil, false, err
		}
	}
	p.logger.Info("generated identity key", zap.String("user_id", p.userID))
	return kp, true, nil
}

func (p *Provider) read() (*crypto.KeyPair, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return nil, err
	}
	var f keyFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("invalid key file %s: %w", p.path, err)
	}
	if f.UserID != p.userID {
		return nil, fmt.Errorf("key file %s belongs to %q, not %q", p.path, f.UserID, p.userID)
	}
	priv, err := crypto.FromBase64URL(f.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid key file %s: %w", p.path, err)
	}
	return crypto.KeyPairFromPrivateKey(priv)
}

// write stores the key via a temp file and rename so a crash never leaves
// a truncated key behind.
func (p *Provider) write(kp *crypto.KeyPair) error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0o700); err != nil {
		return err
	}
	data, err := json.Marshal(keyFile{
		UserID:     p.userID,
		PrivateKey: crypto.ToBase64URL(kp.PrivateKey),
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, p.path)
}

// ensurePublished publishes a new key, or an existing one the directory has
// never seen. A directory holding a different key is left alone.
func (p *Provider) ensurePublished(ctx context.Context, kp *crypto.KeyPair, created bool) error {
	if p.dir == nil {
		return nil
	}
	if !created {
		current, err := p.dir.ResolvePublicKey(ctx, p.userID)
		switch {
		case err == nil && current.Equal(kp.PublicKey):
			return nil
		case err == nil:
			p.logger.Warn("directory holds a different key for this user",
				zap.String("user_id", p.userID))
			return nil
		case !errors.Is(err, directory.ErrKeyNotFound):
			return fmt.Errorf("failed to check published key: %w", err)
		}
	}

	if _, err := p.dir.PublishPublicKey(ctx, p.userID, kp.PublicKey); err != nil {
		return fmt.Errorf("failed to publish public key: %w", err)
	}
	return nil
}
