// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package directory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/efchatnet/efthreads/backend/crypto"
	"github.com/efchatnet/efthreads/backend/models"
	"github.com/efchatnet/efthreads/backend/storage"
)

type fakeKeys struct {
	mu    sync.Mutex
	keys  map[string][][]byte
	calls int
	err   error
	delay time.Duration
}

func newFakeKeys() *fakeKeys {
	return &fakeKeys{keys: make(map[string][][]byte)}
}

func (f *fakeKeys) AppendPublicKey(ctx context.Context, userID string, pub []byte) (*models.UserIdentity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys[userID] = append(f.keys[userID], append([]byte(nil), pub...))
	return &models.UserIdentity{UserID: userID, PublicKey: pub, KeyVersion: len(f.keys[userID])}, nil
}

// GetCurrentPublicKey ignores ctx so the directory's own timeout is tested.
func (f *fakeKeys) GetCurrentPublicKey(ctx context.Context, userID string) (*models.UserIdentity, error) {
	f.mu.Lock()
	f.calls++
	delay, err := f.delay, f.err
	versions := f.keys[userID]
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, storage.ErrNotFound
	}
	return &models.UserIdentity{UserID: userID, PublicKey: versions[len(versions)-1], KeyVersion: len(versions)}, nil
}

func (f *fakeKeys) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func mustKey(t *testing.T) crypto.PublicKey {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	return kp.PublicKey
}

func TestResolvePublicKeyCachesHits(t *testing.T) {
	ctx := context.Background()
	keys := newFakeKeys()
	d := New(keys, Options{})

	pub := mustKey(t)
	keys.AppendPublicKey(ctx, "alice", pub)

	for i := 0; i < 3; i++ {
		got, err := d.ResolvePublicKey(ctx, "alice")
		if err != nil {
			t.Fatalf("ResolvePublicKey() error = %v", err)
		}
		if !got.Equal(pub) {
			t.Fatalf("ResolvePublicKey() = %v, want %v", got, pub)
		}
	}
	if n := keys.callCount(); n != 1 {
		t.Errorf("store called %d times, want 1", n)
	}
}

func TestResolvePublicKeyDoesNotCacheMisses(t *testing.T) {
	ctx := context.Background()
	keys := newFakeKeys()
	d := New(keys, Options{})

	_, err := d.ResolvePublicKey(ctx, "bob")
	var kre *KeyResolutionError
	if !errors.As(err, &kre) || kre.UserID != "bob" {
		t.Fatalf("ResolvePublicKey() error = %v, want *KeyResolutionError for bob", err)
	}
	if !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("ResolvePublicKey() error = %v, want ErrKeyNotFound", err)
	}

	pub := mustKey(t)
	keys.AppendPublicKey(ctx, "bob", pub)
	got, err := d.ResolvePublicKey(ctx, "bob")
	if err != nil {
		t.Fatalf("ResolvePublicKey() after publish error = %v", err)
	}
	if !got.Equal(pub) {
		t.Errorf("ResolvePublicKey() = %v, want %v", got, pub)
	}
}

func TestResolvePublicKeyFailures(t *testing.T) {
	storeDown := errors.New("connection refused")

	tests := []struct {
		name    string
		setup   func(*fakeKeys)
		wantErr error
	}{
		{
			name:    "store error",
			setup:   func(f *fakeKeys) { f.err = storeDown },
			wantErr: storeDown,
		},
		{
			name: "timeout",
			setup: func(f *fakeKeys) {
				f.keys["carol"] = [][]byte{make([]byte, crypto.KeySize)}
				f.delay = 200 * time.Millisecond
			},
			wantErr: context.DeadlineExceeded,
		},
		{
			name:    "malformed stored key",
			setup:   func(f *fakeKeys) { f.keys["carol"] = [][]byte{{1, 2, 3}} },
			wantErr: crypto.ErrInvalidPublicKey,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			keys := newFakeKeys()
			tt.setup(keys)
			d := New(keys, Options{LookupTimeout: 20 * time.Millisecond})

			start := time.Now()
			_, err := d.ResolvePublicKey(context.Background(), "carol")
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ResolvePublicKey() error = %v, want %v", err, tt.wantErr)
			}
			var kre *KeyResolutionError
			if !errors.As(err, &kre) {
				t.Errorf("error %T is not *KeyResolutionError", err)
			}
			if time.Since(start) > 150*time.Millisecond {
				t.Errorf("lookup took %v, want it bounded by the timeout", time.Since(start))
			}
		})
	}
}

func TestPublishPublicKeyReplacesCachedKey(t *testing.T) {
	ctx := context.Background()
	keys := newFakeKeys()
	d := New(keys, Options{})

	first := mustKey(t)
	if _, err := d.PublishPublicKey(ctx, "alice", first); err != nil {
		t.Fatalf("PublishPublicKey() error = %v", err)
	}
	d.ResolvePublicKey(ctx, "alice")

	second := mustKey(t)
	identity, err := d.PublishPublicKey(ctx, "alice", second)
	if err != nil {
		t.Fatalf("PublishPublicKey() error = %v", err)
	}
	if identity.KeyVersion != 2 {
		t.Errorf("KeyVersion = %d, want 2", identity.KeyVersion)
	}

	got, _ := d.ResolvePublicKey(ctx, "alice")
	if !got.Equal(second) {
		t.Errorf("ResolvePublicKey() returned stale key")
	}

	if _, err := d.PublishPublicKey(ctx, "alice", crypto.PublicKey{1}); !errors.Is(err, crypto.ErrInvalidPublicKey) {
		t.Errorf("PublishPublicKey(short) error = %v, want ErrInvalidPublicKey", err)
	}
}

func TestInvalidate(t *testing.T) {
	ctx := context.Background()
	keys := newFakeKeys()
	d := New(keys, Options{})
	keys.AppendPublicKey(ctx, "alice", mustKey(t))

	d.ResolvePublicKey(ctx, "alice")
	d.Invalidate("alice")
	d.ResolvePublicKey(ctx, "alice")

	if n := keys.callCount(); n != 2 {
		t.Errorf("store called %d times, want 2", n)
	}
}
