// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package messaging

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/pebble/vfs"

	"github.com/efchatnet/efthreads/backend/crypto"
	"github.com/efchatnet/efthreads/backend/delivery"
	"github.com/efchatnet/efthreads/backend/models"
	"github.com/efchatnet/efthreads/backend/storage/pebble"
)

type lazyKeys struct {
	kp atomic.Pointer[crypto.KeyPair]
}

func (k *lazyKeys) Ready() (*crypto.KeyPair, bool) {
	kp := k.kp.Load()
	return kp, kp != nil
}

type renderLog struct {
	mu  sync.Mutex
	out []models.DisplayMessage
}

func (r *renderLog) render(d models.DisplayMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out = append(r.out, d)
}

func (r *renderLog) snapshot() []models.DisplayMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.DisplayMessage(nil), r.out...)
}

func (r *renderLog) waitFor(t *testing.T, n int) []models.DisplayMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := r.snapshot(); len(got) >= n {
			return got
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("rendered %d messages, want %d", len(r.snapshot()), n)
	return nil
}

func TestThreadView(t *testing.T) {
	ctx := context.Background()
	store, err := pebble.Open("view", vfs.NewMem())
	if err != nil {
		t.Fatalf("pebble.Open() error = %v", err)
	}
	defer store.Close()

	now := time.Now().UTC()
	for _, id := range []string{"t1", "t2"} {
		th := models.Thread{ID: id, Kind: models.ThreadKindGroup, CreatedBy: "alice", CreatedAt: now, UpdatedAt: now}
		if err := store.CreateThread(ctx, th, []string{"alice", "bob"}); err != nil {
			t.Fatalf("CreateThread() error = %v", err)
		}
	}

	bob := mustKeyPair(t)
	hub := delivery.NewHub(16)
	svc := delivery.NewService(store, hub, nil, nil)

	first := sealed(t, "m1", "alice", "first", map[string]*crypto.KeyPair{"bob": bob})
	if _, err := svc.Append(ctx, first); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	keys := &lazyKeys{}
	view := NewThreadView(svc, "bob", keys, NewReadPath(nil, nil), delivery.FollowOptions{InitialBackoff: time.Millisecond})
	defer view.Close()

	log1 := &renderLog{}
	view.Open(ctx, "t1", log1.render)

	got := log1.waitFor(t, 1)
	if got[0].State != models.ContentPendingKeys {
		t.Errorf("first render state = %s, want pending_keys", got[0].State)
	}

	keys.kp.Store(bob)
	if msgs := view.Messages(); len(msgs) != 1 || msgs[0].Content != "first" {
		t.Errorf("Messages() after keys loaded = %+v", msgs)
	}

	for hub.Subscribers("t1") == 0 {
		time.Sleep(time.Millisecond)
	}
	second := sealed(t, "m2", "alice", "second", map[string]*crypto.KeyPair{"bob": bob})
	svc.Append(ctx, second)
	got = log1.waitFor(t, 2)
	if got[1].Content != "second" || got[1].State != models.ContentDecrypted {
		t.Errorf("live render = %+v", got[1])
	}

	log2 := &renderLog{}
	view.Open(ctx, "t2", log2.render)
	if view.ThreadID() != "t2" {
		t.Errorf("ThreadID() = %q, want t2", view.ThreadID())
	}
	if n := hub.Subscribers("t1"); n != 0 {
		t.Errorf("t1 still has %d subscribers after switching", n)
	}

	late := sealed(t, "m3", "alice", "late", map[string]*crypto.KeyPair{"bob": bob})
	svc.Append(ctx, late)
	time.Sleep(20 * time.Millisecond)
	if n := len(log1.snapshot()); n != 2 {
		t.Errorf("closed view rendered %d messages, want 2", n)
	}
	if len(view.Messages()) != 0 {
		t.Errorf("Messages() carried over from previous thread")
	}
	if err := view.Err(); err != nil {
		t.Errorf("Err() = %v", err)
	}
}

func newViewStore(t *testing.T, threads ...string) *pebble.Store {
	t.Helper()
	store, err := pebble.Open("view", vfs.NewMem())
	if err != nil {
		t.Fatalf("pebble.Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	now := time.Now().UTC()
	for _, id := range threads {
		th := models.Thread{ID: id, Kind: models.ThreadKindBroadcast, CreatedBy: "alice", CreatedAt: now, UpdatedAt: now}
		if err := store.CreateThread(context.Background(), th, []string{"alice", "bob"}); err != nil {
			t.Fatalf("CreateThread() error = %v", err)
		}
	}
	return store
}

func TestThreadViewKeepsSeqOrder(t *testing.T) {
	ctx := context.Background()
	store := newViewStore(t, "t1")
	hub := delivery.NewHub(16)
	svc := delivery.NewService(store, hub, nil, nil)
	if _, err := svc.Append(ctx, models.Message{ID: "m0", ThreadID: "t1", SenderID: "alice", PlaintextFallback: "zero"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	view := NewThreadView(svc, "bob", nil, NewReadPath(nil, nil), delivery.FollowOptions{InitialBackoff: time.Millisecond})
	defer view.Close()
	log := &renderLog{}
	view.Open(ctx, "t1", log.render)
	log.waitFor(t, 1)

	var stored []*models.Message
	for _, m := range []models.Message{
		{ID: "m1", ThreadID: "t1", SenderID: "alice", PlaintextFallback: "one"},
		{ID: "m2", ThreadID: "t1", SenderID: "alice", PlaintextFallback: "two"},
	} {
		s, err := store.AppendMessage(ctx, m)
		if err != nil {
			t.Fatalf("AppendMessage() error = %v", err)
		}
		stored = append(stored, s)
	}
	// pushes arrive in reverse commit order
	hub.Publish(ctx, *stored[1])
	hub.Publish(ctx, *stored[0])
	got := log.waitFor(t, 3)
	if got[1].ID != "m2" || got[2].ID != "m1" {
		t.Fatalf("render order = %s %s, want m2 m1", got[1].ID, got[2].ID)
	}

	msgs := view.Messages()
	if len(msgs) != 3 {
		t.Fatalf("len(Messages()) = %d, want 3", len(msgs))
	}
	for i, want := range []string{"m0", "m1", "m2"} {
		if msgs[i].ID != want {
			t.Errorf("Messages()[%d] = %s, want %s", i, msgs[i].ID, want)
		}
	}
}

func TestThreadViewConcurrentOpen(t *testing.T) {
	ctx := context.Background()
	threads := []string{"t1", "t2", "t3", "t4"}
	store := newViewStore(t, threads...)
	hub := delivery.NewHub(16)
	svc := delivery.NewService(store, hub, nil, nil)
	view := NewThreadView(svc, "bob", nil, NewReadPath(nil, nil), delivery.FollowOptions{InitialBackoff: time.Millisecond})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			view.Open(ctx, id, func(models.DisplayMessage) {})
		}(threads[i%len(threads)])
	}
	wg.Wait()

	// only the last Open may still be following
	deadline := time.Now().Add(2 * time.Second)
	for {
		total := 0
		for _, id := range threads {
			total += hub.Subscribers(id)
		}
		if total <= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("%d subscriptions open after concurrent Open, want at most 1", total)
		}
		time.Sleep(time.Millisecond)
	}

	view.Close()
	for _, id := range threads {
		if n := hub.Subscribers(id); n != 0 {
			t.Errorf("%s has %d subscribers after Close", id, n)
		}
	}
}
