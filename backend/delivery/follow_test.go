// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package delivery

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/efchatnet/efthreads/backend/models"
)

var fastRetry = FollowOptions{
	InitialBackoff: time.Millisecond,
	MaxBackoff:     5 * time.Millisecond,
}

func waitFor(t *testing.T, got <-chan models.Message, n int) []string {
	t.Helper()
	var ids []string
	for len(ids) < n {
		select {
		case msg := <-got:
			ids = append(ids, msg.ID)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %v, want %d messages", ids, n)
		}
	}
	return ids
}

func TestFollowReconcilesAfterDisconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(8)
	store := &memStore{}
	svc := NewService(store, hub, nil, nil)
	svc.Append(ctx, models.Message{ID: "m1", ThreadID: "t1"})
	svc.Append(ctx, models.Message{ID: "m2", ThreadID: "t1"})

	got := make(chan models.Message, 16)
	done := make(chan error, 1)
	go func() {
		done <- Follow(ctx, svc, "t1", 0, func(msg models.Message) error {
			got <- msg
			return nil
		}, fastRetry)
	}()

	ids := waitFor(t, got, 2)

	// wait until the live subscription is registered before pushing
	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers("t1") == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	svc.Append(ctx, models.Message{ID: "m3", ThreadID: "t1"})
	ids = append(ids, waitFor(t, got, 1)...)

	hub.Disconnect("t1")
	svc.Append(ctx, models.Message{ID: "m4", ThreadID: "t1"})
	svc.Append(ctx, models.Message{ID: "m5", ThreadID: "t1"})
	ids = append(ids, waitFor(t, got, 2)...)

	select {
	case msg := <-got:
		t.Fatalf("unexpected extra delivery %q", msg.ID)
	case <-time.After(50 * time.Millisecond):
	}

	if fmt.Sprint(ids) != "[m1 m2 m3 m4 m5]" {
		t.Errorf("delivered %v, want [m1 m2 m3 m4 m5]", ids)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Follow() error = %v, want context.Canceled", err)
	}
}

func TestFollowRecoversMessagePushedOutOfOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(8)
	store := &memStore{}
	svc := NewService(store, hub, nil, nil)
	svc.Append(ctx, models.Message{ID: "m0", ThreadID: "t1"})

	got := make(chan models.Message, 16)
	go Follow(ctx, svc, "t1", 0, func(msg models.Message) error {
		got <- msg
		return nil
	}, fastRetry)

	// m0 comes from history, so the follower is live once it arrives
	ids := waitFor(t, got, 1)

	// m1 commits first but its push has not arrived when m2's does
	if _, err := store.AppendMessage(ctx, models.Message{ID: "m1", ThreadID: "t1"}); err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}
	m2, err := store.AppendMessage(ctx, models.Message{ID: "m2", ThreadID: "t1"})
	if err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}
	if err := hub.Publish(ctx, *m2); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	ids = append(ids, waitFor(t, got, 1)...)

	hub.Disconnect("t1")
	ids = append(ids, waitFor(t, got, 1)...)

	select {
	case msg := <-got:
		t.Fatalf("unexpected extra delivery %q", msg.ID)
	case <-time.After(50 * time.Millisecond):
	}

	if fmt.Sprint(ids) != "[m0 m2 m1]" {
		t.Errorf("delivered %v, want [m0 m2 m1]", ids)
	}
}

func TestFollowStartsAfterSeq(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc := NewService(&memStore{}, NewHub(8), nil, nil)
	for i := 1; i <= 4; i++ {
		svc.Append(ctx, models.Message{ID: fmt.Sprintf("m%d", i), ThreadID: "t1"})
	}

	got := make(chan models.Message, 16)
	go Follow(ctx, svc, "t1", 2, func(msg models.Message) error {
		got <- msg
		return nil
	}, fastRetry)

	if ids := waitFor(t, got, 2); fmt.Sprint(ids) != "[m3 m4]" {
		t.Errorf("delivered %v, want [m3 m4]", ids)
	}
}

func TestFollowRetriesHistoryFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := &memStore{}
	svc := NewService(store, NewHub(8), nil, nil)
	svc.Append(ctx, models.Message{ID: "m1", ThreadID: "t1"})
	store.listErr = errors.New("connection reset")

	got := make(chan models.Message, 4)
	go Follow(ctx, svc, "t1", 0, func(msg models.Message) error {
		got <- msg
		return nil
	}, fastRetry)

	if ids := waitFor(t, got, 1); ids[0] != "m1" {
		t.Errorf("delivered %v, want [m1]", ids)
	}
}

func TestFollowStopsOnCallbackError(t *testing.T) {
	ctx := context.Background()
	svc := NewService(&memStore{}, NewHub(8), nil, nil)
	svc.Append(ctx, models.Message{ID: "m1", ThreadID: "t1"})

	stop := errors.New("stop")
	err := Follow(ctx, svc, "t1", 0, func(models.Message) error { return stop }, fastRetry)
	if !errors.Is(err, stop) {
		t.Errorf("Follow() error = %v, want %v", err, stop)
	}
}

func TestBackoffIsBounded(t *testing.T) {
	opts := FollowOptions{InitialBackoff: 10 * time.Millisecond, MaxBackoff: 80 * time.Millisecond}
	opts.setDefaults()

	for attempt := 1; attempt < 20; attempt++ {
		wait := backoff(attempt, opts)
		limit := time.Duration(float64(opts.MaxBackoff) * (1 + opts.JitterFactor))
		if wait < opts.InitialBackoff || wait > limit {
			t.Fatalf("backoff(%d) = %v, want within [%v, %v]", attempt, wait, opts.InitialBackoff, limit)
		}
	}
}
