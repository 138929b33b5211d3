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
	"testing"
	"time"

	"github.com/efchatnet/efthreads/backend/models"
)

func recv(t *testing.T, sub Subscription) models.Message {
	t.Helper()
	select {
	case msg, ok := <-sub.Messages():
		if !ok {
			t.Fatalf("subscription closed: %v", sub.Err())
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return models.Message{}
}

func TestHubPublishesToThreadSubscribers(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(8)

	a, err := hub.Subscribe(ctx, "t1")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	b, _ := hub.Subscribe(ctx, "t1")
	other, _ := hub.Subscribe(ctx, "t2")

	if err := hub.Publish(ctx, models.Message{ID: "m1", ThreadID: "t1"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	for _, sub := range []Subscription{a, b} {
		if got := recv(t, sub); got.ID != "m1" {
			t.Errorf("received %q, want m1", got.ID)
		}
	}
	select {
	case msg := <-other.Messages():
		t.Errorf("other thread received %q", msg.ID)
	default:
	}
}

func TestHubCloseUnsubscribes(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(8)

	sub, _ := hub.Subscribe(ctx, "t1")
	if got := hub.Subscribers("t1"); got != 1 {
		t.Fatalf("Subscribers() = %d, want 1", got)
	}
	sub.Close()
	sub.Close()

	if got := hub.Subscribers("t1"); got != 0 {
		t.Errorf("Subscribers() after Close = %d, want 0", got)
	}
	if _, ok := <-sub.Messages(); ok {
		t.Error("Messages() still open after Close")
	}
	if err := sub.Err(); err != nil {
		t.Errorf("Err() after Close = %v, want nil", err)
	}
	if err := hub.Publish(ctx, models.Message{ID: "m1", ThreadID: "t1"}); err != nil {
		t.Errorf("Publish() with no subscribers error = %v", err)
	}
}

func TestHubSlowSubscriberIsDisconnected(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(2)
	sub, _ := hub.Subscribe(ctx, "t1")

	for _, id := range []string{"m1", "m2", "m3"} {
		hub.Publish(ctx, models.Message{ID: id, ThreadID: "t1"})
	}

	var got []string
	for msg := range sub.Messages() {
		got = append(got, msg.ID)
	}
	if len(got) != 2 {
		t.Errorf("received %v, want the two buffered messages", got)
	}
	if !errors.Is(sub.Err(), ErrDisconnected) {
		t.Errorf("Err() = %v, want ErrDisconnected", sub.Err())
	}
	if hub.Subscribers("t1") != 0 {
		t.Error("slow subscriber still registered")
	}
}

func TestHubDisconnectAndClose(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(2)
	sub, _ := hub.Subscribe(ctx, "t1")

	hub.Disconnect("t1")
	if _, ok := <-sub.Messages(); ok {
		t.Fatal("Messages() open after Disconnect")
	}
	if !errors.Is(sub.Err(), ErrDisconnected) {
		t.Errorf("Err() = %v, want ErrDisconnected", sub.Err())
	}

	hub.Close()
	if err := hub.Publish(ctx, models.Message{ID: "m1", ThreadID: "t1"}); !errors.Is(err, ErrClosed) {
		t.Errorf("Publish() after Close error = %v, want ErrClosed", err)
	}
	if _, err := hub.Subscribe(ctx, "t1"); !errors.Is(err, ErrClosed) {
		t.Errorf("Subscribe() after Close error = %v, want ErrClosed", err)
	}
}
