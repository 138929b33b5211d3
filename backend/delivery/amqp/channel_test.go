// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package amqp

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/efchatnet/efthreads/backend/models"
)

func TestRoutingKey(t *testing.T) {
	if got := RoutingKey("6f1c"); got != "thread.6f1c" {
		t.Errorf("RoutingKey() = %q", got)
	}
}

// Runs against a live broker when AMQP_URL is set.
func TestChannelRoundTrip(t *testing.T) {
	url := os.Getenv("AMQP_URL")
	if url == "" {
		t.Skip("AMQP_URL not set")
	}

	c, err := Dial(url, "efthreads.test", 8, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := c.Subscribe(ctx, "t1")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Close()

	if err := c.Publish(ctx, models.Message{ID: "m1", ThreadID: "t1", Seq: 3}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if err := c.Publish(ctx, models.Message{ID: "x1", ThreadID: "t2"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case got := <-sub.Messages():
		if got.ID != "m1" || got.Seq != 3 {
			t.Errorf("received %+v, want m1", got)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for message")
	}
}
