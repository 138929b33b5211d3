// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/efchatnet/efthreads/backend/messaging"
	"github.com/efchatnet/efthreads/backend/models"
)

func TestDeviceGroupRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	alice := srv.device(t, "alice", true)
	bob := srv.device(t, "bob", true)
	carol := srv.device(t, "carol", true)

	thread, err := alice.API().CreateThread(ctx, models.ThreadKindGroup, []string{"bob", "carol"}, "")
	if err != nil {
		t.Fatalf("CreateThread() error = %v", err)
	}

	sent, err := alice.Send(ctx, thread.ID, "hello team")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(sent.EnvelopeMap) != 3 {
		t.Errorf("len(EnvelopeMap) = %d, want 3", len(sent.EnvelopeMap))
	}

	stored, err := srv.e2e.Store().GetMessage(ctx, sent.ID)
	if err != nil {
		t.Fatalf("GetMessage() error = %v", err)
	}
	if stored.PlaintextFallback != models.EncryptedPlaceholder {
		t.Errorf("server copy PlaintextFallback = %q, want placeholder", stored.PlaintextFallback)
	}

	for _, d := range []*Device{alice, bob, carol} {
		history, err := d.History(ctx, thread.ID, 0)
		if err != nil {
			t.Fatalf("History(%s) error = %v", d.UserID(), err)
		}
		if len(history) != 1 {
			t.Fatalf("len(History(%s)) = %d, want 1", d.UserID(), len(history))
		}
		if got := history[0]; got.State != models.ContentDecrypted || got.Content != "hello team" {
			t.Errorf("%s sees %q (%s), want decrypted text", d.UserID(), got.Content, got.State)
		}
	}
}

func TestDeviceSkipsMembersWithoutKeys(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	alice := srv.device(t, "alice", true)
	dave := srv.device(t, "dave", false)

	thread, err := alice.API().CreateThread(ctx, models.ThreadKindDirect, []string{"dave"}, "")
	if err != nil {
		t.Fatalf("CreateThread() error = %v", err)
	}

	sent, err := alice.Send(ctx, thread.ID, "are you there?")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if _, ok := sent.EnvelopeMap["dave"]; ok || len(sent.EnvelopeMap) != 1 {
		t.Errorf("EnvelopeMap recipients = %v, want alice only", keys(sent.EnvelopeMap))
	}

	history, err := dave.History(ctx, thread.ID, 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if history[0].State != models.ContentPendingKeys {
		t.Errorf("State before keys = %s, want %s", history[0].State, models.ContentPendingKeys)
	}

	if err := dave.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	history, err = dave.History(ctx, thread.ID, 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if history[0].State != models.ContentNotRecipient || history[0].Content != models.EncryptedPlaceholder {
		t.Errorf("dave sees %q (%s), want placeholder (not_recipient)", history[0].Content, history[0].State)
	}

	alice.ForgetKey("dave")
	sent, err = alice.Send(ctx, thread.ID, "now you can read this")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	history, err = dave.History(ctx, thread.ID, sent.Seq-1)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 1 || history[0].Content != "now you can read this" {
		t.Errorf("History() = %+v, want the second message decrypted", history)
	}
}

func TestDeviceRejectedSends(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	alice := srv.device(t, "alice", true)
	carol := srv.device(t, "carol", true)

	thread, err := alice.API().CreateThread(ctx, models.ThreadKindGroup, []string{"bob"}, "")
	if err != nil {
		t.Fatalf("CreateThread() error = %v", err)
	}

	if _, err := carol.Send(ctx, thread.ID, "let me in"); err == nil {
		t.Error("Send() by outsider succeeded")
	}

	// bob never registered a key; alice's own envelope is enough
	if _, err := alice.Send(ctx, thread.ID, "note to self and bob"); err != nil {
		t.Errorf("Send() error = %v", err)
	}

	if err := alice.API().ArchiveThread(ctx, thread.ID); err != nil {
		t.Fatalf("ArchiveThread() error = %v", err)
	}
	if _, err := alice.Send(ctx, thread.ID, "too late"); !errors.Is(err, messaging.ErrThreadArchived) {
		t.Errorf("Send() to archived thread error = %v, want ErrThreadArchived", err)
	}
}

func TestDeviceBroadcastIsPlaintext(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	alice := srv.device(t, "alice", true)
	bob := srv.device(t, "bob", false)

	thread, err := alice.API().CreateThread(ctx, models.ThreadKindBroadcast, []string{"bob"}, "Announcements")
	if err != nil {
		t.Fatalf("CreateThread() error = %v", err)
	}
	if thread.DisplayName != "Announcements" {
		t.Errorf("DisplayName = %q, want subject", thread.DisplayName)
	}

	sent, err := alice.Send(ctx, thread.ID, "office closed friday")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if sent.EnvelopeMap != nil {
		t.Errorf("EnvelopeMap = %v, want nil", sent.EnvelopeMap)
	}

	history, err := bob.History(ctx, thread.ID, 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if history[0].State != models.ContentPlain || history[0].Content != "office closed friday" {
		t.Errorf("bob sees %q (%s), want plain text", history[0].Content, history[0].State)
	}
}

func TestDeviceThreadViewSurvivesDisconnect(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	alice := srv.device(t, "alice", true)
	bob := srv.device(t, "bob", true)

	thread, err := alice.API().CreateThread(ctx, models.ThreadKindGroup, []string{"bob"}, "")
	if err != nil {
		t.Fatalf("CreateThread() error = %v", err)
	}
	if _, err := alice.Send(ctx, thread.ID, "before"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	rendered := make(chan models.DisplayMessage, 16)
	view := bob.NewThreadView()
	view.Open(ctx, thread.ID, func(m models.DisplayMessage) { rendered <- m })
	defer view.Close()

	next := func() models.DisplayMessage {
		t.Helper()
		select {
		case m := <-rendered:
			return m
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for a rendered message")
			return models.DisplayMessage{}
		}
	}

	if m := next(); m.Content != "before" {
		t.Fatalf("first render = %q, want %q", m.Content, "before")
	}

	waitSubscribed(t, srv, thread.ID)
	if _, err := alice.Send(ctx, thread.ID, "live"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if m := next(); m.Content != "live" || m.State != models.ContentDecrypted {
		t.Fatalf("live render = %q (%s)", m.Content, m.State)
	}

	srv.hub.Disconnect(thread.ID)
	if _, err := alice.Send(ctx, thread.ID, "after reconnect"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if m := next(); m.Content != "after reconnect" {
		t.Fatalf("render after reconnect = %q", m.Content)
	}

	select {
	case m := <-rendered:
		t.Errorf("unexpected extra render %q", m.Content)
	case <-time.After(100 * time.Millisecond):
	}
	if got := len(view.Messages()); got != 3 {
		t.Errorf("len(view.Messages()) = %d, want 3", got)
	}
}

func waitSubscribed(t *testing.T, srv *testServer, threadID string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for srv.hub.Subscribers(threadID) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no subscriber on the hub")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func keys(m map[string]models.Envelope) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
