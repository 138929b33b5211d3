// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package messaging

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/efchatnet/efthreads/backend/crypto"
	"github.com/efchatnet/efthreads/backend/delivery"
	"github.com/efchatnet/efthreads/backend/models"
)

// KeySource reports the viewer's key pair once it has loaded.
type KeySource interface {
	Ready() (*crypto.KeyPair, bool)
}

// ThreadView follows one thread at a time for a viewer. Opening a thread
// stops the previous one before returning, so render is never called for
// a thread that is no longer open.
type ThreadView struct {
	src      delivery.Source
	viewerID string
	keys     KeySource
	read     *ReadPath
	opts     delivery.FollowOptions

	// swap serializes Open and Close
	swap     sync.Mutex
	mu       sync.Mutex
	threadID string
	cancel   context.CancelFunc
	done     chan struct{}
	received []models.Message
	err      error
}

func NewThreadView(src delivery.Source, viewerID string, keys KeySource, read *ReadPath, opts delivery.FollowOptions) *ThreadView {
	return &ThreadView{
		src:      src,
		viewerID: viewerID,
		keys:     keys,
		read:     read,
		opts:     opts,
	}
}

// Open closes any open thread, then follows threadID from the start of its
// history. render runs on the view's goroutine, once per message.
func (v *ThreadView) Open(ctx context.Context, threadID string, render func(models.DisplayMessage)) {
	v.swap.Lock()
	defer v.swap.Unlock()
	v.stop()

	fctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	v.mu.Lock()
	v.threadID = threadID
	v.cancel = cancel
	v.done = done
	v.received = nil
	v.err = nil
	v.mu.Unlock()

	go func() {
		defer close(done)
		err := delivery.Follow(fctx, v.src, threadID, 0, func(msg models.Message) error {
			v.mu.Lock()
			v.insert(msg)
			v.mu.Unlock()
			render(v.read.Materialize(msg, v.viewerID, v.keyPair()))
			return nil
		}, v.opts)
		if err != nil && !errors.Is(err, context.Canceled) {
			v.mu.Lock()
			v.err = err
			v.mu.Unlock()
		}
	}()
}

// Close stops following. It waits for the follower to exit.
func (v *ThreadView) Close() {
	v.swap.Lock()
	defer v.swap.Unlock()
	v.stop()
}

func (v *ThreadView) stop() {
	v.mu.Lock()
	cancel, done := v.cancel, v.done
	v.cancel, v.done = nil, nil
	v.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// insert keeps received in seq order; pushes can arrive out of order.
func (v *ThreadView) insert(msg models.Message) {
	i := sort.Search(len(v.received), func(i int) bool {
		return v.received[i].Seq > msg.Seq
	})
	v.received = append(v.received, models.Message{})
	copy(v.received[i+1:], v.received[i:])
	v.received[i] = msg
}

func (v *ThreadView) ThreadID() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.threadID
}

// Messages materializes everything received so far, in seq order, with
// the viewer's current keys. Call it again once keys finish loading.
func (v *ThreadView) Messages() []models.DisplayMessage {
	v.mu.Lock()
	msgs := append([]models.Message(nil), v.received...)
	v.mu.Unlock()
	return v.read.MaterializeAll(msgs, v.viewerID, v.keyPair())
}

// Err reports why following stopped, if it stopped on its own.
func (v *ThreadView) Err() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.err
}

func (v *ThreadView) keyPair() *crypto.KeyPair {
	if v.keys == nil {
		return nil
	}
	kp, ok := v.keys.Ready()
	if !ok {
		return nil
	}
	return kp
}
