// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package delivery

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/efchatnet/efthreads/backend/models"
)

// Hub is an in-process Channel. It fans each published message out to the
// thread's current subscribers; a subscriber that cannot keep up is
// disconnected rather than blocking the publisher.
type Hub struct {
	buffer int

	mu     sync.RWMutex
	subs   map[string]map[string]*Feed // threadID -> subID -> feed
	nextID atomic.Uint64
	closed bool
}

var _ Channel = (*Hub)(nil)

func NewHub(buffer int) *Hub {
	return &Hub{
		buffer: buffer,
		subs:   make(map[string]map[string]*Feed),
	}
}

func (h *Hub) Publish(ctx context.Context, msg models.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return ErrClosed
	}
	threadSubs := h.subs[msg.ThreadID]
	feeds := make([]*Feed, 0, len(threadSubs))
	for _, f := range threadSubs {
		feeds = append(feeds, f)
	}
	h.mu.RUnlock()

	for _, f := range feeds {
		f.Deliver(msg)
	}
	return nil
}

func (h *Hub) Subscribe(ctx context.Context, threadID string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := strconv.FormatUint(h.nextID.Add(1), 10)
	feed := NewFeed(h.buffer, func() { h.remove(threadID, id) })

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	if h.subs[threadID] == nil {
		h.subs[threadID] = make(map[string]*Feed)
	}
	h.subs[threadID][id] = feed
	return feed, nil
}

// Subscribers returns the number of open subscriptions on a thread.
func (h *Hub) Subscribers(threadID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[threadID])
}

// Disconnect ends every subscription on threadID with ErrDisconnected.
func (h *Hub) Disconnect(threadID string) {
	h.mu.RLock()
	feeds := make([]*Feed, 0, len(h.subs[threadID]))
	for _, f := range h.subs[threadID] {
		feeds = append(feeds, f)
	}
	h.mu.RUnlock()

	for _, f := range feeds {
		f.Fail(ErrDisconnected)
	}
}

// Close disconnects all subscribers and rejects further use.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	var feeds []*Feed
	for _, threadSubs := range h.subs {
		for _, f := range threadSubs {
			feeds = append(feeds, f)
		}
	}
	h.mu.Unlock()

	for _, f := range feeds {
		f.Fail(ErrDisconnected)
	}
	return nil
}

func (h *Hub) remove(threadID, id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if threadSubs, ok := h.subs[threadID]; ok {
		delete(threadSubs, id)
		if len(threadSubs) == 0 {
			delete(h.subs, threadID)
		}
	}
}
