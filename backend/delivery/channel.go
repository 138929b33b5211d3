// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package delivery persists messages and pushes them to live subscribers.
//
// A Channel is the push transport (in-memory Hub, Redis pub/sub or an AMQP
// topic exchange). Delivery over a Channel is best effort; subscribers that
// lose their stream recover missed messages with Follow, which reconciles
// against the store by sequence number.
package delivery

import (
	"context"
	"errors"
	"sync"

	"github.com/efchatnet/efthreads/backend/models"
)

var (
	// ErrDisconnected is reported by a Subscription whose transport dropped
	// or which fell too far behind. Callers reconnect and reconcile.
	ErrDisconnected = errors.New("delivery: subscription disconnected")

	// ErrClosed is returned when publishing on a closed Channel.
	ErrClosed = errors.New("delivery: channel closed")
)

// DefaultBufferSize is the per-subscription queue length.
const DefaultBufferSize = 64

type Subscription interface {
	// Messages yields pushed messages. It is closed when the subscription
	// ends, after which Err reports the cause.
	Messages() <-chan models.Message
	// Err is nil after a clean Close and ErrDisconnected (possibly wrapped)
	// when the stream was lost.
	Err() error
	Close() error
}

type Channel interface {
	Publish(ctx context.Context, msg models.Message) error
	Subscribe(ctx context.Context, threadID string) (Subscription, error)
}

// Feed is a Subscription backed by a bounded queue. Transports push into it
// with Deliver and end it with Fail.
type Feed struct {
	ch      chan models.Message
	onClose func()

	mu     sync.Mutex
	closed bool
	err    error
}

// NewFeed returns an open feed. onClose, if set, runs once when the feed
// ends for any reason.
func NewFeed(buffer int, onClose func()) *Feed {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	return &Feed{
		ch:      make(chan models.Message, buffer),
		onClose: onClose,
	}
}

// Deliver queues msg without blocking. A full queue ends the feed with
// ErrDisconnected and Deliver reports false.
func (f *Feed) Deliver(msg models.Message) bool {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return false
	}
	select {
	case f.ch <- msg:
		f.mu.Unlock()
		return true
	default:
	}
	f.finishLocked(ErrDisconnected)
	f.mu.Unlock()
	f.runOnClose()
	return false
}

// Fail ends the feed with err. Later calls are ignored.
func (f *Feed) Fail(err error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.finishLocked(err)
	f.mu.Unlock()
	f.runOnClose()
}

func (f *Feed) Messages() <-chan models.Message {
	return f.ch
}

func (f *Feed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *Feed) Close() error {
	f.Fail(nil)
	return nil
}

// Done reports whether the feed has ended.
func (f *Feed) Done() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *Feed) finishLocked(err error) {
	f.closed = true
	f.err = err
	close(f.ch)
}

func (f *Feed) runOnClose() {
	if f.onClose != nil {
		f.onClose()
	}
}
