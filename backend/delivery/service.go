// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package delivery

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/efchatnet/efthreads/backend/logging"
	"github.com/efchatnet/efthreads/backend/metrics"
	"github.com/efchatnet/efthreads/backend/models"
	"github.com/efchatnet/efthreads/backend/storage"
)

// Service is the message store plus its distribution channel.
type Service struct {
	store   storage.MessageStore
	channel Channel
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewService(store storage.MessageStore, channel Channel, logger *zap.Logger, m *metrics.Metrics) *Service {
	return &Service{
		store:   store,
		channel: channel,
		logger:  logging.OrNop(logger),
		metrics: m,
	}
}

// Append persists msg and then publishes the stored copy. The store write
// is the commit point: a failed publish is logged and the stored message
// is still returned, since subscribers reconcile from history.
func (s *Service) Append(ctx context.Context, msg models.Message) (*models.Message, error) {
	stored, err := s.store.AppendMessage(ctx, msg)
	if err != nil {
		return nil, err
	}
	s.metrics.MessageAppended(stored.Encrypted())

	if err := s.channel.Publish(ctx, *stored); err != nil {
		s.metrics.PublishFailed()
		s.logger.Warn("publish failed after append",
			zap.String("thread_id", stored.ThreadID),
			zap.String("message_id", stored.ID),
			zap.Int64("seq", stored.Seq),
			zap.Error(err))
	}
	return stored, nil
}

// Subscribe opens a push stream for the thread that yields each message id
// at most once.
func (s *Service) Subscribe(ctx context.Context, threadID string) (Subscription, error) {
	sub, err := s.channel.Subscribe(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	s.metrics.SubscriptionOpened()
	return newDedupSubscription(sub, s.metrics.SubscriptionClosed), nil
}

// FetchHistory returns the thread's messages with Seq > afterSeq in order.
func (s *Service) FetchHistory(ctx context.Context, threadID string, afterSeq int64) ([]models.Message, error) {
	return s.store.ListMessages(ctx, threadID, afterSeq, 0)
}

// FetchPage is FetchHistory with a page size; limit <= 0 means all.
func (s *Service) FetchPage(ctx context.Context, threadID string, afterSeq int64, limit int) ([]models.Message, error) {
	return s.store.ListMessages(ctx, threadID, afterSeq, limit)
}

type dedupSubscription struct {
	inner Subscription
	out   chan models.Message
	done  chan struct{}
	once  sync.Once
}

func newDedupSubscription(inner Subscription, onDone func()) *dedupSubscription {
	d := &dedupSubscription{
		inner: inner,
		out:   make(chan models.Message),
		done:  make(chan struct{}),
	}
	go d.run(onDone)
	return d
}

func (d *dedupSubscription) run(onDone func()) {
	defer func() {
		close(d.out)
		if onDone != nil {
			onDone()
		}
	}()

	seen := make(map[string]struct{})
	for msg := range d.inner.Messages() {
		if _, ok := seen[msg.ID]; ok {
			continue
		}
		seen[msg.ID] = struct{}{}
		select {
		case d.out <- msg:
		case <-d.done:
			// drain so the transport can finish
			for range d.inner.Messages() {
			}
			return
		}
	}
}

func (d *dedupSubscription) Messages() <-chan models.Message {
	return d.out
}

func (d *dedupSubscription) Err() error {
	return d.inner.Err()
}

func (d *dedupSubscription) Close() error {
	d.once.Do(func() { close(d.done) })
	return d.inner.Close()
}
