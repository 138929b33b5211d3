// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package redis distributes stored messages over Redis pub/sub.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/efchatnet/efthreads/backend/delivery"
	"github.com/efchatnet/efthreads/backend/logging"
	"github.com/efchatnet/efthreads/backend/models"
)

// threadChannelPrefix + threadID is the pub/sub channel for a thread.
const threadChannelPrefix = "thread:msg:"

func ThreadChannel(threadID string) string {
	return threadChannelPrefix + threadID
}

// Channel is a delivery.Channel on Redis PUBLISH/SUBSCRIBE. Redis does not
// buffer for absent subscribers, so anything published while a subscriber
// is reconnecting is recovered from history by delivery.Follow.
type Channel struct {
	rdb    *redis.Client
	buffer int
	logger *zap.Logger
}

var _ delivery.Channel = (*Channel)(nil)

func NewChannel(rdb *redis.Client, buffer int, logger *zap.Logger) *Channel {
	return &Channel{
		rdb:    rdb,
		buffer: buffer,
		logger: logging.OrNop(logger),
	}
}

func (c *Channel) Publish(ctx context.Context, msg models.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := c.rdb.Publish(ctx, ThreadChannel(msg.ThreadID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Subscribe returns once Redis has confirmed the subscription, so a message
// published after Subscribe returns is not missed.
func (c *Channel) Subscribe(ctx context.Context, threadID string) (delivery.Subscription, error) {
	ps := c.rdb.Subscribe(ctx, ThreadChannel(threadID))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", threadID, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	feed := delivery.NewFeed(c.buffer, func() {
		cancel()
		ps.Close()
	})
	go c.receive(runCtx, ps, feed, threadID)
	return feed, nil
}

func (c *Channel) receive(ctx context.Context, ps *redis.PubSub, feed *delivery.Feed, threadID string) {
	for {
		m, err := ps.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return
			}
			c.logger.Warn("redis subscription lost",
				zap.String("thread_id", threadID),
				zap.Error(err))
			feed.Fail(fmt.Errorf("%w: %v", delivery.ErrDisconnected, err))
			return
		}

		var msg models.Message
		if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
			// Skip malformed payloads
			c.logger.Warn("dropping malformed payload",
				zap.String("channel", m.Channel),
				zap.Error(err))
			continue
		}
		if !feed.Deliver(msg) {
			return
		}
	}
}
