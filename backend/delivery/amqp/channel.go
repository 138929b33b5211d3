// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package amqp distributes stored messages over a RabbitMQ topic exchange.
// Each subscription binds its own exclusive, auto-deleted queue to the
// thread's routing key.
package amqp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/efchatnet/efthreads/backend/delivery"
	"github.com/efchatnet/efthreads/backend/logging"
	"github.com/efchatnet/efthreads/backend/models"
)

const DefaultExchange = "efthreads.messages"

func RoutingKey(threadID string) string {
	return "thread." + threadID
}

type Channel struct {
	conn     *amqp091.Connection
	exchange string
	buffer   int
	logger   *zap.Logger
}

var _ delivery.Channel = (*Channel)(nil)

// Dial connects and declares the topic exchange.
func Dial(url, exchange string, buffer int, logger *zap.Logger) (*Channel, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, err
	}

	return &Channel{
		conn:     conn,
		exchange: exchange,
		buffer:   buffer,
		logger:   logging.OrNop(logger),
	}, nil
}

func (c *Channel) Publish(ctx context.Context, msg models.Message) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	return ch.PublishWithContext(
		ctx, c.exchange, RoutingKey(msg.ThreadID), false, false,
		amqp091.Publishing{
			ContentType: "application/json",
			MessageId:   msg.ID,
			Timestamp:   time.Now(),
			Body:        body,
		},
	)
}

func (c *Channel) Subscribe(ctx context.Context, threadID string) (delivery.Subscription, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", delivery.ErrDisconnected, err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		ch.Close()
		return nil, err
	}
	if err := ch.QueueBind(q.Name, RoutingKey(threadID), c.exchange, false, nil); err != nil {
		ch.Close()
		return nil, err
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, err
	}

	var (
		mu      sync.Mutex
		closing bool
	)
	feed := delivery.NewFeed(c.buffer, func() {
		mu.Lock()
		closing = true
		mu.Unlock()
		ch.Close()
	})

	go func() {
		for d := range deliveries {
			var msg models.Message
			if err := json.Unmarshal(d.Body, &msg); err != nil {
				c.logger.Warn("dropping malformed delivery",
					zap.String("routing_key", d.RoutingKey),
					zap.Error(err))
				continue
			}
			if !feed.Deliver(msg) {
				return
			}
		}

		mu.Lock()
		lost := !closing
		mu.Unlock()
		if lost {
			c.logger.Warn("amqp consumer closed", zap.String("thread_id", threadID))
			feed.Fail(delivery.ErrDisconnected)
		}
	}()
	return feed, nil
}

func (c *Channel) Close() error {
	return c.conn.Close()
}
