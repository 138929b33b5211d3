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
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/efchatnet/efthreads/backend/logging"
	"github.com/efchatnet/efthreads/backend/metrics"
	"github.com/efchatnet/efthreads/backend/models"
)

// Source is what Follow reads from: a Service, or the remote client.
type Source interface {
	Subscribe(ctx context.Context, threadID string) (Subscription, error)
	FetchHistory(ctx context.Context, threadID string, afterSeq int64) ([]models.Message, error)
}

const (
	DefaultInitialBackoff = 500 * time.Millisecond
	DefaultMaxBackoff     = 30 * time.Second
	DefaultJitterFactor   = 0.3
)

type FollowOptions struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// JitterFactor is the largest random fraction added to each wait.
	JitterFactor float64
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

func (o *FollowOptions) setDefaults() {
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = DefaultInitialBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = DefaultMaxBackoff
	}
	if o.JitterFactor <= 0 {
		o.JitterFactor = DefaultJitterFactor
	}
	o.Logger = logging.OrNop(o.Logger)
}

// Follow delivers every message of threadID after afterSeq to fn, in
// history order first and then as pushed, each id exactly once. The push
// stream is opened before history is read so nothing committed in between
// is missed. When the stream is lost Follow backs off, resubscribes and
// reads history again from the highest seq history has returned. Pushed
// messages never move that cursor: pushes may arrive out of seq order, so
// a later replay re-reads them and drops the duplicates by id.
//
// Follow returns when ctx ends, when fn returns an error, or when the
// subscription is closed cleanly.
func Follow(ctx context.Context, src Source, threadID string, afterSeq int64, fn func(models.Message) error, opts FollowOptions) error {
	opts.setDefaults()

	cursor := afterSeq
	seen := make(map[string]struct{})
	emit := func(msg models.Message) error {
		if _, ok := seen[msg.ID]; ok {
			return nil
		}
		seen[msg.ID] = struct{}{}
		return fn(msg)
	}

	attempt := 0
	for {
		if attempt > 0 {
			opts.Metrics.Reconnected()
			wait := backoff(attempt, opts)
			opts.Logger.Info("reconnecting thread subscription",
				zap.String("thread_id", threadID),
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
				zap.Int64("after_seq", cursor))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}

		err := followOnce(ctx, src, threadID, &cursor, emit, &attempt)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var cb callbackError
		if errors.As(err, &cb) {
			return cb.err
		}
		opts.Logger.Warn("thread subscription lost",
			zap.String("thread_id", threadID),
			zap.Error(err))
		attempt++
	}
}

type callbackError struct{ err error }

func (e callbackError) Error() string { return e.err.Error() }

func followOnce(ctx context.Context, src Source, threadID string, cursor *int64, emit func(models.Message) error, attempt *int) error {
	sub, err := src.Subscribe(ctx, threadID)
	if err != nil {
		return err
	}
	defer sub.Close()

	history, err := src.FetchHistory(ctx, threadID, *cursor)
	if err != nil {
		return err
	}
	for _, msg := range history {
		if err := emit(msg); err != nil {
			return callbackError{err}
		}
		if msg.Seq > *cursor {
			*cursor = msg.Seq
		}
	}
	// connected and caught up
	*attempt = 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.Messages():
			if !ok {
				if err := sub.Err(); err != nil {
					return err
				}
				return nil
			}
			if err := emit(msg); err != nil {
				return callbackError{err}
			}
		}
	}
}

func backoff(attempt int, opts FollowOptions) time.Duration {
	wait := opts.InitialBackoff
	for i := 1; i < attempt && wait < opts.MaxBackoff; i++ {
		wait *= 2
	}
	if wait > opts.MaxBackoff {
		wait = opts.MaxBackoff
	}
	jitter := time.Duration(rand.Float64() * opts.JitterFactor * float64(wait))
	return wait + jitter
}
