// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package messaging encrypts outgoing messages for every thread member and
// turns stored messages back into displayable content for one viewer.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/efchatnet/efthreads/backend/crypto"
	"github.com/efchatnet/efthreads/backend/logging"
	"github.com/efchatnet/efthreads/backend/metrics"
	"github.com/efchatnet/efthreads/backend/models"
)

type KeyResolver interface {
	ResolvePublicKey(ctx context.Context, userID string) (crypto.PublicKey, error)
}

type ThreadSource interface {
	GetThread(ctx context.Context, threadID string) (*models.Thread, error)
	ListParticipants(ctx context.Context, threadID string) ([]models.Participant, error)
}

// MessageSink persists a message and makes it visible to subscribers.
type MessageSink interface {
	Append(ctx context.Context, msg models.Message) (*models.Message, error)
}

const (
	DefaultFanOutWorkers = 8
	DefaultLookupTimeout = 3 * time.Second
	DefaultStoreTimeout  = 5 * time.Second
)

type Options struct {
	// FanOutWorkers bounds concurrent key lookups and encryptions per send.
	FanOutWorkers int
	LookupTimeout time.Duration
	StoreTimeout  time.Duration
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
}

type Coordinator struct {
	threads ThreadSource
	keys    KeyResolver
	sink    MessageSink
	opts    Options
	logger  *zap.Logger
}

func NewCoordinator(threads ThreadSource, keys KeyResolver, sink MessageSink, opts Options) *Coordinator {
	if opts.FanOutWorkers <= 0 {
		opts.FanOutWorkers = DefaultFanOutWorkers
	}
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = DefaultLookupTimeout
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = DefaultStoreTimeout
	}
	return &Coordinator{
		threads: threads,
		keys:    keys,
		sink:    sink,
		opts:    opts,
		logger:  logging.OrNop(opts.Logger),
	}
}

// SendMessage stores plaintext in threadID on behalf of senderID.
//
// For encrypted thread kinds the plaintext is sealed once per participant,
// sender included, and only the placeholder is stored in clear. Members
// whose key cannot be resolved in time are left out of the envelope map;
// the send fails only if nobody is left. Each call creates a new message.
func (c *Coordinator) SendMessage(ctx context.Context, threadID, senderID, plaintext string) (*models.Message, error) {
	if plaintext == "" {
		return nil, ErrEmptyMessage
	}

	thread, err := c.threads.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if thread.IsArchived {
		return nil, ErrThreadArchived
	}

	participants, err := c.threads.ListParticipants(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	if !contains(participants, senderID) {
		return nil, ErrNotParticipant
	}

	msg := models.Message{
		ID:       uuid.NewString(),
		ThreadID: threadID,
		SenderID: senderID,
	}

	if !thread.RequiresEncryption() {
		msg.PlaintextFallback = plaintext
		return c.store(ctx, msg)
	}

	envelopes := c.fanOut(ctx, thread.ID, senderID, participants, []byte(plaintext))
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(envelopes) == 0 {
		return nil, ErrNoRecipientKeysAvailable
	}

	msg.PlaintextFallback = models.EncryptedPlaceholder
	msg.EnvelopeMap = envelopes
	return c.store(ctx, msg)
}

// fanOut returns one envelope per participant whose key resolved and
// encrypted. Per-participant failures are logged and skipped.
func (c *Coordinator) fanOut(ctx context.Context, threadID, senderID string, participants []models.Participant, plaintext []byte) map[string]models.Envelope {
	start := time.Now()

	var (
		mu        sync.Mutex
		envelopes = make(map[string]models.Envelope, len(participants))
	)

	var g errgroup.Group
	g.SetLimit(c.opts.FanOutWorkers)
	for _, p := range participants {
		userID := p.UserID
		g.Go(func() error {
			env, err := c.sealFor(ctx, userID, senderID, plaintext)
			if err != nil {
				c.logger.Warn("skipping recipient",
					zap.String("thread_id", threadID),
					zap.String("user_id", userID),
					zap.Error(err))
				return nil
			}
			mu.Lock()
			envelopes[userID] = env
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	c.opts.Metrics.FanOut(len(envelopes), time.Since(start))
	return envelopes
}

func (c *Coordinator) sealFor(ctx context.Context, userID, senderID string, plaintext []byte) (models.Envelope, error) {
	lctx, cancel := context.WithTimeout(ctx, c.opts.LookupTimeout)
	defer cancel()

	pub, err := c.keys.ResolvePublicKey(lctx, userID)
	if err != nil {
		return models.Envelope{}, err
	}
	return crypto.Encrypt(plaintext, pub, senderID)
}

func (c *Coordinator) store(ctx context.Context, msg models.Message) (*models.Message, error) {
	sctx, cancel := context.WithTimeout(ctx, c.opts.StoreTimeout)
	defer cancel()

	stored, err := c.sink.Append(sctx, msg)
	if err != nil {
		return nil, &StoreWriteError{ThreadID: msg.ThreadID, MessageID: msg.ID, Err: err}
	}

	c.logger.Debug("message sent",
		zap.String("thread_id", stored.ThreadID),
		zap.String("message_id", stored.ID),
		zap.Int64("seq", stored.Seq),
		zap.Int("envelopes", len(stored.EnvelopeMap)))
	return stored, nil
}

func contains(participants []models.Participant, userID string) bool {
	for _, p := range participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

// IsSendRejected reports whether err means the send was refused before any
// write was attempted.
func IsSendRejected(err error) bool {
	return errors.Is(err, ErrThreadArchived) ||
		errors.Is(err, ErrNotParticipant) ||
		errors.Is(err, ErrEmptyMessage) ||
		errors.Is(err, ErrNoRecipientKeysAvailable)
}
