// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package messaging

import (
	"go.uber.org/zap"

	"github.com/efchatnet/efthreads/backend/crypto"
	"github.com/efchatnet/efthreads/backend/logging"
	"github.com/efchatnet/efthreads/backend/metrics"
	"github.com/efchatnet/efthreads/backend/models"
)

// FailureRecorder observes envelopes that were addressed to the viewer but
// did not open.
type FailureRecorder interface {
	DecryptionFailed(msg models.Message, viewerID string, err error)
}

type logRecorder struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func (r logRecorder) DecryptionFailed(msg models.Message, viewerID string, err error) {
	r.metrics.DecryptionFailed()
	r.logger.Warn("envelope failed to decrypt",
		zap.String("thread_id", msg.ThreadID),
		zap.String("message_id", msg.ID),
		zap.String("sender_id", msg.SenderID),
		zap.String("viewer_id", viewerID),
		zap.Error(err))
}

// ReadPath materializes stored messages for a viewer. It keeps no state of
// its own, so materializing again after the key pair loads is always safe.
type ReadPath struct {
	recorder FailureRecorder
}

func NewReadPath(logger *zap.Logger, m *metrics.Metrics) *ReadPath {
	return &ReadPath{recorder: logRecorder{logger: logging.OrNop(logger), metrics: m}}
}

// NewReadPathWithRecorder uses a custom failure recorder.
func NewReadPathWithRecorder(recorder FailureRecorder) *ReadPath {
	return &ReadPath{recorder: recorder}
}

// Materialize picks what viewerID sees for msg. keyPair is nil while the
// viewer's keys are still loading.
func (r *ReadPath) Materialize(msg models.Message, viewerID string, keyPair *crypto.KeyPair) models.DisplayMessage {
	out := models.DisplayMessage{
		ID:        msg.ID,
		ThreadID:  msg.ThreadID,
		SenderID:  msg.SenderID,
		Seq:       msg.Seq,
		CreatedAt: msg.CreatedAt,
		Content:   msg.PlaintextFallback,
	}

	if !msg.Encrypted() {
		out.State = models.ContentPlain
		return out
	}
	if keyPair == nil {
		out.State = models.ContentPendingKeys
		return out
	}
	env, ok := msg.EnvelopeMap[viewerID]
	if !ok {
		out.State = models.ContentNotRecipient
		return out
	}

	plaintext, err := crypto.Decrypt(env, keyPair, msg.SenderID)
	if err != nil {
		if r.recorder != nil {
			r.recorder.DecryptionFailed(msg, viewerID, err)
		}
		out.State = models.ContentUndecryptable
		return out
	}

	out.Content = string(plaintext)
	out.State = models.ContentDecrypted
	return out
}

// MaterializeAll keeps order; one bad envelope only affects its message.
func (r *ReadPath) MaterializeAll(msgs []models.Message, viewerID string, keyPair *crypto.KeyPair) []models.DisplayMessage {
	out := make([]models.DisplayMessage, len(msgs))
	for i, msg := range msgs {
		out[i] = r.Materialize(msg, viewerID, keyPair)
	}
	return out
}
