// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package pebble

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/efchatnet/efthreads/backend/models"
	"github.com/efchatnet/efthreads/backend/storage"
)

func messagePrefix(threadID string) string {
	return "thread:" + threadID + ":msg:"
}

func messageKey(threadID string, seq int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", messagePrefix(threadID), seq))
}

func messageIDKey(messageID string) []byte {
	return []byte("msgid:" + messageID)
}

// AppendMessage writes the message, its id index, the sequence counter and
// the thread's updated_at in one synced batch.
func (s *Store) AppendMessage(ctx context.Context, msg models.Message) (*models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.GetThread(ctx, msg.ThreadID)
	if err != nil {
		return nil, err
	}
	dup, err := s.exists(messageIDKey(msg.ID))
	if err != nil {
		return nil, err
	}
	if dup {
		return nil, storage.ErrDuplicateMessage
	}

	seq, err := s.lastSeq()
	if err != nil {
		return nil, err
	}
	seq++

	stored := msg
	stored.Seq = seq
	stored.CreatedAt = s.now()
	t.UpdatedAt = stored.CreatedAt

	key := messageKey(msg.ThreadID, seq)
	b := s.db.NewBatch()
	defer b.Close()
	if err := setJSON(b, key, stored); err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	if err := b.Set(messageIDKey(msg.ID), key, nil); err != nil {
		return nil, err
	}
	if err := b.Set(seqKey, encodeSeq(seq), nil); err != nil {
		return nil, err
	}
	if err := setJSON(b, threadMetaKey(msg.ThreadID), t); err != nil {
		return nil, err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return nil, err
	}
	return &stored, nil
}

func (s *Store) ListMessages(ctx context.Context, threadID string, afterSeq int64, limit int) ([]models.Message, error) {
	prefix := []byte(messagePrefix(threadID))
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: messageKey(threadID, afterSeq+1),
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var messages []models.Message
	for iter.First(); iter.Valid(); iter.Next() {
		if !hasPrefix(iter.Key(), string(prefix)) {
			break
		}
		var msg models.Message
		if err := json.Unmarshal(iter.Value(), &msg); err != nil {
			return nil, fmt.Errorf("failed to decode message %s: %w", iter.Key(), err)
		}
		messages = append(messages, msg)
		if limit > 0 && len(messages) >= limit {
			break
		}
	}
	return messages, iter.Error()
}

func (s *Store) GetMessage(ctx context.Context, messageID string) (*models.Message, error) {
	data, closer, err := s.db.Get(messageIDKey(messageID))
	if err == pebble.ErrNotFound {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	key := append([]byte(nil), data...)
	closer.Close()

	var msg models.Message
	if err := s.getJSON(key, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
