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
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/efchatnet/efthreads/backend/models"
	"github.com/efchatnet/efthreads/backend/storage"
)

func threadMetaKey(threadID string) []byte {
	return []byte("thread:" + threadID + ":meta")
}

func participantsKey(threadID string) []byte {
	return []byte("thread:" + threadID + ":participants")
}

func membershipPrefix(userID string) string {
	return "user:" + userID + ":thread:"
}

func membershipKey(userID, threadID string) []byte {
	return []byte(membershipPrefix(userID) + threadID)
}

func (s *Store) CreateThread(ctx context.Context, thread models.Thread, participantIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.db.NewBatch()
	defer b.Close()

	if err := setJSON(b, threadMetaKey(thread.ID), thread); err != nil {
		return err
	}

	seen := make(map[string]bool, len(participantIDs))
	participants := make([]models.Participant, 0, len(participantIDs))
	for _, userID := range participantIDs {
		if seen[userID] {
			continue
		}
		seen[userID] = true
		participants = append(participants, models.Participant{
			ThreadID: thread.ID,
			UserID:   userID,
			JoinedAt: thread.CreatedAt,
		})
		if err := b.Set(membershipKey(userID, thread.ID), nil, nil); err != nil {
			return err
		}
	}
	if err := setJSON(b, participantsKey(thread.ID), participants); err != nil {
		return err
	}

	return b.Commit(pebble.Sync)
}

func (s *Store) GetThread(ctx context.Context, threadID string) (*models.Thread, error) {
	var t models.Thread
	if err := s.getJSON(threadMetaKey(threadID), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) ListThreadsForUser(ctx context.Context, userID string, includeArchived bool) ([]models.Thread, error) {
	prefix := membershipPrefix(userID)
	var ids []string
	err := s.scanPrefix([]byte(prefix), func(key, _ []byte) (bool, error) {
		ids = append(ids, strings.TrimPrefix(string(key), prefix))
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	var threads []models.Thread
	for _, id := range ids {
		t, err := s.GetThread(ctx, id)
		if err == storage.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		if t.IsArchived && !includeArchived {
			continue
		}
		threads = append(threads, *t)
	}

	sort.SliceStable(threads, func(i, j int) bool {
		return threads[i].UpdatedAt.After(threads[j].UpdatedAt)
	})
	return threads, nil
}

func (s *Store) SetArchived(ctx context.Context, threadID string, archived bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.GetThread(ctx, threadID)
	if err != nil {
		return err
	}
	t.IsArchived = archived
	t.UpdatedAt = s.now()

	b := s.db.NewBatch()
	defer b.Close()
	if err := setJSON(b, threadMetaKey(threadID), t); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

func (s *Store) AddParticipant(ctx context.Context, threadID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.GetThread(ctx, threadID)
	if err != nil {
		return err
	}
	participants, err := s.participants(threadID)
	if err != nil {
		return err
	}
	for _, p := range participants {
		if p.UserID == userID {
			return nil
		}
	}

	now := s.now()
	participants = append(participants, models.Participant{
		ThreadID: threadID,
		UserID:   userID,
		JoinedAt: now,
	})
	t.UpdatedAt = now

	b := s.db.NewBatch()
	defer b.Close()
	if err := setJSON(b, participantsKey(threadID), participants); err != nil {
		return err
	}
	if err := b.Set(membershipKey(userID, threadID), nil, nil); err != nil {
		return err
	}
	if err := setJSON(b, threadMetaKey(threadID), t); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

func (s *Store) ListParticipants(ctx context.Context, threadID string) ([]models.Participant, error) {
	participants, err := s.participants(threadID)
	if err == storage.ErrNotFound {
		return nil, nil
	}
	return participants, err
}

func (s *Store) participants(threadID string) ([]models.Participant, error) {
	var participants []models.Participant
	if err := s.getJSON(participantsKey(threadID), &participants); err != nil {
		return nil, err
	}
	return participants, nil
}

func (s *Store) IsParticipant(ctx context.Context, threadID, userID string) (bool, error) {
	return s.exists(membershipKey(userID, threadID))
}

func (s *Store) MarkRead(ctx context.Context, threadID, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	participants, err := s.participants(threadID)
	if err != nil {
		return err
	}

	found := false
	for i := range participants {
		if participants[i].UserID != userID {
			continue
		}
		found = true
		if last := participants[i].LastReadAt; last == nil || at.After(*last) {
			at := at
			participants[i].LastReadAt = &at
		}
	}
	if !found {
		return storage.ErrNotFound
	}

	data, err := json.Marshal(participants)
	if err != nil {
		return err
	}
	return s.db.Set(participantsKey(threadID), data, pebble.Sync)
}
