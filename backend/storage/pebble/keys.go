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

func keyPrefix(userID string) []byte {
	return []byte("key:" + userID + ":")
}

func keyVersionKey(userID string, version int) []byte {
	return []byte(fmt.Sprintf("key:%s:%010d", userID, version))
}

func profileKey(userID string) []byte {
	return []byte("profile:" + userID)
}

func (s *Store) AppendPublicKey(ctx context.Context, userID string, publicKey []byte) (*models.UserIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.currentKey(userID)
	if err != nil && err != storage.ErrNotFound {
		return nil, err
	}
	version := 1
	if current != nil {
		version = current.KeyVersion + 1
	}

	identity := models.UserIdentity{
		UserID:     userID,
		PublicKey:  append([]byte(nil), publicKey...),
		KeyVersion: version,
		CreatedAt:  s.now(),
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := setJSON(b, keyVersionKey(userID, version), identity); err != nil {
		return nil, err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return nil, err
	}
	return &identity, nil
}

func (s *Store) GetCurrentPublicKey(ctx context.Context, userID string) (*models.UserIdentity, error) {
	return s.currentKey(userID)
}

// currentKey returns the last version under the user's prefix; versions are
// zero padded so key order is version order.
func (s *Store) currentKey(userID string) (*models.UserIdentity, error) {
	var last []byte
	err := s.scanPrefix(keyPrefix(userID), func(_, value []byte) (bool, error) {
		last = append(last[:0], value...)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, storage.ErrNotFound
	}

	var identity models.UserIdentity
	if err := json.Unmarshal(last, &identity); err != nil {
		return nil, err
	}
	return &identity, nil
}

// PutProfile writes a profile record. Profiles are owned by the surrounding
// platform; this is how it seeds the embedded store.
func (s *Store) PutProfile(ctx context.Context, profile models.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.db.NewBatch()
	defer b.Close()
	if err := setJSON(b, profileKey(profile.UserID), profile); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

func (s *Store) GetProfiles(ctx context.Context, userIDs []string) (map[string]models.Profile, error) {
	profiles := make(map[string]models.Profile, len(userIDs))
	for _, userID := range userIDs {
		var p models.Profile
		err := s.getJSON(profileKey(userID), &p)
		if err == storage.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		profiles[userID] = p
	}
	return profiles, nil
}
