// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package registry owns thread metadata and membership.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/efchatnet/efthreads/backend/logging"
	"github.com/efchatnet/efthreads/backend/models"
	"github.com/efchatnet/efthreads/backend/storage"
)

var (
	ErrThreadNotFound   = errors.New("registry: thread not found")
	ErrNotParticipant   = errors.New("registry: not a participant")
	ErrDirectThreadFull = errors.New("registry: direct thread already has two participants")
	ErrInvalidThread    = errors.New("registry: invalid thread")
)

// OnlyYou is the display name of a thread with no one but the viewer.
const OnlyYou = "only you"

// namesShown is how many participant names a computed display name lists.
const namesShown = 2

type CreateThreadParams struct {
	Kind         models.ThreadKind
	Creator      string
	Participants []string
	Subject      string
	IsOfficial   bool
}

type Registry struct {
	threads  storage.ThreadStore
	profiles storage.ProfileStore
	logger   *zap.Logger
	now      func() time.Time

	// mu makes membership check-then-write atomic within this process.
	mu sync.Mutex
}

func New(threads storage.ThreadStore, profiles storage.ProfileStore, logger *zap.Logger) *Registry {
	return &Registry{
		threads:  threads,
		profiles: profiles,
		logger:   logging.OrNop(logger),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CreateThread stores a new thread with the creator first and the other
// participants in the given order, duplicates dropped.
func (r *Registry) CreateThread(ctx context.Context, p CreateThreadParams) (*models.Thread, error) {
	if _, err := models.ParseThreadKind(string(p.Kind)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidThread, err)
	}
	creator := strings.TrimSpace(p.Creator)
	if creator == "" {
		return nil, fmt.Errorf("%w: creator is required", ErrInvalidThread)
	}

	members := []string{creator}
	seen := map[string]bool{creator: true}
	for _, id := range p.Participants {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		members = append(members, id)
	}
	if p.Kind == models.ThreadKindDirect && len(members) > 2 {
		return nil, ErrDirectThreadFull
	}

	now := r.now()
	thread := models.Thread{
		ID:         uuid.NewString(),
		Kind:       p.Kind,
		Subject:    strings.TrimSpace(p.Subject),
		IsOfficial: p.IsOfficial,
		CreatedBy:  creator,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := r.threads.CreateThread(ctx, thread, members); err != nil {
		return nil, fmt.Errorf("failed to create thread: %w", err)
	}

	r.logger.Info("thread created",
		zap.String("thread_id", thread.ID),
		zap.String("kind", string(thread.Kind)),
		zap.Int("participants", len(members)))
	return &thread, nil
}

func (r *Registry) GetThread(ctx context.Context, threadID string) (*models.Thread, error) {
	t, err := r.threads.GetThread(ctx, threadID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
	}
	return t, err
}

// AddParticipant is idempotent. A direct thread holds at most two members.
func (r *Registry) AddParticipant(ctx context.Context, threadID, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidThread)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	t, err := r.GetThread(ctx, threadID)
	if err != nil {
		return err
	}
	participants, err := r.threads.ListParticipants(ctx, threadID)
	if err != nil {
		return err
	}
	for _, p := range participants {
		if p.UserID == userID {
			return nil
		}
	}
	if t.Kind == models.ThreadKindDirect && len(participants) >= 2 {
		return ErrDirectThreadFull
	}

	if err := r.threads.AddParticipant(ctx, threadID, userID); err != nil {
		return fmt.Errorf("failed to add participant: %w", err)
	}
	r.logger.Info("participant added",
		zap.String("thread_id", threadID),
		zap.String("user_id", userID))
	return nil
}

// ListParticipants returns the current members in join order.
func (r *Registry) ListParticipants(ctx context.Context, threadID string) ([]models.Participant, error) {
	if _, err := r.GetThread(ctx, threadID); err != nil {
		return nil, err
	}
	return r.threads.ListParticipants(ctx, threadID)
}

func (r *Registry) IsParticipant(ctx context.Context, threadID, userID string) (bool, error) {
	return r.threads.IsParticipant(ctx, threadID, userID)
}

func (r *Registry) ListThreadsForUser(ctx context.Context, userID string, includeArchived bool) ([]models.Thread, error) {
	return r.threads.ListThreadsForUser(ctx, userID, includeArchived)
}

// ArchiveThread hides a thread from default listings. Archived threads keep
// their history and refuse new messages.
func (r *Registry) ArchiveThread(ctx context.Context, threadID string) error {
	err := r.threads.SetArchived(ctx, threadID, true)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
	}
	return err
}

// MarkRead advances the member's read marker; it never moves backwards.
func (r *Registry) MarkRead(ctx context.Context, threadID, userID string) error {
	err := r.threads.MarkRead(ctx, threadID, userID, r.now())
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotParticipant
	}
	return err
}

// DisplayName is the subject for official or subject-bearing threads.
// Otherwise it names the other participants, at most two of them followed
// by "+N", or OnlyYou when the viewer is alone.
func (r *Registry) DisplayName(ctx context.Context, threadID, viewerID string) (string, error) {
	t, err := r.GetThread(ctx, threadID)
	if err != nil {
		return "", err
	}
	if t.HasSubject() {
		return t.Subject, nil
	}

	participants, err := r.threads.ListParticipants(ctx, threadID)
	if err != nil {
		return "", err
	}
	others := make([]string, 0, len(participants))
	for _, p := range participants {
		if p.UserID != viewerID {
			others = append(others, p.UserID)
		}
	}
	if len(others) == 0 {
		return OnlyYou, nil
	}

	shown := others
	if len(shown) > namesShown {
		shown = shown[:namesShown]
	}
	profiles, err := r.profiles.GetProfiles(ctx, shown)
	if err != nil {
		return "", fmt.Errorf("failed to load profiles: %w", err)
	}

	names := make([]string, 0, len(shown))
	for _, id := range shown {
		p, ok := profiles[id]
		if !ok {
			p = models.Profile{UserID: id}
		}
		names = append(names, p.DisplayName())
	}

	name := strings.Join(names, ", ")
	if rest := len(others) - len(shown); rest > 0 {
		name += fmt.Sprintf(" +%d", rest)
	}
	return name, nil
}
