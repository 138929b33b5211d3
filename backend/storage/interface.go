// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package storage

import (
	"context"
	"errors"
	"time"

	"github.com/efchatnet/efthreads/backend/models"
)

var (
	// ErrNotFound is returned when a thread, key or profile does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateMessage is returned when a message id has already been appended.
	ErrDuplicateMessage = errors.New("duplicate message id")
)

type KeyStore interface {
	// AppendPublicKey stores a new key version for the user and returns it.
	AppendPublicKey(ctx context.Context, userID string, publicKey []byte) (*models.UserIdentity, error)
	// GetCurrentPublicKey returns the highest key version or ErrNotFound.
	GetCurrentPublicKey(ctx context.Context, userID string) (*models.UserIdentity, error)
}

type ProfileStore interface {
	// GetProfiles returns the profiles that exist for userIDs, keyed by user id.
	// Missing users are simply absent from the result.
	GetProfiles(ctx context.Context, userIDs []string) (map[string]models.Profile, error)
}

type ThreadStore interface {
	// CreateThread stores the thread and its initial participants atomically.
	CreateThread(ctx context.Context, thread models.Thread, participantIDs []string) error
	GetThread(ctx context.Context, threadID string) (*models.Thread, error)
	ListThreadsForUser(ctx context.Context, userID string, includeArchived bool) ([]models.Thread, error)
	SetArchived(ctx context.Context, threadID string, archived bool) error

	// AddParticipant is a no-op for an existing member.
	AddParticipant(ctx context.Context, threadID, userID string) error
	// ListParticipants returns members in join order.
	ListParticipants(ctx context.Context, threadID string) ([]models.Participant, error)
	IsParticipant(ctx context.Context, threadID, userID string) (bool, error)
	MarkRead(ctx context.Context, threadID, userID string, at time.Time) error
}

type MessageStore interface {
	// AppendMessage persists msg in a single write, assigning Seq and
	// CreatedAt. Either the whole row exists afterwards or nothing does.
	AppendMessage(ctx context.Context, msg models.Message) (*models.Message, error)
	// ListMessages returns messages with Seq > afterSeq in Seq order.
	// limit <= 0 means no limit.
	ListMessages(ctx context.Context, threadID string, afterSeq int64, limit int) ([]models.Message, error)
	GetMessage(ctx context.Context, messageID string) (*models.Message, error)
}

type Store interface {
	KeyStore
	ProfileStore
	ThreadStore
	MessageStore
}
