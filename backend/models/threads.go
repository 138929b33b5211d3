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

package models

import (
	"fmt"
	"time"
)

// ThreadKind is the tagged variant that decides how messages in a thread
// are stored and read.
type ThreadKind string

const (
	ThreadKindDirect    ThreadKind = "direct"
	ThreadKindGroup     ThreadKind = "group"
	ThreadKindBroadcast ThreadKind = "broadcast"
)

// ParseThreadKind validates a kind received from a caller.
func ParseThreadKind(s string) (ThreadKind, error) {
	switch k := ThreadKind(s); k {
	case ThreadKindDirect, ThreadKindGroup, ThreadKindBroadcast:
		return k, nil
	default:
		return "", fmt.Errorf("unknown thread kind %q", s)
	}
}

// Encrypted reports whether messages of this kind are end-to-end encrypted.
func (k ThreadKind) Encrypted() bool {
	return k == ThreadKindDirect || k == ThreadKindGroup
}

// Thread is a conversation container. Threads are never deleted, only archived.
type Thread struct {
	ID         string     `json:"id" db:"id"`
	Kind       ThreadKind `json:"kind" db:"kind"`
	Subject    string     `json:"subject,omitempty" db:"subject"`
	IsOfficial bool       `json:"is_official" db:"is_official"`
	IsArchived bool       `json:"is_archived" db:"is_archived"`
	CreatedBy  string     `json:"created_by" db:"created_by"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at" db:"updated_at"`
}

// RequiresEncryption is the single place that decides whether a message
// sent to this thread must be fanned out as per-recipient envelopes.
// Official channels carry their content in the clear.
func (t *Thread) RequiresEncryption() bool {
	return t.Kind.Encrypted() && !t.IsOfficial
}

// HasSubject reports whether the thread displays its subject instead of
// a computed participant list.
func (t *Thread) HasSubject() bool {
	return t.Subject != "" && (t.IsOfficial || t.Kind != ThreadKindDirect)
}

// Participant is a member of a thread. The participant set at send time is
// exactly the fan-out recipient list.
type Participant struct {
	ThreadID   string     `json:"thread_id" db:"thread_id"`
	UserID     string     `json:"user_id" db:"user_id"`
	JoinedAt   time.Time  `json:"joined_at" db:"joined_at"`
	LastReadAt *time.Time `json:"last_read_at,omitempty" db:"last_read_at"`
}
