// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package messaging

import (
	"errors"
	"fmt"
)

var (
	// ErrNoRecipientKeysAvailable means no participant, the sender included,
	// had a usable key. Nothing was stored.
	ErrNoRecipientKeysAvailable = errors.New("messaging: no recipient keys available")

	ErrThreadArchived = errors.New("messaging: thread is archived")
	ErrNotParticipant = errors.New("messaging: sender is not a participant")
	ErrEmptyMessage   = errors.New("messaging: message is empty")
)

// StoreWriteError reports a send whose message could not be persisted.
// The message does not exist; the caller may retry with a new send.
type StoreWriteError struct {
	ThreadID  string
	MessageID string
	Err       error
}

func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("store message %s in thread %s: %v", e.MessageID, e.ThreadID, e.Err)
}

func (e *StoreWriteError) Unwrap() error {
	return e.Err
}
