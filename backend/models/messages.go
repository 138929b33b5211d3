// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package models

import "time"

// EncryptedPlaceholder is the non-secret content stored in place of the real
// text whenever a message carries envelopes.
const EncryptedPlaceholder = "🔒 Encrypted message"

// Envelope is the ciphertext of one message for one recipient.
type Envelope struct {
	IV         []byte `json:"iv"`
	Ciphertext []byte `json:"ciphertext"`
}

// Message is created exactly once per send and never mutated afterwards.
// Seq and CreatedAt are assigned by the store on append.
type Message struct {
	ID                string              `json:"id" db:"id"`
	ThreadID          string              `json:"thread_id" db:"thread_id"`
	SenderID          string              `json:"sender_id" db:"sender_id"`
	Seq               int64               `json:"seq" db:"seq"`
	CreatedAt         time.Time           `json:"created_at" db:"created_at"`
	PlaintextFallback string              `json:"plaintext_fallback" db:"plaintext_fallback"`
	EnvelopeMap       map[string]Envelope `json:"envelope_map" db:"envelope_map_json"`
}

// Encrypted reports whether the message carries per-recipient envelopes.
func (m *Message) Encrypted() bool {
	return m.EnvelopeMap != nil
}

// ContentState describes how DisplayMessage.Content was obtained.
type ContentState string

const (
	ContentPlain         ContentState = "plain"
	ContentDecrypted     ContentState = "decrypted"
	ContentPendingKeys   ContentState = "pending_keys"
	ContentNotRecipient  ContentState = "not_recipient"
	ContentUndecryptable ContentState = "undecryptable"
)

// DisplayMessage is a message materialized for one viewer.
type DisplayMessage struct {
	ID        string       `json:"id"`
	ThreadID  string       `json:"thread_id"`
	SenderID  string       `json:"sender_id"`
	Seq       int64        `json:"seq"`
	CreatedAt time.Time    `json:"created_at"`
	Content   string       `json:"content"`
	State     ContentState `json:"state"`
}

// Readable reports whether Content is the real message text.
func (d DisplayMessage) Readable() bool {
	return d.State == ContentPlain || d.State == ContentDecrypted
}
