// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package messaging

import (
	"errors"
	"testing"

	"github.com/efchatnet/efthreads/backend/crypto"
	"github.com/efchatnet/efthreads/backend/models"
)

type recordedFailure struct {
	messageID string
	viewerID  string
	err       error
}

type sliceRecorder struct {
	failures []recordedFailure
}

func (r *sliceRecorder) DecryptionFailed(msg models.Message, viewerID string, err error) {
	r.failures = append(r.failures, recordedFailure{msg.ID, viewerID, err})
}

func mustKeyPair(t *testing.T) *crypto.KeyPair {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	return kp
}

func sealed(t *testing.T, id, sender, text string, recipients map[string]*crypto.KeyPair) models.Message {
	t.Helper()
	envelopes := make(map[string]models.Envelope, len(recipients))
	for user, kp := range recipients {
		env, err := crypto.Encrypt([]byte(text), kp.PublicKey, sender)
		if err != nil {
			t.Fatalf("Encrypt() error = %v", err)
		}
		envelopes[user] = env
	}
	return models.Message{
		ID:                id,
		ThreadID:          "t1",
		SenderID:          sender,
		Seq:               1,
		PlaintextFallback: models.EncryptedPlaceholder,
		EnvelopeMap:       envelopes,
	}
}

func TestMaterialize(t *testing.T) {
	alice := mustKeyPair(t)
	bob := mustKeyPair(t)
	stranger := mustKeyPair(t)

	encrypted := sealed(t, "m1", "alice", "meet at noon", map[string]*crypto.KeyPair{"alice": alice, "bob": bob})

	corrupted := sealed(t, "m2", "alice", "secret", map[string]*crypto.KeyPair{"bob": bob})
	env := corrupted.EnvelopeMap["bob"]
	env.Ciphertext = append([]byte(nil), env.Ciphertext...)
	env.Ciphertext[len(env.Ciphertext)-1] ^= 0xff
	corrupted.EnvelopeMap["bob"] = env

	plain := models.Message{ID: "m3", ThreadID: "t1", SenderID: "board", PlaintextFallback: "Water off Tuesday"}

	tests := []struct {
		name        string
		msg         models.Message
		viewer      string
		kp          *crypto.KeyPair
		wantContent string
		wantState   models.ContentState
		wantFailure bool
	}{
		{name: "plaintext message", msg: plain, viewer: "bob", kp: bob, wantContent: "Water off Tuesday", wantState: models.ContentPlain},
		{name: "plaintext without keys", msg: plain, viewer: "bob", wantContent: "Water off Tuesday", wantState: models.ContentPlain},
		{name: "keys loading", msg: encrypted, viewer: "bob", wantContent: models.EncryptedPlaceholder, wantState: models.ContentPendingKeys},
		{name: "recipient", msg: encrypted, viewer: "bob", kp: bob, wantContent: "meet at noon", wantState: models.ContentDecrypted},
		{name: "sender reads back", msg: encrypted, viewer: "alice", kp: alice, wantContent: "meet at noon", wantState: models.ContentDecrypted},
		{name: "joined after send", msg: encrypted, viewer: "carol", kp: stranger, wantContent: models.EncryptedPlaceholder, wantState: models.ContentNotRecipient},
		{name: "wrong key", msg: encrypted, viewer: "bob", kp: stranger, wantContent: models.EncryptedPlaceholder, wantState: models.ContentUndecryptable, wantFailure: true},
		{name: "tampered envelope", msg: corrupted, viewer: "bob", kp: bob, wantContent: models.EncryptedPlaceholder, wantState: models.ContentUndecryptable, wantFailure: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &sliceRecorder{}
			rp := NewReadPathWithRecorder(rec)

			got := rp.Materialize(tt.msg, tt.viewer, tt.kp)
			if got.Content != tt.wantContent || got.State != tt.wantState {
				t.Errorf("Materialize() = (%q, %s), want (%q, %s)", got.Content, got.State, tt.wantContent, tt.wantState)
			}
			if got.ID != tt.msg.ID || got.SenderID != tt.msg.SenderID || got.Seq != tt.msg.Seq {
				t.Errorf("Materialize() lost metadata: %+v", got)
			}

			if tt.wantFailure {
				if len(rec.failures) != 1 || !errors.Is(rec.failures[0].err, crypto.ErrDecryptionFailed) {
					t.Errorf("recorded failures = %+v, want one decryption failure", rec.failures)
				}
			} else if len(rec.failures) != 0 {
				t.Errorf("recorded unexpected failures %+v", rec.failures)
			}

			// materializing again gives the same result
			if again := rp.Materialize(tt.msg, tt.viewer, tt.kp); again != got {
				t.Errorf("second Materialize() = %+v, want %+v", again, got)
			}
		})
	}
}

func TestMaterializeAllIsolatesBadEnvelope(t *testing.T) {
	bob := mustKeyPair(t)
	good1 := sealed(t, "m1", "alice", "one", map[string]*crypto.KeyPair{"bob": bob})
	bad := sealed(t, "m2", "alice", "two", map[string]*crypto.KeyPair{"bob": bob})
	bad.SenderID = "mallory"
	good2 := sealed(t, "m3", "alice", "three", map[string]*crypto.KeyPair{"bob": bob})

	rp := NewReadPath(nil, nil)
	out := rp.MaterializeAll([]models.Message{good1, bad, good2}, "bob", bob)

	want := []models.ContentState{models.ContentDecrypted, models.ContentUndecryptable, models.ContentDecrypted}
	for i, d := range out {
		if d.State != want[i] {
			t.Errorf("out[%d].State = %s, want %s", i, d.State, want[i])
		}
	}
	if out[0].Content != "one" || out[2].Content != "three" {
		t.Errorf("contents = %q, %q", out[0].Content, out[2].Content)
	}
	if out[1].Readable() || !out[0].Readable() {
		t.Error("Readable() mismatch")
	}
}
