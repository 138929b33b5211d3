// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package crypto implements the per-recipient envelope scheme used for
// end-to-end encrypted threads.
//
// # Algorithm Suite
//
//   - X25519 (RFC 7748): every user holds one static keypair. Each envelope
//     is sealed with a fresh ephemeral X25519 key agreed against the
//     recipient's static public key.
//
//   - HKDF-SHA-512 (RFC 5869): derives the AES key from the shared secret.
//     The salt is ephemeral public key || recipient public key.
//
//   - AES-256-GCM: encrypts the message. The IV is 12 random bytes, fresh
//     per envelope. The additional data binds the sender's user id.
//
// # Envelope Layout
//
// An [Envelope] carries the GCM IV and a ciphertext of the form
//
//	ephemeral public key (32 bytes) || AES-GCM ciphertext || tag (16 bytes)
//
// Envelopes are opaque to everything except [Decrypt].
//
// # Failure Model
//
// Every way an envelope can fail to open (truncation, a corrupt IV, a
// low-order ephemeral key, the wrong private key, a tag mismatch, a sender
// mismatch) returns [ErrDecryptionFailed] and nothing else. Callers must not
// try to distinguish between them.
//
// The package holds no mutable state. [Encrypt] and [Decrypt] are safe to
// call concurrently from any number of goroutines.
package crypto
