// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package crypto

const (
	// HKDFContext is the info string used in HKDF key derivation
	// for domain separation.
	HKDFContext = "efthreads:envelope:v1"

	// KeySize is the size of an X25519 public or private key in bytes.
	KeySize = 32

	// AESKeySize is the size of an AES-256 key in bytes.
	AESKeySize = 32
	// IVSize is the size of an AES-GCM nonce in bytes.
	IVSize = 12
	// TagSize is the size of an AES-GCM authentication tag in bytes.
	TagSize = 16

	// MinCiphertextSize is the smallest well-formed envelope ciphertext:
	// an ephemeral key and an empty sealed payload.
	MinCiphertextSize = KeySize + TagSize
)

// Ciphersuite is the canonical string representation of the algorithm suite.
const Ciphersuite = "X25519:HKDF-SHA-512:AES-256-GCM"
