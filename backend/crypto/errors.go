// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package crypto

import "errors"

var (
	// ErrDecryptionFailed is returned when an envelope cannot be opened.
	// It covers malformed envelopes, truncation and wrong key material alike.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrInvalidPublicKey is returned when a public key has the wrong size
	// or is a low-order point.
	ErrInvalidPublicKey = errors.New("invalid public key")

	// ErrInvalidPrivateKey is returned when a private key has the wrong size.
	ErrInvalidPrivateKey = errors.New("invalid private key")

	// ErrInvalidKeySize is returned when the AES key size is invalid.
	ErrInvalidKeySize = errors.New("invalid key size")

	// ErrInvalidIVSize is returned when the IV size is invalid.
	ErrInvalidIVSize = errors.New("invalid iv size")

	// ErrUnsupportedCiphersuite is returned when a peer advertises keys for
	// a suite other than Ciphersuite.
	ErrUnsupportedCiphersuite = errors.New("unsupported ciphersuite")
)
