// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"io"

	"github.com/cloudflare/circl/dh/x25519"
)

// randReader is the random source used for keys and IVs.
// It can be overridden for testing.
var randReader io.Reader = rand.Reader

// PublicKey is a raw X25519 public key.
type PublicKey []byte

// Validate checks the key size.
func (p PublicKey) Validate() error {
	if len(p) != KeySize {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidPublicKey, len(p), KeySize)
	}
	return nil
}

// Equal compares two public keys in constant time.
func (p PublicKey) Equal(other PublicKey) bool {
	return len(p) == len(other) && subtle.ConstantTimeCompare(p, other) == 1
}

// String returns the URL-safe base64 form of the key.
func (p PublicKey) String() string {
	return ToBase64URL(p)
}

// KeyPair is a user's static X25519 keypair. The private half never leaves
// the runtime that generated it. A KeyPair is read-only after creation.
type KeyPair struct {
	PublicKey  PublicKey
	PrivateKey []byte
}

// GenerateKeyPair creates a new X25519 keypair.
func GenerateKeyPair() (*KeyPair, error) {
	var priv, pub x25519.Key
	if _, err := io.ReadFull(randReader, priv[:]); err != nil {
		return nil, fmt.Errorf("failed to read random key: %w", err)
	}
	x25519.KeyGen(&pub, &priv)

	return &KeyPair{
		PublicKey:  append(PublicKey(nil), pub[:]...),
		PrivateKey: append([]byte(nil), priv[:]...),
	}, nil
}

// KeyPairFromPrivateKey rebuilds a keypair from its private half.
func KeyPairFromPrivateKey(privateKey []byte) (*KeyPair, error) {
	if len(privateKey) != KeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidPrivateKey, len(privateKey), KeySize)
	}

	var priv, pub x25519.Key
	copy(priv[:], privateKey)
	x25519.KeyGen(&pub, &priv)

	return &KeyPair{
		PublicKey:  append(PublicKey(nil), pub[:]...),
		PrivateKey: append([]byte(nil), privateKey...),
	}, nil
}

// Validate reports whether the keypair is structurally sound and its
// public half matches the private half.
func (k *KeyPair) Validate() error {
	if k == nil {
		return ErrInvalidPrivateKey
	}
	if err := k.PublicKey.Validate(); err != nil {
		return err
	}
	derived, err := KeyPairFromPrivateKey(k.PrivateKey)
	if err != nil {
		return err
	}
	if !derived.PublicKey.Equal(k.PublicKey) {
		return fmt.Errorf("%w: public key does not match private key", ErrInvalidPublicKey)
	}
	return nil
}
