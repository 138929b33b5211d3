// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package crypto

import (
	"crypto/sha512"
	"fmt"
	"io"

	"github.com/cloudflare/circl/dh/x25519"
	"golang.org/x/crypto/hkdf"

	"github.com/efchatnet/efthreads/backend/models"
)

// Encrypt seals plaintext for the holder of recipient's private key.
// senderID is bound into the ciphertext and must be presented again on
// Decrypt. Every call draws a fresh ephemeral key and a fresh IV.
func Encrypt(plaintext []byte, recipient PublicKey, senderID string) (models.Envelope, error) {
	if err := recipient.Validate(); err != nil {
		return models.Envelope{}, err
	}

	var ephPriv, ephPub, peer, shared x25519.Key
	if _, err := io.ReadFull(randReader, ephPriv[:]); err != nil {
		return models.Envelope{}, fmt.Errorf("failed to read ephemeral key: %w", err)
	}
	x25519.KeyGen(&ephPub, &ephPriv)
	copy(peer[:], recipient)
	if !x25519.Shared(&shared, &ephPriv, &peer) {
		return models.Envelope{}, fmt.Errorf("%w: low-order point", ErrInvalidPublicKey)
	}

	key, err := deriveKey(shared[:], ephPub[:], recipient)
	if err != nil {
		return models.Envelope{}, err
	}

	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(randReader, iv); err != nil {
		return models.Envelope{}, fmt.Errorf("failed to read iv: %w", err)
	}

	sealed, err := sealAESGCM(key, iv, []byte(senderID), plaintext)
	if err != nil {
		return models.Envelope{}, err
	}

	ciphertext := make([]byte, 0, KeySize+len(sealed))
	ciphertext = append(ciphertext, ephPub[:]...)
	ciphertext = append(ciphertext, sealed...)

	return models.Envelope{IV: iv, Ciphertext: ciphertext}, nil
}

// Decrypt opens an envelope with the recipient's own keypair. senderID must
// be the id of the user the message is attributed to.
//
// Any failure returns ErrDecryptionFailed.
func Decrypt(env models.Envelope, own *KeyPair, senderID string) ([]byte, error) {
	if own == nil || len(own.PrivateKey) != KeySize || len(own.PublicKey) != KeySize {
		return nil, ErrDecryptionFailed
	}
	if len(env.IV) != IVSize || len(env.Ciphertext) < MinCiphertextSize {
		return nil, ErrDecryptionFailed
	}

	var priv, ephPub, shared x25519.Key
	copy(priv[:], own.PrivateKey)
	copy(ephPub[:], env.Ciphertext[:KeySize])
	if !x25519.Shared(&shared, &priv, &ephPub) {
		return nil, ErrDecryptionFailed
	}

	key, err := deriveKey(shared[:], ephPub[:], own.PublicKey)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	plaintext, err := openAESGCM(key, env.IV, []byte(senderID), env.Ciphertext[KeySize:])
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// deriveKey performs HKDF-SHA-512 over the X25519 shared secret.
//
//   - Salt: ephemeral public key || recipient public key
//   - Info: HKDFContext
func deriveKey(shared, ephPub, recipient []byte) ([]byte, error) {
	salt := make([]byte, 0, len(ephPub)+len(recipient))
	salt = append(salt, ephPub...)
	salt = append(salt, recipient...)

	reader := hkdf.New(sha512.New, shared, salt, []byte(HKDFContext))
	key := make([]byte, AESKeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}
