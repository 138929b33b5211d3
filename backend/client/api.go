// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/efchatnet/efthreads/backend/crypto"
	"github.com/efchatnet/efthreads/backend/handlers"
	"github.com/efchatnet/efthreads/backend/models"
	"github.com/efchatnet/efthreads/backend/storage"
)

var _ storage.KeyStore = (*Client)(nil)

func threadPath(threadID string, parts ...string) string {
	p := "/threads/" + url.PathEscape(threadID)
	for _, part := range parts {
		p += "/" + part
	}
	return p
}

// AppendPublicKey publishes publicKey for the authenticated user. The
// server takes the user from the token; userID is only checked against
// the response.
func (c *Client) AppendPublicKey(ctx context.Context, userID string, publicKey []byte) (*models.UserIdentity, error) {
	var resp handlers.KeyResponse
	body := map[string]string{"public_key": crypto.ToBase64URL(publicKey)}
	if err := c.do(ctx, http.MethodPost, "/keys", body, &resp); err != nil {
		return nil, err
	}
	if resp.UserID != userID {
		return nil, fmt.Errorf("key published for %q, not %q", resp.UserID, userID)
	}
	return toIdentity(resp)
}

// GetCurrentPublicKey returns storage.ErrNotFound (through errors.Is) when
// the user has no key.
func (c *Client) GetCurrentPublicKey(ctx context.Context, userID string) (*models.UserIdentity, error) {
	var resp handlers.KeyResponse
	if err := c.do(ctx, http.MethodGet, "/keys/"+url.PathEscape(userID), nil, &resp); err != nil {
		return nil, err
	}
	return toIdentity(resp)
}

func toIdentity(resp handlers.KeyResponse) (*models.UserIdentity, error) {
	if resp.Ciphersuite != crypto.Ciphersuite {
		return nil, fmt.Errorf("key for %s uses %q: %w", resp.UserID, resp.Ciphersuite, crypto.ErrUnsupportedCiphersuite)
	}
	pub, err := crypto.FromBase64URL(resp.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("invalid public key for %s: %w", resp.UserID, err)
	}
	identity := &models.UserIdentity{
		UserID:     resp.UserID,
		PublicKey:  pub,
		KeyVersion: resp.KeyVersion,
	}
	if resp.CreatedAt != nil {
		identity.CreatedAt = *resp.CreatedAt
	}
	return identity, nil
}

// CreateThread creates a thread with the caller as creator.
func (c *Client) CreateThread(ctx context.Context, kind models.ThreadKind, participants []string, subject string) (*handlers.ThreadResponse, error) {
	body := map[string]interface{}{
		"kind":         kind,
		"participants": participants,
		"subject":      subject,
	}
	var resp handlers.ThreadResponse
	if err := c.do(ctx, http.MethodPost, "/threads", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) ListThreads(ctx context.Context, includeArchived bool) ([]handlers.ThreadResponse, error) {
	path := "/threads"
	if includeArchived {
		path += "?archived=true"
	}
	var resp []handlers.ThreadResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// ThreadView returns the thread together with its display name for the
// caller.
func (c *Client) ThreadView(ctx context.Context, threadID string) (*handlers.ThreadResponse, error) {
	var resp handlers.ThreadResponse
	if err := c.do(ctx, http.MethodGet, threadPath(threadID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) GetThread(ctx context.Context, threadID string) (*models.Thread, error) {
	resp, err := c.ThreadView(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return &resp.Thread, nil
}

func (c *Client) ListParticipants(ctx context.Context, threadID string) ([]models.Participant, error) {
	var resp []models.Participant
	if err := c.do(ctx, http.MethodGet, threadPath(threadID, "participants"), nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) AddParticipant(ctx context.Context, threadID, userID string) error {
	body := map[string]string{"user_id": userID}
	return c.do(ctx, http.MethodPost, threadPath(threadID, "participants"), body, nil)
}

func (c *Client) ArchiveThread(ctx context.Context, threadID string) error {
	return c.do(ctx, http.MethodPost, threadPath(threadID, "archive"), nil, nil)
}

func (c *Client) MarkRead(ctx context.Context, threadID string) error {
	return c.do(ctx, http.MethodPost, threadPath(threadID, "read"), nil, nil)
}

// Append sends a message built on this device. It is never retried. To
// try again, send a new message: Coordinator.SendMessage mints a fresh id
// per call, and a reused id is rejected as a duplicate.
func (c *Client) Append(ctx context.Context, msg models.Message) (*models.Message, error) {
	body := handlers.SendRequest{
		ID:                msg.ID,
		PlaintextFallback: msg.PlaintextFallback,
		EnvelopeMap:       msg.EnvelopeMap,
	}
	var stored models.Message
	if err := c.do(ctx, http.MethodPost, threadPath(msg.ThreadID, "messages"), body, &stored); err != nil {
		return nil, err
	}
	return &stored, nil
}

// FetchHistory returns every message with seq > afterSeq.
func (c *Client) FetchHistory(ctx context.Context, threadID string, afterSeq int64) ([]models.Message, error) {
	return c.FetchPage(ctx, threadID, afterSeq, 0)
}

// FetchPage is FetchHistory limited to limit messages; limit <= 0 means
// all.
func (c *Client) FetchPage(ctx context.Context, threadID string, afterSeq int64, limit int) ([]models.Message, error) {
	q := url.Values{}
	q.Set("after_seq", strconv.FormatInt(afterSeq, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var msgs []models.Message
	if err := c.do(ctx, http.MethodGet, threadPath(threadID, "messages")+"?"+q.Encode(), nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}
