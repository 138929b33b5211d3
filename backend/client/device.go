// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package client

import (
	"context"

	"go.uber.org/zap"

	"github.com/efchatnet/efthreads/backend/delivery"
	"github.com/efchatnet/efthreads/backend/directory"
	"github.com/efchatnet/efthreads/backend/identity"
	"github.com/efchatnet/efthreads/backend/logging"
	"github.com/efchatnet/efthreads/backend/messaging"
	"github.com/efchatnet/efthreads/backend/metrics"
	"github.com/efchatnet/efthreads/backend/models"
)

type DeviceOptions struct {
	// KeyFile holds the device's private key.
	KeyFile string

	KeyCacheSize int
	Messaging    messaging.Options
	Follow       delivery.FollowOptions
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

// Device is one user's runtime: its key pair, a caching key directory in
// front of the API, the fan-out coordinator and the read path. Plaintext
// and private keys stay inside it.
type Device struct {
	api         *Client
	userID      string
	identity    *identity.Provider
	directory   *directory.Directory
	coordinator *messaging.Coordinator
	read        *messaging.ReadPath
	follow      delivery.FollowOptions
}

func NewDevice(api *Client, userID string, opts DeviceOptions) *Device {
	logger := logging.OrNop(opts.Logger).With(zap.String("user_id", userID))

	dir := directory.New(api, directory.Options{
		CacheSize:     opts.KeyCacheSize,
		LookupTimeout: opts.Messaging.LookupTimeout,
		Logger:        logger.Named("directory"),
		Metrics:       opts.Metrics,
	})

	mopts := opts.Messaging
	mopts.Logger = logger.Named("messaging")
	mopts.Metrics = opts.Metrics

	follow := opts.Follow
	if follow.Logger == nil {
		follow.Logger = logger.Named("follow")
	}
	if follow.Metrics == nil {
		follow.Metrics = opts.Metrics
	}

	return &Device{
		api:         api,
		userID:      userID,
		identity:    identity.NewProvider(userID, opts.KeyFile, dir, logger.Named("identity")),
		directory:   dir,
		coordinator: messaging.NewCoordinator(api, dir, api, mopts),
		read:        messaging.NewReadPath(logger.Named("read"), opts.Metrics),
		follow:      follow,
	}
}

func (d *Device) UserID() string {
	return d.userID
}

func (d *Device) API() *Client {
	return d.api
}

// Start loads or creates the device key pair and makes sure the directory
// has its public half.
func (d *Device) Start(ctx context.Context) error {
	_, err := d.identity.Load(ctx)
	return err
}

// Send encrypts plaintext for every member of the thread whose key can be
// resolved and stores the result.
func (d *Device) Send(ctx context.Context, threadID, plaintext string) (*models.Message, error) {
	return d.coordinator.SendMessage(ctx, threadID, d.userID, plaintext)
}

// History returns the thread's messages after afterSeq as this user sees
// them.
func (d *Device) History(ctx context.Context, threadID string, afterSeq int64) ([]models.DisplayMessage, error) {
	msgs, err := d.api.FetchHistory(ctx, threadID, afterSeq)
	if err != nil {
		return nil, err
	}
	kp, _ := d.identity.Ready()
	return d.read.MaterializeAll(msgs, d.userID, kp), nil
}

// NewThreadView returns a view that follows one thread at a time and
// renders each message decrypted for this user.
func (d *Device) NewThreadView() *messaging.ThreadView {
	return messaging.NewThreadView(d.api, d.userID, d.identity, d.read, d.follow)
}

// ForgetKey drops a cached public key, e.g. after a member re-keys.
func (d *Device) ForgetKey(userID string) {
	d.directory.Invalidate(userID)
}
