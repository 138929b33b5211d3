// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package handlers exposes the thread, key and message API over HTTP.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/efchatnet/efthreads/backend/crypto"
	"github.com/efchatnet/efthreads/backend/delivery"
	"github.com/efchatnet/efthreads/backend/directory"
	"github.com/efchatnet/efthreads/backend/messaging"
	"github.com/efchatnet/efthreads/backend/middleware"
	"github.com/efchatnet/efthreads/backend/models"
	"github.com/efchatnet/efthreads/backend/registry"
	"github.com/efchatnet/efthreads/backend/storage"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrThreadNotFound),
		errors.Is(err, directory.ErrKeyNotFound),
		errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrNotParticipant),
		errors.Is(err, messaging.ErrNotParticipant):
		return http.StatusForbidden
	case errors.Is(err, registry.ErrDirectThreadFull),
		errors.Is(err, messaging.ErrThreadArchived),
		errors.Is(err, storage.ErrDuplicateMessage):
		return http.StatusConflict
	case errors.Is(err, registry.ErrInvalidThread),
		errors.Is(err, messaging.ErrEmptyMessage),
		errors.Is(err, messaging.ErrNoRecipientKeysAvailable),
		errors.Is(err, errInvalidMessage),
		errors.Is(err, crypto.ErrInvalidPublicKey):
		return http.StatusBadRequest
	case errors.Is(err, delivery.ErrDisconnected):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error, fallback string) {
	status := statusFor(err)
	msg := fallback
	if status != http.StatusInternalServerError {
		msg = err.Error()
	}
	http.Error(w, msg, status)
}

func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := middleware.GetUserID(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return "", false
	}
	return userID, true
}

// memberThread loads the thread and checks that userID belongs to it.
func memberThread(ctx context.Context, reg *registry.Registry, threadID, userID string) (*models.Thread, error) {
	thread, err := reg.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	ok, err := reg.IsParticipant(ctx, threadID, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, registry.ErrNotParticipant
	}
	return thread, nil
}
