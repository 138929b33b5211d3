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

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/efchatnet/efthreads/backend/delivery"
	"github.com/efchatnet/efthreads/backend/logging"
	"github.com/efchatnet/efthreads/backend/messaging"
	"github.com/efchatnet/efthreads/backend/models"
	"github.com/efchatnet/efthreads/backend/registry"
)

const maxMessageIDLength = 255

var errInvalidMessage = errors.New("invalid message")

// SendRequest is a message built by the sender's device. For encrypted
// threads it carries one envelope per recipient and no plaintext.
type SendRequest struct {
	ID                string                     `json:"id,omitempty"`
	PlaintextFallback string                     `json:"plaintext_fallback,omitempty"`
	EnvelopeMap       map[string]models.Envelope `json:"envelope_map,omitempty"`
}

type MessageHandler struct {
	registry     *registry.Registry
	service      *delivery.Service
	logger       *zap.Logger
	storeTimeout time.Duration
	upgrader     websocket.Upgrader
}

// NewMessageHandler accepts websocket upgrades from allowedOrigins; "*"
// allows any origin. storeTimeout bounds each append; zero means no bound.
func NewMessageHandler(reg *registry.Registry, svc *delivery.Service, logger *zap.Logger, storeTimeout time.Duration, allowedOrigins []string) *MessageHandler {
	return &MessageHandler{
		registry:     reg,
		service:      svc,
		logger:       logging.OrNop(logger),
		storeTimeout: storeTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		return false
	}
}

// SendMessage stores a client-built message. The server never sees
// plaintext for encrypted threads: their fallback is always the
// placeholder and every envelope must address a current participant.
func (h *MessageHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	threadID := mux.Vars(r)["threadId"]

	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	thread, err := memberThread(r.Context(), h.registry, threadID, userID)
	if err != nil {
		writeError(w, err, "Failed to send message")
		return
	}
	if thread.IsArchived {
		writeError(w, messaging.ErrThreadArchived, "Failed to send message")
		return
	}

	msg, err := h.buildMessage(r, thread, userID, req)
	if err != nil {
		writeError(w, err, "Failed to send message")
		return
	}

	ctx := r.Context()
	if h.storeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.storeTimeout)
		defer cancel()
	}
	stored, err := h.service.Append(ctx, msg)
	if err != nil {
		h.logger.Error("append failed",
			zap.String("thread_id", threadID),
			zap.String("message_id", msg.ID),
			zap.Error(err))
		writeError(w, err, "Failed to store message")
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (h *MessageHandler) buildMessage(r *http.Request, thread *models.Thread, senderID string, req SendRequest) (models.Message, error) {
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	}
	if len(id) > maxMessageIDLength {
		return models.Message{}, fmt.Errorf("%w: id longer than %d bytes", errInvalidMessage, maxMessageIDLength)
	}

	msg := models.Message{ID: id, ThreadID: thread.ID, SenderID: senderID}

	if !thread.RequiresEncryption() {
		if len(req.EnvelopeMap) > 0 {
			return models.Message{}, fmt.Errorf("%w: %s threads carry plaintext only", errInvalidMessage, thread.Kind)
		}
		if strings.TrimSpace(req.PlaintextFallback) == "" {
			return models.Message{}, messaging.ErrEmptyMessage
		}
		msg.PlaintextFallback = req.PlaintextFallback
		return msg, nil
	}

	if len(req.EnvelopeMap) == 0 {
		return models.Message{}, fmt.Errorf("%w: encrypted thread requires envelopes", messaging.ErrNoRecipientKeysAvailable)
	}
	participants, err := h.registry.ListParticipants(r.Context(), thread.ID)
	if err != nil {
		return models.Message{}, err
	}
	members := make(map[string]bool, len(participants))
	for _, p := range participants {
		members[p.UserID] = true
	}
	for recipient, env := range req.EnvelopeMap {
		if !members[recipient] {
			return models.Message{}, fmt.Errorf("%w: envelope for non-participant %q", errInvalidMessage, recipient)
		}
		if len(env.IV) == 0 || len(env.Ciphertext) == 0 {
			return models.Message{}, fmt.Errorf("%w: empty envelope for %q", errInvalidMessage, recipient)
		}
	}
	msg.PlaintextFallback = models.EncryptedPlaceholder
	msg.EnvelopeMap = req.EnvelopeMap
	return msg, nil
}

// ListMessages returns history with seq > after_seq, optionally paged
// with limit.
func (h *MessageHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	threadID := mux.Vars(r)["threadId"]

	afterSeq, err := queryInt(r, "after_seq")
	if err != nil {
		http.Error(w, "Invalid after_seq", http.StatusBadRequest)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil || limit < 0 {
		http.Error(w, "Invalid limit", http.StatusBadRequest)
		return
	}

	if _, err := memberThread(r.Context(), h.registry, threadID, userID); err != nil {
		writeError(w, err, "Failed to list messages")
		return
	}

	msgs, err := h.service.FetchPage(r.Context(), threadID, afterSeq, int(limit))
	if err != nil {
		writeError(w, err, "Failed to list messages")
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func queryInt(r *http.Request, name string) (int64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	return strconv.ParseInt(v, 10, 64)
}
