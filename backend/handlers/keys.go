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
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/efchatnet/efthreads/backend/crypto"
	"github.com/efchatnet/efthreads/backend/directory"
)

// KeyResponse is the wire form of a published public key.
type KeyResponse struct {
	UserID     string     `json:"user_id"`
	PublicKey  string     `json:"public_key"`
	KeyVersion int        `json:"key_version,omitempty"`
	CreatedAt  *time.Time `json:"created_at,omitempty"`
	// Ciphersuite names the envelope suite the key is for.
	Ciphersuite string `json:"ciphersuite"`
}

type KeyHandler struct {
	directory *directory.Directory
}

func NewKeyHandler(dir *directory.Directory) *KeyHandler {
	return &KeyHandler{directory: dir}
}

// PublishKey appends a new public key version for the caller.
func (h *KeyHandler) PublishKey(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req struct {
		PublicKey string `json:"public_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	raw, err := crypto.FromBase64URL(req.PublicKey)
	if err != nil {
		http.Error(w, "Invalid public key encoding", http.StatusBadRequest)
		return
	}

	identity, err := h.directory.PublishPublicKey(r.Context(), userID, crypto.PublicKey(raw))
	if err != nil {
		writeError(w, err, "Failed to publish key")
		return
	}

	writeJSON(w, http.StatusCreated, KeyResponse{
		UserID:      identity.UserID,
		PublicKey:   crypto.ToBase64URL(identity.PublicKey),
		KeyVersion:  identity.KeyVersion,
		CreatedAt:   &identity.CreatedAt,
		Ciphersuite: crypto.Ciphersuite,
	})
}

// GetKey returns a user's current public key.
func (h *KeyHandler) GetKey(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]

	pub, err := h.directory.ResolvePublicKey(r.Context(), userID)
	if err != nil {
		writeError(w, err, "Failed to resolve key")
		return
	}

	writeJSON(w, http.StatusOK, KeyResponse{
		UserID:      userID,
		PublicKey:   pub.String(),
		Ciphersuite: crypto.Ciphersuite,
	})
}
