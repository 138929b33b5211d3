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

	"github.com/gorilla/mux"

	"github.com/efchatnet/efthreads/backend/models"
	"github.com/efchatnet/efthreads/backend/registry"
)

// ThreadResponse is a thread as seen by the calling user.
type ThreadResponse struct {
	models.Thread
	DisplayName string `json:"display_name"`
}

type ThreadHandler struct {
	registry *registry.Registry
}

func NewThreadHandler(reg *registry.Registry) *ThreadHandler {
	return &ThreadHandler{registry: reg}
}

func (h *ThreadHandler) view(r *http.Request, thread *models.Thread, viewerID string) (ThreadResponse, error) {
	name, err := h.registry.DisplayName(r.Context(), thread.ID, viewerID)
	if err != nil {
		return ThreadResponse{}, err
	}
	return ThreadResponse{Thread: *thread, DisplayName: name}, nil
}

func (h *ThreadHandler) CreateThread(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req struct {
		Kind         string   `json:"kind"`
		Participants []string `json:"participants"`
		Subject      string   `json:"subject,omitempty"`
		IsOfficial   bool     `json:"is_official,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	thread, err := h.registry.CreateThread(r.Context(), registry.CreateThreadParams{
		Kind:         models.ThreadKind(req.Kind),
		Creator:      userID,
		Participants: req.Participants,
		Subject:      req.Subject,
		IsOfficial:   req.IsOfficial,
	})
	if err != nil {
		writeError(w, err, "Failed to create thread")
		return
	}

	resp, err := h.view(r, thread, userID)
	if err != nil {
		writeError(w, err, "Failed to load thread")
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// ListThreads returns the caller's threads, most recently active first.
// Archived threads are included with ?archived=true.
func (h *ThreadHandler) ListThreads(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	includeArchived := r.URL.Query().Get("archived") == "true"

	threads, err := h.registry.ListThreadsForUser(r.Context(), userID, includeArchived)
	if err != nil {
		writeError(w, err, "Failed to list threads")
		return
	}

	resp := make([]ThreadResponse, 0, len(threads))
	for i := range threads {
		view, err := h.view(r, &threads[i], userID)
		if err != nil {
			writeError(w, err, "Failed to list threads")
			return
		}
		resp = append(resp, view)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *ThreadHandler) GetThread(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	thread, err := memberThread(r.Context(), h.registry, mux.Vars(r)["threadId"], userID)
	if err != nil {
		writeError(w, err, "Failed to load thread")
		return
	}

	resp, err := h.view(r, thread, userID)
	if err != nil {
		writeError(w, err, "Failed to load thread")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *ThreadHandler) ListParticipants(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	threadID := mux.Vars(r)["threadId"]

	if _, err := memberThread(r.Context(), h.registry, threadID, userID); err != nil {
		writeError(w, err, "Failed to list participants")
		return
	}

	participants, err := h.registry.ListParticipants(r.Context(), threadID)
	if err != nil {
		writeError(w, err, "Failed to list participants")
		return
	}
	writeJSON(w, http.StatusOK, participants)
}

// AddParticipant lets a member invite another user.
func (h *ThreadHandler) AddParticipant(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	threadID := mux.Vars(r)["threadId"]

	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if _, err := memberThread(r.Context(), h.registry, threadID, userID); err != nil {
		writeError(w, err, "Failed to add participant")
		return
	}
	if err := h.registry.AddParticipant(r.Context(), threadID, req.UserID); err != nil {
		writeError(w, err, "Failed to add participant")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"thread_id": threadID,
		"user_id":   req.UserID,
	})
}

// ArchiveThread is limited to the thread's creator.
func (h *ThreadHandler) ArchiveThread(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	threadID := mux.Vars(r)["threadId"]

	thread, err := memberThread(r.Context(), h.registry, threadID, userID)
	if err != nil {
		writeError(w, err, "Failed to archive thread")
		return
	}
	if thread.CreatedBy != userID {
		http.Error(w, "Only the thread creator can archive it", http.StatusForbidden)
		return
	}

	if err := h.registry.ArchiveThread(r.Context(), threadID); err != nil {
		writeError(w, err, "Failed to archive thread")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ThreadHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	if err := h.registry.MarkRead(r.Context(), mux.Vars(r)["threadId"], userID); err != nil {
		writeError(w, err, "Failed to mark thread read")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
