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

import "github.com/gorilla/mux"

// APIPrefix is where the API is mounted.
const APIPrefix = "/api/v1"

// Register mounts the API on api, which is expected to carry the auth
// middleware already.
func Register(api *mux.Router, keys *KeyHandler, threads *ThreadHandler, messages *MessageHandler) {
	// Key directory
	api.HandleFunc("/keys", keys.PublishKey).Methods("POST", "OPTIONS")
	api.HandleFunc("/keys/{userId}", keys.GetKey).Methods("GET", "OPTIONS")

	// Threads and membership
	api.HandleFunc("/threads", threads.CreateThread).Methods("POST", "OPTIONS")
	api.HandleFunc("/threads", threads.ListThreads).Methods("GET", "OPTIONS")
	api.HandleFunc("/threads/{threadId}", threads.GetThread).Methods("GET", "OPTIONS")
	api.HandleFunc("/threads/{threadId}/participants", threads.ListParticipants).Methods("GET", "OPTIONS")
	api.HandleFunc("/threads/{threadId}/participants", threads.AddParticipant).Methods("POST", "OPTIONS")
	api.HandleFunc("/threads/{threadId}/archive", threads.ArchiveThread).Methods("POST", "OPTIONS")
	api.HandleFunc("/threads/{threadId}/read", threads.MarkRead).Methods("POST", "OPTIONS")

	// Messages
	api.HandleFunc("/threads/{threadId}/messages", messages.SendMessage).Methods("POST", "OPTIONS")
	api.HandleFunc("/threads/{threadId}/messages", messages.ListMessages).Methods("GET", "OPTIONS")
	api.HandleFunc("/threads/{threadId}/stream", messages.Stream).Methods("GET")
}
