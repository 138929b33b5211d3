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

package models

import (
	"strings"
	"time"
)

// UserIdentity is one version of a user's public encryption key.
// Versions are append-only; the highest version is the current key.
type UserIdentity struct {
	UserID     string    `json:"user_id" db:"user_id"`
	PublicKey  []byte    `json:"public_key" db:"public_key"`
	KeyVersion int       `json:"key_version" db:"key_version"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// Profile is the read-only identity record supplied by the profile store.
type Profile struct {
	UserID         string `json:"user_id" db:"user_id"`
	FirstName      string `json:"first_name" db:"first_name"`
	LastName       string `json:"last_name" db:"last_name"`
	ContactAddress string `json:"contact_address" db:"contact_address"`
}

// DisplayName returns "First Last", falling back to the contact address
// and finally the user id.
func (p Profile) DisplayName() string {
	name := strings.TrimSpace(strings.TrimSpace(p.FirstName) + " " + strings.TrimSpace(p.LastName))
	if name != "" {
		return name
	}
	if addr := strings.TrimSpace(p.ContactAddress); addr != "" {
		return addr
	}
	return p.UserID
}
