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

package postgres

import "context"

func (s *Store) Migrate(ctx context.Context) error {
	migrations := []string{
		// Profiles are owned by the account service; created here so a
		// standalone deployment has something to read from.
		`CREATE TABLE IF NOT EXISTS user_profiles (
			user_id VARCHAR(255) PRIMARY KEY,
			first_name VARCHAR(255) NOT NULL DEFAULT '',
			last_name VARCHAR(255) NOT NULL DEFAULT '',
			contact_address VARCHAR(255) NOT NULL DEFAULT ''
		)`,

		// Public keys, append-only versioned
		`CREATE TABLE IF NOT EXISTS user_public_keys (
			user_id VARCHAR(255) NOT NULL,
			key_version INTEGER NOT NULL,
			public_key BYTEA NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, key_version)
		)`,

		`CREATE TABLE IF NOT EXISTS threads (
			id VARCHAR(255) PRIMARY KEY,
			kind VARCHAR(20) NOT NULL CHECK (kind IN ('direct', 'group', 'broadcast')),
			subject TEXT NOT NULL DEFAULT '',
			is_official BOOLEAN NOT NULL DEFAULT FALSE,
			is_archived BOOLEAN NOT NULL DEFAULT FALSE,
			created_by VARCHAR(255) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		// ordinal keeps join order stable when joined_at ties
		`CREATE TABLE IF NOT EXISTS thread_participants (
			thread_id VARCHAR(255) NOT NULL,
			user_id VARCHAR(255) NOT NULL,
			ordinal BIGSERIAL,
			joined_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_read_at TIMESTAMPTZ,
			PRIMARY KEY (thread_id, user_id),
			FOREIGN KEY (thread_id) REFERENCES threads(id)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_participants_user
		ON thread_participants(user_id, thread_id)`,

		// Messages are append-only. envelope_map_json is NULL for
		// threads that do not require encryption.
		`CREATE TABLE IF NOT EXISTS messages (
			id VARCHAR(255) PRIMARY KEY,
			seq BIGSERIAL UNIQUE,
			thread_id VARCHAR(255) NOT NULL,
			sender_id VARCHAR(255) NOT NULL,
			plaintext_fallback TEXT NOT NULL,
			envelope_map_json JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			FOREIGN KEY (thread_id) REFERENCES threads(id)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_messages_thread_seq
		ON messages(thread_id, seq)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return err
		}
	}

	return nil
}
