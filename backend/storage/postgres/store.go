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

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/efchatnet/efthreads/backend/models"
	"github.com/efchatnet/efthreads/backend/storage"
)

// uniqueViolation is the SQLSTATE for a unique constraint conflict.
const uniqueViolation = "23505"

// maxKeyVersionAttempts bounds retries when two devices publish a key for
// the same user at the same moment.
const maxKeyVersionAttempts = 3

type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func (s *Store) AppendPublicKey(ctx context.Context, userID string, publicKey []byte) (*models.UserIdentity, error) {
	var lastErr error
	for attempt := 0; attempt < maxKeyVersionAttempts; attempt++ {
		identity := &models.UserIdentity{UserID: userID, PublicKey: publicKey}
		err := s.db.QueryRowContext(ctx, `
			INSERT INTO user_public_keys (user_id, key_version, public_key)
			SELECT $1::varchar, COALESCE(MAX(key_version), 0) + 1, $2::bytea
			FROM user_public_keys WHERE user_id = $1::varchar
			RETURNING key_version, created_at`,
			userID, publicKey).Scan(&identity.KeyVersion, &identity.CreatedAt)
		if err == nil {
			return identity, nil
		}
		if !isUniqueViolation(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("failed to allocate key version for %s: %w", userID, lastErr)
}

func (s *Store) GetCurrentPublicKey(ctx context.Context, userID string) (*models.UserIdentity, error) {
	identity := &models.UserIdentity{UserID: userID}
	err := s.db.QueryRowContext(ctx, `
		SELECT key_version, public_key, created_at FROM user_public_keys
		WHERE user_id = $1
		ORDER BY key_version DESC LIMIT 1`, userID).Scan(
		&identity.KeyVersion, &identity.PublicKey, &identity.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return identity, nil
}

func (s *Store) GetProfiles(ctx context.Context, userIDs []string) (map[string]models.Profile, error) {
	profiles := make(map[string]models.Profile, len(userIDs))
	if len(userIDs) == 0 {
		return profiles, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, first_name, last_name, contact_address
		FROM user_profiles
		WHERE user_id = ANY($1)`,
		pq.Array(userIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var p models.Profile
		if err := rows.Scan(&p.UserID, &p.FirstName, &p.LastName, &p.ContactAddress); err != nil {
			return nil, err
		}
		profiles[p.UserID] = p
	}

	return profiles, rows.Err()
}
