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
	"time"

	"github.com/efchatnet/efthreads/backend/models"
	"github.com/efchatnet/efthreads/backend/storage"
)

func (s *Store) CreateThread(ctx context.Context, thread models.Thread, participantIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO threads (id, kind, subject, is_official, is_archived, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		thread.ID, string(thread.Kind), thread.Subject, thread.IsOfficial, thread.IsArchived,
		thread.CreatedBy, thread.CreatedAt, thread.UpdatedAt)
	if err != nil {
		return err
	}

	// Insert one by one so ordinal follows the caller's order
	for _, userID := range participantIDs {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO thread_participants (thread_id, user_id, joined_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (thread_id, user_id) DO NOTHING`,
			thread.ID, userID, thread.CreatedAt)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *Store) GetThread(ctx context.Context, threadID string) (*models.Thread, error) {
	var t models.Thread
	var kind string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, kind, subject, is_official, is_archived, created_by, created_at, updated_at
		FROM threads
		WHERE id = $1`, threadID).Scan(
		&t.ID, &kind, &t.Subject, &t.IsOfficial, &t.IsArchived,
		&t.CreatedBy, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Kind = models.ThreadKind(kind)
	return &t, nil
}

func (s *Store) ListThreadsForUser(ctx context.Context, userID string, includeArchived bool) ([]models.Thread, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.kind, t.subject, t.is_official, t.is_archived, t.created_by, t.created_at, t.updated_at
		FROM threads t
		JOIN thread_participants p ON p.thread_id = t.id
		WHERE p.user_id = $1 AND ($2 OR NOT t.is_archived)
		ORDER BY t.updated_at DESC`,
		userID, includeArchived)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var threads []models.Thread
	for rows.Next() {
		var t models.Thread
		var kind string
		if err := rows.Scan(&t.ID, &kind, &t.Subject, &t.IsOfficial, &t.IsArchived,
			&t.CreatedBy, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		t.Kind = models.ThreadKind(kind)
		threads = append(threads, t)
	}

	return threads, rows.Err()
}

func (s *Store) SetArchived(ctx context.Context, threadID string, archived bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE threads
		SET is_archived = $2, updated_at = now()
		WHERE id = $1`,
		threadID, archived)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) AddParticipant(ctx context.Context, threadID, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE threads SET updated_at = now()
		WHERE id = $1`, threadID)
	if err != nil {
		return err
	}
	if err := requireRow(res); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO thread_participants (thread_id, user_id, joined_at)
		VALUES ($1, $2, now())
		ON CONFLICT (thread_id, user_id) DO NOTHING`,
		threadID, userID)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (s *Store) ListParticipants(ctx context.Context, threadID string) ([]models.Participant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT thread_id, user_id, joined_at, last_read_at
		FROM thread_participants
		WHERE thread_id = $1
		ORDER BY ordinal`,
		threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var participants []models.Participant
	for rows.Next() {
		var p models.Participant
		var lastReadAt sql.NullTime
		if err := rows.Scan(&p.ThreadID, &p.UserID, &p.JoinedAt, &lastReadAt); err != nil {
			return nil, err
		}
		if lastReadAt.Valid {
			p.LastReadAt = &lastReadAt.Time
		}
		participants = append(participants, p)
	}

	return participants, rows.Err()
}

func (s *Store) IsParticipant(ctx context.Context, threadID, userID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM thread_participants
			WHERE thread_id = $1 AND user_id = $2
		)`, threadID, userID).Scan(&exists)
	return exists, err
}

func (s *Store) MarkRead(ctx context.Context, threadID, userID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE thread_participants
		SET last_read_at = GREATEST(COALESCE(last_read_at, $3), $3)
		WHERE thread_id = $1 AND user_id = $2`,
		threadID, userID, at)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}
