// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/efchatnet/efthreads/backend/models"
	"github.com/efchatnet/efthreads/backend/storage"
)

// AppendMessage inserts the message row in one transaction. The thread row
// is locked first so seq values commit in order within a thread and a
// reader paging by seq never skips a row that commits late.
func (s *Store) AppendMessage(ctx context.Context, msg models.Message) (*models.Message, error) {
	envelopes, err := marshalEnvelopes(msg.EnvelopeMap)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var locked string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM threads WHERE id = $1 FOR UPDATE`, msg.ThreadID).Scan(&locked)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	stored := msg
	err = tx.QueryRowContext(ctx, `
		INSERT INTO messages (id, thread_id, sender_id, plaintext_fallback, envelope_map_json)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING seq, created_at`,
		msg.ID, msg.ThreadID, msg.SenderID, msg.PlaintextFallback, envelopes).Scan(
		&stored.Seq, &stored.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, storage.ErrDuplicateMessage
		}
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE threads SET updated_at = $2 WHERE id = $1`,
		msg.ThreadID, stored.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &stored, nil
}

func (s *Store) ListMessages(ctx context.Context, threadID string, afterSeq int64, limit int) ([]models.Message, error) {
	query := `
		SELECT id, thread_id, sender_id, seq, created_at, plaintext_fallback, envelope_map_json
		FROM messages
		WHERE thread_id = $1 AND seq > $2
		ORDER BY seq ASC`
	args := []interface{}{threadID, afterSeq}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}

	return messages, rows.Err()
}

func (s *Store) GetMessage(ctx context.Context, messageID string) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, thread_id, sender_id, seq, created_at, plaintext_fallback, envelope_map_json
		FROM messages
		WHERE id = $1`, messageID)
	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	return msg, err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row scanner) (*models.Message, error) {
	var msg models.Message
	var envelopes []byte
	if err := row.Scan(&msg.ID, &msg.ThreadID, &msg.SenderID, &msg.Seq,
		&msg.CreatedAt, &msg.PlaintextFallback, &envelopes); err != nil {
		return nil, err
	}
	if envelopes != nil {
		if err := json.Unmarshal(envelopes, &msg.EnvelopeMap); err != nil {
			return nil, fmt.Errorf("failed to decode envelope map for %s: %w", msg.ID, err)
		}
	}
	return &msg, nil
}

// marshalEnvelopes returns nil for a plaintext message so the column is
// NULL. JSON goes over the wire as text; lib/pq would send []byte as bytea.
func marshalEnvelopes(envelopes map[string]models.Envelope) (interface{}, error) {
	if envelopes == nil {
		return nil, nil
	}
	data, err := json.Marshal(envelopes)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope map: %w", err)
	}
	return string(data), nil
}
