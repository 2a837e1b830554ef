package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/reactchat/client/internal/model"
)

// SaveTranscript replaces the stored transcript for a session with the given
// snapshot. The session row is upserted, the messages rewritten atomically.
func (s *Store) SaveTranscript(ctx context.Context, sess model.Session, msgs []model.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transcript write: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, name, created_at, last_message_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			last_message_at = excluded.last_message_at
	`, sess.ID, sess.Name, sess.CreatedAt, nullableTime(sess.LastMessageAt))
	if err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sess.ID); err != nil {
		return fmt.Errorf("failed to clear transcript: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (session_id, position, id, kind, content, tool_name, tool_args, tool_output, status, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare transcript insert: %w", err)
	}
	defer stmt.Close()

	for i, msg := range msgs {
		_, err := stmt.ExecContext(ctx,
			sess.ID,
			i,
			msg.ID,
			string(msg.Kind),
			msg.Content,
			nullableString(msg.ToolName),
			nullableRaw(msg.ToolArgs),
			nullableRaw(msg.ToolOutput),
			nullableString(string(msg.Status)),
			msg.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("failed to insert message %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transcript: %w", err)
	}
	return nil
}

// LoadTranscript returns the stored messages for a session in sequence order.
func (s *Store) LoadTranscript(ctx context.Context, sessionID string) ([]model.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, content, tool_name, tool_args, tool_output, status, timestamp
		FROM messages
		WHERE session_id = ?
		ORDER BY position
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load transcript: %w", err)
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		var (
			msg        model.Message
			kind       string
			toolName   sql.NullString
			toolArgs   sql.NullString
			toolOutput sql.NullString
			status     sql.NullString
			ts         sql.NullTime
		)
		err := rows.Scan(&msg.ID, &kind, &msg.Content, &toolName, &toolArgs, &toolOutput, &status, &ts)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Kind = model.Kind(kind)
		if toolName.Valid {
			msg.ToolName = toolName.String
		}
		if toolArgs.Valid && toolArgs.String != "" {
			msg.ToolArgs = json.RawMessage(toolArgs.String)
		}
		if toolOutput.Valid && toolOutput.String != "" {
			msg.ToolOutput = json.RawMessage(toolOutput.String)
		}
		if status.Valid {
			msg.Status = model.ToolStatus(status.String)
		}
		if ts.Valid {
			msg.Timestamp = ts.Time
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transcript: %w", err)
	}
	return msgs, nil
}

// Sessions lists the archived sessions, most recent activity first.
func (s *Store) Sessions(ctx context.Context) ([]model.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, created_at, last_message_at
		FROM sessions
		ORDER BY COALESCE(last_message_at, created_at) DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list archived sessions: %w", err)
	}
	defer rows.Close()

	var sessions []model.Session
	for rows.Next() {
		var (
			sess model.Session
			last sql.NullTime
		)
		if err := rows.Scan(&sess.ID, &sess.Name, &sess.CreatedAt, &last); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		if last.Valid {
			t := last.Time
			sess.LastMessageAt = &t
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}
	return sessions, nil
}

// DeleteSession removes a session and its transcript.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete archived session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return model.ErrSessionNotFound
	}
	return nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
