package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ConversationRecord is the persisted form of an in-progress intake conversation.
type ConversationRecord struct {
	UserID    string
	Step      string
	Fields    map[string]string
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ConversationStateRepo persists transient conversation states so they survive
// restarts and can be shared between processes. Writes are compare-and-swap on
// Version.
type ConversationStateRepo interface {
	// GetConversationState returns nil, nil when no state exists.
	GetConversationState(ctx context.Context, userID string) (*ConversationRecord, error)
	// InsertConversationState inserts rec if no state exists for the user.
	InsertConversationState(ctx context.Context, rec ConversationRecord) (bool, error)
	// UpdateConversationState replaces the state only if the stored version
	// equals expectedVersion.
	UpdateConversationState(ctx context.Context, rec ConversationRecord, expectedVersion int64) (bool, error)
	// DeleteConversationState removes the state; missing rows are not an error.
	DeleteConversationState(ctx context.Context, userID string) error
	// DeleteConversationStateIfVersion removes the state only at that version.
	DeleteConversationStateIfVersion(ctx context.Context, userID string, version int64) (bool, error)
	ListConversationStates(ctx context.Context) ([]ConversationRecord, error)
}

type conversationRow struct {
	UserID    string    `db:"user_id"`
	Step      string    `db:"step"`
	Fields    []byte    `db:"fields"`
	Version   int64     `db:"version"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r conversationRow) record() ConversationRecord {
	rec := ConversationRecord{
		UserID:    r.UserID,
		Step:      r.Step,
		Fields:    map[string]string{},
		Version:   r.Version,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if len(r.Fields) > 0 {
		if err := json.Unmarshal(r.Fields, &rec.Fields); err != nil {
			slog.Error("Store conversation fields unmarshal failed", "error", err, "userID", r.UserID)
			rec.Fields = map[string]string{}
		}
	}
	return rec
}

func encodeFields(fields map[string]string) (string, error) {
	if fields == nil {
		fields = map[string]string{}
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("failed to encode conversation fields: %w", err)
	}
	return string(b), nil
}

func (s *sqlStore) GetConversationState(ctx context.Context, userID string) (*ConversationRecord, error) {
	var row conversationRow
	err := s.db.GetContext(ctx, &row,
		s.q(`SELECT user_id, step, fields, version, created_at, updated_at FROM conversation_states WHERE user_id = ?`), userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("Store GetConversationState failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to query conversation state for %s: %w", userID, err)
	}
	rec := row.record()
	return &rec, nil
}

func (s *sqlStore) InsertConversationState(ctx context.Context, rec ConversationRecord) (bool, error) {
	fields, err := encodeFields(rec.Fields)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO conversation_states (user_id, step, fields, version, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT (user_id) DO NOTHING`),
		rec.UserID, rec.Step, fields, rec.Version, rec.CreatedAt.UTC(), rec.UpdatedAt.UTC())
	if err != nil {
		slog.Error("Store InsertConversationState failed", "error", err, "userID", rec.UserID)
		return false, fmt.Errorf("failed to insert conversation state for %s: %w", rec.UserID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert conversation state rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *sqlStore) UpdateConversationState(ctx context.Context, rec ConversationRecord, expectedVersion int64) (bool, error) {
	fields, err := encodeFields(rec.Fields)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE conversation_states SET step = ?, fields = ?, version = ?, updated_at = ?
			WHERE user_id = ? AND version = ?`),
		rec.Step, fields, rec.Version, rec.UpdatedAt.UTC(), rec.UserID, expectedVersion)
	if err != nil {
		slog.Error("Store UpdateConversationState failed", "error", err, "userID", rec.UserID)
		return false, fmt.Errorf("failed to update conversation state for %s: %w", rec.UserID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update conversation state rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *sqlStore) DeleteConversationState(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM conversation_states WHERE user_id = ?`), userID); err != nil {
		slog.Error("Store DeleteConversationState failed", "error", err, "userID", userID)
		return fmt.Errorf("failed to delete conversation state for %s: %w", userID, err)
	}
	return nil
}

func (s *sqlStore) DeleteConversationStateIfVersion(ctx context.Context, userID string, version int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		s.q(`DELETE FROM conversation_states WHERE user_id = ? AND version = ?`), userID, version)
	if err != nil {
		return false, fmt.Errorf("failed to delete conversation state for %s: %w", userID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete conversation state rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *sqlStore) ListConversationStates(ctx context.Context) ([]ConversationRecord, error) {
	var rows []conversationRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT user_id, step, fields, version, created_at, updated_at FROM conversation_states`); err != nil {
		return nil, fmt.Errorf("failed to list conversation states: %w", err)
	}
	recs := make([]ConversationRecord, 0, len(rows))
	for _, r := range rows {
		recs = append(recs, r.record())
	}
	slog.Debug("Store ListConversationStates", "count", len(recs))
	return recs, nil
}
