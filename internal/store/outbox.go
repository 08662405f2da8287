package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

type outboxRow struct {
	ID            string         `db:"id"`
	Recipient     string         `db:"recipient"`
	Kind          string         `db:"kind"`
	PayloadJSON   sql.NullString `db:"payload_json"`
	Status        string         `db:"status"`
	Attempts      int            `db:"attempts"`
	NextAttemptAt sql.NullTime   `db:"next_attempt_at"`
	DedupeKey     sql.NullString `db:"dedupe_key"`
	LockedAt      sql.NullTime   `db:"locked_at"`
	LastError     sql.NullString `db:"last_error"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
}

func (r outboxRow) message() OutboxMessage {
	m := OutboxMessage{
		ID:          r.ID,
		Recipient:   r.Recipient,
		Kind:        r.Kind,
		PayloadJSON: r.PayloadJSON.String,
		Status:      OutboxStatus(r.Status),
		Attempts:    r.Attempts,
		DedupeKey:   r.DedupeKey.String,
		LastError:   r.LastError.String,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if r.NextAttemptAt.Valid {
		m.NextAttemptAt = &r.NextAttemptAt.Time
	}
	if r.LockedAt.Valid {
		m.LockedAt = &r.LockedAt.Time
	}
	return m
}

func (s *sqlStore) EnqueueOutboxMessage(ctx context.Context, recipient, kind, payloadJSON, dedupeKey string) (string, error) {
	if dedupeKey != "" {
		var existingID string
		err := s.db.GetContext(ctx, &existingID,
			s.q(`SELECT id FROM outbox_messages WHERE dedupe_key = ? AND status NOT IN ('sent', 'canceled', 'failed')`),
			dedupeKey)
		if err == nil {
			slog.Debug("Store.EnqueueOutboxMessage: dedupe hit", "dedupeKey", dedupeKey, "existingID", existingID)
			return existingID, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("outbox dedupe check failed: %w", err)
		}
	}

	id := "outbox_" + uuid.NewString()
	ts := now()
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO outbox_messages (id, recipient, kind, payload_json, status, attempts, dedupe_key, created_at, updated_at)
			VALUES (?, ?, ?, ?, 'queued', 0, ?, ?, ?)`),
		id, recipient, kind, payloadJSON, nilIfEmpty(dedupeKey), ts, ts)
	if err != nil {
		return "", fmt.Errorf("enqueue outbox message failed: %w", err)
	}
	slog.Debug("Store.EnqueueOutboxMessage", "id", id, "recipient", recipient, "kind", kind)
	return id, nil
}

// ClaimDueOutboxMessages selects candidates, then claims each one with a
// conditional update so concurrent senders never claim the same row.
func (s *sqlStore) ClaimDueOutboxMessages(ctx context.Context, at time.Time, limit int) ([]OutboxMessage, error) {
	at = at.UTC()
	var rows []outboxRow
	err := s.db.SelectContext(ctx, &rows,
		s.q(`SELECT id, recipient, kind, payload_json, status, attempts, next_attempt_at, dedupe_key, locked_at, last_error, created_at, updated_at
			FROM outbox_messages WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
			ORDER BY created_at ASC LIMIT ?`),
		at, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due outbox messages failed: %w", err)
	}

	claimed := make([]OutboxMessage, 0, len(rows))
	for _, r := range rows {
		res, err := s.db.ExecContext(ctx,
			s.q(`UPDATE outbox_messages SET status = 'sending', locked_at = ?, updated_at = ? WHERE id = ? AND status = 'queued'`),
			at, at, r.ID)
		if err != nil {
			return nil, fmt.Errorf("mark outbox sending failed: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		m := r.message()
		m.Status = OutboxStatusSending
		lockedAt := at
		m.LockedAt = &lockedAt
		claimed = append(claimed, m)
	}
	return claimed, nil
}

func (s *sqlStore) MarkOutboxMessageSent(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`UPDATE outbox_messages SET status = 'sent', locked_at = NULL, updated_at = ? WHERE id = ?`), now(), id)
	if err != nil {
		return fmt.Errorf("mark outbox sent failed: %w", err)
	}
	return nil
}

func (s *sqlStore) FailOutboxMessage(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`UPDATE outbox_messages SET status = 'queued', attempts = attempts + 1, last_error = ?, next_attempt_at = ?, locked_at = NULL, updated_at = ? WHERE id = ?`),
		errMsg, nextAttemptAt.UTC(), now(), id)
	if err != nil {
		return fmt.Errorf("fail outbox message failed: %w", err)
	}
	return nil
}

func (s *sqlStore) GiveUpOutboxMessage(ctx context.Context, id string, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`UPDATE outbox_messages SET status = 'failed', attempts = attempts + 1, last_error = ?, locked_at = NULL, updated_at = ? WHERE id = ?`),
		errMsg, now(), id)
	if err != nil {
		return fmt.Errorf("give up outbox message failed: %w", err)
	}
	return nil
}

func (s *sqlStore) RequeueStaleSendingMessages(ctx context.Context, staleBefore time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		s.q(`UPDATE outbox_messages SET status = 'queued', locked_at = NULL, updated_at = ? WHERE status = 'sending' AND locked_at < ?`),
		now(), staleBefore.UTC())
	if err != nil {
		return 0, fmt.Errorf("requeue stale outbox messages failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("Store.RequeueStaleSendingMessages", "requeued", n)
	}
	return int(n), nil
}

// getOutboxMessage is used by tests.
func (s *sqlStore) getOutboxMessage(ctx context.Context, id string) (*OutboxMessage, error) {
	var r outboxRow
	err := s.db.GetContext(ctx, &r,
		s.q(`SELECT id, recipient, kind, payload_json, status, attempts, next_attempt_at, dedupe_key, locked_at, last_error, created_at, updated_at
			FROM outbox_messages WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m := r.message()
	return &m, nil
}
