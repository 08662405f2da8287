package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

func (s *sqlStore) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	var count int
	if err := s.db.GetContext(ctx, &count,
		s.q(`SELECT COUNT(1) FROM inbound_dedup WHERE message_id = ?`), messageID); err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return count > 0, nil
}

func (s *sqlStore) RecordInbound(ctx context.Context, messageID, sender string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO inbound_dedup (message_id, sender, received_at) VALUES (?, ?, ?)
			ON CONFLICT (message_id) DO NOTHING`),
		messageID, sender, now())
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record inbound rows affected: %w", err)
	}
	if n == 0 {
		slog.Debug("Store.RecordInbound: duplicate", "messageID", messageID, "sender", sender)
	}
	return n > 0, nil
}

func (s *sqlStore) MarkProcessed(ctx context.Context, messageID string) error {
	if _, err := s.db.ExecContext(ctx,
		s.q(`UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`), now(), messageID); err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

func (s *sqlStore) PurgeInboundBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		s.q(`DELETE FROM inbound_dedup WHERE received_at < ?`), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge inbound dedup failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
