package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lobikohealth/LobikoPipe/internal/models"
)

// PhysicianRepo persists physicians.
type PhysicianRepo interface {
	CreatePhysician(ctx context.Context, p *models.Physician) error
	// GetPhysician returns nil, nil when the id is unknown.
	GetPhysician(ctx context.Context, id int64) (*models.Physician, error)
}

// SessionRepo persists consultation sessions and their transcripts.
type SessionRepo interface {
	// GetOpenSession returns the patient's open session, or nil.
	GetOpenSession(ctx context.Context, patientID int64) (*models.ConsultationSession, error)
	// CreateSessionIfAbsent opens a session unless one is already open.
	// created is false when an existing open session is returned instead.
	CreateSessionIfAbsent(ctx context.Context, patientID int64) (session *models.ConsultationSession, created bool, err error)
	// GetSession returns nil, nil when the id is unknown.
	GetSession(ctx context.Context, id int64) (*models.ConsultationSession, error)
	// CloseSession sets end_time on an open session. cancelled additionally
	// stamps cancelled_at. Returns false if the session was not open.
	CloseSession(ctx context.Context, id int64, at time.Time, cancelled bool) (bool, error)
	// AssignPhysician sets the physician on an open, unassigned session.
	// Returns false if the session was already assigned or closed.
	AssignPhysician(ctx context.Context, sessionID, physicianID int64) (bool, error)
	AppendMessage(ctx context.Context, m *models.Message) error
	AppendMedia(ctx context.Context, m *models.MediaMessage) error
	ListMessages(ctx context.Context, sessionID int64) ([]models.Message, error)
	ListMedia(ctx context.Context, sessionID int64) ([]models.MediaMessage, error)
	// ListOpenSessions returns open sessions matching filter, oldest first.
	ListOpenSessions(ctx context.Context, filter models.SessionQueueFilter) ([]models.SessionSummary, error)
}

const sessionColumns = `id, patient_id, physician_id, start_time, end_time, cancelled_at`

func (s *sqlStore) CreatePhysician(ctx context.Context, p *models.Physician) error {
	p.CreatedAt = now()
	err := s.db.QueryRowxContext(ctx,
		s.q(`INSERT INTO physicians (name, phone, specialty, created_at) VALUES (?, ?, ?, ?) RETURNING id`),
		p.Name, p.Phone, p.Specialty, p.CreatedAt,
	).Scan(&p.ID)
	if err != nil {
		slog.Error("Store CreatePhysician failed", "error", err, "name", p.Name)
		return fmt.Errorf("failed to insert physician: %w", err)
	}
	slog.Debug("Store CreatePhysician succeeded", "id", p.ID)
	return nil
}

func (s *sqlStore) GetPhysician(ctx context.Context, id int64) (*models.Physician, error) {
	var p models.Physician
	err := s.db.GetContext(ctx, &p, s.q(`SELECT id, name, phone, specialty, created_at FROM physicians WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query physician %d: %w", id, err)
	}
	return &p, nil
}

func (s *sqlStore) GetOpenSession(ctx context.Context, patientID int64) (*models.ConsultationSession, error) {
	var cs models.ConsultationSession
	err := s.db.GetContext(ctx, &cs,
		s.q(`SELECT `+sessionColumns+` FROM consultation_sessions WHERE patient_id = ? AND end_time IS NULL`), patientID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("Store GetOpenSession failed", "error", err, "patientID", patientID)
		return nil, fmt.Errorf("failed to query open session for patient %d: %w", patientID, err)
	}
	return &cs, nil
}

func (s *sqlStore) CreateSessionIfAbsent(ctx context.Context, patientID int64) (*models.ConsultationSession, bool, error) {
	start := now()
	var id int64
	err := s.db.QueryRowxContext(ctx,
		s.q(`INSERT INTO consultation_sessions (patient_id, start_time) VALUES (?, ?) RETURNING id`),
		patientID, start,
	).Scan(&id)
	if err == nil {
		slog.Info("Store CreateSessionIfAbsent opened session", "sessionID", id, "patientID", patientID)
		return &models.ConsultationSession{ID: id, PatientID: patientID, StartTime: start}, true, nil
	}
	if !isUniqueViolation(err) {
		slog.Error("Store CreateSessionIfAbsent failed", "error", err, "patientID", patientID)
		return nil, false, fmt.Errorf("failed to open session for patient %d: %w", patientID, err)
	}

	// The partial unique index rejected us: another open session exists.
	existing, err := s.GetOpenSession(ctx, patientID)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fmt.Errorf("open session for patient %d closed concurrently: %w", patientID, ErrNotFound)
	}
	slog.Debug("Store CreateSessionIfAbsent found existing session", "sessionID", existing.ID, "patientID", patientID)
	return existing, false, nil
}

func (s *sqlStore) GetSession(ctx context.Context, id int64) (*models.ConsultationSession, error) {
	var cs models.ConsultationSession
	err := s.db.GetContext(ctx, &cs, s.q(`SELECT `+sessionColumns+` FROM consultation_sessions WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session %d: %w", id, err)
	}
	return &cs, nil
}

func (s *sqlStore) CloseSession(ctx context.Context, id int64, at time.Time, cancelled bool) (bool, error) {
	at = at.UTC()
	var cancelledAt interface{}
	if cancelled {
		cancelledAt = at
	}
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE consultation_sessions SET end_time = ?, cancelled_at = ? WHERE id = ? AND end_time IS NULL`),
		at, cancelledAt, id)
	if err != nil {
		slog.Error("Store CloseSession failed", "error", err, "sessionID", id)
		return false, fmt.Errorf("failed to close session %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("close session rows affected: %w", err)
	}
	slog.Debug("Store CloseSession", "sessionID", id, "closed", n > 0, "cancelled", cancelled)
	return n > 0, nil
}

func (s *sqlStore) AssignPhysician(ctx context.Context, sessionID, physicianID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE consultation_sessions SET physician_id = ? WHERE id = ? AND physician_id IS NULL AND end_time IS NULL`),
		physicianID, sessionID)
	if err != nil {
		return false, fmt.Errorf("failed to assign physician %d to session %d: %w", physicianID, sessionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("assign physician rows affected: %w", err)
	}
	return n > 0, nil
}

type queueRow struct {
	models.ConsultationSession
	LastName  string `db:"last_name"`
	GivenName string `db:"given_name"`
}

func (s *sqlStore) ListOpenSessions(ctx context.Context, filter models.SessionQueueFilter) ([]models.SessionSummary, error) {
	query := `SELECT cs.id, cs.patient_id, cs.physician_id, cs.start_time, cs.end_time, cs.cancelled_at, p.last_name, p.given_name
		FROM consultation_sessions cs JOIN patients p ON p.id = cs.patient_id
		WHERE cs.end_time IS NULL`
	var args []interface{}
	switch {
	case filter.Pending && filter.PhysicianID > 0:
		query += ` AND (cs.physician_id IS NULL OR cs.physician_id = ?)`
		args = append(args, filter.PhysicianID)
	case filter.Pending:
		query += ` AND cs.physician_id IS NULL`
	case filter.PhysicianID > 0:
		query += ` AND cs.physician_id = ?`
		args = append(args, filter.PhysicianID)
	}
	query += ` ORDER BY cs.start_time ASC, cs.id ASC`

	var rows []queueRow
	if err := s.db.SelectContext(ctx, &rows, s.q(query), args...); err != nil {
		slog.Error("Store ListOpenSessions failed", "error", err, "pending", filter.Pending, "physicianID", filter.PhysicianID)
		return nil, fmt.Errorf("failed to list open sessions: %w", err)
	}
	out := make([]models.SessionSummary, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.SessionSummary{
			Session:          r.ConsultationSession,
			Status:           r.ConsultationSession.Status(),
			PatientLastName:  r.LastName,
			PatientGivenName: r.GivenName,
		})
	}
	return out, nil
}

// senderColumns flattens the tagged sender into its two columns.
func senderColumns(sender models.Sender) (string, interface{}) {
	if sender.Kind == models.SenderBot {
		return string(sender.Kind), nil
	}
	return string(sender.Kind), sender.ID
}

func senderFromColumns(kind string, id sql.NullInt64) models.Sender {
	return models.Sender{Kind: models.SenderKind(kind), ID: id.Int64}
}

func (s *sqlStore) AppendMessage(ctx context.Context, m *models.Message) error {
	if !m.Sender.Valid() {
		return fmt.Errorf("invalid message sender %+v", m.Sender)
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = now()
	}
	kind, senderID := senderColumns(m.Sender)
	err := s.db.QueryRowxContext(ctx,
		s.q(`INSERT INTO session_messages (session_id, sender_kind, sender_id, content, created_at) VALUES (?, ?, ?, ?, ?) RETURNING id`),
		m.SessionID, kind, senderID, m.Content, m.Timestamp.UTC(),
	).Scan(&m.ID)
	if err != nil {
		slog.Error("Store AppendMessage failed", "error", err, "sessionID", m.SessionID)
		return fmt.Errorf("failed to append message to session %d: %w", m.SessionID, err)
	}
	slog.Debug("Store AppendMessage succeeded", "id", m.ID, "sessionID", m.SessionID, "sender", kind)
	return nil
}

func (s *sqlStore) AppendMedia(ctx context.Context, m *models.MediaMessage) error {
	if !m.Sender.Valid() {
		return fmt.Errorf("invalid media sender %+v", m.Sender)
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = now()
	}
	if m.MediaType == "" {
		m.MediaType = models.MediaTypeOther
	}
	kind, senderID := senderColumns(m.Sender)
	err := s.db.QueryRowxContext(ctx,
		s.q(`INSERT INTO session_media (session_id, sender_kind, sender_id, media_type, media_ref, file_name, mime_type, caption, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		m.SessionID, kind, senderID, string(m.MediaType), m.MediaRef, m.FileName, m.MimeType, m.Caption, m.Timestamp.UTC(),
	).Scan(&m.ID)
	if err != nil {
		slog.Error("Store AppendMedia failed", "error", err, "sessionID", m.SessionID)
		return fmt.Errorf("failed to append media to session %d: %w", m.SessionID, err)
	}
	slog.Debug("Store AppendMedia succeeded", "id", m.ID, "sessionID", m.SessionID, "type", m.MediaType)
	return nil
}

type messageRow struct {
	ID         int64         `db:"id"`
	SessionID  int64         `db:"session_id"`
	SenderKind string        `db:"sender_kind"`
	SenderID   sql.NullInt64 `db:"sender_id"`
	Content    string        `db:"content"`
	CreatedAt  time.Time     `db:"created_at"`
}

func (s *sqlStore) ListMessages(ctx context.Context, sessionID int64) ([]models.Message, error) {
	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows,
		s.q(`SELECT id, session_id, sender_kind, sender_id, content, created_at FROM session_messages
			WHERE session_id = ? ORDER BY created_at ASC, id ASC`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages for session %d: %w", sessionID, err)
	}
	msgs := make([]models.Message, 0, len(rows))
	for _, r := range rows {
		msgs = append(msgs, models.Message{
			ID:        r.ID,
			SessionID: r.SessionID,
			Sender:    senderFromColumns(r.SenderKind, r.SenderID),
			Content:   r.Content,
			Timestamp: r.CreatedAt,
		})
	}
	return msgs, nil
}

type mediaRow struct {
	ID         int64         `db:"id"`
	SessionID  int64         `db:"session_id"`
	SenderKind string        `db:"sender_kind"`
	SenderID   sql.NullInt64 `db:"sender_id"`
	MediaType  string        `db:"media_type"`
	MediaRef   string        `db:"media_ref"`
	FileName   string        `db:"file_name"`
	MimeType   string        `db:"mime_type"`
	Caption    string        `db:"caption"`
	CreatedAt  time.Time     `db:"created_at"`
}

func (s *sqlStore) ListMedia(ctx context.Context, sessionID int64) ([]models.MediaMessage, error) {
	var rows []mediaRow
	err := s.db.SelectContext(ctx, &rows,
		s.q(`SELECT id, session_id, sender_kind, sender_id, media_type, media_ref, file_name, mime_type, caption, created_at
			FROM session_media WHERE session_id = ? ORDER BY created_at ASC, id ASC`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list media for session %d: %w", sessionID, err)
	}
	media := make([]models.MediaMessage, 0, len(rows))
	for _, r := range rows {
		media = append(media, models.MediaMessage{
			ID:        r.ID,
			SessionID: r.SessionID,
			Sender:    senderFromColumns(r.SenderKind, r.SenderID),
			MediaType: models.MediaType(r.MediaType),
			MediaRef:  r.MediaRef,
			FileName:  r.FileName,
			MimeType:  r.MimeType,
			Caption:   r.Caption,
			Timestamp: r.CreatedAt,
		})
	}
	return media, nil
}
