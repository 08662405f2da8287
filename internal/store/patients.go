package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lobikohealth/LobikoPipe/internal/models"
)

// PatientRepo persists registered patients.
type PatientRepo interface {
	// CreatePatient inserts p and sets its ID and CreatedAt. Returns an error
	// wrapping ErrDuplicate if the phone number is already registered.
	CreatePatient(ctx context.Context, p *models.Patient) error
	// GetPatientByPhone returns nil, nil when no patient has that phone number.
	GetPatientByPhone(ctx context.Context, phone string) (*models.Patient, error)
	// GetPatient returns nil, nil when the id is unknown.
	GetPatient(ctx context.Context, id int64) (*models.Patient, error)
}

const patientColumns = `id, phone, whatsapp_id, last_name, middle_name, given_name, sex, birth_date,
	marital_status, district, neighborhood, street, languages, created_at`

func (s *sqlStore) CreatePatient(ctx context.Context, p *models.Patient) error {
	if p.Languages == nil {
		p.Languages = models.LanguageList{}
	}
	p.CreatedAt = now()
	query := s.q(`INSERT INTO patients (phone, whatsapp_id, last_name, middle_name, given_name, sex, birth_date,
		marital_status, district, neighborhood, street, languages, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`)

	err := s.db.QueryRowxContext(ctx, query,
		p.Phone, p.WhatsAppID, p.LastName, p.MiddleName, p.GivenName, p.Sex, p.BirthDate,
		p.MaritalStatus, p.District, p.Neighborhood, p.Street, p.Languages, p.CreatedAt,
	).Scan(&p.ID)
	if err != nil {
		if isUniqueViolation(err) {
			slog.Warn("Store CreatePatient duplicate phone", "phone", p.Phone)
			return fmt.Errorf("patient with phone %s: %w", p.Phone, ErrDuplicate)
		}
		slog.Error("Store CreatePatient failed", "error", err, "phone", p.Phone)
		return fmt.Errorf("failed to insert patient %s: %w", p.Phone, err)
	}
	slog.Debug("Store CreatePatient succeeded", "id", p.ID, "phone", p.Phone)
	return nil
}

func (s *sqlStore) GetPatientByPhone(ctx context.Context, phone string) (*models.Patient, error) {
	var p models.Patient
	err := s.db.GetContext(ctx, &p, s.q(`SELECT `+patientColumns+` FROM patients WHERE phone = ?`), phone)
	if errors.Is(err, sql.ErrNoRows) {
		slog.Debug("Store GetPatientByPhone not found", "phone", phone)
		return nil, nil
	}
	if err != nil {
		slog.Error("Store GetPatientByPhone failed", "error", err, "phone", phone)
		return nil, fmt.Errorf("failed to query patient %s: %w", phone, err)
	}
	return &p, nil
}

func (s *sqlStore) GetPatient(ctx context.Context, id int64) (*models.Patient, error) {
	var p models.Patient
	err := s.db.GetContext(ctx, &p, s.q(`SELECT `+patientColumns+` FROM patients WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("Store GetPatient failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to query patient %d: %w", id, err)
	}
	return &p, nil
}
