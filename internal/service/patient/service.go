package patient

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"veydha/internal/models"
	"veydha/internal/storage"
)

var (
	ErrMissingFields      = errors.New("patientId, name and password are required")
	ErrPatientExists      = errors.New("patient already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidGender      = errors.New("gender must be Male, Female or Other")
	ErrInvalidAge         = errors.New("age cannot be negative")
	ErrPasswordTooLong    = fmt.Errorf("password cannot exceed %d bytes", maxPasswordBytes)
)

// bcrypt ignores input past this length and rejects it outright.
const maxPasswordBytes = 72

// Service handles patient accounts, visit history and intake persistence.
type Service struct {
	db         *sql.DB
	bcryptCost int
	now        func() time.Time
}

// NewService builds a patient service on db.
func NewService(db *sql.DB) *Service {
	return &Service{
		db:         db,
		bcryptCost: bcrypt.DefaultCost,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// RegisterInput is the sign-up payload. The JSON names match the portal
// and the bulk import file.
type RegisterInput struct {
	PatientID string        `json:"patientId"`
	Name      string        `json:"name"`
	Password  string        `json:"password"`
	Age       *int          `json:"age,omitempty"`
	Gender    models.Gender `json:"gender,omitempty"`
}

func (in *RegisterInput) normalize() error {
	in.PatientID = strings.TrimSpace(in.PatientID)
	in.Name = strings.TrimSpace(in.Name)
	if in.PatientID == "" || in.Name == "" || strings.TrimSpace(in.Password) == "" {
		return ErrMissingFields
	}
	if len(in.Password) > maxPasswordBytes {
		return ErrPasswordTooLong
	}
	if !in.Gender.Valid() {
		return ErrInvalidGender
	}
	if in.Age != nil && *in.Age < 0 {
		return ErrInvalidAge
	}
	return nil
}

// RegisterPatient creates an account with a bcrypt-hashed password.
func (s *Service) RegisterPatient(ctx context.Context, in RegisterInput) (*models.Patient, error) {
	if err := in.normalize(); err != nil {
		return nil, err
	}
	exists, err := s.PatientExists(ctx, in.PatientID)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrPatientExists
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	return s.insertPatient(ctx, in, string(hash))
}

func (s *Service) insertPatient(ctx context.Context, in RegisterInput, hash string) (*models.Patient, error) {
	now := s.now()
	var gender sql.NullString
	if in.Gender != "" {
		gender = sql.NullString{String: string(in.Gender), Valid: true}
	}
	var age sql.NullInt64
	if in.Age != nil {
		age = sql.NullInt64{Int64: int64(*in.Age), Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO patients (patient_id, name, password_hash, age, gender, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		in.PatientID, in.Name, hash, age, gender, now,
	)
	if err != nil {
		if storage.IsUniqueViolation(err) {
			return nil, ErrPatientExists
		}
		return nil, fmt.Errorf("create patient: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("patient id: %w", err)
	}
	return &models.Patient{
		ID:           id,
		PatientID:    in.PatientID,
		Name:         in.Name,
		PasswordHash: hash,
		Age:          in.Age,
		Gender:       in.Gender,
		CreatedAt:    now,
	}, nil
}

// PatientExists reports whether patientID is taken.
func (s *Service) PatientExists(ctx context.Context, patientID string) (bool, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM patients WHERE patient_id = ?)`, strings.TrimSpace(patientID),
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check patient: %w", err)
	}
	return exists, nil
}

// Login checks credentials and stamps the visit date.
func (s *Service) Login(ctx context.Context, patientID, password string) (*models.Patient, error) {
	patientID = strings.TrimSpace(patientID)
	if patientID == "" || password == "" {
		return nil, ErrInvalidCredentials
	}
	p, err := s.scanPatient(s.db.QueryRowContext(ctx, selectPatient+` WHERE patient_id = ?`, patientID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("query patient: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(p.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	now := s.now()
	if _, err := s.db.ExecContext(ctx, `UPDATE patients SET last_visit_date = ? WHERE id = ?`, now, p.ID); err != nil {
		return nil, fmt.Errorf("touch last visit: %w", err)
	}
	p.LastVisitDate = &now
	return p, nil
}

// GetPatient loads a profile by row id. Missing rows return sql.ErrNoRows.
func (s *Service) GetPatient(ctx context.Context, id int64) (*models.Patient, error) {
	p, err := s.scanPatient(s.db.QueryRowContext(ctx, selectPatient+` WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get patient: %w", err)
	}
	return p, nil
}

const selectPatient = `SELECT id, patient_id, name, password_hash, age, gender, last_visit_date, created_at FROM patients`

func (s *Service) scanPatient(row *sql.Row) (*models.Patient, error) {
	var (
		p         models.Patient
		age       sql.NullInt64
		gender    sql.NullString
		lastVisit sql.NullTime
	)
	if err := row.Scan(&p.ID, &p.PatientID, &p.Name, &p.PasswordHash, &age, &gender, &lastVisit, &p.CreatedAt); err != nil {
		return nil, err
	}
	if age.Valid {
		v := int(age.Int64)
		p.Age = &v
	}
	p.Gender = models.Gender(gender.String)
	if lastVisit.Valid {
		t := lastVisit.Time
		p.LastVisitDate = &t
	}
	return &p, nil
}
