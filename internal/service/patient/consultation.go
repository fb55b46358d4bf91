package patient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"veydha/internal/models"
)

var ErrDiagnosisRequired = errors.New("diagnosis is required")

// AddConsultation appends a visit to the patient's history. A zero date
// means now.
func (s *Service) AddConsultation(ctx context.Context, patientID int64, date time.Time, diagnosis string, medications []string) (*models.Consultation, error) {
	if patientID <= 0 {
		return nil, errors.New("patient id is required")
	}
	diagnosis = strings.TrimSpace(diagnosis)
	if diagnosis == "" {
		return nil, ErrDiagnosisRequired
	}
	if date.IsZero() {
		date = s.now()
	}
	meds := make([]string, 0, len(medications))
	for _, m := range medications {
		if m = strings.TrimSpace(m); m != "" {
			meds = append(meds, m)
		}
	}
	encoded, err := json.Marshal(meds)
	if err != nil {
		return nil, fmt.Errorf("encode medications: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO consultations (patient_id, date, diagnosis, medications) VALUES (?, ?, ?, ?)`,
		patientID, date.UTC(), diagnosis, string(encoded),
	)
	if err != nil {
		return nil, fmt.Errorf("insert consultation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("consultation id: %w", err)
	}
	return &models.Consultation{ID: id, PatientID: patientID, Date: date.UTC(), Diagnosis: diagnosis, Medications: meds}, nil
}

// ListConsultations returns the history newest first.
func (s *Service) ListConsultations(ctx context.Context, patientID int64) ([]models.Consultation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, patient_id, date, diagnosis, medications FROM consultations WHERE patient_id = ? ORDER BY date DESC, id DESC`,
		patientID,
	)
	if err != nil {
		return nil, fmt.Errorf("list consultations: %w", err)
	}
	defer rows.Close()

	consultations := make([]models.Consultation, 0)
	for rows.Next() {
		var (
			c    models.Consultation
			meds string
		)
		if err := rows.Scan(&c.ID, &c.PatientID, &c.Date, &c.Diagnosis, &meds); err != nil {
			return nil, fmt.Errorf("scan consultation: %w", err)
		}
		if err := json.Unmarshal([]byte(meds), &c.Medications); err != nil {
			return nil, fmt.Errorf("decode medications: %w", err)
		}
		consultations = append(consultations, c)
	}
	return consultations, rows.Err()
}
