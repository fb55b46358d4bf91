package patient

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"veydha/internal/models"
)

// IntakeRecord is one past intake with the summaries it produced.
type IntakeRecord struct {
	models.IntakeSession
	Summaries []models.IntakeSummary `json:"summaries"`
}

// CreateIntakeSession opens a new persisted intake for the patient.
func (s *Service) CreateIntakeSession(ctx context.Context, patientID int64) (*models.IntakeSession, error) {
	if patientID <= 0 {
		return nil, errors.New("patient id is required")
	}
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO intake_sessions (patient_id, status, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		patientID, models.IntakeActive, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create intake session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("intake session id: %w", err)
	}
	return &models.IntakeSession{ID: id, PatientID: patientID, Status: models.IntakeActive, CreatedAt: now, UpdatedAt: now}, nil
}

// UpdateIntakeStatus moves a session to status.
func (s *Service) UpdateIntakeStatus(ctx context.Context, sessionID int64, status models.IntakeStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE intake_sessions SET status = ?, updated_at = ? WHERE id = ?`,
		status, s.now(), sessionID,
	)
	if err != nil {
		return fmt.Errorf("update intake status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// AppendIntakeMessage stores one transcript line. Lines are written in
// transcript order; re-sending a stored id is a no-op.
func (s *Service) AppendIntakeMessage(ctx context.Context, msg models.IntakeMessage) error {
	var options sql.NullString
	if len(msg.Options) > 0 {
		raw, err := json.Marshal(msg.Options)
		if err != nil {
			return fmt.Errorf("encode options: %w", err)
		}
		options = sql.NullString{String: string(raw), Valid: true}
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM intake_messages WHERE id = ?)`, msg.ID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("check intake message: %w", err)
	}
	if exists {
		return nil
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO intake_messages (id, session_id, speaker, content, is_prompt, options, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.Speaker, msg.Content, msg.IsPrompt, options, msg.CreatedAt.UTC(),
	); err != nil {
		return fmt.Errorf("insert intake message: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE intake_sessions SET updated_at = ? WHERE id = ?`, s.now(), msg.SessionID); err != nil {
		return fmt.Errorf("touch intake session: %w", err)
	}
	return nil
}

// AddIntakeSummary records a delivered summary and marks the session summarized.
func (s *Service) AddIntakeSummary(ctx context.Context, sum models.IntakeSummary) (*models.IntakeSummary, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := s.now()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO intake_summaries (session_id, symptom, duration, severity, report, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		sum.SessionID, sum.Symptom, sum.Duration, sum.Severity, sum.Report, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert intake summary: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("intake summary id: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE intake_sessions SET status = ?, updated_at = ? WHERE id = ?`,
		models.IntakeSummarized, now, sum.SessionID,
	); err != nil {
		return nil, fmt.Errorf("mark intake summarized: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit intake summary: %w", err)
	}
	sum.ID = id
	sum.CreatedAt = now
	return &sum, nil
}

// ListIntakeHistory returns the patient's intakes newest first.
func (s *Service) ListIntakeHistory(ctx context.Context, patientID int64) ([]IntakeRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, patient_id, status, created_at, updated_at FROM intake_sessions WHERE patient_id = ? ORDER BY updated_at DESC, id DESC`,
		patientID,
	)
	if err != nil {
		return nil, fmt.Errorf("list intake sessions: %w", err)
	}
	records := make([]IntakeRecord, 0)
	index := make(map[int64]int)
	for rows.Next() {
		var r IntakeRecord
		if err := rows.Scan(&r.ID, &r.PatientID, &r.Status, &r.CreatedAt, &r.UpdatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan intake session: %w", err)
		}
		r.Summaries = make([]models.IntakeSummary, 0)
		index[r.ID] = len(records)
		records = append(records, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return records, nil
	}

	sumRows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.session_id, m.symptom, m.duration, m.severity, m.report, m.created_at
		FROM intake_summaries m JOIN intake_sessions s ON s.id = m.session_id
		WHERE s.patient_id = ? ORDER BY m.id ASC`,
		patientID,
	)
	if err != nil {
		return nil, fmt.Errorf("list intake summaries: %w", err)
	}
	defer sumRows.Close()
	for sumRows.Next() {
		var m models.IntakeSummary
		if err := sumRows.Scan(&m.ID, &m.SessionID, &m.Symptom, &m.Duration, &m.Severity, &m.Report, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan intake summary: %w", err)
		}
		if i, ok := index[m.SessionID]; ok {
			records[i].Summaries = append(records[i].Summaries, m)
		}
	}
	return records, sumRows.Err()
}

// GetIntakeMessages returns a session's stored transcript in order. A
// session that does not belong to the patient returns sql.ErrNoRows.
func (s *Service) GetIntakeMessages(ctx context.Context, patientID, sessionID int64) ([]models.IntakeMessage, error) {
	var owner int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT patient_id FROM intake_sessions WHERE id = ?`, sessionID,
	).Scan(&owner); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get intake session: %w", err)
	}
	if owner != patientID {
		return nil, sql.ErrNoRows
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, speaker, content, is_prompt, options, created_at FROM intake_messages WHERE session_id = ? ORDER BY seq ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list intake messages: %w", err)
	}
	defer rows.Close()

	messages := make([]models.IntakeMessage, 0)
	for rows.Next() {
		var (
			m       models.IntakeMessage
			options sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Speaker, &m.Content, &m.IsPrompt, &options, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan intake message: %w", err)
		}
		if options.Valid && options.String != "" {
			if err := json.Unmarshal([]byte(options.String), &m.Options); err != nil {
				return nil, fmt.Errorf("decode options: %w", err)
			}
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}
