package models

import "time"

type IntakeStatus string

const (
	IntakeActive     IntakeStatus = "active"
	IntakeSummarized IntakeStatus = "summarized"
	IntakeEnded      IntakeStatus = "ended"
)

// IntakeSession groups the persisted transcript of one conversation.
type IntakeSession struct {
	ID        int64        `json:"id"`
	PatientID int64        `json:"-"`
	Status    IntakeStatus `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// IntakeMessage is a persisted transcript line. ID is the transcript's own id.
type IntakeMessage struct {
	ID        string    `json:"id"`
	SessionID int64     `json:"session_id"`
	Speaker   string    `json:"speaker"`
	Content   string    `json:"content"`
	IsPrompt  bool      `json:"is_prompt"`
	Options   []string  `json:"options,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// IntakeSummary is written each time a conversation reaches its summary.
// A session restarted with New Consultation can have several.
type IntakeSummary struct {
	ID        int64     `json:"id"`
	SessionID int64     `json:"session_id"`
	Symptom   string    `json:"symptom"`
	Duration  string    `json:"duration"`
	Severity  string    `json:"severity"`
	Report    string    `json:"report"`
	CreatedAt time.Time `json:"created_at"`
}
