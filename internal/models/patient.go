package models

import "time"

type Gender string

const (
	GenderMale   Gender = "Male"
	GenderFemale Gender = "Female"
	GenderOther  Gender = "Other"
)

// Valid reports whether g is empty or one of the accepted values.
func (g Gender) Valid() bool {
	switch g {
	case "", GenderMale, GenderFemale, GenderOther:
		return true
	}
	return false
}

// Patient is a portal account. PasswordHash never leaves the service layer.
type Patient struct {
	ID            int64      `json:"id"`
	PatientID     string     `json:"patient_id"`
	Name          string     `json:"name"`
	PasswordHash  string     `json:"-"`
	Age           *int       `json:"age,omitempty"`
	Gender        Gender     `json:"gender,omitempty"`
	LastVisitDate *time.Time `json:"last_visit_date,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Consultation is one entry of a patient's visit history.
type Consultation struct {
	ID          int64     `json:"id"`
	PatientID   int64     `json:"-"`
	Date        time.Time `json:"date"`
	Diagnosis   string    `json:"diagnosis"`
	Medications []string  `json:"medications"`
}
