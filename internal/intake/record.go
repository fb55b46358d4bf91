package intake

// Script steps that feed the structured record. Later steps are kept in the
// transcript only.
const (
	StepSymptom  = 0
	StepDuration = 1
	StepSeverity = 2
)

// SymptomRecord holds the structured answers for one primary concern.
type SymptomRecord struct {
	Symptom  string `json:"symptom"`
	Duration string `json:"duration"`
	Severity string `json:"severity"`
}

// ApplyAnswer folds the answer for step into records and returns the result.
// The input slice is never modified.
func ApplyAnswer(records []SymptomRecord, step int, text string) []SymptomRecord {
	out := append([]SymptomRecord(nil), records...)
	switch step {
	case StepSymptom:
		if len(out) == 0 {
			out = append(out, SymptomRecord{Symptom: text})
		}
	case StepDuration:
		if len(out) > 0 {
			out[len(out)-1].Duration = text
		}
	case StepSeverity:
		if len(out) > 0 {
			out[len(out)-1].Severity = text
		}
	}
	return out
}
