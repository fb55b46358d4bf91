package patient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"runtime"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"

	"veydha/internal/models"
)

// ImportResult counts what a bulk import did with each entry.
type ImportResult struct {
	Created int      `json:"created"`
	Existed int      `json:"existed"`
	Invalid int      `json:"invalid"`
	Skipped []string `json:"skipped,omitempty"`
}

// ImportEntry is one element of an import file. Err is set when the element
// could not be read as a patient; such entries are counted as invalid.
type ImportEntry struct {
	Input RegisterInput
	Err   error
}

// importRecord accepts the loose typing of hand-written import files, where
// ids and passwords are often plain numbers.
type importRecord struct {
	PatientID looseString   `json:"patientId"`
	Name      looseString   `json:"name"`
	Password  looseString   `json:"password"`
	Age       *int          `json:"age,omitempty"`
	Gender    models.Gender `json:"gender,omitempty"`
}

type looseString string

func (l *looseString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*l = ""
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*l = looseString(s)
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("expected string or number, got %s", data)
		}
		*l = looseString(n.String())
	}
	return nil
}

// DecodeImport reads a JSON array of patients. Only a malformed document is
// an error; elements that do not fit a patient come back with Err set.
func DecodeImport(r io.Reader) ([]ImportEntry, error) {
	var raw []json.RawMessage
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode patients: %w", err)
	}
	entries := make([]ImportEntry, len(raw))
	for i, msg := range raw {
		var rec importRecord
		if err := json.Unmarshal(msg, &rec); err != nil {
			entries[i].Err = err
			continue
		}
		entries[i].Input = RegisterInput{
			PatientID: string(rec.PatientID),
			Name:      string(rec.Name),
			Password:  string(rec.Password),
			Age:       rec.Age,
			Gender:    rec.Gender,
		}
	}
	return entries, nil
}

// ImportPatients registers entries in order. Invalid entries and ids that
// already exist are skipped, not fatal. Passwords are hashed concurrently.
func (s *Service) ImportPatients(ctx context.Context, entries []ImportEntry) (ImportResult, error) {
	var result ImportResult

	pending := make([]RegisterInput, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	for i, entry := range entries {
		in := entry.Input
		err := entry.Err
		if err == nil {
			err = in.normalize()
		}
		if err != nil {
			result.Invalid++
			result.Skipped = append(result.Skipped, fmt.Sprintf("entry %d: %v", i, err))
			continue
		}
		exists, err := s.PatientExists(ctx, in.PatientID)
		if err != nil {
			return result, err
		}
		if exists || seen[in.PatientID] {
			result.Existed++
			result.Skipped = append(result.Skipped, fmt.Sprintf("%s: %v", in.PatientID, ErrPatientExists))
			continue
		}
		seen[in.PatientID] = true
		pending = append(pending, in)
	}

	hashes := make([]string, len(pending))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range pending {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			hash, err := bcrypt.GenerateFromPassword([]byte(pending[i].Password), s.bcryptCost)
			if err != nil {
				return fmt.Errorf("hash password for %s: %w", pending[i].PatientID, err)
			}
			hashes[i] = string(hash)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}

	for i, in := range pending {
		if _, err := s.insertPatient(ctx, in, hashes[i]); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return result, err
			}
			if errors.Is(err, ErrPatientExists) {
				result.Existed++
				result.Skipped = append(result.Skipped, fmt.Sprintf("%s: %v", in.PatientID, err))
				continue
			}
			result.Skipped = append(result.Skipped, fmt.Sprintf("%s: %v", in.PatientID, err))
			result.Invalid++
			continue
		}
		result.Created++
	}
	return result, nil
}
