package patient

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"veydha/internal/config"
	"veydha/internal/models"
	"veydha/internal/storage"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc := NewService(openTestDB(t))
	svc.bcryptCost = bcrypt.MinCost
	return svc
}

func intPtr(v int) *int { return &v }

func TestRegisterAndLogin(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	p, err := svc.RegisterPatient(ctx, RegisterInput{
		PatientID: "  P-100 ",
		Name:      " Asha Rao ",
		Password:  "s3cret",
		Age:       intPtr(34),
		Gender:    models.GenderFemale,
	})
	require.NoError(t, err)
	assert.Equal(t, "P-100", p.PatientID)
	assert.Equal(t, "Asha Rao", p.Name)
	assert.NotEqual(t, "s3cret", p.PasswordHash)

	_, err = svc.RegisterPatient(ctx, RegisterInput{PatientID: "P-100", Name: "Dup", Password: "x"})
	assert.ErrorIs(t, err, ErrPatientExists)

	_, err = svc.Login(ctx, "P-100", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = svc.Login(ctx, "nobody", "s3cret")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	logged, err := svc.Login(ctx, "P-100", "s3cret")
	require.NoError(t, err)
	require.NotNil(t, logged.LastVisitDate)

	got, err := svc.GetPatient(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Age)
	assert.Equal(t, 34, *got.Age)
	assert.Equal(t, models.GenderFemale, got.Gender)
	require.NotNil(t, got.LastVisitDate)
	assert.WithinDuration(t, *logged.LastVisitDate, *got.LastVisitDate, time.Second)
}

func TestRegisterValidation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		in   RegisterInput
		want error
	}{
		{RegisterInput{Name: "n", Password: "p"}, ErrMissingFields},
		{RegisterInput{PatientID: "id", Password: "p"}, ErrMissingFields},
		{RegisterInput{PatientID: "id", Name: "n", Password: "   "}, ErrMissingFields},
		{RegisterInput{PatientID: "id", Name: "n", Password: "p", Gender: "unknown"}, ErrInvalidGender},
		{RegisterInput{PatientID: "id", Name: "n", Password: "p", Age: intPtr(-1)}, ErrInvalidAge},
	}
	for _, tc := range cases {
		_, err := svc.RegisterPatient(ctx, tc.in)
		assert.ErrorIs(t, err, tc.want)
	}
}

func TestGetPatientMissing(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.GetPatient(context.Background(), 999)
	assert.True(t, errors.Is(err, sql.ErrNoRows))
}

func TestConsultations(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	p, err := svc.RegisterPatient(ctx, RegisterInput{PatientID: "P-1", Name: "n", Password: "p"})
	require.NoError(t, err)

	_, err = svc.AddConsultation(ctx, p.ID, time.Time{}, "  ", nil)
	assert.ErrorIs(t, err, ErrDiagnosisRequired)

	older := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	_, err = svc.AddConsultation(ctx, p.ID, older, "Migraine", []string{"Ibuprofen", " "})
	require.NoError(t, err)
	_, err = svc.AddConsultation(ctx, p.ID, time.Time{}, "Flu", nil)
	require.NoError(t, err)

	list, err := svc.ListConsultations(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "Flu", list[0].Diagnosis)
	assert.Empty(t, list[0].Medications)
	assert.Equal(t, "Migraine", list[1].Diagnosis)
	assert.Equal(t, []string{"Ibuprofen"}, list[1].Medications)
	assert.True(t, list[1].Date.Equal(older))
}

func TestIntakePersistence(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	p, err := svc.RegisterPatient(ctx, RegisterInput{PatientID: "P-2", Name: "n", Password: "p"})
	require.NoError(t, err)
	other, err := svc.RegisterPatient(ctx, RegisterInput{PatientID: "P-3", Name: "o", Password: "p"})
	require.NoError(t, err)

	session, err := svc.CreateIntakeSession(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.IntakeActive, session.Status)

	now := time.Now().UTC()
	msgs := []models.IntakeMessage{
		{ID: "a", SessionID: session.ID, Speaker: "bot", Content: "What is your primary symptom or concern?", IsPrompt: true, CreatedAt: now},
		{ID: "b", SessionID: session.ID, Speaker: "user", Content: "Fever", CreatedAt: now},
		{ID: "c", SessionID: session.ID, Speaker: "bot", Content: "menu", Options: []string{"New Consultation", "End Session"}, CreatedAt: now},
	}
	for _, m := range msgs {
		require.NoError(t, svc.AppendIntakeMessage(ctx, m))
	}
	require.NoError(t, svc.AppendIntakeMessage(ctx, msgs[1]), "duplicate ids are ignored")

	stored, err := svc.GetIntakeMessages(ctx, p.ID, session.ID)
	require.NoError(t, err)
	require.Len(t, stored, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{stored[0].ID, stored[1].ID, stored[2].ID})
	assert.True(t, stored[0].IsPrompt)
	assert.Equal(t, []string{"New Consultation", "End Session"}, stored[2].Options)

	_, err = svc.GetIntakeMessages(ctx, other.ID, session.ID)
	assert.ErrorIs(t, err, sql.ErrNoRows)

	_, err = svc.AddIntakeSummary(ctx, models.IntakeSummary{
		SessionID: session.ID, Symptom: "Fever", Duration: "3 days", Severity: "7", Report: "## Symptom Analysis Summary",
	})
	require.NoError(t, err)

	history, err := svc.ListIntakeHistory(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.IntakeSummarized, history[0].Status)
	require.Len(t, history[0].Summaries, 1)
	assert.Equal(t, "Fever", history[0].Summaries[0].Symptom)

	require.NoError(t, svc.UpdateIntakeStatus(ctx, session.ID, models.IntakeEnded))
	assert.ErrorIs(t, svc.UpdateIntakeStatus(ctx, 12345, models.IntakeEnded), sql.ErrNoRows)

	empty, err := svc.ListIntakeHistory(ctx, other.ID)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestImportPatients(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	_, err := svc.RegisterPatient(ctx, RegisterInput{PatientID: "P-1", Name: "Existing", Password: "p"})
	require.NoError(t, err)

	entries, err := DecodeImport(strings.NewReader(`[
		{"patientId": "P-1", "name": "Existing", "password": "p"},
		{"patientId": "P-2", "name": "Bina", "password": "pw2", "age": 40, "gender": "Female"},
		{"patientId": "P-3", "name": "Chet", "password": "pw3"},
		{"patientId": "P-3", "name": "Chet again", "password": "pw3"},
		{"name": "No id", "password": "x"},
		{"patientId": "P-4", "name": "Bad gender", "password": "x", "gender": "robot"}
	]`))
	require.NoError(t, err)
	require.Len(t, entries, 6)

	res, err := svc.ImportPatients(ctx, entries)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Created)
	assert.Equal(t, 2, res.Existed)
	assert.Equal(t, 2, res.Invalid)
	assert.Len(t, res.Skipped, 4)

	p, err := svc.Login(ctx, "P-2", "pw2")
	require.NoError(t, err)
	assert.Equal(t, models.GenderFemale, p.Gender)
}

func TestDecodeImportRejectsNonArray(t *testing.T) {
	_, err := DecodeImport(strings.NewReader(`{"patientId": "x"}`))
	assert.Error(t, err)
}

func TestDecodeImportLooseTypes(t *testing.T) {
	entries, err := DecodeImport(strings.NewReader(`[
		{"patientId": "P1", "name": "A", "password": 1234},
		{"patientId": 42, "name": "B", "password": "ok"},
		{"patientId": "P3", "name": "C", "password": true},
		"not an object",
		{"patientId": "P5", "name": "E", "password": null}
	]`))
	require.NoError(t, err)
	require.Len(t, entries, 5)

	assert.NoError(t, entries[0].Err)
	assert.Equal(t, "1234", entries[0].Input.Password)
	assert.NoError(t, entries[1].Err)
	assert.Equal(t, "42", entries[1].Input.PatientID)
	assert.Error(t, entries[2].Err)
	assert.Error(t, entries[3].Err)
	assert.NoError(t, entries[4].Err)
	assert.Empty(t, entries[4].Input.Password)
}

func TestImportPatientsSkipsUndecodableEntries(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	entries, err := DecodeImport(strings.NewReader(`[
		{"patientId": "P1", "name": "A", "password": 1234},
		{"patientId": "P2", "name": "B", "password": "ok"},
		{"patientId": "P3", "name": "C", "password": {"nested": true}},
		{"patientId": "P4", "name": "D", "age": "old", "password": "x"}
	]`))
	require.NoError(t, err)

	res, err := svc.ImportPatients(ctx, entries)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Created)
	assert.Equal(t, 2, res.Invalid)
	assert.Len(t, res.Skipped, 2)

	_, err = svc.Login(ctx, "P1", "1234")
	assert.NoError(t, err)
	_, err = svc.Login(ctx, "P2", "ok")
	assert.NoError(t, err)
}

func TestImportPatientsSkipsLongPasswords(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	entries := []ImportEntry{
		{Input: RegisterInput{PatientID: "P1", Name: "A", Password: "fine"}},
		{Input: RegisterInput{PatientID: "P2", Name: "B", Password: strings.Repeat("x", 80)}},
	}
	res, err := svc.ImportPatients(ctx, entries)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 1, res.Invalid)
	require.Len(t, res.Skipped, 1)
	assert.Contains(t, res.Skipped[0], ErrPasswordTooLong.Error())
}

func TestRegisterRejectsLongPassword(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.RegisterPatient(ctx, RegisterInput{PatientID: "P1", Name: "A", Password: strings.Repeat("x", 73)})
	assert.ErrorIs(t, err, ErrPasswordTooLong)

	_, err = svc.RegisterPatient(ctx, RegisterInput{PatientID: "P1", Name: "A", Password: strings.Repeat("x", 72)})
	assert.NoError(t, err)
}

func TestInsertDuplicateMapsToExists(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	in := RegisterInput{PatientID: "P1", Name: "A", Password: "pw"}
	_, err := svc.insertPatient(ctx, in, "hash")
	require.NoError(t, err)

	// a registration that passed the existence check before the first insert
	_, err = svc.insertPatient(ctx, in, "hash")
	assert.ErrorIs(t, err, ErrPatientExists)
}
