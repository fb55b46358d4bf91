package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"veydha/internal/redis"
)

// DefaultTokenTTL matches the portal's 30 day sign-in.
const DefaultTokenTTL = 30 * 24 * time.Hour

const redisTokenPrefix = "auth:token:"

var (
	ErrTokenRequired = errors.New("authorization required")
	ErrInvalidToken  = errors.New("invalid token")
	ErrTokenExpired  = errors.New("token expired")
)

// Service issues, validates, and revokes patient authentication tokens.
// Tokens live in patient_tokens; when a redis client is supplied valid
// tokens are also cached there until expiry.
type Service struct {
	db             *sql.DB
	cache          *redis.Client
	tokenTTL       time.Duration
	cookieName     string
	headerName     string
	csrfCookieName string
	csrfHeaderName string
	logger         zerolog.Logger
	now            func() time.Time
}

// NewService constructs an auth service. cache may be nil.
func NewService(db *sql.DB, cache *redis.Client, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Service{
		db:             db,
		cache:          cache,
		tokenTTL:       ttl,
		cookieName:     "auth_token",
		headerName:     "Authorization",
		csrfCookieName: "csrf_token",
		csrfHeaderName: "X-CSRF-Token",
		logger:         log.With().Str("component", "auth").Logger(),
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// IssueToken mints a new random token for the patient and persists it.
func (s *Service) IssueToken(ctx context.Context, patientID int64) (string, error) {
	if patientID <= 0 {
		return "", errors.New("invalid patient id")
	}
	now := s.now()
	expiresAt := now.Add(s.tokenTTL)
	var lastErr error
	for i := 0; i < 5; i++ {
		token, err := generateToken()
		if err != nil {
			return "", err
		}
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO patient_tokens (token, patient_id, created_at, expires_at) VALUES (?, ?, ?, ?)`,
			token, patientID, now, expiresAt,
		)
		if err == nil {
			s.cacheToken(ctx, token, patientID, s.tokenTTL)
			return token, nil
		}
		lastErr = err
	}
	return "", fmt.Errorf("could not issue token: %w", lastErr)
}

// NewCSRFToken returns a random token used for CSRF protection.
func (s *Service) NewCSRFToken() (string, error) {
	return generateToken()
}

// ValidateToken verifies the token exists and has not expired, returning
// the patient's row id.
func (s *Service) ValidateToken(ctx context.Context, authToken string) (int64, error) {
	if authToken == "" {
		return 0, ErrTokenRequired
	}
	if id, ok := s.cachedToken(ctx, authToken); ok {
		return id, nil
	}

	var patientID int64
	var expires time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT patient_id, expires_at FROM patient_tokens WHERE token = ?`, authToken,
	).Scan(&patientID, &expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrInvalidToken
		}
		return 0, fmt.Errorf("lookup token: %w", err)
	}
	now := s.now()
	if !now.Before(expires) {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM patient_tokens WHERE token = ?`, authToken)
		return 0, ErrTokenExpired
	}
	s.cacheToken(ctx, authToken, patientID, expires.Sub(now))
	return patientID, nil
}

// RevokeToken deletes a single token.
func (s *Service) RevokeToken(ctx context.Context, authToken string) error {
	if authToken == "" {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM patient_tokens WHERE token = ?`, authToken); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	s.dropCached(ctx, authToken)
	return nil
}

// RevokePatientTokens removes all tokens belonging to the patient.
func (s *Service) RevokePatientTokens(ctx context.Context, patientID int64) error {
	if patientID <= 0 {
		return nil
	}
	tokens, err := s.patientTokens(ctx, patientID)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM patient_tokens WHERE patient_id = ?`, patientID); err != nil {
		return fmt.Errorf("revoke patient tokens: %w", err)
	}
	s.dropCached(ctx, tokens...)
	return nil
}

func (s *Service) patientTokens(ctx context.Context, patientID int64) ([]string, error) {
	if s.cache == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT token FROM patient_tokens WHERE patient_id = ?`, patientID)
	if err != nil {
		return nil, fmt.Errorf("list patient tokens: %w", err)
	}
	defer rows.Close()
	var tokens []string
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		tokens = append(tokens, token)
	}
	return tokens, rows.Err()
}

func (s *Service) cacheToken(ctx context.Context, token string, patientID int64, ttl time.Duration) {
	if s.cache == nil || ttl <= 0 {
		return
	}
	if err := s.cache.Set(ctx, redisTokenPrefix+token, strconv.FormatInt(patientID, 10), ttl); err != nil {
		s.logger.Warn().Err(err).Msg("cache token")
	}
}

func (s *Service) cachedToken(ctx context.Context, token string) (int64, bool) {
	if s.cache == nil {
		return 0, false
	}
	raw, err := s.cache.Get(ctx, redisTokenPrefix+token)
	if err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			s.logger.Warn().Err(err).Msg("read cached token")
		}
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func (s *Service) dropCached(ctx context.Context, tokens ...string) {
	if s.cache == nil || len(tokens) == 0 {
		return
	}
	keys := make([]string, len(tokens))
	for i, t := range tokens {
		keys[i] = redisTokenPrefix + t
	}
	if err := s.cache.Del(ctx, keys...); err != nil {
		s.logger.Warn().Err(err).Msg("drop cached tokens")
	}
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// AuthCookieName returns the cookie name storing auth tokens.
func (s *Service) AuthCookieName() string {
	return s.cookieName
}

// CSRFCookieName returns the cookie used for CSRF tokens.
func (s *Service) CSRFCookieName() string {
	return s.csrfCookieName
}

// CSRFHeaderName returns the CSRF header name.
func (s *Service) CSRFHeaderName() string {
	return s.csrfHeaderName
}

// TokenTTL reports the configured token lifetime.
func (s *Service) TokenTTL() time.Duration {
	return s.tokenTTL
}
