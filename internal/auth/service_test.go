package auth

import (
	"context"
	"database/sql"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"veydha/internal/config"
	"veydha/internal/redis"
	"veydha/internal/storage"
)

func TestAuthIssueValidateRevoke(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	insertPatient(t, db, 1)

	svc := NewService(db, nil, time.Hour)
	token, err := svc.IssueToken(context.Background(), 1)
	if err != nil {
		t.Fatalf("IssueToken error: %v", err)
	}
	if token == "" {
		t.Fatalf("expected token")
	}
	patientID, err := svc.ValidateToken(context.Background(), token)
	if err != nil || patientID != 1 {
		t.Fatalf("ValidateToken failed: id=%d err=%v", patientID, err)
	}
	if err := svc.RevokeToken(context.Background(), token); err != nil {
		t.Fatalf("RevokeToken error: %v", err)
	}
	if _, err := svc.ValidateToken(context.Background(), token); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken after revoke, got %v", err)
	}

	token2, err := svc.IssueToken(context.Background(), 1)
	if err != nil {
		t.Fatalf("IssueToken error: %v", err)
	}
	if err := svc.RevokePatientTokens(context.Background(), 1); err != nil {
		t.Fatalf("RevokePatientTokens error: %v", err)
	}
	if _, err := svc.ValidateToken(context.Background(), token2); err == nil {
		t.Fatalf("expected error after revoke all")
	}
	if _, err := svc.ValidateToken(context.Background(), ""); err != ErrTokenRequired {
		t.Fatalf("expected ErrTokenRequired, got %v", err)
	}
}

func TestAuthValidateExpiredToken(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	insertPatient(t, db, 2)

	svc := NewService(db, nil, time.Hour)
	token, err := svc.IssueToken(context.Background(), 2)
	if err != nil {
		t.Fatalf("IssueToken error: %v", err)
	}
	svc.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }
	if _, err := svc.ValidateToken(context.Background(), token); err != ErrTokenExpired {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM patient_tokens WHERE token = ?`, token).Scan(&count); err != nil {
		t.Fatalf("query tokens: %v", err)
	}
	if count != 0 {
		t.Fatalf("expired token not purged")
	}
}

func TestAuthDefaultTTL(t *testing.T) {
	svc := NewService(nil, nil, 0)
	if svc.TokenTTL() != DefaultTokenTTL {
		t.Fatalf("ttl = %v, want %v", svc.TokenTTL(), DefaultTokenTTL)
	}
}

func TestPurgeExpired(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	insertPatient(t, db, 3)

	svc := NewService(db, nil, time.Hour)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := svc.IssueToken(ctx, 3); err != nil {
			t.Fatalf("IssueToken: %v", err)
		}
	}
	if n, err := svc.PurgeExpired(ctx); err != nil || n != 0 {
		t.Fatalf("PurgeExpired before expiry: n=%d err=%v", n, err)
	}
	svc.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }
	if n, err := svc.PurgeExpired(ctx); err != nil || n != 3 {
		t.Fatalf("PurgeExpired after expiry: n=%d err=%v", n, err)
	}
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db := openTestDB(t)
	defer db.Close()
	insertPatient(t, db, 4)

	svc := NewService(db, nil, time.Hour)
	token, err := svc.IssueToken(context.Background(), 4)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	router := gin.New()
	router.GET("/me", svc.Middleware(), func(c *gin.Context) {
		id, _ := PatientIDFromContext(c)
		c.JSON(http.StatusOK, gin.H{"id": id})
	})

	cases := []struct {
		name   string
		setup  func(r *http.Request)
		status int
	}{
		{"missing", func(r *http.Request) {}, http.StatusUnauthorized},
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }, http.StatusOK},
		{"cookie", func(r *http.Request) { r.AddCookie(&http.Cookie{Name: svc.AuthCookieName(), Value: token}) }, http.StatusOK},
		{"bad", func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }, http.StatusUnauthorized},
		{"query without stream", func(r *http.Request) { r.URL.RawQuery = "token=" + token }, http.StatusUnauthorized},
		{"query on event stream", func(r *http.Request) {
			r.URL.RawQuery = "token=" + token
			r.Header.Set("Accept", "text/event-stream")
		}, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			tc.setup(req)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			if rec.Code != tc.status {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tc.status, rec.Body.String())
			}
		})
	}
}

func TestCSRFMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := NewService(nil, nil, time.Hour)
	router := gin.New()
	router.Use(svc.CSRFMiddleware())
	router.POST("/x", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	req := httptest.NewRequest(http.MethodPost, "/x", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("missing csrf: status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/x", nil)
	req.AddCookie(&http.Cookie{Name: svc.CSRFCookieName(), Value: "abc"})
	req.Header.Set(svc.CSRFHeaderName(), "abc")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("matching csrf: status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/x", nil)
	req.Header.Set("Authorization", "Bearer anything")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("bearer exempt: status = %d", rec.Code)
	}
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {
				DSN: ":memory:",
			},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	return db
}

func insertPatient(t *testing.T, db *sql.DB, id int64) {
	t.Helper()
	_, err := db.Exec(`INSERT INTO patients (id, patient_id, name, password_hash, created_at) VALUES (?, ?, ?, '', ?)`,
		id, "P-"+strconv.FormatInt(id, 10), "Patient", time.Now().UTC())
	if err != nil {
		t.Fatalf("insert patient: %v", err)
	}
}

func TestAuthTokenCacheUsesRedis(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	insertPatient(t, db, 10)

	cacheClient, cleanup := newRedisCacheClient(t)
	defer cleanup()

	svc := NewService(db, cacheClient, time.Hour)
	ctx := context.Background()

	token, err := svc.IssueToken(ctx, 10)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	key := redisTokenPrefix + token
	got, err := cacheClient.Get(ctx, key)
	if err != nil {
		t.Fatalf("get redis token: %v", err)
	}
	if got != "10" {
		t.Fatalf("expected patient 10 in redis, got %s", got)
	}

	_, _ = db.Exec(`DELETE FROM patient_tokens WHERE token = ?`, token)
	patientID, err := svc.ValidateToken(ctx, token)
	if err != nil || patientID != 10 {
		t.Fatalf("ValidateToken via redis failed: id=%d err=%v", patientID, err)
	}

	if err := svc.RevokeToken(ctx, token); err != nil {
		t.Fatalf("RevokeToken: %v", err)
	}
	if _, err := cacheClient.Get(ctx, key); err == nil {
		t.Fatalf("expected redis key deleted")
	}
	if _, err := svc.ValidateToken(ctx, token); err == nil {
		t.Fatalf("expected error after revoke and redis delete")
	}
}

func newRedisCacheClient(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis-backed auth tests")
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("atoi port: %v", err)
	}
	// a per-test namespace keeps runs apart without flushing the db
	prefix := "test:" + strconv.FormatInt(time.Now().UnixNano(), 10) + ":"
	cfg := &config.Config{Redis: config.RedisConfig{Host: host, Port: port, KeyPrefix: prefix}}
	client, err := redis.NewRedisClient(cfg)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	return client, func() { client.Close() }
}
