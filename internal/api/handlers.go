package api

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"veydha/internal/auth"
	"veydha/internal/intake"
	"veydha/internal/models"
	"veydha/internal/observe"
	"veydha/internal/redis"
	"veydha/internal/service/patient"
	"veydha/internal/worker"
)

// IntakeManager owns the live intake conversations.
type IntakeManager interface {
	Start(ctx context.Context, patientID int64) (*worker.Conversation, bool, error)
	Get(patientID int64) (*worker.Conversation, bool)
	Lookup(ctx context.Context, patientID int64) (worker.View, bool)
	SubmitText(patientID int64, text string) (intake.Snapshot, error)
	SelectOption(patientID int64, label string) (intake.Snapshot, error)
	Release(ctx context.Context, patientID int64)
}

// Handler wires HTTP routes to the patient service and the intake manager.
type Handler struct {
	patients *patient.Service
	auth     *auth.Service
	intake   IntakeManager
	db       *sql.DB
	cache    *redis.Client
	metrics  *observe.Metrics
}

// NewHandler constructs a Handler instance. cache and metrics may be nil.
func NewHandler(patients *patient.Service, authService *auth.Service, manager IntakeManager, db *sql.DB, cache *redis.Client, metrics *observe.Metrics) *Handler {
	return &Handler{
		patients: patients,
		auth:     authService,
		intake:   manager,
		db:       db,
		cache:    cache,
		metrics:  metrics,
	}
}

func (h *Handler) authorizedPatientID(c *gin.Context) (int64, bool) {
	patientID, ok := auth.PatientIDFromContext(c)
	if !ok || patientID <= 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return 0, false
	}
	return patientID, true
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(RequestID(), RequestLogger(h.metrics))

	router.GET("/healthz", h.health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	api.POST("/auth/register", h.registerPatient)
	api.POST("/auth/login", h.loginPatient)

	authed := api.Group("")
	authed.Use(h.auth.Middleware(), h.auth.CSRFMiddleware())
	authed.POST("/auth/logout", h.logoutPatient)
	authed.GET("/patients/me", h.getProfile)
	authed.GET("/patients/me/consultations", h.listConsultations)
	authed.POST("/patients/me/consultations", h.addConsultation)

	intakeRoutes := authed.Group("/intake")
	intakeRoutes.POST("/session", h.startIntake)
	intakeRoutes.GET("/session", h.getIntake)
	intakeRoutes.POST("/session/messages", h.submitIntakeText)
	intakeRoutes.POST("/session/options", h.selectIntakeOption)
	intakeRoutes.GET("/session/events", h.streamIntake)
	intakeRoutes.GET("/session/ws", h.intakeSocket)
	intakeRoutes.GET("/history", h.intakeHistory)
	intakeRoutes.GET("/history/:session_id/messages", h.intakeTranscript)
}

func (h *Handler) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	status := gin.H{"database": "ok"}
	code := http.StatusOK
	if err := h.db.PingContext(ctx); err != nil {
		status["database"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	if h.cache != nil {
		status["redis"] = "ok"
		if err := h.cache.Ping(ctx); err != nil {
			status["redis"] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	c.JSON(code, status)
}

func (h *Handler) registerPatient(c *gin.Context) {
	var req patient.RegisterInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	p, err := h.patients.RegisterPatient(c.Request.Context(), req)
	if err != nil {
		if isPatientInputError(err) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "register failed"})
		return
	}
	token, ok := h.issueSession(c, p.ID)
	if !ok {
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":        p.ID,
		"patientId": p.PatientID,
		"name":      p.Name,
		"token":     token,
	})
}

func isPatientInputError(err error) bool {
	for _, target := range []error{patient.ErrMissingFields, patient.ErrPatientExists, patient.ErrInvalidGender, patient.ErrInvalidAge, patient.ErrPasswordTooLong} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

type loginRequest struct {
	PatientID string `json:"patientId"`
	Password  string `json:"password"`
}

func (h *Handler) loginPatient(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	p, err := h.patients.Login(c.Request.Context(), req.PatientID, req.Password)
	if err != nil {
		if errors.Is(err, patient.ErrInvalidCredentials) || errors.Is(err, patient.ErrMissingFields) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": patient.ErrInvalidCredentials.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}
	token, ok := h.issueSession(c, p.ID)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":        p.ID,
		"patientId": p.PatientID,
		"name":      p.Name,
		"token":     token,
	})
}

func (h *Handler) issueSession(c *gin.Context, patientID int64) (string, bool) {
	authToken, err := h.auth.IssueToken(c.Request.Context(), patientID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return "", false
	}
	csrfToken, err := h.auth.NewCSRFToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return "", false
	}
	h.setAuthCookies(c, authToken, csrfToken)
	return authToken, true
}

func (h *Handler) logoutPatient(c *gin.Context) {
	patientID, ok := h.authorizedPatientID(c)
	if !ok {
		return
	}
	h.intake.Release(c.Request.Context(), patientID)
	if authToken, ok := auth.AuthTokenFromContext(c); ok {
		_ = h.auth.RevokeToken(c.Request.Context(), authToken)
	}
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

func (h *Handler) getProfile(c *gin.Context) {
	patientID, ok := h.authorizedPatientID(c)
	if !ok {
		return
	}
	p, err := h.patients.GetPatient(c.Request.Context(), patientID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "patient not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) listConsultations(c *gin.Context) {
	patientID, ok := h.authorizedPatientID(c)
	if !ok {
		return
	}
	list, err := h.patients.ListConsultations(c.Request.Context(), patientID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if list == nil {
		list = make([]models.Consultation, 0)
	}
	c.JSON(http.StatusOK, gin.H{"consultations": list})
}

type consultationRequest struct {
	Date        *time.Time `json:"date"`
	Diagnosis   string     `json:"diagnosis"`
	Medications []string   `json:"medications"`
}

func (h *Handler) addConsultation(c *gin.Context) {
	patientID, ok := h.authorizedPatientID(c)
	if !ok {
		return
	}
	var req consultationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	var date time.Time
	if req.Date != nil {
		date = *req.Date
	}
	consult, err := h.patients.AddConsultation(c.Request.Context(), patientID, date, req.Diagnosis, req.Medications)
	if err != nil {
		if errors.Is(err, patient.ErrDiagnosisRequired) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, consult)
}

func (h *Handler) setAuthCookies(c *gin.Context, authToken, csrfToken string) {
	ttl := int(h.auth.TokenTTL().Seconds())
	if ttl <= 0 {
		ttl = 3600
	}
	secure := gin.Mode() == gin.ReleaseMode
	setCookie(c, &http.Cookie{
		Name:     h.auth.AuthCookieName(),
		Value:    authToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	setCookie(c, &http.Cookie{
		Name:     h.auth.CSRFCookieName(),
		Value:    csrfToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: false,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) clearAuthCookies(c *gin.Context) {
	for _, name := range []string{h.auth.AuthCookieName(), h.auth.CSRFCookieName()} {
		setCookie(c, &http.Cookie{
			Name:     name,
			Value:    "",
			MaxAge:   -1,
			Path:     "/",
			Secure:   gin.Mode() == gin.ReleaseMode,
			HttpOnly: name == h.auth.AuthCookieName(),
			SameSite: http.SameSiteStrictMode,
		})
	}
}

func setCookie(c *gin.Context, ck *http.Cookie) {
	if ck == nil {
		return
	}
	http.SetCookie(c.Writer, ck)
}
