package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	patientIDContextKey = "auth_patient_id"
	authTokenContextKey = "auth_token"
)

// Middleware validates bearer or cookie tokens and stores the authenticated
// patient in the context.
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authToken := s.extractToken(c)
		if authToken == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": ErrTokenRequired.Error()})
			return
		}
		patientID, err := s.ValidateToken(c.Request.Context(), authToken)
		if err != nil {
			if errors.Is(err, ErrInvalidToken) || errors.Is(err, ErrTokenExpired) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
				return
			}
			s.logger.Error().Err(err).Msg("validate token")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "could not validate token"})
			return
		}
		c.Set(patientIDContextKey, patientID)
		c.Set(authTokenContextKey, authToken)
		c.Next()
	}
}

// PatientIDFromContext retrieves the authenticated patient row id.
func PatientIDFromContext(c *gin.Context) (int64, bool) {
	val, ok := c.Get(patientIDContextKey)
	if !ok {
		return 0, false
	}
	patientID, ok := val.(int64)
	return patientID, ok
}

// AuthTokenFromContext retrieves the bearer token captured by the middleware.
func AuthTokenFromContext(c *gin.Context) (string, bool) {
	val, ok := c.Get(authTokenContextKey)
	if !ok {
		return "", false
	}
	token, ok := val.(string)
	return token, ok
}

func (s *Service) extractToken(c *gin.Context) string {
	authHeader := c.GetHeader(s.headerName)
	if hasBearer(authHeader) {
		return strings.TrimSpace(authHeader[7:])
	}
	if token, err := c.Cookie(s.cookieName); err == nil && token != "" {
		return token
	}
	// browsers cannot set headers on a websocket handshake or EventSource
	if c.IsWebsocket() || strings.Contains(c.GetHeader("Accept"), "text/event-stream") {
		return c.Query("token")
	}
	return ""
}
