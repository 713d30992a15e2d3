package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/smallbiznis/sfconnect/internal/domain"
	"github.com/smallbiznis/sfconnect/internal/identity"
)

const userIDKey = "userID"

// Auth resolves the dashboard bearer token to a user id.
type Auth struct {
	Verifier identity.Verifier
	Logger   *zap.Logger
}

// NewAuth builds the bearer-token middleware.
func NewAuth(verifier identity.Verifier, logger *zap.Logger) *Auth {
	return &Auth{Verifier: verifier, Logger: logger}
}

// RequireUser aborts with 401 unless the request carries a valid bearer token.
func (m *Auth) RequireUser(c *gin.Context) {
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	if header == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "No authorization header"})
		return
	}
	token := header
	if parts := strings.SplitN(header, " ", 2); len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		token = strings.TrimSpace(parts[1])
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
		return
	}

	userID, err := m.Verifier.Verify(c.Request.Context(), token)
	if err != nil {
		if errors.Is(err, domain.ErrAuthentication) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			return
		}
		m.log().Error("identity verification failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to verify user"})
		return
	}

	c.Set(userIDKey, userID)
	c.Next()
}

// GetUserID returns the authenticated user id set by RequireUser.
func GetUserID(c *gin.Context) (string, bool) {
	value, ok := c.Get(userIDKey)
	if !ok {
		return "", false
	}
	userID, ok := value.(string)
	return userID, ok && userID != ""
}

func (m *Auth) log() *zap.Logger {
	if m != nil && m.Logger != nil {
		return m.Logger
	}
	return zap.L()
}
