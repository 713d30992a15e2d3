package handler

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/smallbiznis/sfconnect/internal/config"
	"github.com/smallbiznis/sfconnect/internal/domain"
	domainoauth "github.com/smallbiznis/sfconnect/internal/domain/oauth"
	"github.com/smallbiznis/sfconnect/internal/http/middleware"
	"github.com/smallbiznis/sfconnect/internal/service/connect"
)

// ConnectHandler serves the Salesforce connection endpoints.
type ConnectHandler struct {
	Connect connect.ConnectService
	Config  config.Config
	Logger  *zap.Logger
}

// NewConnectHandler creates the handler set.
func NewConnectHandler(svc connect.ConnectService, cfg config.Config, logger *zap.Logger) *ConnectHandler {
	return &ConnectHandler{Connect: svc, Config: cfg, Logger: logger}
}

type connectionView struct {
	ID          string    `json:"id"`
	SFOrgID     string    `json:"sf_org_id"`
	SFUserID    string    `json:"sf_user_id"`
	InstanceURL string    `json:"instance_url"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func newConnectionView(conn domain.Connection) connectionView {
	return connectionView{
		ID:          strconv.FormatInt(conn.ID, 10),
		SFOrgID:     conn.SFOrgID,
		SFUserID:    conn.SFUserID,
		InstanceURL: conn.InstanceURL,
		Status:      string(conn.Status),
		CreatedAt:   conn.CreatedAt,
		UpdatedAt:   conn.UpdatedAt,
	}
}

// Initiate starts the authorization and returns the Salesforce URL.
func (h *ConnectHandler) Initiate(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
		return
	}

	out, err := h.Connect.Initiate(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, domain.ErrStorage) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store OAuth state"})
			return
		}
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"authorizationUrl": out.AuthorizationURL})
}

// Callback finishes the authorization and always answers with a redirect to the frontend.
func (h *ConnectHandler) Callback(c *gin.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			h.log().Error("panic in salesforce callback", zap.Any("panic", rec))
			h.redirectCallbackError(c, connect.ReasonInternal)
		}
	}()

	if errParam := strings.TrimSpace(c.Query("error")); errParam != "" {
		// the user denied access or Salesforce refused the request
		h.log().Warn("salesforce returned authorization error", zap.String("error", errParam))
		h.redirectCallbackError(c, connect.ReasonInvalidRequest)
		return
	}

	conn, err := h.Connect.Callback(c.Request.Context(), connect.CallbackInput{
		Code:  c.Query("code"),
		State: c.Query("state"),
	})
	if err != nil {
		reason := connect.ReasonInternal
		var cbErr *connect.CallbackError
		if errors.As(err, &cbErr) {
			reason = cbErr.Reason
		}
		h.redirectCallbackError(c, reason)
		return
	}

	params := url.Values{}
	params.Set("connect", "success")
	params.Set("org_id", conn.SFOrgID)
	c.Redirect(http.StatusFound, h.settingsURL(params))
}

// ListConnections returns the caller's Salesforce connections.
func (h *ConnectHandler) ListConnections(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
		return
	}
	conns, err := h.Connect.ListConnections(c.Request.Context(), userID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	views := make([]connectionView, 0, len(conns))
	for _, conn := range conns {
		views = append(views, newConnectionView(conn))
	}
	c.JSON(http.StatusOK, views)
}

// Disconnect marks a connection inactive.
func (h *ConnectHandler) Disconnect(c *gin.Context) {
	userID, id, ok := h.connectionTarget(c)
	if !ok {
		return
	}
	if err := h.Connect.Disconnect(c.Request.Context(), userID, id); err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": string(domain.ConnectionInactive)})
}

// Refresh renews the stored access token.
func (h *ConnectHandler) Refresh(c *gin.Context) {
	userID, id, ok := h.connectionTarget(c)
	if !ok {
		return
	}
	conn, err := h.Connect.Refresh(c.Request.Context(), userID, id)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, newConnectionView(*conn))
}

// Health is a liveness check.
func (h *ConnectHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}

// MethodNotAllowed is installed as the engine's NoMethod handler.
func (h *ConnectHandler) MethodNotAllowed(c *gin.Context) {
	c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "Method not allowed"})
}

func (h *ConnectHandler) connectionTarget(c *gin.Context) (string, int64, bool) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
		return "", 0, false
	}
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid connection id"})
		return "", 0, false
	}
	return userID, id, true
}

func (h *ConnectHandler) redirectCallbackError(c *gin.Context, reason connect.FailureReason) {
	if h.Config.FrontendURL == "" {
		// nowhere to send the browser
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing required environment variables: FRONTEND_URL"})
		return
	}
	params := url.Values{}
	params.Set("connect", "error")
	params.Set("reason", string(reason))
	c.Redirect(http.StatusFound, h.settingsURL(params))
}

func (h *ConnectHandler) settingsURL(params url.Values) string {
	return strings.TrimRight(h.Config.FrontendURL, "/") + "/settings?" + params.Encode()
}

func (h *ConnectHandler) respondServiceError(c *gin.Context, err error) {
	var cfgErr *domain.ConfigurationError
	switch {
	case errors.As(err, &cfgErr) && len(cfgErr.Missing) > 0:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing required environment variables: " + strings.Join(cfgErr.Missing, ", ")})
	case errors.As(err, &cfgErr):
		// names the setting and the problem, never its value
		h.log().Error("invalid server configuration", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": cfgErr.Error()})
	case errors.Is(err, domain.ErrConfiguration):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid server configuration"})
	case errors.Is(err, domain.ErrAuthentication):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
	case errors.Is(err, domain.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
	case errors.Is(err, domainoauth.ErrInvalidState), errors.Is(err, domainoauth.ErrExpiredState):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired state"})
	case errors.Is(err, domain.ErrConnectionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Connection not found"})
	case errors.Is(err, domain.ErrConnectionInactive):
		c.JSON(http.StatusConflict, gin.H{"error": "Connection is inactive; reconnect to use it"})
	case errors.Is(err, domain.ErrReauthRequired):
		c.JSON(http.StatusConflict, gin.H{"error": "Salesforce rejected the refresh token; reconnect required"})
	case errors.Is(err, domainoauth.ErrTokenExchange):
		c.JSON(http.StatusBadGateway, gin.H{"error": "Salesforce token request failed"})
	default:
		h.log().Error("connect request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}

func (h *ConnectHandler) log() *zap.Logger {
	if h != nil && h.Logger != nil {
		return h.Logger
	}
	return zap.L()
}
