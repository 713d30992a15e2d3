package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/smallbiznis/sfconnect/internal/config"
	"github.com/smallbiznis/sfconnect/internal/http/handler"
	httpmiddleware "github.com/smallbiznis/sfconnect/internal/http/middleware"
	"github.com/smallbiznis/sfconnect/internal/middleware"
)

// NewRouter wires Gin routes and middleware.
func NewRouter(cfg config.Config, connectHandler *handler.ConnectHandler, authMiddleware *httpmiddleware.Auth, rateLimiter *middleware.RateLimiter, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(logger))
	r.Use(middleware.CORS(cfg))
	r.Use(otelgin.Middleware(cfg.ServiceName))

	r.GET("/health", connectHandler.Health)

	// settings are checked before the caller is authenticated
	r.POST("/sfdc-auth-initiate",
		httpmiddleware.RequireSettings(cfg.MissingInitiateSettings),
		rateLimiter.Handler(),
		authMiddleware.RequireUser,
		connectHandler.Initiate,
	)
	r.GET("/sfdc-auth-callback", rateLimiter.Handler(), connectHandler.Callback)

	connections := r.Group("/connections", rateLimiter.Handler(), authMiddleware.RequireUser)
	{
		connections.GET("", connectHandler.ListConnections)
		connections.DELETE("/:id", connectHandler.Disconnect)
		connections.POST("/:id/refresh", connectHandler.Refresh)
	}

	r.NoMethod(connectHandler.MethodNotAllowed)
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	})

	return r
}
