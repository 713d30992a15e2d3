package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// RequireSettings answers 400 naming the missing deployment settings before any
// other processing happens.
func RequireSettings(missing func() []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if names := missing(); len(names) > 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error": "Missing required environment variables: " + strings.Join(names, ", "),
			})
			return
		}
		c.Next()
	}
}
