package core

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// AdminOnly must run after RequireSession; it admits admin principals only.
func AdminOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := principalFrom(c)
		if !ok {
			respondError(c, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
			c.Abort()
			return
		}
		if !p.IsAdmin() {
			respondError(c, http.StatusForbidden, "FORBIDDEN", "admin role required")
			c.Abort()
			return
		}
		c.Next()
	}
}
